package attention

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/tsawler/go-attention/errdefs"
	"github.com/tsawler/go-attention/nn"
)

// FusionPolicy selects how context vectors from several scales become one prediction.
type FusionPolicy int

const (
	// Concat feeds the concatenated context vectors to a single classifier.
	Concat FusionPolicy = iota
	// Independent classifies every scale separately and averages the distributions.
	Independent
)

func (p FusionPolicy) String() string {
	switch p {
	case Concat:
		return "concat"
	case Independent:
		return "indep"
	default:
		return fmt.Sprintf("FusionPolicy(%d)", int(p))
	}
}

// ParseFusionPolicy accepts "concat" and "indep"/"independent".
func ParseFusionPolicy(s string) (FusionPolicy, error) {
	switch strings.ToLower(s) {
	case "concat", "concatenate":
		return Concat, nil
	case "indep", "independent":
		return Independent, nil
	default:
		return 0, errdefs.NewConfigError("fusion policy", "unknown policy %q", s)
	}
}

// ScaleSelection is the number of scales that take part in fusion, finest first.
type ScaleSelection int

const (
	FinestOnly   ScaleSelection = 1
	FinestAndMid ScaleSelection = 2
	AllScales    ScaleSelection = 3
)

// Valid reports whether s names one of the three selections.
func (s ScaleSelection) Valid() bool {
	return s >= FinestOnly && s <= AllScales
}

// Count returns the number of participating scales.
func (s ScaleSelection) Count() int { return int(s) }

func (s ScaleSelection) String() string {
	if !s.Valid() {
		return fmt.Sprintf("ScaleSelection(%d)", int(s))
	}
	return fmt.Sprintf("att%d", int(s))
}

// FusionOutput is a probability distribution over classes.
type FusionOutput []float64

// Fusion maps the selected context vectors to class probabilities.
type Fusion struct {
	policy    FusionPolicy
	selection ScaleSelection
	classes   int
	channels  []int
	heads     []*nn.Dense // one head for Concat, one per scale for Independent
}

// FusionTrace keeps the classifier inputs and outputs for the backward pass.
type FusionTrace struct {
	Inputs [][]float64 // classifier input per head
	Probs  [][]float64 // softmax output per head
	Output FusionOutput
}

// NewFusion creates the classifier heads. channels lists the context vector length of every
// available scale, finest first; at least selection.Count() entries are required.
func NewFusion(policy FusionPolicy, selection ScaleSelection, channels []int, classes int, rng *rand.Rand) (*Fusion, error) {
	if !selection.Valid() {
		return nil, errdefs.NewConfigError("scale selection", "must select 1, 2 or 3 scales, got %d", int(selection))
	}
	if len(channels) < selection.Count() {
		return nil, errdefs.NewConfigError("scale selection", "%d scales selected but only %d available", selection.Count(), len(channels))
	}
	if classes < 2 {
		return nil, errdefs.NewConfigError("classes", "need at least 2 classes, got %d", classes)
	}

	f := &Fusion{
		policy:    policy,
		selection: selection,
		classes:   classes,
		channels:  append([]int(nil), channels[:selection.Count()]...),
	}
	switch policy {
	case Concat:
		total := 0
		for _, c := range f.channels {
			total += c
		}
		head, err := nn.NewDense(fmt.Sprintf("%dConcatG", classes), total, classes, rng)
		if err != nil {
			return nil, err
		}
		f.heads = []*nn.Dense{head}
	case Independent:
		for i, c := range f.channels {
			head, err := nn.NewDense(fmt.Sprintf("%dindepsoftmaxg%d", classes, i+1), c, classes, rng)
			if err != nil {
				return nil, err
			}
			f.heads = append(f.heads, head)
		}
	default:
		return nil, errdefs.NewConfigError("fusion policy", "unknown policy %d", int(policy))
	}
	return f, nil
}

// Policy returns the fusion policy.
func (f *Fusion) Policy() FusionPolicy { return f.policy }

// Selection returns the scale selection.
func (f *Fusion) Selection() ScaleSelection { return f.selection }

// Classes returns the number of output classes.
func (f *Fusion) Classes() int { return f.classes }

// Params returns the parameters of every classifier head.
func (f *Fusion) Params() []*nn.Param {
	var params []*nn.Param
	for _, h := range f.heads {
		params = append(params, h.Params()...)
	}
	return params
}

// Fuse combines contexts into a class distribution. Contexts beyond the selection are ignored.
func (f *Fusion) Fuse(contexts []ContextVector) (FusionOutput, error) {
	trace, err := f.Forward(contexts)
	if err != nil {
		return nil, err
	}
	return trace.Output, nil
}

// Forward is Fuse that also returns the values needed by Backward.
func (f *Fusion) Forward(contexts []ContextVector) (*FusionTrace, error) {
	n := f.selection.Count()
	if len(contexts) < n {
		return nil, errdefs.NewConfigError("scale selection", "%d scales selected but %d context vectors given", n, len(contexts))
	}
	for i := 0; i < n; i++ {
		if len(contexts[i]) != f.channels[i] {
			return nil, errdefs.NewShapeError(fmt.Sprintf("context vector %d", i+1), f.channels[i], len(contexts[i]))
		}
	}

	trace := &FusionTrace{}
	switch f.policy {
	case Concat:
		var joined []float64
		for i := 0; i < n; i++ {
			joined = append(joined, contexts[i]...)
		}
		logits, err := f.heads[0].Forward(joined)
		if err != nil {
			return nil, err
		}
		p := nn.Softmax(logits)
		trace.Inputs = [][]float64{joined}
		trace.Probs = [][]float64{p}
		trace.Output = FusionOutput(p)
	case Independent:
		mean := make([]float64, f.classes)
		for i := 0; i < n; i++ {
			logits, err := f.heads[i].Forward(contexts[i])
			if err != nil {
				return nil, err
			}
			p := nn.Softmax(logits)
			for k, v := range p {
				mean[k] += v
			}
			trace.Inputs = append(trace.Inputs, []float64(contexts[i]))
			trace.Probs = append(trace.Probs, p)
		}
		for k := range mean {
			mean[k] /= float64(n)
		}
		trace.Output = FusionOutput(mean)
	}
	return trace, nil
}

// Backward accumulates classifier gradients for the cross-entropy loss of label and returns
// the loss and dL/dc for every selected scale.
func (f *Fusion) Backward(trace *FusionTrace, label int, grads *nn.Grads) (float64, [][]float64) {
	loss := nn.CrossEntropy(trace.Output, label)
	dContexts := make([][]float64, f.selection.Count())

	switch f.policy {
	case Concat:
		// softmax + cross-entropy: dz = p - onehot(label)
		p := trace.Probs[0]
		dz := append([]float64(nil), p...)
		dz[label] -= 1
		dx := f.heads[0].Backward(trace.Inputs[0], dz, grads)
		offset := 0
		for i, c := range f.channels {
			dContexts[i] = dx[offset : offset+c]
			offset += c
		}
	case Independent:
		// L = -log(mean_i p_i[y]); dL/dp_i[y] = -1/(n * mean[y]).
		n := float64(len(trace.Probs))
		py := trace.Output[label]
		if py < 1e-12 {
			py = 1e-12
		}
		for i, p := range trace.Probs {
			dp := make([]float64, len(p))
			dp[label] = -1 / (n * py)
			dz := nn.SoftmaxBackward(p, dp)
			dContexts[i] = f.heads[i].Backward(trace.Inputs[i], dz, grads)
		}
	}
	return loss, dContexts
}
