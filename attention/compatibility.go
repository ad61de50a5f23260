// Package attention implements the attention head that sits on top of a convolutional
// backbone: compatibility scoring of local features against a global descriptor, softmax
// pooling into per-scale context vectors, and fusion of those vectors into a class
// distribution.
package attention

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/tsawler/go-attention/errdefs"
	"github.com/tsawler/go-attention/nn"
	"github.com/viterin/vek"
)

// ScoringPolicy selects how a spatial location is scored against the global descriptor.
type ScoringPolicy int

const (
	// Parametrised scores a location as u·(l + g) with a learned vector u.
	Parametrised ScoringPolicy = iota
	// DotProduct scores a location as l·g.
	DotProduct
)

func (p ScoringPolicy) String() string {
	switch p {
	case Parametrised:
		return "pc"
	case DotProduct:
		return "dp"
	default:
		return fmt.Sprintf("ScoringPolicy(%d)", int(p))
	}
}

// ParseScoringPolicy accepts "pc"/"parametrised" and "dp"/"dot".
func ParseScoringPolicy(s string) (ScoringPolicy, error) {
	switch strings.ToLower(s) {
	case "pc", "parametrised", "parametrized":
		return Parametrised, nil
	case "dp", "dot", "dotproduct", "dot-product":
		return DotProduct, nil
	default:
		return 0, errdefs.NewConfigError("scoring policy", "unknown policy %q", s)
	}
}

// ScoreMap holds one real-valued score per spatial location, row-major [height, width].
type ScoreMap struct {
	Height int
	Width  int
	Values []float64
}

// Compatibility scores every location of a feature map against a global descriptor.
// The policy is fixed at construction; u is allocated only for Parametrised.
type Compatibility struct {
	name     string
	policy   ScoringPolicy
	channels int
	u        *nn.Param
}

// NewCompatibility builds a scorer for feature maps with the given channel count.
// The learned vector starts from U(-0.05, 0.05), the usual uniform initializer.
func NewCompatibility(name string, policy ScoringPolicy, channels int, rng *rand.Rand) (*Compatibility, error) {
	if channels <= 0 {
		return nil, errdefs.NewConfigError(name, "channel count must be positive, got %d", channels)
	}
	c := &Compatibility{name: name, policy: policy, channels: channels}
	switch policy {
	case Parametrised:
		c.u = nn.NewParam(name+".u", channels)
		c.u.InitUniform(rng, 0.05)
	case DotProduct:
	default:
		return nil, errdefs.NewConfigError(name, "unknown scoring policy %d", int(policy))
	}
	return c, nil
}

// Policy returns the scoring policy.
func (c *Compatibility) Policy() ScoringPolicy { return c.policy }

// Channels returns the channel count this scorer accepts.
func (c *Compatibility) Channels() int { return c.channels }

// Params returns u for the parametrised policy and nothing for dot-product scoring.
func (c *Compatibility) Params() []*nn.Param {
	if c.u == nil {
		return nil
	}
	return []*nn.Param{c.u}
}

// SetVector replaces u. The length must equal the scorer's channel count.
func (c *Compatibility) SetVector(u []float64) error {
	if c.u == nil {
		return errdefs.NewConfigError(c.name, "dot-product scoring has no learned vector")
	}
	if len(u) != c.channels {
		return errdefs.NewShapeError(c.name+".u", c.channels, len(u))
	}
	copy(c.u.Value, u)
	return nil
}

// Score returns one score per location of local. global must already have local's channel count.
func (c *Compatibility) Score(local *FeatureMap, global GlobalDescriptor) (ScoreMap, error) {
	if local.Channels() != c.channels {
		return ScoreMap{}, errdefs.NewShapeError(c.name+" local channels", c.channels, local.Channels())
	}
	if len(global) != c.channels {
		return ScoreMap{}, errdefs.NewShapeError(c.name+" global descriptor", c.channels, len(global))
	}

	n := local.Positions()
	scores := make([]float64, n)
	switch c.policy {
	case Parametrised:
		// u·(l + g) = u·l + u·g; the second term is shared by every location.
		bias := vek.Dot(c.u.Value, global)
		for i := 0; i < n; i++ {
			scores[i] = vek.Dot(local.Row(i), c.u.Value) + bias
		}
	case DotProduct:
		for i := 0; i < n; i++ {
			scores[i] = vek.Dot(local.Row(i), global)
		}
	}
	return ScoreMap{Height: local.Height(), Width: local.Width(), Values: scores}, nil
}

// Backward accumulates du into grads and returns dL/dg for the projected global descriptor.
func (c *Compatibility) Backward(local *FeatureMap, global GlobalDescriptor, dScores []float64, grads *nn.Grads) []float64 {
	dGlobal := make([]float64, c.channels)
	switch c.policy {
	case Parametrised:
		du := grads.For(c.u)
		total := 0.0
		for i, ds := range dScores {
			if ds == 0 {
				continue
			}
			row := local.Row(i)
			for k := range du {
				du[k] += ds * (row[k] + global[k])
			}
			total += ds
		}
		for k := range dGlobal {
			dGlobal[k] = total * c.u.Value[k]
		}
	case DotProduct:
		for i, ds := range dScores {
			if ds == 0 {
				continue
			}
			row := local.Row(i)
			for k := range dGlobal {
				dGlobal[k] += ds * row[k]
			}
		}
	}
	return dGlobal
}
