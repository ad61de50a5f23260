// Package model assembles a backbone, the attention head and an optimizer into the trainable
// unit driven by the training orchestrator.
package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-attention/attention"
	"github.com/tsawler/go-attention/backbone"
	"github.com/tsawler/go-attention/checkpoints"
	"github.com/tsawler/go-attention/errdefs"
	"github.com/tsawler/go-attention/nn"
	"github.com/tsawler/go-attention/optimizer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// BatchStats summarizes one training step.
type BatchStats struct {
	Loss     float64 // mean cross-entropy
	Accuracy float64
	Samples  int
}

// Metrics summarizes an evaluation pass.
type Metrics struct {
	Loss     float64
	Accuracy float64
	Samples  int
}

// Model is an attention classifier: a frozen backbone, a trainable attention head and the
// optimizer that updates the head.
type Model struct {
	cfg      Config
	backbone backbone.Backbone
	network  *attention.Network
	opt      optimizer.Optimizer
	workers  int
	logger   *zap.SugaredLogger
}

// Option configures Build.
type Option func(*Model)

// WithLogger sets the model logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(m *Model) { m.logger = logger }
}

// WithOptimizer replaces the optimizer built from Config.Optimizer.
func WithOptimizer(opt optimizer.Optimizer) Option {
	return func(m *Model) { m.opt = opt }
}

// Build validates cfg against the backbone and allocates every parameter. Configuration and
// shape errors are reported here, before any training.
func Build(cfg Config, bb backbone.Backbone, opts ...Option) (*Model, error) {
	if bb == nil {
		return nil, errdefs.NewConfigError("backbone", "must not be nil")
	}
	if cfg.Architecture != VGG && cfg.Architecture != ResNet {
		return nil, errdefs.NewConfigError("architecture", "unknown architecture %d", int(cfg.Architecture))
	}
	if cfg.Dataset == "" || strings.ContainsAny(cfg.Dataset, "- /\\") {
		return nil, errdefs.NewConfigError("dataset", "%q must be a non-empty name without dashes, spaces or path separators", cfg.Dataset)
	}
	if cfg.Workers < 0 {
		return nil, errdefs.NewConfigError("workers", "must not be negative, got %d", cfg.Workers)
	}
	if !cfg.Levels.Valid() {
		return nil, errdefs.NewConfigError("attention levels", "must be 1, 2 or 3, got %d", int(cfg.Levels))
	}
	if len(bb.LocalChannels()) < cfg.Levels.Count() {
		return nil, errdefs.NewConfigError("attention levels", "%d levels requested but the backbone exposes %d feature maps", cfg.Levels.Count(), len(bb.LocalChannels()))
	}

	network, err := attention.NewNetwork(attention.NetworkConfig{
		Selection:     cfg.Levels,
		Fusion:        cfg.Fusion,
		Scoring:       cfg.Scoring,
		Classes:       cfg.Classes,
		LocalChannels: bb.LocalChannels(),
		GlobalDim:     bb.GlobalDim(),
		ProjectGlobal: cfg.ProjectGlobal,
	}, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, err
	}

	m := &Model{
		cfg:      cfg,
		backbone: bb,
		network:  network,
		workers:  cfg.Workers,
		logger:   zap.NewNop().Sugar(),
	}
	if m.workers == 0 {
		m.workers = runtime.GOMAXPROCS(0)
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.opt == nil {
		m.opt, err = cfg.Optimizer.Build()
		if err != nil {
			return nil, errdefs.NewConfigError("optimizer", "%v", err)
		}
	}

	m.logger.Debugw("built attention model", "run", m.RunName(), "params", len(network.Params()))
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// RunName identifies the model variant in checkpoint names.
func (m *Model) RunName() string { return m.cfg.RunName() }

// Key is the checkpoint key of the model trained on its dataset.
func (m *Model) Key() checkpoints.Key {
	return checkpoints.Key{Run: m.RunName(), Dataset: m.cfg.Dataset}
}

// Network exposes the attention head.
func (m *Model) Network() *attention.Network { return m.network }

// Params returns the trainable parameters.
func (m *Model) Params() []*nn.Param { return m.network.Params() }

// Optimizer returns the optimizer. Callers that adjust the learning rate assert it to
// optimizer.LRControl.
func (m *Model) Optimizer() optimizer.Optimizer { return m.opt }

// Predict returns the class distribution for one image.
func (m *Model) Predict(ctx context.Context, image *tensor.Dense) (attention.FusionOutput, error) {
	out, _, err := m.forward(ctx, image)
	return out, err
}

// Explain returns the class distribution and the attention map of every selected scale.
func (m *Model) Explain(ctx context.Context, image *tensor.Dense) (attention.FusionOutput, []attention.AttentionMap, error) {
	out, trace, err := m.forward(ctx, image)
	if err != nil {
		return nil, nil, err
	}
	return out, attention.AttentionMaps(trace), nil
}

func (m *Model) forward(ctx context.Context, image *tensor.Dense) (attention.FusionOutput, *attention.Trace, error) {
	features, err := m.backbone.Forward(ctx, image)
	if err != nil {
		return nil, nil, errors.Wrap(err, "backbone forward")
	}
	return m.network.Forward(features)
}

func (m *Model) checkBatch(images []*tensor.Dense, labels []int) error {
	if len(images) != len(labels) {
		return errdefs.NewShapeError("labels", len(images), len(labels))
	}
	if len(images) == 0 {
		return errors.New("empty batch")
	}
	for i, y := range labels {
		if y < 0 || y >= m.cfg.Classes {
			return fmt.Errorf("label %d of sample %d is outside [0, %d)", y, i, m.cfg.Classes)
		}
	}
	return nil
}

// shard is the partial result of one worker.
type shard struct {
	grads   *nn.Grads
	loss    float64
	correct int
}

// run splits the batch across workers. With train set every worker accumulates gradients.
func (m *Model) run(ctx context.Context, images []*tensor.Dense, labels []int, train bool) ([]shard, error) {
	workers := m.workers
	if workers > len(images) {
		workers = len(images)
	}
	shards := make([]shard, workers)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			s := shard{}
			if train {
				s.grads = nn.NewGrads()
			}
			for i := w; i < len(images); i += workers {
				out, trace, err := m.forward(ctx, images[i])
				if err != nil {
					return errors.Wrapf(err, "sample %d", i)
				}
				if nn.Argmax(out) == labels[i] {
					s.correct++
				}
				if train {
					s.loss += m.network.Backward(trace, labels[i], s.grads)
				} else {
					s.loss += nn.CrossEntropy(out, labels[i])
				}
			}
			shards[w] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return shards, nil
}

// TrainBatch runs forward and backward passes over the batch, averages the gradients and
// takes one optimizer step. A non-finite loss returns errdefs.ErrDivergence and leaves the
// parameters untouched.
func (m *Model) TrainBatch(ctx context.Context, images []*tensor.Dense, labels []int) (BatchStats, error) {
	if err := m.checkBatch(images, labels); err != nil {
		return BatchStats{}, err
	}
	shards, err := m.run(ctx, images, labels, true)
	if err != nil {
		return BatchStats{}, err
	}

	total := nn.NewGrads()
	stats := BatchStats{Samples: len(images)}
	correct := 0
	for _, s := range shards {
		total.Merge(s.grads)
		stats.Loss += s.loss
		correct += s.correct
	}
	stats.Loss /= float64(len(images))
	stats.Accuracy = float64(correct) / float64(len(images))

	if math.IsNaN(stats.Loss) || math.IsInf(stats.Loss, 0) {
		return stats, errors.Wrapf(errdefs.ErrDivergence, "batch loss is %v", stats.Loss)
	}

	params := m.Params()
	m.opt.ZeroGrad(params)
	total.Apply(1 / float64(len(images)))
	if err := m.opt.Step(params); err != nil {
		return stats, errors.Wrap(err, "optimizer step")
	}
	return stats, nil
}

// Evaluate computes the mean loss and accuracy of the model on a labelled set.
func (m *Model) Evaluate(ctx context.Context, images []*tensor.Dense, labels []int) (Metrics, error) {
	if err := m.checkBatch(images, labels); err != nil {
		return Metrics{}, err
	}
	shards, err := m.run(ctx, images, labels, false)
	if err != nil {
		return Metrics{}, err
	}
	metrics := Metrics{Samples: len(images)}
	correct := 0
	for _, s := range shards {
		metrics.Loss += s.loss
		correct += s.correct
	}
	metrics.Loss /= float64(len(images))
	metrics.Accuracy = float64(correct) / float64(len(images))
	return metrics, nil
}

// Snapshot copies every parameter into checkpoint weight tensors.
func (m *Model) Snapshot() []checkpoints.WeightTensor {
	params := m.Params()
	weights := make([]checkpoints.WeightTensor, 0, len(params))
	for _, p := range params {
		layer, kind := p.Name, ""
		if i := strings.LastIndexByte(p.Name, '.'); i >= 0 {
			layer, kind = p.Name[:i], p.Name[i+1:]
		}
		weights = append(weights, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Value...),
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// Restore loads weights into the model's parameters. When byName is false every parameter must
// be present with an identical shape. When byName is true, as for transfer learning, only the
// parameters whose name and shape match are loaded and the rest keep their values. It returns
// the number of parameters loaded.
func (m *Model) Restore(weights []checkpoints.WeightTensor, byName bool) (int, error) {
	byKey := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byKey[w.Name] = w
	}

	type assignment struct {
		param *nn.Param
		data  []float64
	}
	var pending []assignment
	for _, p := range m.Params() {
		w, ok := byKey[p.Name]
		if !ok {
			if byName {
				continue
			}
			return 0, fmt.Errorf("weights for %s are missing", p.Name)
		}
		if !sameShape(p.Shape, w.Shape) || len(w.Data) != p.Size() {
			if byName {
				m.logger.Debugw("skipping weights with a different shape", "name", p.Name, "want", p.Shape, "got", w.Shape)
				continue
			}
			return 0, errdefs.NewShapeError("weights "+p.Name, p.Size(), len(w.Data))
		}
		pending = append(pending, assignment{param: p, data: w.Data})
	}

	for _, a := range pending {
		if err := a.param.SetValue(a.data); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
