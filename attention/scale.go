package attention

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-attention/errdefs"
	"github.com/tsawler/go-attention/nn"
)

// ScaleConfig describes one attention scale.
type ScaleConfig struct {
	Name          string
	Policy        ScoringPolicy
	Channels      int  // channel count of the local feature map
	GlobalDim     int  // length of the global descriptor
	ProjectGlobal bool // learn a linear map GlobalDim -> Channels when they differ
}

// Scale scores one local feature map against the (possibly projected) global descriptor and
// pools it into a context vector.
type Scale struct {
	name       string
	projection *nn.Dense
	compat     *Compatibility
}

// ScaleTrace keeps the intermediate values of one Scale.Forward for the backward pass.
type ScaleTrace struct {
	Local     *FeatureMap
	Global    GlobalDescriptor // as received
	Projected GlobalDescriptor // as scored
	Scores    ScoreMap
	Attention AttentionMap
	Context   ContextVector
}

// NewScale validates the channel contract of a scale. A descriptor whose length differs from
// the local channel count is a ShapeError unless projection is enabled.
func NewScale(cfg ScaleConfig, rng *rand.Rand) (*Scale, error) {
	if cfg.Channels <= 0 {
		return nil, errdefs.NewConfigError(cfg.Name, "channel count must be positive, got %d", cfg.Channels)
	}
	if cfg.GlobalDim <= 0 {
		return nil, errdefs.NewConfigError(cfg.Name, "global descriptor length must be positive, got %d", cfg.GlobalDim)
	}

	s := &Scale{name: cfg.Name}
	if cfg.GlobalDim != cfg.Channels {
		if !cfg.ProjectGlobal {
			return nil, errdefs.NewShapeError(cfg.Name+" global descriptor", cfg.Channels, cfg.GlobalDim)
		}
		projection, err := nn.NewDense(fmt.Sprintf("%s.globalg%d", cfg.Name, cfg.Channels), cfg.GlobalDim, cfg.Channels, rng)
		if err != nil {
			return nil, err
		}
		s.projection = projection
	}

	compat, err := NewCompatibility(cfg.Name+".compat", cfg.Policy, cfg.Channels, rng)
	if err != nil {
		return nil, err
	}
	s.compat = compat
	return s, nil
}

// Compatibility returns the scale's scorer.
func (s *Scale) Compatibility() *Compatibility { return s.compat }

// Projected reports whether the scale learns a projection of the global descriptor.
func (s *Scale) Projected() bool { return s.projection != nil }

// Params returns the projection and compatibility parameters of the scale.
func (s *Scale) Params() []*nn.Param {
	var params []*nn.Param
	if s.projection != nil {
		params = append(params, s.projection.Params()...)
	}
	return append(params, s.compat.Params()...)
}

// Forward runs scoring and pooling for one local feature map.
func (s *Scale) Forward(local *FeatureMap, global GlobalDescriptor) (*ScaleTrace, error) {
	projected := global
	if s.projection != nil {
		out, err := s.projection.Forward(global)
		if err != nil {
			return nil, err
		}
		projected = out
	}
	scores, err := s.compat.Score(local, projected)
	if err != nil {
		return nil, err
	}
	attention, context, err := Pool(scores, local)
	if err != nil {
		return nil, err
	}
	return &ScaleTrace{
		Local:     local,
		Global:    global,
		Projected: projected,
		Scores:    scores,
		Attention: attention,
		Context:   context,
	}, nil
}

// Backward propagates dL/dc through pooling, scoring and projection into grads.
func (s *Scale) Backward(trace *ScaleTrace, dContext []float64, grads *nn.Grads) {
	dScores := PoolBackward(trace.Attention, trace.Local, dContext)
	dProjected := s.compat.Backward(trace.Local, trace.Projected, dScores, grads)
	if s.projection != nil {
		s.projection.Backward(trace.Global, dProjected, grads)
	}
}
