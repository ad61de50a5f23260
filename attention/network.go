package attention

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-attention/errdefs"
	"github.com/tsawler/go-attention/nn"
)

// NetworkConfig describes the attention head on top of a backbone.
type NetworkConfig struct {
	Selection     ScaleSelection
	Fusion        FusionPolicy
	Scoring       ScoringPolicy
	Classes       int
	LocalChannels []int // channel count of each local feature map, finest first
	GlobalDim     int
	ProjectGlobal bool
}

// Network is the complete attention head: one Scale per selected feature map and a Fusion.
type Network struct {
	cfg    NetworkConfig
	scales []*Scale
	fusion *Fusion
}

// Trace records one forward pass.
type Trace struct {
	Scales []*ScaleTrace
	Fusion *FusionTrace
}

// NewNetwork validates cfg and allocates every parameter. All configuration and shape errors
// surface here.
func NewNetwork(cfg NetworkConfig, rng *rand.Rand) (*Network, error) {
	if !cfg.Selection.Valid() {
		return nil, errdefs.NewConfigError("scale selection", "must select 1, 2 or 3 scales, got %d", int(cfg.Selection))
	}
	n := cfg.Selection.Count()
	if len(cfg.LocalChannels) < n {
		return nil, errdefs.NewConfigError("local channels", "%d scales selected but backbone exposes %d feature maps", n, len(cfg.LocalChannels))
	}

	net := &Network{cfg: cfg}
	for i := 0; i < n; i++ {
		scale, err := NewScale(ScaleConfig{
			Name:          fmt.Sprintf("scale%d", i+1),
			Policy:        cfg.Scoring,
			Channels:      cfg.LocalChannels[i],
			GlobalDim:     cfg.GlobalDim,
			ProjectGlobal: cfg.ProjectGlobal,
		}, rng)
		if err != nil {
			return nil, err
		}
		net.scales = append(net.scales, scale)
	}

	fusion, err := NewFusion(cfg.Fusion, cfg.Selection, cfg.LocalChannels, cfg.Classes, rng)
	if err != nil {
		return nil, err
	}
	net.fusion = fusion
	return net, nil
}

// Config returns the configuration the network was built with.
func (n *Network) Config() NetworkConfig { return n.cfg }

// Scales returns the per-scale modules, finest first.
func (n *Network) Scales() []*Scale { return n.scales }

// Fusion returns the fusion module.
func (n *Network) Fusion() *Fusion { return n.fusion }

// Params returns every trainable parameter in a stable order.
func (n *Network) Params() []*nn.Param {
	var params []*nn.Param
	for _, s := range n.scales {
		params = append(params, s.Params()...)
	}
	return append(params, n.fusion.Params()...)
}

// Forward runs every selected scale and fuses the context vectors.
func (n *Network) Forward(features Features) (FusionOutput, *Trace, error) {
	if len(features.Locals) < len(n.scales) {
		return nil, nil, errdefs.NewConfigError("features", "%d scales selected but %d feature maps given", len(n.scales), len(features.Locals))
	}
	if len(features.Global) != n.cfg.GlobalDim {
		return nil, nil, errdefs.NewShapeError("global descriptor", n.cfg.GlobalDim, len(features.Global))
	}

	trace := &Trace{}
	contexts := make([]ContextVector, len(n.scales))
	for i, s := range n.scales {
		st, err := s.Forward(features.Locals[i], features.Global)
		if err != nil {
			return nil, nil, err
		}
		trace.Scales = append(trace.Scales, st)
		contexts[i] = st.Context
	}

	ft, err := n.fusion.Forward(contexts)
	if err != nil {
		return nil, nil, err
	}
	trace.Fusion = ft
	return ft.Output, trace, nil
}

// Backward accumulates the gradients of the cross-entropy loss for label and returns the loss.
func (n *Network) Backward(trace *Trace, label int, grads *nn.Grads) float64 {
	loss, dContexts := n.fusion.Backward(trace.Fusion, label, grads)
	for i, s := range n.scales {
		s.Backward(trace.Scales[i], dContexts[i], grads)
	}
	return loss
}

// AttentionMaps returns the attention distribution of every scale in trace.
func AttentionMaps(trace *Trace) []AttentionMap {
	maps := make([]AttentionMap, len(trace.Scales))
	for i, st := range trace.Scales {
		maps[i] = st.Attention
	}
	return maps
}
