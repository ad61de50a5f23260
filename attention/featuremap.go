package attention

import (
	"github.com/pkg/errors"
	"github.com/tsawler/go-attention/errdefs"
	"gorgonia.org/tensor"
)

// FeatureMap is a [height, width, channels] activation produced by the backbone at one depth.
// It is never modified after construction.
type FeatureMap struct {
	dense    *tensor.Dense
	data     []float64
	height   int
	width    int
	channels int
}

// NewFeatureMap wraps data laid out row-major as [height, width, channels].
func NewFeatureMap(height, width, channels int, data []float64) (*FeatureMap, error) {
	if height <= 0 || width <= 0 || channels <= 0 {
		return nil, errors.Wrapf(errdefs.ErrShape, "feature map dimensions must be positive, got %dx%dx%d", height, width, channels)
	}
	if len(data) != height*width*channels {
		return nil, errdefs.NewShapeError("feature map data", height*width*channels, len(data))
	}
	backing := append([]float64(nil), data...)
	dense := tensor.New(tensor.WithShape(height, width, channels), tensor.WithBacking(backing))
	return &FeatureMap{dense: dense, data: backing, height: height, width: width, channels: channels}, nil
}

// FeatureMapFromDense adopts a float64 tensor of rank 3.
func FeatureMapFromDense(t *tensor.Dense) (*FeatureMap, error) {
	shape := t.Shape()
	if len(shape) != 3 {
		return nil, errdefs.NewShapeError("feature map rank", 3, len(shape))
	}
	data, ok := t.Data().([]float64)
	if !ok {
		return nil, errdefs.NewConfigError("feature map dtype", "must be float64, got %v", t.Dtype())
	}
	return NewFeatureMap(shape[0], shape[1], shape[2], data)
}

// Height returns the spatial height.
func (f *FeatureMap) Height() int { return f.height }

// Width returns the spatial width.
func (f *FeatureMap) Width() int { return f.width }

// Channels returns the channel count.
func (f *FeatureMap) Channels() int { return f.channels }

// Positions returns height*width.
func (f *FeatureMap) Positions() int { return f.height * f.width }

// Row returns the channel vector at flattened spatial position n. The slice aliases the
// map's storage and must not be modified.
func (f *FeatureMap) Row(n int) []float64 {
	return f.data[n*f.channels : (n+1)*f.channels]
}

// Flat returns the (H·W)×C row-major view of the map. The slice must not be modified.
func (f *FeatureMap) Flat() []float64 {
	return f.data
}

// Tensor returns the underlying tensor.
func (f *FeatureMap) Tensor() *tensor.Dense {
	return f.dense
}

// GlobalDescriptor is the single vector summarizing the whole input.
type GlobalDescriptor []float64

// Features is one forward pass of the backbone: the global descriptor plus the local feature
// maps ordered finest scale first.
type Features struct {
	Global GlobalDescriptor
	Locals []*FeatureMap
}
