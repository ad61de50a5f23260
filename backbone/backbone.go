// Package backbone provides the feature extractor that feeds the attention head: local feature
// maps at several depths plus one global descriptor per image.
//
// Pyramid is a frozen, deterministic extractor used for tests, examples and synthetic runs.
// Convolutional VGG or ResNet stacks can be plugged in through the Backbone interface.
package backbone

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-attention/attention"
	"github.com/tsawler/go-attention/errdefs"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// Backbone produces attention features for one image.
type Backbone interface {
	// Forward extracts the features of image, a [height, width, channels] float64 tensor.
	Forward(ctx context.Context, image *tensor.Dense) (attention.Features, error)
	// LocalChannels lists the channel count of every local feature map, finest first.
	LocalChannels() []int
	// GlobalDim is the length of the global descriptor.
	GlobalDim() int
}

// PyramidConfig configures a Pyramid.
type PyramidConfig struct {
	InputChannels int   // channels of the input image
	LocalChannels []int // output channels per level, finest first
	GlobalDim     int
	Seed          int64
}

// Pyramid average-pools the image at strides 1, 2, 4, ... and lifts every level to its channel
// count with a fixed random linear map followed by ReLU. The global descriptor is the spatial
// mean of the coarsest level mapped to GlobalDim.
type Pyramid struct {
	cfg    PyramidConfig
	lifts  []*mat.Dense // [in × out] per level
	global *mat.Dense   // [coarsest channels × GlobalDim]
}

// NewPyramid builds the fixed projections of a Pyramid from cfg.Seed.
func NewPyramid(cfg PyramidConfig) (*Pyramid, error) {
	if cfg.InputChannels <= 0 {
		return nil, errdefs.NewConfigError("input channels", "must be positive, got %d", cfg.InputChannels)
	}
	if len(cfg.LocalChannels) == 0 {
		return nil, errdefs.NewConfigError("local channels", "at least one level is required")
	}
	if cfg.GlobalDim <= 0 {
		return nil, errdefs.NewConfigError("global dim", "must be positive, got %d", cfg.GlobalDim)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	p := &Pyramid{cfg: cfg}
	for i, c := range cfg.LocalChannels {
		if c <= 0 {
			return nil, errdefs.NewConfigError(fmt.Sprintf("local channels[%d]", i), "must be positive, got %d", c)
		}
		p.lifts = append(p.lifts, randomMatrix(rng, cfg.InputChannels, c))
	}
	coarsest := cfg.LocalChannels[len(cfg.LocalChannels)-1]
	p.global = randomMatrix(rng, coarsest, cfg.GlobalDim)
	return p, nil
}

func randomMatrix(rng *rand.Rand, in, out int) *mat.Dense {
	scale := math.Sqrt(2.0 / float64(in))
	data := make([]float64, in*out)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	return mat.NewDense(in, out, data)
}

// LocalChannels implements Backbone.
func (p *Pyramid) LocalChannels() []int {
	return append([]int(nil), p.cfg.LocalChannels...)
}

// GlobalDim implements Backbone.
func (p *Pyramid) GlobalDim() int { return p.cfg.GlobalDim }

// Stride returns the pooling stride of level i.
func Stride(level int) int { return 1 << level }

// Forward implements Backbone. The image must be at least Stride(levels-1) pixels in each
// spatial dimension; trailing rows and columns that do not fill a pooling window are dropped.
func (p *Pyramid) Forward(ctx context.Context, image *tensor.Dense) (attention.Features, error) {
	if err := ctx.Err(); err != nil {
		return attention.Features{}, err
	}
	shape := image.Shape()
	if len(shape) != 3 {
		return attention.Features{}, errdefs.NewShapeError("image rank", 3, len(shape))
	}
	if shape[2] != p.cfg.InputChannels {
		return attention.Features{}, errdefs.NewShapeError("image channels", p.cfg.InputChannels, shape[2])
	}
	pixels, ok := image.Data().([]float64)
	if !ok {
		return attention.Features{}, errdefs.NewConfigError("image dtype", "must be float64, got %v", image.Dtype())
	}
	h, w := shape[0], shape[1]
	maxStride := Stride(len(p.lifts) - 1)
	if h < maxStride || w < maxStride {
		return attention.Features{}, errors.Wrapf(errdefs.ErrShape, "image %dx%d is smaller than the coarsest pooling window %d", h, w, maxStride)
	}

	var features attention.Features
	var last *mat.Dense
	for level, lift := range p.lifts {
		stride := Stride(level)
		ph, pw := h/stride, w/stride
		pooled := avgPool(pixels, h, w, p.cfg.InputChannels, stride)

		// [ph·pw × in] · [in × out], then ReLU.
		var out mat.Dense
		out.Mul(pooled, lift)
		out.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, &out)

		fm, err := attention.NewFeatureMap(ph, pw, p.cfg.LocalChannels[level], out.RawMatrix().Data)
		if err != nil {
			return attention.Features{}, err
		}
		features.Locals = append(features.Locals, fm)
		last = &out
	}

	rows, cols := last.Dims()
	mean := make([]float64, cols)
	for j := 0; j < cols; j++ {
		mean[j] = mat.Sum(last.ColView(j)) / float64(rows)
	}
	global := mat.NewVecDense(p.cfg.GlobalDim, nil)
	global.MulVec(p.global.T(), mat.NewVecDense(cols, mean))
	features.Global = attention.GlobalDescriptor(global.RawVector().Data)
	return features, nil
}

// avgPool averages non-overlapping stride×stride windows and returns the pooled image as a
// [(h/stride)·(w/stride) × c] matrix.
func avgPool(pixels []float64, h, w, c, stride int) *mat.Dense {
	ph, pw := h/stride, w/stride
	out := mat.NewDense(ph*pw, c, nil)
	norm := 1 / float64(stride*stride)
	for y := 0; y < ph; y++ {
		for x := 0; x < pw; x++ {
			row := out.RawRowView(y*pw + x)
			for dy := 0; dy < stride; dy++ {
				for dx := 0; dx < stride; dx++ {
					base := ((y*stride+dy)*w + (x*stride + dx)) * c
					for k := 0; k < c; k++ {
						row[k] += pixels[base+k] * norm
					}
				}
			}
		}
	}
	return out
}
