package backbone

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-attention/errdefs"
	"gorgonia.org/tensor"
)

func randomImage(rng *rand.Rand, h, w, c int) *tensor.Dense {
	data := make([]float64, h*w*c)
	for i := range data {
		data[i] = rng.Float64()
	}
	return tensor.New(tensor.WithShape(h, w, c), tensor.WithBacking(data))
}

func TestPyramidShapes(t *testing.T) {
	p, err := NewPyramid(PyramidConfig{InputChannels: 3, LocalChannels: []int{8, 16, 16}, GlobalDim: 16, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{8, 16, 16}, p.LocalChannels())
	assert.Equal(t, 16, p.GlobalDim())

	features, err := p.Forward(context.Background(), randomImage(rand.New(rand.NewSource(2)), 8, 8, 3))
	require.NoError(t, err)
	require.Len(t, features.Locals, 3)
	assert.Len(t, features.Global, 16)

	wantDims := [][3]int{{8, 8, 8}, {4, 4, 16}, {2, 2, 16}}
	for i, fm := range features.Locals {
		assert.Equal(t, wantDims[i], [3]int{fm.Height(), fm.Width(), fm.Channels()}, "level %d", i)
		for _, v := range fm.Flat() {
			assert.GreaterOrEqual(t, v, 0.0)
		}
	}
}

func TestPyramidIsDeterministic(t *testing.T) {
	cfg := PyramidConfig{InputChannels: 1, LocalChannels: []int{4, 4}, GlobalDim: 4, Seed: 9}
	a, err := NewPyramid(cfg)
	require.NoError(t, err)
	b, err := NewPyramid(cfg)
	require.NoError(t, err)

	img := randomImage(rand.New(rand.NewSource(3)), 4, 6, 1)
	fa, err := a.Forward(context.Background(), img)
	require.NoError(t, err)
	fb, err := b.Forward(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, fa.Global, fb.Global)
	assert.Equal(t, fa.Locals[1].Flat(), fb.Locals[1].Flat())
}

func TestAvgPool(t *testing.T) {
	// 2x2 single channel image pooled with stride 2 is its mean.
	out := avgPool([]float64{1, 2, 3, 4}, 2, 2, 1, 2)
	r, c := out.Dims()
	assert.Equal(t, 1, r)
	assert.Equal(t, 1, c)
	assert.InDelta(t, 2.5, out.At(0, 0), 1e-12)
}

func TestPyramidErrors(t *testing.T) {
	_, err := NewPyramid(PyramidConfig{InputChannels: 3, GlobalDim: 4})
	assert.True(t, errdefs.IsConfig(err))
	_, err = NewPyramid(PyramidConfig{InputChannels: 3, LocalChannels: []int{4, 0}, GlobalDim: 4})
	assert.True(t, errdefs.IsConfig(err))

	p, err := NewPyramid(PyramidConfig{InputChannels: 3, LocalChannels: []int{4, 4, 4}, GlobalDim: 4})
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(1))

	_, err = p.Forward(context.Background(), randomImage(rng, 8, 8, 1))
	assert.True(t, errdefs.IsShape(err))

	_, err = p.Forward(context.Background(), randomImage(rng, 2, 8, 3))
	assert.True(t, errdefs.IsShape(err), "image smaller than the coarsest window")

	_, err = p.Forward(context.Background(), tensor.New(tensor.WithShape(8, 8), tensor.WithBacking(make([]float64, 64))))
	assert.True(t, errdefs.IsShape(err))

	_, err = p.Forward(context.Background(), tensor.New(tensor.WithShape(8, 8, 3), tensor.WithBacking(make([]float32, 192))))
	assert.True(t, errdefs.IsConfig(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Forward(ctx, randomImage(rng, 8, 8, 3))
	assert.ErrorIs(t, err, context.Canceled)
}
