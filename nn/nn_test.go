package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftmax(t *testing.T) {
	tests := []struct {
		name  string
		input []float64
	}{
		{"small", []float64{1, 2, 3}},
		{"large magnitude", []float64{1000, 1001, 999}},
		{"negative", []float64{-50, -51, -49.5}},
		{"single", []float64{42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Softmax(tt.input)
			require.Len(t, p, len(tt.input))
			sum := 0.0
			for _, v := range p {
				assert.False(t, math.IsNaN(v))
				assert.GreaterOrEqual(t, v, 0.0)
				sum += v
			}
			assert.InDelta(t, 1.0, sum, 1e-9)
		})
	}

	p := Softmax([]float64{0, 0})
	assert.InDelta(t, 0.5, p[0], 1e-12)
}

func TestSoftmaxBackwardMatchesFiniteDifference(t *testing.T) {
	x := []float64{0.3, -1.2, 2.0, 0.5}
	dp := []float64{0.7, -0.1, 0.4, 1.3}
	analytic := SoftmaxBackward(Softmax(x), dp)

	const eps = 1e-6
	for i := range x {
		plus := append([]float64(nil), x...)
		minus := append([]float64(nil), x...)
		plus[i] += eps
		minus[i] -= eps
		pp, pm := Softmax(plus), Softmax(minus)
		numeric := 0.0
		for j := range dp {
			numeric += dp[j] * (pp[j] - pm[j]) / (2 * eps)
		}
		assert.InDelta(t, numeric, analytic[i], 1e-6, "component %d", i)
	}
}

func TestCrossEntropy(t *testing.T) {
	assert.InDelta(t, -math.Log(0.25), CrossEntropy([]float64{0.25, 0.75}, 0), 1e-12)
	assert.False(t, math.IsInf(CrossEntropy([]float64{0, 1}, 0), 0))
}

func TestDenseForwardBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d, err := NewDense("fc", 3, 2, rng)
	require.NoError(t, err)
	require.NoError(t, d.Weight.SetValue([]float64{1, 2, 3, 4, 5, 6}))
	require.NoError(t, d.Bias.SetValue([]float64{0.5, -0.5}))

	y, err := d.Forward([]float64{1, 0, -1})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-1.5, -2.5}, y, 1e-12)

	grads := NewGrads()
	dx := d.Backward([]float64{1, 0, -1}, []float64{1, 2}, grads)
	assert.InDeltaSlice(t, []float64{9, 12, 15}, dx, 1e-12)
	assert.InDeltaSlice(t, []float64{1, 0, -1, 2, 0, -2}, grads.For(d.Weight), 1e-12)
	assert.InDeltaSlice(t, []float64{1, 2}, grads.For(d.Bias), 1e-12)

	_, err = d.Forward([]float64{1})
	assert.Error(t, err)
}

func TestNewDenseRejectsEmptyLayer(t *testing.T) {
	_, err := NewDense("bad", 0, 3, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestGradsMergeAndApply(t *testing.T) {
	p := NewParam("p", 2)
	a, b := NewGrads(), NewGrads()
	a.For(p)[0] = 1
	b.For(p)[1] = 3
	a.Merge(b)
	a.Apply(0.5)
	assert.Equal(t, []float64{0.5, 1.5}, p.Grad)

	ZeroGrads([]*Param{p})
	assert.Equal(t, []float64{0, 0}, p.Grad)
}
