// Package nn holds the small set of trainable building blocks used by the attention head:
// parameters with gradient buffers, a fully connected layer and softmax/cross-entropy helpers.
//
// Backbone convolutions are not implemented here; they belong to the feature extractor.
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Dense implements a fully connected layer: y = Wx + b.
// Weight is stored as [out, in] row-major.
type Dense struct {
	Name   string
	In     int
	Out    int
	Weight *Param
	Bias   *Param
}

// NewDense creates a Dense layer with Xavier/Glorot uniform initialization
// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out))) and zero bias.
func NewDense(name string, in, out int, rng *rand.Rand) (*Dense, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("dense layer %s: invalid size %dx%d", name, in, out)
	}
	bound := math.Sqrt(6.0 / float64(in+out))
	weight := NewParam(name+".weight", out, in)
	weight.InitUniform(rng, bound)
	return &Dense{
		Name:   name,
		In:     in,
		Out:    out,
		Weight: weight,
		Bias:   NewParam(name+".bias", out),
	}, nil
}

// Params returns the trainable parameters of the layer.
func (d *Dense) Params() []*Param {
	return []*Param{d.Weight, d.Bias}
}

// Forward computes Wx + b.
func (d *Dense) Forward(x []float64) ([]float64, error) {
	if len(x) != d.In {
		return nil, fmt.Errorf("dense layer %s: expected input of length %d, got %d", d.Name, d.In, len(x))
	}
	w := mat.NewDense(d.Out, d.In, d.Weight.Value)
	y := mat.NewVecDense(d.Out, nil)
	y.MulVec(w, mat.NewVecDense(d.In, x))
	y.AddVec(y, mat.NewVecDense(d.Out, d.Bias.Value))
	return y.RawVector().Data, nil
}

// Backward accumulates dW = dy ⊗ x and db = dy into grads and returns dx = Wᵀdy.
func (d *Dense) Backward(x, dy []float64, grads *Grads) []float64 {
	dw := mat.NewDense(d.Out, d.In, grads.For(d.Weight))
	outer := mat.NewDense(d.Out, d.In, nil)
	outer.Outer(1, mat.NewVecDense(d.Out, dy), mat.NewVecDense(d.In, x))
	dw.Add(dw, outer)

	db := grads.For(d.Bias)
	for i, v := range dy {
		db[i] += v
	}

	w := mat.NewDense(d.Out, d.In, d.Weight.Value)
	dx := mat.NewVecDense(d.In, nil)
	dx.MulVec(w.T(), mat.NewVecDense(d.Out, dy))
	return dx.RawVector().Data
}
