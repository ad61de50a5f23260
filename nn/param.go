package nn

import (
	"fmt"
	"math/rand"

	"github.com/viterin/vek"
)

// Param is a named trainable array. Value and Grad share the same flat row-major layout.
type Param struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

// NewParam allocates a zero-valued parameter with the given shape.
func NewParam(name string, shape ...int) *Param {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Value: make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// Size returns the number of elements in the parameter.
func (p *Param) Size() int {
	return len(p.Value)
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// SetValue replaces the parameter contents after checking the element count.
func (p *Param) SetValue(data []float64) error {
	if len(data) != len(p.Value) {
		return fmt.Errorf("parameter %s: expected %d values, got %d", p.Name, len(p.Value), len(data))
	}
	copy(p.Value, data)
	return nil
}

// InitUniform fills the parameter with values drawn from U(-bound, bound).
func (p *Param) InitUniform(rng *rand.Rand, bound float64) {
	for i := range p.Value {
		p.Value[i] = (rng.Float64()*2.0 - 1.0) * bound
	}
}

// ZeroGrads clears the gradients of every parameter.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Grads accumulates gradients for a set of parameters without touching Param.Grad.
// One Grads value is owned by a single goroutine; shards are combined with Merge.
type Grads struct {
	buf map[*Param][]float64
}

// NewGrads returns an empty accumulator.
func NewGrads() *Grads {
	return &Grads{buf: make(map[*Param][]float64)}
}

// For returns the gradient buffer of p, allocating it on first use.
func (g *Grads) For(p *Param) []float64 {
	b, ok := g.buf[p]
	if !ok {
		b = make([]float64, len(p.Value))
		g.buf[p] = b
	}
	return b
}

// Merge adds every buffer of other into g.
func (g *Grads) Merge(other *Grads) {
	for p, b := range other.buf {
		vek.Add_Inplace(g.For(p), b)
	}
}

// Apply adds the accumulated gradients, multiplied by scale, into Param.Grad.
func (g *Grads) Apply(scale float64) {
	for p, b := range g.buf {
		scaled := vek.MulNumber(b, scale)
		vek.Add_Inplace(p.Grad, scaled)
	}
}
