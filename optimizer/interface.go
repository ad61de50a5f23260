// Package optimizer implements the gradient-descent optimizers that update the attention
// head's parameters, with state that can be saved into and restored from checkpoints.
package optimizer

import (
	"github.com/tsawler/go-attention/checkpoints"
	"github.com/tsawler/go-attention/nn"
)

// Optimizer defines the common interface for all optimizers.
// Gradients are read from Param.Grad; state buffers are keyed by parameter name so a restored
// state follows the parameters it was saved for.
type Optimizer interface {
	// Step performs a single optimization step on params.
	Step(params []*nn.Param) error

	// ZeroGrad resets the gradients of params.
	ZeroGrad(params []*nn.Param)

	// GetState extracts optimizer state for checkpointing.
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the number of steps taken so far.
	GetStepCount() uint64
}

// LRControl is the settable learning rate of an optimizer. Schedules and plateau reduction
// drive training exclusively through it.
type LRControl interface {
	GetLR() float64
	SetLR(lr float64)
}
