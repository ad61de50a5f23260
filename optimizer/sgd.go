package optimizer

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-attention/checkpoints"
	"github.com/tsawler/go-attention/nn"
	"github.com/viterin/vek"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	Dampening    float64 `yaml:"dampening"`
	WeightDecay  float64 `yaml:"weight_decay"` // L2 coefficient added to the gradient
	Nesterov     bool    `yaml:"nesterov"`
	Decay        float64 `yaml:"decay"` // time-based decay: lr / (1 + decay*steps)
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// Validate checks the hyperparameter ranges.
func (c SGDConfig) Validate() error {
	if c.LearningRate < 0 {
		return fmt.Errorf("learning rate cannot be negative: %f", c.LearningRate)
	}
	if c.Momentum < 0 || c.Momentum > 1.0 {
		return fmt.Errorf("momentum must be in [0, 1]: %f", c.Momentum)
	}
	if c.Dampening < 0 || c.Dampening > 1.0 {
		return fmt.Errorf("dampening must be in [0, 1]: %f", c.Dampening)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay cannot be negative: %f", c.WeightDecay)
	}
	if c.Decay < 0 {
		return fmt.Errorf("decay cannot be negative: %f", c.Decay)
	}
	if c.Nesterov && (c.Momentum <= 0 || c.Dampening != 0) {
		return fmt.Errorf("nesterov momentum requires a momentum and zero dampening")
	}
	return nil
}

// SGD implements Stochastic Gradient Descent with momentum
type SGD struct {
	config     SGDConfig
	velocities map[string][]float64
	stepCount  uint64
	mutex      sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(config SGDConfig) (*SGD, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &SGD{
		config:     config,
		velocities: make(map[string][]float64),
	}, nil
}

// EffectiveLR is the learning rate applied by the next step after time-based decay.
func (sgd *SGD) EffectiveLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.effectiveLR()
}

func (sgd *SGD) effectiveLR() float64 {
	return sgd.config.LearningRate / (1 + sgd.config.Decay*float64(sgd.stepCount))
}

// Step performs a single optimization step
func (sgd *SGD) Step(params []*nn.Param) error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := sgd.effectiveLR()
	for _, param := range params {
		grad := param.Grad
		if sgd.config.WeightDecay > 0 {
			// grad = grad + weight_decay * param
			grad = vek.Add(grad, vek.MulNumber(param.Value, sgd.config.WeightDecay))
		}

		if sgd.config.Momentum > 0 {
			velocity, err := buffer(sgd.velocities, param.Name, param.Size())
			if err != nil {
				return err
			}
			// velocity = momentum * velocity + (1 - dampening) * grad
			vek.MulNumber_Inplace(velocity, sgd.config.Momentum)
			vek.Add_Inplace(velocity, vek.MulNumber(grad, 1.0-sgd.config.dampeningFor(sgd.stepCount)))

			if sgd.config.Nesterov {
				grad = vek.Add(grad, vek.MulNumber(velocity, sgd.config.Momentum))
			} else {
				grad = velocity
			}
		}

		// param = param - lr * grad
		vek.Sub_Inplace(param.Value, vek.MulNumber(grad, lr))
	}
	sgd.stepCount++
	return nil
}

// dampeningFor returns the dampening of step n. The first step seeds the velocity with the
// undamped gradient.
func (c SGDConfig) dampeningFor(n uint64) float64 {
	if n == 0 {
		return 0
	}
	return c.Dampening
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad(params []*nn.Param) {
	nn.ZeroGrads(params)
}

// GetLR returns the base learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.config.LearningRate
}

// SetLR sets the base learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.config.LearningRate = lr
}

// GetStepCount returns the number of steps taken
func (sgd *SGD) GetStepCount() uint64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.stepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*checkpoints.OptimizerState, error) {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.config.LearningRate,
			"momentum":      sgd.config.Momentum,
			"dampening":     sgd.config.Dampening,
			"weight_decay":  sgd.config.WeightDecay,
			"nesterov":      boolParam(sgd.config.Nesterov),
			"decay":         sgd.config.Decay,
			"step_count":    float64(sgd.stepCount),
		},
		StateData: extractBuffers(sgd.velocities, "velocity"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	config := sgd.config
	config.LearningRate = extractParam(state.Parameters, "learning_rate", config.LearningRate)
	config.Momentum = extractParam(state.Parameters, "momentum", config.Momentum)
	config.Dampening = extractParam(state.Parameters, "dampening", config.Dampening)
	config.WeightDecay = extractParam(state.Parameters, "weight_decay", config.WeightDecay)
	config.Nesterov = extractParam(state.Parameters, "nesterov", boolParam(config.Nesterov)) != 0
	config.Decay = extractParam(state.Parameters, "decay", config.Decay)
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid SGD state: %v", err)
	}

	sgd.config = config
	sgd.stepCount = uint64(extractParam(state.Parameters, "step_count", float64(sgd.stepCount)))
	sgd.velocities = restoreBuffers(state, "velocity")
	return nil
}
