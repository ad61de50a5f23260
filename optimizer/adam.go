package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-attention/checkpoints"
	"github.com/tsawler/go-attention/nn"
	"github.com/viterin/vek"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64 `yaml:"learning_rate"`
	Beta1        float64 `yaml:"beta1"`   // first moment decay (typically 0.9)
	Beta2        float64 `yaml:"beta2"`   // second moment decay (typically 0.999)
	Epsilon      float64 `yaml:"epsilon"` // added to the denominator
	WeightDecay  float64 `yaml:"weight_decay"`
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Validate checks the hyperparameter ranges.
func (c AdamConfig) Validate() error {
	if c.LearningRate < 0 {
		return fmt.Errorf("learning rate cannot be negative: %f", c.LearningRate)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return fmt.Errorf("beta1 must be in [0, 1): %f", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("beta2 must be in [0, 1): %f", c.Beta2)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive: %g", c.Epsilon)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay cannot be negative: %f", c.WeightDecay)
	}
	return nil
}

// Adam implements the Adam optimizer with bias correction
type Adam struct {
	config    AdamConfig
	m         map[string][]float64 // first moment estimates
	v         map[string][]float64 // second moment estimates
	stepCount uint64
	mutex     sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(config AdamConfig) (*Adam, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adam{
		config: config,
		m:      make(map[string][]float64),
		v:      make(map[string][]float64),
	}, nil
}

// Step performs a single optimization step
func (adam *Adam) Step(params []*nn.Param) error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	step := adam.stepCount + 1
	bias1 := 1.0 - math.Pow(adam.config.Beta1, float64(step))
	bias2 := 1.0 - math.Pow(adam.config.Beta2, float64(step))

	for _, param := range params {
		grad := param.Grad
		if adam.config.WeightDecay > 0 {
			grad = vek.Add(grad, vek.MulNumber(param.Value, adam.config.WeightDecay))
		}

		m, err := buffer(adam.m, param.Name, param.Size())
		if err != nil {
			return err
		}
		v, err := buffer(adam.v, param.Name, param.Size())
		if err != nil {
			return err
		}

		// m = beta1 * m + (1 - beta1) * grad
		vek.MulNumber_Inplace(m, adam.config.Beta1)
		vek.Add_Inplace(m, vek.MulNumber(grad, 1-adam.config.Beta1))
		// v = beta2 * v + (1 - beta2) * grad^2
		vek.MulNumber_Inplace(v, adam.config.Beta2)
		vek.Add_Inplace(v, vek.MulNumber(vek.Mul(grad, grad), 1-adam.config.Beta2))

		// param -= lr * m_hat / (sqrt(v_hat) + eps)
		denom := vek.Sqrt(vek.MulNumber(v, 1/bias2))
		vek.AddNumber_Inplace(denom, adam.config.Epsilon)
		update := vek.Div(vek.MulNumber(m, adam.config.LearningRate/bias1), denom)
		vek.Sub_Inplace(param.Value, update)
	}
	adam.stepCount = step
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad(params []*nn.Param) {
	nn.ZeroGrads(params)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.config.LearningRate
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.config.LearningRate = lr
}

// GetStepCount returns the number of steps taken
func (adam *Adam) GetStepCount() uint64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.stepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*checkpoints.OptimizerState, error) {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	stateData := extractBuffers(adam.m, "m")
	stateData = append(stateData, extractBuffers(adam.v, "v")...)
	return &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": adam.config.LearningRate,
			"beta1":         adam.config.Beta1,
			"beta2":         adam.config.Beta2,
			"epsilon":       adam.config.Epsilon,
			"weight_decay":  adam.config.WeightDecay,
			"step_count":    float64(adam.stepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	config := adam.config
	config.LearningRate = extractParam(state.Parameters, "learning_rate", config.LearningRate)
	config.Beta1 = extractParam(state.Parameters, "beta1", config.Beta1)
	config.Beta2 = extractParam(state.Parameters, "beta2", config.Beta2)
	config.Epsilon = extractParam(state.Parameters, "epsilon", config.Epsilon)
	config.WeightDecay = extractParam(state.Parameters, "weight_decay", config.WeightDecay)
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid Adam state: %v", err)
	}

	adam.config = config
	adam.stepCount = uint64(extractParam(state.Parameters, "step_count", float64(adam.stepCount)))
	adam.m = restoreBuffers(state, "m")
	adam.v = restoreBuffers(state, "v")
	return nil
}
