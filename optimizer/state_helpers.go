package optimizer

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-attention/checkpoints"
	"github.com/tsawler/go-attention/errdefs"
)

// extractBuffers turns named state buffers into checkpoint tensors, sorted by name.
func extractBuffers(buffers map[string][]float64, stateType string) []checkpoints.OptimizerTensor {
	names := make([]string, 0, len(buffers))
	for name := range buffers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]checkpoints.OptimizerTensor, 0, len(names))
	for _, name := range names {
		data := buffers[name]
		out = append(out, checkpoints.OptimizerTensor{
			Name:      name,
			Shape:     []int{len(data)},
			Data:      append([]float64(nil), data...),
			StateType: stateType,
		})
	}
	return out
}

// restoreBuffers collects the tensors of stateType from state.
func restoreBuffers(state *checkpoints.OptimizerState, stateType string) map[string][]float64 {
	buffers := make(map[string][]float64)
	for _, t := range state.StateData {
		if t.StateType == stateType {
			buffers[t.Name] = append([]float64(nil), t.Data...)
		}
	}
	return buffers
}

// buffer returns the state buffer of name, allocating it on first use. A restored buffer whose
// length no longer matches the parameter is a shape error.
func buffer(buffers map[string][]float64, name string, size int) ([]float64, error) {
	buf, ok := buffers[name]
	if !ok {
		buf = make([]float64, size)
		buffers[name] = buf
		return buf, nil
	}
	if len(buf) != size {
		return nil, errdefs.NewShapeError(fmt.Sprintf("optimizer state for %s", name), size, len(buf))
	}
	return buf, nil
}

// extractParam safely extracts a parameter from the state map
func extractParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("no optimizer state to load")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
