package errdefs

import (
	"fmt"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorClasses(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		config     bool
		shape      bool
		divergence bool
		warning    bool
	}{
		{"config", NewConfigError("patience", "must be positive"), true, false, false, false},
		{"wrapped config", errors.Wrap(NewConfigError("batch size", "zero"), "building run"), true, false, false, false},
		{"shape", NewShapeError("context vector", 4, 3), false, true, false, false},
		{"fmt wrapped shape", fmt.Errorf("scale 2: %w", NewShapeError("u", 8, 4)), false, true, false, false},
		{"divergence", ErrDivergence, false, false, true, false},
		{"warning", &IOWarning{Path: "weights/x 1.ckpt", Err: os.ErrPermission}, false, false, false, true},
		{"plain", errors.New("boom"), false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.config, IsConfig(tt.err))
			assert.Equal(t, tt.shape, IsShape(tt.err))
			assert.Equal(t, tt.divergence, IsDivergence(tt.err))
			assert.Equal(t, tt.warning, IsWarning(tt.err))
		})
	}
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "invalid configuration for patience: must be positive, got -1",
		NewConfigError("patience", "must be positive, got %d", -1).Error())
	assert.Equal(t, "shape mismatch for u: want 8, got 4", NewShapeError("u", 8, 4).Error())

	w := &IOWarning{Path: "a", Err: os.ErrNotExist}
	assert.ErrorIs(t, w, os.ErrNotExist)
	assert.Contains(t, w.Error(), `"a"`)
}
