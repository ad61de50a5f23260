// Package errdefs defines the error classes shared by the attention model, the checkpoint
// store and the training orchestrator.
//
// Configuration and shape errors are raised while a model or orchestrator is constructed so
// that a misconfigured run fails before any epoch is trained. IOWarning values describe
// checkpoint housekeeping failures; they are logged and never abort a run. ErrDivergence is
// returned by the numerical side when the loss stops being finite and is passed to the caller
// unchanged.
package errdefs

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConfig is the sentinel matched by every ConfigError.
	ErrConfig = errors.New("invalid configuration")

	// ErrShape is the sentinel matched by every ShapeError.
	ErrShape = errors.New("shape mismatch")

	// ErrDivergence reports a non-finite training loss.
	ErrDivergence = errors.New("training diverged")

	// ErrRunLocked reports that another Fit owns the run's checkpoint key.
	ErrRunLocked = errors.New("run is locked by another training process")
)

// ConfigError describes an invalid option detected at construction time.
type ConfigError struct {
	Field  string
	Reason string
}

// NewConfigError returns a ConfigError for field.
func NewConfigError(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
}

// Is reports ErrConfig as the class of e.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// ShapeError describes a channel or length mismatch between two arrays.
type ShapeError struct {
	What string
	Want int
	Got  int
}

// NewShapeError returns a ShapeError.
func NewShapeError(what string, want, got int) *ShapeError {
	return &ShapeError{What: what, Want: want, Got: got}
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape mismatch for %s: want %d, got %d", e.What, e.Want, e.Got)
}

// Is reports ErrShape as the class of e.
func (e *ShapeError) Is(target error) bool {
	return target == ErrShape
}

// IOWarning wraps a non-fatal filesystem problem with the path it concerns.
type IOWarning struct {
	Path string
	Err  error
}

func (w *IOWarning) Error() string {
	return fmt.Sprintf("checkpoint warning for %q: %v", w.Path, w.Err)
}

// Unwrap returns the underlying error.
func (w *IOWarning) Unwrap() error {
	return w.Err
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	return errors.Is(err, ErrConfig)
}

// IsShape reports whether err is a shape error.
func IsShape(err error) bool {
	return errors.Is(err, ErrShape)
}

// IsDivergence reports whether err is a divergence error.
func IsDivergence(err error) bool {
	return errors.Is(err, ErrDivergence)
}

// IsWarning reports whether err is, or wraps, an IOWarning.
func IsWarning(err error) bool {
	var w *IOWarning
	return errors.As(err, &w)
}
