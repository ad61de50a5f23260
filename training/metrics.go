package training

import (
	"math"
	"strings"
	"time"

	"github.com/tsawler/go-attention/errdefs"
)

// Metrics summarizes one epoch.
type Metrics struct {
	Epoch         int // checkpoint number of the epoch, starting at 1
	Loss          float64
	Accuracy      float64
	ValLoss       float64
	ValAccuracy   float64
	HasValidation bool
	LearningRate  float64
	Duration      time.Duration
}

// Monitor names an epoch metric watched by a policy.
type Monitor string

const (
	MonitorLoss        Monitor = "loss"
	MonitorAccuracy    Monitor = "acc"
	MonitorValLoss     Monitor = "val_loss"
	MonitorValAccuracy Monitor = "val_acc"
)

// ParseMonitor accepts the short names and their long forms "accuracy" and "val_accuracy".
func ParseMonitor(s string) (Monitor, error) {
	switch strings.ToLower(s) {
	case "loss":
		return MonitorLoss, nil
	case "acc", "accuracy":
		return MonitorAccuracy, nil
	case "val_loss":
		return MonitorValLoss, nil
	case "val_acc", "val_accuracy":
		return MonitorValAccuracy, nil
	default:
		return "", errdefs.NewConfigError("monitor", "unknown metric %q", s)
	}
}

// Validation reports whether the metric is computed on validation data.
func (m Monitor) Validation() bool {
	return strings.HasPrefix(string(m), "val_")
}

// Maximize reports whether larger values are better.
func (m Monitor) Maximize() bool {
	return strings.HasSuffix(string(m), "acc")
}

// Value extracts the monitored metric. It is NaN when the metric was not computed.
func (m Monitor) Value(metrics Metrics) float64 {
	if m.Validation() && !metrics.HasValidation {
		return math.NaN()
	}
	switch m {
	case MonitorLoss:
		return metrics.Loss
	case MonitorAccuracy:
		return metrics.Accuracy
	case MonitorValLoss:
		return metrics.ValLoss
	case MonitorValAccuracy:
		return metrics.ValAccuracy
	default:
		return math.NaN()
	}
}

// improvement tracks the best value of a monitored metric.
type improvement struct {
	monitor  Monitor
	minDelta float64
	best     float64
}

func newImprovement(monitor Monitor, minDelta float64) improvement {
	imp := improvement{monitor: monitor, minDelta: math.Abs(minDelta)}
	imp.reset()
	return imp
}

func (imp *improvement) reset() {
	if imp.monitor.Maximize() {
		imp.best = math.Inf(-1)
	} else {
		imp.best = math.Inf(1)
	}
}

// update records value and reports whether it beats the best by more than minDelta.
func (imp *improvement) update(value float64) bool {
	var better bool
	if imp.monitor.Maximize() {
		better = value-imp.minDelta > imp.best
	} else {
		better = value+imp.minDelta < imp.best
	}
	if better {
		imp.best = value
	}
	return better
}
