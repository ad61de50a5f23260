package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestImprovement(t *testing.T) {
	loss := newImprovement(MonitorLoss, -0.1)
	assert.True(t, loss.update(1.0))
	assert.False(t, loss.update(0.95), "within min delta")
	assert.True(t, loss.update(0.85))
	assert.Equal(t, 0.85, loss.best)

	acc := newImprovement(MonitorAccuracy, 0)
	assert.True(t, acc.update(0.1))
	assert.False(t, acc.update(0.1), "equal is not better")
	assert.True(t, acc.update(0.2))

	acc.reset()
	assert.True(t, math.IsInf(acc.best, -1))
	assert.False(t, acc.update(math.NaN()))
}

func TestMonitorValueWithValidation(t *testing.T) {
	m := Metrics{Loss: 2, Accuracy: 0.4, HasValidation: true, ValLoss: 3, ValAccuracy: 0.3}
	assert.Equal(t, 2.0, MonitorLoss.Value(m))
	assert.Equal(t, 3.0, MonitorValLoss.Value(m))
	assert.Equal(t, 0.3, MonitorValAccuracy.Value(m))

	_, err := ParseMonitor("precision")
	assert.Error(t, err)
}
