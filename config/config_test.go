package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-attention/attention"
	"github.com/tsawler/go-attention/checkpoints"
	"github.com/tsawler/go-attention/errdefs"
	"github.com/tsawler/go-attention/logging"
	"github.com/tsawler/go-attention/model"
	"github.com/tsawler/go-attention/training"
)

func TestDefaultPresets(t *testing.T) {
	t.Run("vgg", func(t *testing.T) {
		cfg := Default(model.VGG)
		require.NoError(t, cfg.Validate())

		tc, err := cfg.TrainingConfig()
		require.NoError(t, err)
		assert.Equal(t, 300, tc.Epochs)
		assert.Equal(t, 128, tc.BatchSize)
		assert.Equal(t, "StepLR", tc.Scheduler.GetName())
		assert.InDelta(t, 0.005, tc.Scheduler.GetLR(25, 0.01), 1e-12)
		assert.Equal(t, checkpoints.PrunePolicy{KeepFirst: 1, KeepLast: 4}, tc.Prune)

		fit, err := cfg.FitOptions()
		require.NoError(t, err)
		assert.Equal(t, 7, fit.Patience)
		assert.Equal(t, training.MonitorValAccuracy, fit.EarlyStopMonitor)
		assert.Equal(t, training.MonitorLoss, fit.PlateauMonitor)
		assert.Equal(t, 4, fit.PlateauPatience)
		assert.Zero(t, fit.PlateauFactor)

		mc, err := cfg.ModelConfig()
		require.NoError(t, err)
		assert.Equal(t, "(VGG-att3)-concat-pc-c10", mc.RunName())
		assert.InDelta(t, 1e-7, mc.Optimizer.SGD.Decay, 1e-15)
	})

	t.Run("resnet", func(t *testing.T) {
		cfg := Default(model.ResNet)
		require.NoError(t, cfg.Validate())

		tc, err := cfg.TrainingConfig()
		require.NoError(t, err)
		assert.Equal(t, 200, tc.Epochs)
		assert.Equal(t, 64, tc.BatchSize)
		assert.Equal(t, "MultiStepLR", tc.Scheduler.GetName())
		assert.InDelta(t, 0.002, tc.Scheduler.GetLR(60, 0.01), 1e-12)

		fit, err := cfg.FitOptions()
		require.NoError(t, err)
		assert.Equal(t, 3, fit.Patience)
		assert.Equal(t, training.MonitorAccuracy, fit.PlateauMonitor)

		mc, err := cfg.ModelConfig()
		require.NoError(t, err)
		assert.Equal(t, model.ResNet, mc.Architecture)
		assert.Equal(t, attention.FinestAndMid, mc.Levels)
	})
}

func TestLoadOverlaysPreset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	doc := `
model:
  architecture: resnet
  fusion: indep
  scoring: dp
  dataset: cifar100
  classes: 100
training:
  epochs: 20
  schedule:
    kind: step
    step_size: 5
    gamma: 0.1
  plateau:
    factor: 0.5
storage:
  weights_dir: /tmp/w
  format: json
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Training.Epochs)
	assert.Equal(t, 64, cfg.Training.BatchSize, "kept from the resnet preset")
	assert.Equal(t, 3, cfg.Training.EarlyStopping.Patience)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"stdout"}, cfg.Logging.Outputs)

	mc, err := cfg.ModelConfig()
	require.NoError(t, err)
	assert.Equal(t, "(RN-att2)-indep-dp-c100", mc.RunName())

	format, err := cfg.CheckpointFormat()
	require.NoError(t, err)
	assert.Equal(t, checkpoints.FormatJSON, format)

	fit, err := cfg.FitOptions()
	require.NoError(t, err)
	assert.Equal(t, 0.5, fit.PlateauFactor)
}

func TestParseEmptyDocumentIsDefault(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(model.VGG), cfg)
}

func TestMarshalRoundTrip(t *testing.T) {
	want := Default(model.ResNet)
	want.Training.Transfer = true
	data, err := want.Marshal()
	require.NoError(t, err)

	got, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ATTN_EPOCHS", "12")
	t.Setenv("ATTN_WEIGHTS_DIR", "/data/weights")
	t.Setenv("ATTN_WORKERS", "not-a-number")

	cfg, err := Parse([]byte("training:\n  epochs: 40\n"))
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Training.Epochs)
	assert.Equal(t, "/data/weights", cfg.Storage.WeightsDir)
	assert.Zero(t, cfg.Model.Workers)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		config bool
	}{
		{"unknown field", "training:\n  epoch: 3\n", false},
		{"bad yaml", "model: [", false},
		{"architecture", "model:\n  architecture: lenet\n", true},
		{"levels", "model:\n  levels: 4\n", true},
		{"fusion", "model:\n  fusion: sum\n", true},
		{"classes", "model:\n  classes: 1\n", true},
		{"epochs", "training:\n  epochs: 0\n", true},
		{"schedule", "training:\n  schedule:\n    kind: warmup\n", true},
		{"monitor", "training:\n  early_stopping:\n    monitor: precision\n", true},
		{"plateau factor", "training:\n  plateau:\n    factor: 1.5\n", true},
		{"format", "storage:\n  format: hdf5\n", true},
		{"weights dir", "storage:\n  weights_dir: \"\"\n", true},
		{"optimizer", "model:\n  optimizer:\n    kind: rmsprop\n", true},
		{"log level", "logging:\n  level: loud\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			if tt.config {
				assert.True(t, errdefs.IsConfig(err), "got %v", err)
			}
		})
	}
}

func TestNewStore(t *testing.T) {
	cfg := Default(model.VGG)
	cfg.Storage.WeightsDir = t.TempDir()
	cfg.Storage.Format = "json"
	store, err := cfg.NewStore(logging.NewTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, cfg.Storage.WeightsDir, store.Dir())
	assert.Equal(t, checkpoints.FormatJSON, store.Format())
}
