// Package config loads YAML run configurations and turns them into the settings of the model,
// the checkpoint store and the training orchestrator.
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-attention/attention"
	"github.com/tsawler/go-attention/checkpoints"
	"github.com/tsawler/go-attention/errdefs"
	"github.com/tsawler/go-attention/logging"
	"github.com/tsawler/go-attention/model"
	"github.com/tsawler/go-attention/training"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Training TrainingConfig `yaml:"training"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  logging.Config `yaml:"logging"`
}

type ModelConfig struct {
	Architecture  string                `yaml:"architecture"`
	Levels        int                   `yaml:"levels"`
	Fusion        string                `yaml:"fusion"`
	Scoring       string                `yaml:"scoring"`
	Dataset       string                `yaml:"dataset"`
	Classes       int                   `yaml:"classes"`
	ProjectGlobal bool                  `yaml:"project_global"`
	Seed          int64                 `yaml:"seed"`
	Workers       int                   `yaml:"workers"`
	Optimizer     model.OptimizerConfig `yaml:"optimizer"`
}

type TrainingConfig struct {
	Epochs          int                     `yaml:"epochs"`
	BatchSize       int                     `yaml:"batch_size"`
	Shuffle         bool                    `yaml:"shuffle"`
	Seed            int64                   `yaml:"seed"`
	InitialLR       float64                 `yaml:"initial_lr"`
	Schedule        training.ScheduleConfig `yaml:"schedule"`
	Transfer        bool                    `yaml:"transfer"`
	TransferDataset string                  `yaml:"transfer_dataset"`
	NotifyBatches   bool                    `yaml:"notify_batches"`
	EarlyStopping   EarlyStoppingConfig     `yaml:"early_stopping"`
	Plateau         PlateauConfig           `yaml:"plateau"`
}

// EarlyStoppingConfig only takes effect when validation data is passed to Fit.
type EarlyStoppingConfig struct {
	Monitor  string  `yaml:"monitor"`
	MinDelta float64 `yaml:"min_delta"`
	Patience int     `yaml:"patience"`
}

// PlateauConfig is disabled while Factor is zero.
type PlateauConfig struct {
	Monitor  string  `yaml:"monitor"`
	Factor   float64 `yaml:"factor"`
	Patience int     `yaml:"patience"`
	Cooldown int     `yaml:"cooldown"`
	MinLR    float64 `yaml:"min_lr"`
}

type StorageConfig struct {
	WeightsDir string      `yaml:"weights_dir"`
	Format     string      `yaml:"format"` // binary or json
	History    string      `yaml:"history"`
	Prune      PruneConfig `yaml:"prune"`
}

type PruneConfig struct {
	KeepFirst int `yaml:"keep_first"`
	KeepLast  int `yaml:"keep_last"`
}

// Default returns the preset of arch: the VGG or the ResNet attention runs.
func Default(arch model.Architecture) *Config {
	cfg := &Config{
		Model: ModelConfig{
			Architecture: "vgg",
			Levels:       int(attention.AllScales),
			Fusion:       attention.Concat.String(),
			Scoring:      attention.Parametrised.String(),
			Dataset:      "cifar10",
			Classes:      10,
			Optimizer:    model.DefaultOptimizerConfig(),
		},
		Training: TrainingConfig{
			Epochs:          300,
			BatchSize:       128,
			Shuffle:         true,
			InitialLR:       0.01,
			Schedule:        training.ScheduleConfig{Kind: "step", StepSize: 25, Gamma: 0.5},
			TransferDataset: "cifar100",
			NotifyBatches:   true,
			EarlyStopping:   EarlyStoppingConfig{Monitor: string(training.MonitorValAccuracy), Patience: 7},
			Plateau:         PlateauConfig{Monitor: string(training.MonitorLoss), Patience: 4},
		},
		Storage: StorageConfig{
			WeightsDir: "weights",
			Format:     "binary",
			History:    "weights/history.db",
			Prune:      PruneConfig{KeepFirst: 1, KeepLast: 4},
		},
		Logging: logging.DefaultConfig(),
	}
	if arch == model.ResNet {
		cfg.Model.Architecture = "resnet"
		cfg.Model.Levels = int(attention.FinestAndMid)
		cfg.Model.Optimizer.SGD.Decay = 0
		cfg.Training.Epochs = 200
		cfg.Training.BatchSize = 64
		cfg.Training.Schedule = training.ScheduleConfig{Kind: "multistep", Milestones: []int{60, 120, 160}, Gamma: 0.2}
		cfg.Training.EarlyStopping.Patience = 3
		cfg.Training.Plateau.Monitor = string(training.MonitorAccuracy)
	}
	return cfg
}

// Load reads the YAML file at path over the preset named by its model.architecture (VGG when
// absent), applies ATTN_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "loading config %s", path)
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	var probe struct {
		Model struct {
			Architecture string `yaml:"architecture"`
		} `yaml:"model"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, errors.Wrap(err, "parsing yaml")
	}
	arch := model.VGG
	if probe.Model.Architecture != "" {
		a, err := model.ParseArchitecture(probe.Model.Architecture)
		if err != nil {
			return nil, err
		}
		arch = a
	}

	cfg := Default(arch)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decoding yaml")
	}
	cfg.applyEnvironment()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironment() {
	if v := os.Getenv("ATTN_WEIGHTS_DIR"); v != "" {
		c.Storage.WeightsDir = v
	}
	if v := os.Getenv("ATTN_HISTORY"); v != "" {
		c.Storage.History = v
	}
	if v := os.Getenv("ATTN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ATTN_EPOCHS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Training.Epochs = n
		}
	}
	if v := os.Getenv("ATTN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Model.Workers = n
		}
	}
}

// Validate converts every section once so that a bad value fails before any training.
func (c *Config) Validate() error {
	if _, err := c.ModelConfig(); err != nil {
		return err
	}
	if _, err := c.TrainingConfig(); err != nil {
		return err
	}
	if _, err := c.FitOptions(); err != nil {
		return err
	}
	if _, err := c.CheckpointFormat(); err != nil {
		return err
	}
	if c.Storage.WeightsDir == "" {
		return errdefs.NewConfigError("storage.weights_dir", "must not be empty")
	}
	if _, err := logging.NewLoggerConfig(c.Logging); err != nil {
		return errdefs.NewConfigError("logging.level", "%v", err)
	}
	return nil
}

// ModelConfig returns the model settings.
func (c *Config) ModelConfig() (model.Config, error) {
	arch, err := model.ParseArchitecture(c.Model.Architecture)
	if err != nil {
		return model.Config{}, err
	}
	fusion, err := attention.ParseFusionPolicy(c.Model.Fusion)
	if err != nil {
		return model.Config{}, err
	}
	scoring, err := attention.ParseScoringPolicy(c.Model.Scoring)
	if err != nil {
		return model.Config{}, err
	}
	levels := attention.ScaleSelection(c.Model.Levels)
	if !levels.Valid() {
		return model.Config{}, errdefs.NewConfigError("model.levels", "must be 1, 2 or 3, got %d", c.Model.Levels)
	}
	if c.Model.Classes < 2 {
		return model.Config{}, errdefs.NewConfigError("model.classes", "need at least 2, got %d", c.Model.Classes)
	}
	if c.Model.Dataset == "" {
		return model.Config{}, errdefs.NewConfigError("model.dataset", "must not be empty")
	}
	if _, err := c.Model.Optimizer.Build(); err != nil {
		return model.Config{}, err
	}
	return model.Config{
		Architecture:  arch,
		Levels:        levels,
		Fusion:        fusion,
		Scoring:       scoring,
		Dataset:       c.Model.Dataset,
		Classes:       c.Model.Classes,
		ProjectGlobal: c.Model.ProjectGlobal,
		Seed:          c.Model.Seed,
		Workers:       c.Model.Workers,
		Optimizer:     c.Model.Optimizer,
	}, nil
}

// TrainingConfig returns the orchestrator settings.
func (c *Config) TrainingConfig() (training.Config, error) {
	sched, err := c.Training.Schedule.Build()
	if err != nil {
		return training.Config{}, err
	}
	cfg := training.Config{
		Epochs:          c.Training.Epochs,
		BatchSize:       c.Training.BatchSize,
		Shuffle:         c.Training.Shuffle,
		Seed:            c.Training.Seed,
		Scheduler:       sched,
		InitialLR:       c.Training.InitialLR,
		TransferDataset: c.Training.TransferDataset,
		Prune: checkpoints.PrunePolicy{
			KeepFirst: c.Storage.Prune.KeepFirst,
			KeepLast:  c.Storage.Prune.KeepLast,
		},
	}
	if err := cfg.Validate(); err != nil {
		return training.Config{}, err
	}
	return cfg, nil
}

// FitOptions returns the per-call options of Fit without validation data; callers attach
// their validation set.
func (c *Config) FitOptions() (training.FitOptions, error) {
	es := c.Training.EarlyStopping
	pl := c.Training.Plateau
	opts := training.FitOptions{
		MinDelta:        es.MinDelta,
		Patience:        es.Patience,
		PlateauFactor:   pl.Factor,
		PlateauPatience: pl.Patience,
		PlateauCooldown: pl.Cooldown,
		PlateauMinLR:    pl.MinLR,
		NotifyBatches:   c.Training.NotifyBatches,
		Transfer:        c.Training.Transfer,
	}
	if es.Monitor != "" {
		m, err := training.ParseMonitor(es.Monitor)
		if err != nil {
			return training.FitOptions{}, err
		}
		opts.EarlyStopMonitor = m
	}
	if pl.Monitor != "" {
		m, err := training.ParseMonitor(pl.Monitor)
		if err != nil {
			return training.FitOptions{}, err
		}
		opts.PlateauMonitor = m
	}
	if es.Patience < 0 || es.MinDelta < 0 {
		return training.FitOptions{}, errdefs.NewConfigError("training.early_stopping", "patience and min_delta must not be negative")
	}
	if pl.Factor < 0 || pl.Factor >= 1 {
		return training.FitOptions{}, errdefs.NewConfigError("training.plateau.factor", "must be in [0, 1), got %g", pl.Factor)
	}
	return opts, nil
}

// CheckpointFormat returns the configured checkpoint encoding.
func (c *Config) CheckpointFormat() (checkpoints.CheckpointFormat, error) {
	switch strings.ToLower(c.Storage.Format) {
	case "", "binary", "pb", "protobuf":
		return checkpoints.FormatBinary, nil
	case "json":
		return checkpoints.FormatJSON, nil
	default:
		return 0, errdefs.NewConfigError("storage.format", "unknown format %q", c.Storage.Format)
	}
}

// NewStore opens the checkpoint store of the configured weights directory.
func (c *Config) NewStore(logger logging.Logger) (*checkpoints.Store, error) {
	format, err := c.CheckpointFormat()
	if err != nil {
		return nil, err
	}
	return checkpoints.NewStore(c.Storage.WeightsDir, format, checkpoints.WithLogger(logger)), nil
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(err, "encoding yaml")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encoding yaml")
	}
	return buf.Bytes(), nil
}
