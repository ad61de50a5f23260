package model

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-attention/attention"
	"github.com/tsawler/go-attention/errdefs"
	"github.com/tsawler/go-attention/optimizer"
)

// Architecture names the backbone family a model is built for. It only affects the run name
// and the training presets; the backbone itself is supplied by the caller.
type Architecture int

const (
	VGG Architecture = iota
	ResNet
)

func (a Architecture) String() string {
	switch a {
	case VGG:
		return "VGG"
	case ResNet:
		return "RN"
	default:
		return fmt.Sprintf("Architecture(%d)", int(a))
	}
}

// ParseArchitecture accepts "vgg" and "resnet"/"rn".
func ParseArchitecture(s string) (Architecture, error) {
	switch strings.ToLower(s) {
	case "vgg":
		return VGG, nil
	case "resnet", "rn":
		return ResNet, nil
	default:
		return 0, errdefs.NewConfigError("architecture", "unknown architecture %q", s)
	}
}

// OptimizerConfig selects and configures the optimizer of a model.
type OptimizerConfig struct {
	Kind string                `yaml:"kind"` // "sgd" or "adam"
	SGD  optimizer.SGDConfig  `yaml:"sgd"`
	Adam optimizer.AdamConfig `yaml:"adam"`
}

// DefaultOptimizerConfig is SGD with lr 0.01, momentum 0.9 and time decay 1e-7.
func DefaultOptimizerConfig() OptimizerConfig {
	sgd := optimizer.DefaultSGDConfig()
	sgd.Momentum = 0.9
	sgd.Decay = 1e-7
	return OptimizerConfig{Kind: "sgd", SGD: sgd, Adam: optimizer.DefaultAdamConfig()}
}

// Build returns the configured optimizer.
func (c OptimizerConfig) Build() (optimizer.Optimizer, error) {
	switch strings.ToLower(c.Kind) {
	case "", "sgd":
		return optimizer.NewSGD(c.SGD)
	case "adam":
		return optimizer.NewAdam(c.Adam)
	default:
		return nil, errdefs.NewConfigError("optimizer", "unknown optimizer %q", c.Kind)
	}
}

// Config describes an attention model.
type Config struct {
	Architecture  Architecture
	Levels        attention.ScaleSelection
	Fusion        attention.FusionPolicy
	Scoring       attention.ScoringPolicy
	Dataset       string
	Classes       int
	ProjectGlobal bool
	Seed          int64
	Workers       int // goroutines per batch; 0 means GOMAXPROCS
	Optimizer     OptimizerConfig
}

// RunName encodes architecture, attention levels, fusion, scoring and class count,
// e.g. "(VGG-att3)-concat-pc-c100".
func (c Config) RunName() string {
	return fmt.Sprintf("(%s-att%d)-%s-%s-c%d", c.Architecture, int(c.Levels), c.Fusion, c.Scoring, c.Classes)
}
