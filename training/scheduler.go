package training

import (
	"math"
	"sort"

	"github.com/tsawler/go-attention/errdefs"
)

// LRScheduler derives the learning rate of an epoch from the epoch number alone, so a resumed
// run gets the rate an uninterrupted run would have had. Epochs are zero-based.
type LRScheduler interface {
	// GetLR returns the learning rate for epoch given the initial rate.
	GetLR(epoch int, baseLR float64) float64

	// Period identifies the interval epoch falls in. The rate is constant within a period, so
	// it only has to be applied when the period changes.
	Period(epoch int) int

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler multiplies the initial rate by Gamma every StepSize epochs.
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a periodic step decay scheduler.
func NewStepLRScheduler(stepSize int, gamma float64) (*StepLRScheduler, error) {
	if stepSize <= 0 {
		return nil, errdefs.NewConfigError("step size", "must be positive, got %d", stepSize)
	}
	if gamma <= 0 {
		return nil, errdefs.NewConfigError("gamma", "must be positive, got %g", gamma)
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}, nil
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(s.Period(epoch)))
}

func (s *StepLRScheduler) Period(epoch int) int {
	return epoch / s.StepSize
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// MultiStepLRScheduler multiplies the initial rate by Gamma once for every milestone that has
// been reached.
type MultiStepLRScheduler struct {
	Milestones []int // ascending, unique
	Gamma      float64
}

// NewMultiStepLRScheduler creates a milestone decay scheduler. The milestones are copied and
// sorted.
func NewMultiStepLRScheduler(milestones []int, gamma float64) (*MultiStepLRScheduler, error) {
	if len(milestones) == 0 {
		return nil, errdefs.NewConfigError("milestones", "at least one milestone is required")
	}
	if gamma <= 0 {
		return nil, errdefs.NewConfigError("gamma", "must be positive, got %g", gamma)
	}
	sorted := append([]int(nil), milestones...)
	sort.Ints(sorted)
	for i, m := range sorted {
		if m <= 0 {
			return nil, errdefs.NewConfigError("milestones", "must be positive, got %d", m)
		}
		if i > 0 && sorted[i-1] == m {
			return nil, errdefs.NewConfigError("milestones", "epoch %d is listed twice", m)
		}
	}
	return &MultiStepLRScheduler{Milestones: sorted, Gamma: gamma}, nil
}

func (s *MultiStepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(s.Period(epoch)))
}

// Period is the number of milestones at or before epoch.
func (s *MultiStepLRScheduler) Period(epoch int) int {
	return sort.Search(len(s.Milestones), func(i int) bool { return s.Milestones[i] > epoch })
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// PiecewiseLRScheduler returns absolute rates from a table. Values[i] applies to epochs before
// Boundaries[i]; the last value applies from the last boundary on. The initial rate is ignored.
type PiecewiseLRScheduler struct {
	Boundaries []int
	Values     []float64
}

// NewPiecewiseLRScheduler creates a table scheduler. There must be exactly one more value than
// boundaries and the boundaries must be strictly increasing.
func NewPiecewiseLRScheduler(boundaries []int, values []float64) (*PiecewiseLRScheduler, error) {
	if len(values) != len(boundaries)+1 {
		return nil, errdefs.NewConfigError("piecewise values", "want %d values for %d boundaries, got %d", len(boundaries)+1, len(boundaries), len(values))
	}
	for i, b := range boundaries {
		if i > 0 && boundaries[i-1] >= b {
			return nil, errdefs.NewConfigError("piecewise boundaries", "must be strictly increasing at index %d", i)
		}
	}
	for _, v := range values {
		if v <= 0 {
			return nil, errdefs.NewConfigError("piecewise values", "learning rates must be positive, got %g", v)
		}
	}
	return &PiecewiseLRScheduler{
		Boundaries: append([]int(nil), boundaries...),
		Values:     append([]float64(nil), values...),
	}, nil
}

// TransferSchedule is the warm-up and decay table used when fine-tuning from transferred
// weights: it ramps to 0.4 over the first 90 epochs, then halves every 30 epochs.
func TransferSchedule() *PiecewiseLRScheduler {
	s, err := NewPiecewiseLRScheduler(
		[]int{30, 60, 90, 120, 150, 180, 210, 240, 270},
		[]float64{0.1, 0.2, 0.4, 0.2, 0.1, 0.05, 0.025, 0.0125, 0.00625, 0.003125},
	)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *PiecewiseLRScheduler) GetLR(epoch int, _ float64) float64 {
	return s.Values[s.Period(epoch)]
}

func (s *PiecewiseLRScheduler) Period(epoch int) int {
	return sort.Search(len(s.Boundaries), func(i int) bool { return s.Boundaries[i] > epoch })
}

func (s *PiecewiseLRScheduler) GetName() string {
	return "PiecewiseLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) (*ExponentialLRScheduler, error) {
	if gamma <= 0 || gamma > 1 {
		return nil, errdefs.NewConfigError("gamma", "must be in (0, 1], got %g", gamma)
	}
	return &ExponentialLRScheduler{Gamma: gamma}, nil
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) Period(epoch int) int { return epoch }

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) (*CosineAnnealingLRScheduler, error) {
	if tMax <= 0 {
		return nil, errdefs.NewConfigError("t max", "must be positive, got %d", tMax)
	}
	if etaMin < 0 {
		return nil, errdefs.NewConfigError("eta min", "must not be negative, got %g", etaMin)
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}, nil
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) Period(epoch int) int {
	if epoch >= s.TMax {
		return s.TMax
	}
	return epoch
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ConstantLRScheduler keeps the initial rate.
type ConstantLRScheduler struct{}

func (ConstantLRScheduler) GetLR(_ int, baseLR float64) float64 { return baseLR }

func (ConstantLRScheduler) Period(int) int { return 0 }

func (ConstantLRScheduler) GetName() string {
	return "ConstantLR"
}

// ScheduleConfig selects and parameterizes a scheduler.
type ScheduleConfig struct {
	Kind       string    `yaml:"kind"` // step, multistep, piecewise, transfer, exponential, cosine, constant
	StepSize   int       `yaml:"step_size,omitempty"`
	Gamma      float64   `yaml:"gamma,omitempty"`
	Milestones []int     `yaml:"milestones,omitempty"`
	Boundaries []int     `yaml:"boundaries,omitempty"`
	Values     []float64 `yaml:"values,omitempty"`
	TMax       int       `yaml:"t_max,omitempty"`
	EtaMin     float64   `yaml:"eta_min,omitempty"`
}

// Build returns the scheduler described by c.
func (c ScheduleConfig) Build() (LRScheduler, error) {
	switch c.Kind {
	case "step":
		return NewStepLRScheduler(c.StepSize, c.Gamma)
	case "multistep":
		return NewMultiStepLRScheduler(c.Milestones, c.Gamma)
	case "piecewise":
		return NewPiecewiseLRScheduler(c.Boundaries, c.Values)
	case "transfer":
		return TransferSchedule(), nil
	case "exponential":
		return NewExponentialLRScheduler(c.Gamma)
	case "cosine":
		return NewCosineAnnealingLRScheduler(c.TMax, c.EtaMin)
	case "", "constant":
		return ConstantLRScheduler{}, nil
	default:
		return nil, errdefs.NewConfigError("schedule", "unknown kind %q", c.Kind)
	}
}
