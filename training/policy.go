package training

import (
	"context"
	"math"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tsawler/go-attention/checkpoints"
	"github.com/tsawler/go-attention/errdefs"
	"github.com/tsawler/go-attention/history"
	"github.com/tsawler/go-attention/optimizer"
	"go.uber.org/zap"
)

// Run is the state shared by the policies of one Fit call.
type Run struct {
	Key     checkpoints.Key
	Session uuid.UUID
	Epochs  int     // configured total
	BaseLR  float64 // rate the schedule scales
	Model   Trainable
	LR      optimizer.LRControl
	Store   *checkpoints.Store
	Logger  *zap.SugaredLogger

	stopped bool
}

// Stop ends training after the current epoch.
func (r *Run) Stop() { r.stopped = true }

// Stopped reports whether a policy stopped training.
func (r *Run) Stopped() bool { return r.stopped }

// checkpoint captures the model and optimizer state after epoch.
func (r *Run) checkpoint(epoch int, m Metrics) (*checkpoints.Checkpoint, error) {
	opt := r.Model.Optimizer()
	state, err := opt.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "failed to capture optimizer state")
	}
	return &checkpoints.Checkpoint{
		Weights: r.Model.Snapshot(),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         int(opt.GetStepCount()),
			LearningRate: r.LR.GetLR(),
			Loss:         m.Loss,
			Accuracy:     m.Accuracy,
		},
		OptimizerState: state,
		Metadata: checkpoints.CheckpointMetadata{
			Description: r.Key.String(),
			Tags:        []string{"session:" + r.Session.String()},
		},
	}, nil
}

// Policy reacts to the lifecycle of a run. Policies run in order; an error aborts the run.
// Epochs are zero-based.
type Policy interface {
	BeforeRun(ctx context.Context, run *Run) error
	EpochStart(ctx context.Context, run *Run, epoch int) error
	EpochEnd(ctx context.Context, run *Run, epoch int, m Metrics) error
}

// ScheduleApplier sets the learning rate from a scheduler at the start of an epoch. The rate
// is applied on the first epoch of a run and whenever the scheduler period changes, so an
// adjustment made by another policy holds until the next period.
type ScheduleApplier struct {
	Scheduler LRScheduler

	period  int
	applied bool
}

// NewScheduleApplier creates a ScheduleApplier.
func NewScheduleApplier(s LRScheduler) *ScheduleApplier {
	return &ScheduleApplier{Scheduler: s}
}

func (a *ScheduleApplier) BeforeRun(context.Context, *Run) error {
	a.applied = false
	return nil
}

func (a *ScheduleApplier) EpochStart(_ context.Context, run *Run, epoch int) error {
	period := a.Scheduler.Period(epoch)
	if a.applied && period == a.period {
		return nil
	}
	lr := a.Scheduler.GetLR(epoch, run.BaseLR)
	run.LR.SetLR(lr)
	a.period, a.applied = period, true
	run.Logger.Infow("Updated learning rate", "epoch", epoch, "lr", lr, "scheduler", a.Scheduler.GetName())
	return nil
}

func (a *ScheduleApplier) EpochEnd(context.Context, *Run, int, Metrics) error { return nil }

// Checkpointer saves the model after every epoch under the epoch's number.
type Checkpointer struct{}

func (Checkpointer) BeforeRun(context.Context, *Run) error { return nil }

func (Checkpointer) EpochStart(context.Context, *Run, int) error { return nil }

func (Checkpointer) EpochEnd(_ context.Context, run *Run, _ int, m Metrics) error {
	c, err := run.checkpoint(m.Epoch, m)
	if err != nil {
		return err
	}
	rec, err := run.Store.Save(run.Key, checkpoints.EpochTag(m.Epoch), c)
	if err != nil {
		return errors.Wrapf(err, "failed to save epoch %d", m.Epoch)
	}
	run.Logger.Debugw("saved checkpoint", "path", rec.Path)
	return nil
}

// EarlyStopping stops the run when the monitored metric has not improved by more than
// MinDelta for Patience epochs. When it fires it saves the early record.
type EarlyStopping struct {
	Monitor  Monitor
	MinDelta float64
	Patience int

	imp  improvement
	wait int
}

// NewEarlyStopping creates an early stopping policy.
func NewEarlyStopping(monitor Monitor, minDelta float64, patience int) (*EarlyStopping, error) {
	monitor, err := ParseMonitor(string(monitor))
	if err != nil {
		return nil, err
	}
	if patience <= 0 {
		return nil, errdefs.NewConfigError("patience", "must be positive, got %d", patience)
	}
	if minDelta < 0 {
		return nil, errdefs.NewConfigError("min delta", "must not be negative, got %g", minDelta)
	}
	return &EarlyStopping{Monitor: monitor, MinDelta: minDelta, Patience: patience}, nil
}

func (e *EarlyStopping) BeforeRun(context.Context, *Run) error {
	e.imp = newImprovement(e.Monitor, e.MinDelta)
	e.wait = 0
	return nil
}

func (e *EarlyStopping) EpochStart(context.Context, *Run, int) error { return nil }

func (e *EarlyStopping) EpochEnd(_ context.Context, run *Run, _ int, m Metrics) error {
	value := e.Monitor.Value(m)
	if math.IsNaN(value) {
		run.Logger.Warnw("early stopping metric is not available", "monitor", e.Monitor)
		return nil
	}
	if e.imp.update(value) {
		e.wait = 0
		return nil
	}
	e.wait++
	if e.wait < e.Patience {
		return nil
	}

	c, err := run.checkpoint(m.Epoch, m)
	if err != nil {
		return err
	}
	if _, err := run.Store.Save(run.Key, checkpoints.EarlyTag(), c); err != nil {
		return errors.Wrap(err, "failed to save early-stopped weights")
	}
	run.Logger.Infow("Stopped early", "epoch", m.Epoch, "monitor", e.Monitor, "best", e.imp.best)
	run.Stop()
	return nil
}

// PlateauReducer multiplies the learning rate by Factor when the monitored metric has not
// improved by more than MinDelta for Patience epochs, then waits Cooldown epochs before
// counting again. The rate never drops below MinLR.
type PlateauReducer struct {
	Monitor  Monitor
	Factor   float64
	Patience int
	MinDelta float64
	Cooldown int
	MinLR    float64

	imp      improvement
	wait     int
	cooldown int
}

// NewPlateauReducer creates a plateau policy with the usual threshold of 1e-4.
func NewPlateauReducer(monitor Monitor, factor float64, patience int) (*PlateauReducer, error) {
	monitor, err := ParseMonitor(string(monitor))
	if err != nil {
		return nil, err
	}
	if factor <= 0 || factor >= 1 {
		return nil, errdefs.NewConfigError("plateau factor", "must be in (0, 1), got %g", factor)
	}
	if patience <= 0 {
		return nil, errdefs.NewConfigError("plateau patience", "must be positive, got %d", patience)
	}
	return &PlateauReducer{Monitor: monitor, Factor: factor, Patience: patience, MinDelta: 1e-4}, nil
}

func (p *PlateauReducer) BeforeRun(context.Context, *Run) error {
	p.imp = newImprovement(p.Monitor, p.MinDelta)
	p.wait, p.cooldown = 0, 0
	return nil
}

func (p *PlateauReducer) EpochStart(context.Context, *Run, int) error { return nil }

func (p *PlateauReducer) EpochEnd(_ context.Context, run *Run, _ int, m Metrics) error {
	value := p.Monitor.Value(m)
	if math.IsNaN(value) {
		run.Logger.Warnw("plateau metric is not available", "monitor", p.Monitor)
		return nil
	}
	if p.cooldown > 0 {
		p.cooldown--
		p.wait = 0
	}
	if p.imp.update(value) {
		p.wait = 0
		return nil
	}
	if p.cooldown > 0 {
		return nil
	}
	p.wait++
	if p.wait < p.Patience {
		return nil
	}
	old := run.LR.GetLR()
	if old <= p.MinLR {
		return nil
	}
	lr := math.Max(old*p.Factor, p.MinLR)
	run.LR.SetLR(lr)
	p.cooldown, p.wait = p.Cooldown, 0
	run.Logger.Infow("Reduced learning rate on plateau", "epoch", m.Epoch, "monitor", p.Monitor, "from", old, "to", lr)
	return nil
}

// EpochLogger logs the end of every epoch.
type EpochLogger struct{}

func (EpochLogger) BeforeRun(context.Context, *Run) error { return nil }

func (EpochLogger) EpochStart(context.Context, *Run, int) error { return nil }

func (EpochLogger) EpochEnd(_ context.Context, run *Run, epoch int, m Metrics) error {
	fields := []interface{}{"loss", m.Loss, "acc", m.Accuracy, "lr", m.LearningRate, "duration", m.Duration}
	if m.HasValidation {
		fields = append(fields, "val_loss", m.ValLoss, "val_acc", m.ValAccuracy)
	}
	run.Logger.Infow("Passed epoch "+strconv.Itoa(epoch), fields...)
	return nil
}

// HistorySink stores epoch metrics.
type HistorySink interface {
	Record(ctx context.Context, e history.Entry) error
}

// HistoryRecorder writes every epoch to a HistorySink.
type HistoryRecorder struct {
	Sink HistorySink
}

func (HistoryRecorder) BeforeRun(context.Context, *Run) error { return nil }

func (HistoryRecorder) EpochStart(context.Context, *Run, int) error { return nil }

func (h HistoryRecorder) EpochEnd(ctx context.Context, run *Run, _ int, m Metrics) error {
	e := history.Entry{
		Run:          run.Key.Run,
		Dataset:      run.Key.Dataset,
		Session:      run.Session.String(),
		Epoch:        m.Epoch,
		LearningRate: m.LearningRate,
		Loss:         m.Loss,
		Accuracy:     m.Accuracy,
		Duration:     m.Duration,
	}
	if m.HasValidation {
		e.ValLoss = &m.ValLoss
		e.ValAccuracy = &m.ValAccuracy
	}
	if err := h.Sink.Record(ctx, e); err != nil {
		return errors.Wrap(err, "failed to record history")
	}
	return nil
}
