// Package training drives resumable training runs: learning-rate schedules, per-epoch
// checkpoints, early stopping, plateau reduction and pruning of old checkpoints.
package training

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tsawler/go-attention/checkpoints"
	"github.com/tsawler/go-attention/errdefs"
	"github.com/tsawler/go-attention/model"
	"github.com/tsawler/go-attention/optimizer"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// Trainable is the model side of a run. *model.Model implements it.
type Trainable interface {
	Key() checkpoints.Key
	TrainBatch(ctx context.Context, images []*tensor.Dense, labels []int) (model.BatchStats, error)
	Evaluate(ctx context.Context, images []*tensor.Dense, labels []int) (model.Metrics, error)
	Snapshot() []checkpoints.WeightTensor
	Restore(weights []checkpoints.WeightTensor, byName bool) (int, error)
	Optimizer() optimizer.Optimizer
}

// State is the position of a run in its lifecycle.
type State int

const (
	NotStarted State = iota
	Resuming
	Training
	Completed
	EarlyStopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Resuming:
		return "resuming"
	case Training:
		return "training"
	case Completed:
		return "completed"
	case EarlyStopped:
		return "early stopped"
	default:
		return "unknown"
	}
}

// Config holds the run-independent settings of an orchestrator.
type Config struct {
	Epochs    int
	BatchSize int
	Shuffle   bool
	Seed      int64

	// Scheduler drives the learning rate. Nil keeps the initial rate.
	Scheduler LRScheduler
	// InitialLR is the rate the scheduler scales. Zero uses the optimizer's rate at the start
	// of Fit.
	InitialLR float64

	// TransferDataset names the dataset whose final checkpoint of the same run seeds a
	// transfer run.
	TransferDataset string
	// TransferScheduler replaces Scheduler in transfer runs. Nil uses TransferSchedule.
	TransferScheduler LRScheduler

	Prune checkpoints.PrunePolicy
}

// DefaultConfig returns the settings of the VGG attention runs.
func DefaultConfig() Config {
	s, _ := NewStepLRScheduler(25, 0.5)
	return Config{
		Epochs:          300,
		BatchSize:       128,
		Shuffle:         true,
		Scheduler:       s,
		TransferDataset: "cifar100",
		Prune:           checkpoints.DefaultPrunePolicy(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return errdefs.NewConfigError("epochs", "must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errdefs.NewConfigError("batch size", "must be positive, got %d", c.BatchSize)
	}
	if c.InitialLR < 0 {
		return errdefs.NewConfigError("initial lr", "must not be negative, got %g", c.InitialLR)
	}
	if c.Prune.KeepFirst < 0 || c.Prune.KeepLast < 0 {
		return errdefs.NewConfigError("prune", "retention counts must not be negative")
	}
	return nil
}

// FitOptions are the per-call options of Fit.
type FitOptions struct {
	// Validation enables validation metrics and, with Patience, early stopping.
	Validation *Dataset

	// Early stopping runs when Validation is set and Patience is positive.
	MinDelta         float64
	Patience         int
	EarlyStopMonitor Monitor // default val_acc

	// Plateau reduction runs when PlateauFactor is positive.
	PlateauFactor   float64
	PlateauPatience int     // default 4
	PlateauMonitor  Monitor // default loss
	PlateauCooldown int
	PlateauMinLR    float64

	// NotifyBatches renders a progress bar to Progress, or to stderr when Progress is nil.
	NotifyBatches bool
	Progress      io.Writer

	// Transfer seeds a run without checkpoints from the transfer source and trains it with
	// the transfer scheduler.
	Transfer bool
}

// Result describes what Fit did.
type Result struct {
	State        State
	Session      uuid.UUID
	StartEpoch   int
	EpochsRun    int
	LearningRate float64
	History      []Metrics
	Pruned       []checkpoints.Record
}

// Orchestrator runs training with checkpoint-based resumption.
type Orchestrator struct {
	cfg      Config
	store    *checkpoints.Store
	logger   *zap.SugaredLogger
	history  HistorySink
	policies []Policy
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithHistory records every epoch in sink.
func WithHistory(sink HistorySink) Option {
	return func(o *Orchestrator) { o.history = sink }
}

// WithPolicies appends policies that run after the built-in ones.
func WithPolicies(policies ...Policy) Option {
	return func(o *Orchestrator) { o.policies = append(o.policies, policies...) }
}

// NewOrchestrator validates cfg and returns an orchestrator persisting to store.
func NewOrchestrator(cfg Config, store *checkpoints.Store, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errdefs.NewConfigError("store", "must not be nil")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = ConstantLRScheduler{}
	}
	if cfg.TransferScheduler == nil {
		cfg.TransferScheduler = TransferSchedule()
	}
	o := &Orchestrator{cfg: cfg, store: store, logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the orchestrator configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Fit trains m on train until the configured number of epochs or until early stopping fires.
// A run whose checkpoints show it already completed or stopped early is left untouched. A run
// with checkpoints resumes from the latest one. The context is checked between epochs only.
func (o *Orchestrator) Fit(ctx context.Context, m Trainable, train Dataset, opts FitOptions) (*Result, error) {
	if err := train.Validate(); err != nil {
		return nil, errors.Wrap(err, "training data")
	}
	if opts.Validation != nil {
		if err := opts.Validation.Validate(); err != nil {
			return nil, errors.Wrap(err, "validation data")
		}
	}
	lr, ok := m.Optimizer().(optimizer.LRControl)
	if !ok {
		return nil, errdefs.NewConfigError("optimizer", "%T has no learning rate control", m.Optimizer())
	}
	key := m.Key()
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if opts.Transfer && (o.cfg.TransferDataset == "" || key.Dataset == o.cfg.TransferDataset) {
		return nil, errdefs.NewConfigError("transfer", "run %s has no distinct transfer dataset", key)
	}

	run := &Run{
		Key:     key,
		Session: uuid.New(),
		Epochs:  o.cfg.Epochs,
		BaseLR:  o.cfg.InitialLR,
		Model:   m,
		LR:      lr,
		Store:   o.store,
		Logger:  o.logger.With("run", key.String()),
	}
	if run.BaseLR == 0 {
		run.BaseLR = lr.GetLR()
	}
	policies, err := o.buildPolicies(opts)
	if err != nil {
		return nil, err
	}

	unlock, err := o.store.Lock(key)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(); err != nil {
			run.Logger.Warnw("failed to release run lock", "error", err)
		}
	}()

	result := &Result{State: NotStarted, Session: run.Session}
	ix, err := o.store.Index()
	if err != nil {
		return nil, err
	}
	if rec, ok := ix.Early(key); ok {
		run.Logger.Infow("Found early-stopped weights", "path", rec.Path)
		result.State = EarlyStopped
		return result, nil
	}
	latest, resume := ix.MaxEpoch(key)
	if resume && latest.Tag.Epoch >= o.cfg.Epochs {
		run.Logger.Infow("Found completely trained weights", "path", latest.Path)
		result.State = Completed
		result.StartEpoch = latest.Tag.Epoch
		return result, nil
	}

	switch {
	case resume:
		result.State = Resuming
		if err := o.resume(run, latest); err != nil {
			return result, err
		}
		result.StartEpoch = latest.Tag.Epoch
	case opts.Transfer:
		if err := o.transfer(run, ix); err != nil {
			return result, err
		}
	}

	result.State = Training
	for _, p := range policies {
		if err := p.BeforeRun(ctx, run); err != nil {
			return result, err
		}
	}
	loader, err := NewDataLoader(train, o.cfg.BatchSize, o.cfg.Shuffle, o.cfg.Seed)
	if err != nil {
		return result, err
	}

	// Epochs run to completion once started.
	epochCtx := context.WithoutCancel(ctx)
	for epoch := result.StartEpoch; epoch < o.cfg.Epochs && !run.Stopped(); epoch++ {
		if err := ctx.Err(); err != nil {
			return result, errors.Wrapf(err, "interrupted before epoch %d", epoch+1)
		}
		for _, p := range policies {
			if err := p.EpochStart(epochCtx, run, epoch); err != nil {
				return result, err
			}
		}
		metrics, err := o.runEpoch(epochCtx, run, loader, epoch, opts)
		if err != nil {
			return result, err
		}
		for _, p := range policies {
			if err := p.EpochEnd(epochCtx, run, epoch, metrics); err != nil {
				return result, err
			}
		}
		result.History = append(result.History, metrics)
		result.EpochsRun++
	}

	result.State = Completed
	if run.Stopped() {
		result.State = EarlyStopped
	}
	result.LearningRate = lr.GetLR()
	result.Pruned = o.prune(run)
	return result, nil
}

func (o *Orchestrator) buildPolicies(opts FitOptions) ([]Policy, error) {
	scheduler := o.cfg.Scheduler
	if opts.Transfer {
		scheduler = o.cfg.TransferScheduler
	}
	policies := []Policy{NewScheduleApplier(scheduler), Checkpointer{}, EpochLogger{}}

	if opts.Validation != nil && opts.Patience > 0 {
		monitor := opts.EarlyStopMonitor
		if monitor == "" {
			monitor = MonitorValAccuracy
		}
		es, err := NewEarlyStopping(monitor, opts.MinDelta, opts.Patience)
		if err != nil {
			return nil, err
		}
		policies = append(policies, es)
	}

	if opts.PlateauFactor > 0 {
		monitor := opts.PlateauMonitor
		if monitor == "" {
			monitor = MonitorLoss
		}
		monitor, err := ParseMonitor(string(monitor))
		if err != nil {
			return nil, err
		}
		if monitor.Validation() && opts.Validation == nil {
			return nil, errdefs.NewConfigError("plateau monitor", "%s needs validation data", monitor)
		}
		patience := opts.PlateauPatience
		if patience == 0 {
			patience = 4
		}
		pr, err := NewPlateauReducer(monitor, opts.PlateauFactor, patience)
		if err != nil {
			return nil, err
		}
		if opts.PlateauCooldown < 0 || opts.PlateauMinLR < 0 {
			return nil, errdefs.NewConfigError("plateau", "cooldown and minimum rate must not be negative")
		}
		pr.Cooldown, pr.MinLR = opts.PlateauCooldown, opts.PlateauMinLR
		policies = append(policies, pr)
	}

	if o.history != nil {
		policies = append(policies, HistoryRecorder{Sink: o.history})
	}
	return append(policies, o.policies...), nil
}

// resume restores the weights and optimizer state saved at rec.
func (o *Orchestrator) resume(run *Run, rec checkpoints.Record) error {
	c, err := o.store.Load(rec)
	if err != nil {
		return errors.Wrapf(err, "failed to load checkpoint %s", rec.Path)
	}
	if _, err := run.Model.Restore(c.Weights, false); err != nil {
		return errors.Wrapf(err, "failed to restore %s", rec.Path)
	}
	if c.OptimizerState != nil {
		if err := run.Model.Optimizer().LoadState(c.OptimizerState); err != nil {
			return errors.Wrapf(err, "failed to restore optimizer state from %s", rec.Path)
		}
	}
	run.Logger.Infow("Resuming training", "epoch", rec.Tag.Epoch, "path", rec.Path)
	return nil
}

// transfer loads the matching weights of the same run trained on the transfer dataset. The
// final epoch is preferred over an early-stopped record.
func (o *Orchestrator) transfer(run *Run, ix *checkpoints.Index) error {
	source := checkpoints.Key{Run: run.Key.Run, Dataset: o.cfg.TransferDataset}
	rec, ok := ix.Lookup(source, checkpoints.EpochTag(o.cfg.Epochs))
	if !ok {
		rec, ok = ix.Early(source)
	}
	if !ok {
		return errors.Wrapf(os.ErrNotExist, "no transfer checkpoint for %s", source)
	}
	c, err := o.store.Load(rec)
	if err != nil {
		return errors.Wrapf(err, "failed to load transfer checkpoint %s", rec.Path)
	}
	n, err := run.Model.Restore(c.Weights, true)
	if err != nil {
		return errors.Wrapf(err, "failed to restore transfer weights from %s", rec.Path)
	}
	if n == 0 {
		run.Logger.Warnw("transfer checkpoint shares no weights with the model", "path", rec.Path)
	}
	run.Logger.Infow("Loaded transfer weights", "path", rec.Path, "params", n)
	return nil
}

func (o *Orchestrator) runEpoch(ctx context.Context, run *Run, loader *DataLoader, epoch int, opts FitOptions) (Metrics, error) {
	start := time.Now()
	metrics := Metrics{Epoch: epoch + 1, LearningRate: run.LR.GetLR()}

	var bar *ProgressBar
	if opts.NotifyBatches {
		out := opts.Progress
		if out == nil {
			out = os.Stderr
		}
		bar = NewProgressBar(out, fmt.Sprintf("Epoch %d/%d", epoch+1, o.cfg.Epochs), loader.Len())
	}

	loader.Reset(epoch)
	var lossSum, correct float64
	samples, step := 0, 0
	for batch := loader.Next(); batch != nil; batch = loader.Next() {
		stats, err := run.Model.TrainBatch(ctx, batch.Inputs, batch.Labels)
		if err != nil {
			if errdefs.IsDivergence(err) {
				run.Logger.Errorw("training diverged", "epoch", epoch+1, "batch", step, "error", err)
				return metrics, err
			}
			return metrics, errors.Wrapf(err, "epoch %d batch %d", epoch+1, step)
		}
		step++
		samples += stats.Samples
		lossSum += stats.Loss * float64(stats.Samples)
		correct += stats.Accuracy * float64(stats.Samples)
		if bar != nil {
			bar.Update(step, map[string]float64{"loss": lossSum / float64(samples), "acc": correct / float64(samples)})
		}
		run.Logger.Debugw("batch", "epoch", epoch+1, "step", step, "loss", stats.Loss)
	}
	if bar != nil {
		bar.Finish()
	}
	metrics.Loss = lossSum / float64(samples)
	metrics.Accuracy = correct / float64(samples)

	if opts.Validation != nil {
		v, err := run.Model.Evaluate(ctx, opts.Validation.Inputs, opts.Validation.Labels)
		if err != nil {
			return metrics, errors.Wrapf(err, "validation after epoch %d", epoch+1)
		}
		metrics.HasValidation = true
		metrics.ValLoss, metrics.ValAccuracy = v.Loss, v.Accuracy
	}
	metrics.Duration = time.Since(start)
	return metrics, nil
}

// prune removes intermediate checkpoints of a finished run. Failures are logged only.
func (o *Orchestrator) prune(run *Run) []checkpoints.Record {
	removed, err := o.store.Prune(run.Key, o.cfg.Prune)
	for _, e := range multierr.Errors(err) {
		run.Logger.Warnw("checkpoint pruning incomplete", "error", e)
	}
	if len(removed) > 0 {
		run.Logger.Infow("Pruned checkpoints", "removed", len(removed))
	}
	return removed
}
