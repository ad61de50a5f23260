package checkpoints

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/tsawler/go-attention/errdefs"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrExists is returned by Save when the record is already on disk. Epoch records are written
// once and never overwritten.
var ErrExists = errors.New("checkpoint already exists")

// PrunePolicy selects the epoch records that survive pruning. The highest epoch and the early
// record are always kept.
type PrunePolicy struct {
	KeepFirst int // earliest epochs retained
	KeepLast  int // latest epochs retained, including the final one
}

// DefaultPrunePolicy keeps the first epoch and the last four.
func DefaultPrunePolicy() PrunePolicy {
	return PrunePolicy{KeepFirst: 1, KeepLast: 4}
}

// Store persists checkpoints for many runs in one directory.
type Store struct {
	dir    string
	saver  *CheckpointSaver
	logger *zap.SugaredLogger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for IOWarnings.
func WithLogger(logger *zap.SugaredLogger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// NewStore returns a store writing format files under dir. The directory is created on the
// first Save.
func NewStore(dir string, format CheckpointFormat, opts ...StoreOption) *Store {
	s := &Store{
		dir:    dir,
		saver:  NewCheckpointSaver(format),
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string { return s.dir }

// Format returns the format new checkpoints are written in.
func (s *Store) Format() CheckpointFormat { return s.saver.Format() }

// Path returns where the record for key and tag is written.
func (s *Store) Path(key Key, tag Tag) string {
	return filepath.Join(s.dir, FormatFilename(key, tag, s.saver.Format()))
}

// Save writes c as the record (key, tag). An existing record is never replaced.
func (s *Store) Save(key Key, tag Tag, c *Checkpoint) (Record, error) {
	if err := key.Validate(); err != nil {
		return Record{}, err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Record{}, errors.Wrap(err, "failed to create checkpoint directory")
	}

	ix, err := s.Index()
	if err != nil {
		return Record{}, err
	}
	if existing, ok := ix.Lookup(key, tag); ok {
		return Record{}, errors.Wrapf(ErrExists, "%s", existing.Path)
	}

	c.Key = key
	c.Tag = tag
	path := s.Path(key, tag)
	if err := s.saver.SaveCheckpoint(c, path); err != nil {
		return Record{}, err
	}
	return Record{Key: key, Tag: tag, Format: s.saver.Format(), Path: path}, nil
}

// Load reads the checkpoint at rec, whatever format it was written in.
func (s *Store) Load(rec Record) (*Checkpoint, error) {
	return NewCheckpointSaver(rec.Format).LoadCheckpoint(rec.Path)
}

// LoadTag reads the record (key, tag).
func (s *Store) LoadTag(key Key, tag Tag) (*Checkpoint, error) {
	ix, err := s.Index()
	if err != nil {
		return nil, err
	}
	rec, ok := ix.Lookup(key, tag)
	if !ok {
		return nil, errors.Wrapf(os.ErrNotExist, "no checkpoint %s %s in %s", key, tag, s.dir)
	}
	return s.Load(rec)
}

// Index scans the directory. Malformed filenames are logged as warnings and skipped.
func (s *Store) Index() (*Index, error) {
	ix, warnings, err := ScanDirectory(s.dir)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		s.logger.Warnw("skipping unrecognised checkpoint file", "error", w)
	}
	return ix, nil
}

// Prune deletes the epoch records of key that policy does not retain and returns the removed
// records. Files that are already gone are ignored. Any other deletion failure is collected
// into the returned error as *errdefs.IOWarning values; the remaining files are still
// processed.
func (s *Store) Prune(key Key, policy PrunePolicy) ([]Record, error) {
	ix, err := s.Index()
	if err != nil {
		return nil, &errdefs.IOWarning{Path: s.dir, Err: err}
	}

	epochs := ix.Epochs(key)
	if len(epochs) == 0 {
		return nil, nil
	}
	keepFirst := lo.Clamp(policy.KeepFirst, 0, len(epochs))
	keepLast := lo.Clamp(policy.KeepLast, 1, len(epochs))
	if keepFirst+keepLast >= len(epochs) {
		return nil, nil
	}

	var (
		removed []Record
		errs    error
	)
	for _, rec := range epochs[keepFirst : len(epochs)-keepLast] {
		if err := os.Remove(rec.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			w := &errdefs.IOWarning{Path: rec.Path, Err: err}
			s.logger.Warnw("failed to remove checkpoint", "path", rec.Path, "error", err)
			errs = multierr.Append(errs, w)
			continue
		}
		removed = append(removed, rec)
	}
	return removed, errs
}

// Lock takes the exclusive lock of key. The returned unlock function releases it.
// A key already locked by another holder fails with errdefs.ErrRunLocked.
func (s *Store) Lock(key Key) (func() error, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create checkpoint directory")
	}
	fl := flock.New(filepath.Join(s.dir, "."+key.String()+".lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "locking run %s", key)
	}
	if !locked {
		return nil, errors.Wrapf(errdefs.ErrRunLocked, "run %s", key)
	}
	return fl.Unlock, nil
}
