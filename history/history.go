// Package history stores per-epoch training metrics in SQLite and renders them as curves.
package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Entry is one epoch of one training session. Validation metrics are nil when the run had no
// validation data.
type Entry struct {
	Run          string
	Dataset      string
	Session      string
	Epoch        int
	LearningRate float64
	Loss         float64
	Accuracy     float64
	ValLoss      *float64
	ValAccuracy  *float64
	Duration     time.Duration
	RecordedAt   time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS epochs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run TEXT NOT NULL,
	dataset TEXT NOT NULL,
	session TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	learning_rate REAL NOT NULL,
	loss REAL,
	accuracy REAL,
	val_loss REAL,
	val_accuracy REAL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_epochs_run ON epochs(run, dataset, epoch);
`

// Store is a SQLite-backed history. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	path   string
	mu     sync.Mutex
	closed bool
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create history directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open history database %s", path)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create history schema")
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Record appends e. A zero RecordedAt is set to the current time.
func (s *Store) Record(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("history store is closed")
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO epochs (run, dataset, session, epoch, learning_rate, loss, accuracy,
			val_loss, val_accuracy, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Run, e.Dataset, e.Session, e.Epoch, e.LearningRate, e.Loss, e.Accuracy,
		nullable(e.ValLoss), nullable(e.ValAccuracy), e.Duration.Milliseconds(), e.RecordedAt.UnixNano())
	if err != nil {
		return errors.Wrapf(err, "failed to record epoch %d of %s-%s", e.Epoch, e.Run, e.Dataset)
	}
	return nil
}

// Entries returns the history of a run ordered by epoch. When an epoch was recorded more than
// once, by a session that crashed before its checkpoint was written, every row is returned in
// insertion order.
func (s *Store) Entries(ctx context.Context, run, dataset string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("history store is closed")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run, dataset, session, epoch, learning_rate, loss, accuracy,
			val_loss, val_accuracy, duration_ms, recorded_at
		FROM epochs WHERE run = ? AND dataset = ?
		ORDER BY epoch, id
	`, run, dataset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query history")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                          Entry
			loss, acc, valLoss, valAcc sql.NullFloat64
			durationMillis, recordedAt int64
		)
		if err := rows.Scan(&e.Run, &e.Dataset, &e.Session, &e.Epoch, &e.LearningRate, &loss, &acc,
			&valLoss, &valAcc, &durationMillis, &recordedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan history row")
		}
		e.Loss, e.Accuracy = loss.Float64, acc.Float64
		if valLoss.Valid {
			e.ValLoss = &valLoss.Float64
		}
		if valAcc.Valid {
			e.ValAccuracy = &valAcc.Float64
		}
		e.Duration = time.Duration(durationMillis) * time.Millisecond
		e.RecordedAt = time.Unix(0, recordedAt).UTC()
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "failed to read history")
}

// Sessions returns the distinct sessions that trained a run, oldest first.
func (s *Store) Sessions(ctx context.Context, run, dataset string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("history store is closed")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session FROM epochs WHERE run = ? AND dataset = ?
		GROUP BY session ORDER BY MIN(id)
	`, run, dataset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sessions")
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var session string
		if err := rows.Scan(&session); err != nil {
			return nil, errors.Wrap(err, "failed to scan session")
		}
		sessions = append(sessions, session)
	}
	return sessions, errors.Wrap(rows.Err(), "failed to read sessions")
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
