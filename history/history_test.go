package history

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	session := uuid.NewString()
	valAcc := 0.75

	for epoch := 3; epoch >= 1; epoch-- {
		require.NoError(t, s.Record(ctx, Entry{
			Run:          "(VGG-att3)-concat-pc-c10",
			Dataset:      "cifar10",
			Session:      session,
			Epoch:        epoch,
			LearningRate: 0.01,
			Loss:         1.0 / float64(epoch),
			Accuracy:     0.1 * float64(epoch),
			Duration:     1500 * time.Millisecond,
		}))
	}
	require.NoError(t, s.Record(ctx, Entry{
		Run: "(VGG-att3)-concat-pc-c10", Dataset: "cifar10", Session: session,
		Epoch: 4, LearningRate: 0.005, ValAccuracy: &valAcc,
	}))
	require.NoError(t, s.Record(ctx, Entry{Run: "other", Dataset: "cifar10", Session: session, Epoch: 1}))

	entries, err := s.Entries(ctx, "(VGG-att3)-concat-pc-c10", "cifar10")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Epoch)
		assert.Equal(t, session, e.Session)
		assert.False(t, e.RecordedAt.IsZero())
	}
	assert.InDelta(t, 0.5, entries[1].Loss, 1e-12)
	assert.Equal(t, 1500*time.Millisecond, entries[0].Duration)
	assert.Nil(t, entries[0].ValLoss)
	assert.Nil(t, entries[3].ValLoss)
	require.NotNil(t, entries[3].ValAccuracy)
	assert.Equal(t, 0.75, *entries[3].ValAccuracy)
}

func TestSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	first, second := uuid.NewString(), uuid.NewString()
	require.NoError(t, s.Record(ctx, Entry{Run: "r", Dataset: "d", Session: first, Epoch: 1}))
	require.NoError(t, s.Record(ctx, Entry{Run: "r", Dataset: "d", Session: second, Epoch: 2}))
	require.NoError(t, s.Record(ctx, Entry{Run: "r", Dataset: "d", Session: first, Epoch: 3}))

	sessions, err := s.Sessions(ctx, "r", "d")
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, sessions)
}

func TestConcurrentRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Record(ctx, Entry{Run: "r", Dataset: "d", Session: "s", Epoch: i + 1}))
		}(i)
	}
	wg.Wait()

	entries, err := s.Entries(ctx, "r", "d")
	require.NoError(t, err)
	assert.Len(t, entries, 8)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Entry{Run: "r", Dataset: "d", Session: "s", Epoch: 1}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is harmless")
	assert.Error(t, s.Record(context.Background(), Entry{}))

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	entries, err := s.Entries(context.Background(), "r", "d")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPlotCurves(t *testing.T) {
	valLoss := 0.9
	entries := []Entry{
		{Epoch: 1, Loss: 1.2, Accuracy: 0.3, ValLoss: &valLoss},
		{Epoch: 2, Loss: 0.8, Accuracy: 0.5, ValLoss: &valLoss},
		{Epoch: 3, Loss: 0.6, Accuracy: 0.7},
	}
	path := filepath.Join(t.TempDir(), "curves.png")
	require.NoError(t, PlotCurves(entries, "test run", path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	assert.Error(t, PlotCurves(nil, "empty", path))
}
