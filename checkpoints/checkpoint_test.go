package checkpoints

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-attention/errdefs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var testKey = Key{Run: "(VGG-att3)-concat-pc-c100", Dataset: "cifar100"}

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		Weights: []WeightTensor{
			{Name: "100ConcatG.weight", Shape: []int{2, 3}, Data: []float64{1, -2, 3.5, 0, 1e-9, -7}, Layer: "100ConcatG", Type: "weight"},
			{Name: "100ConcatG.bias", Shape: []int{2}, Data: []float64{0.25, -0.25}, Layer: "100ConcatG", Type: "bias"},
			{Name: "scale1.compat.u", Shape: []int{3}, Data: []float64{0.01, 0.02, -0.03}, Layer: "scale1.compat", Type: "u"},
		},
		TrainingState: TrainingState{
			Epoch:        10,
			Step:         1000,
			LearningRate: 0.005,
			Loss:         0.5,
			Accuracy:     0.85,
			TotalSteps:   1000,
		},
		OptimizerState: &OptimizerState{
			Type:       "SGD",
			Parameters: map[string]float64{"momentum": 0.9, "decay": 1e-7, "iterations": 1000},
			StateData: []OptimizerTensor{
				{Name: "velocity_0", Shape: []int{2, 3}, Data: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, StateType: "velocity"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-attention",
			CreatedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			Description: "Test checkpoint",
			Tags:        []string{"test", "cifar100"},
		},
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatBinary, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "checkpoint."+format.Extension())

			original := testCheckpoint()
			original.Key = testKey
			original.Tag = EpochTag(10)
			require.NoError(t, saver.SaveCheckpoint(original, path))

			loaded, err := saver.LoadCheckpoint(path)
			require.NoError(t, err)

			assert.Equal(t, testKey, loaded.Key)
			assert.Equal(t, EpochTag(10), loaded.Tag)
			assert.Equal(t, original.Weights, loaded.Weights)
			assert.Equal(t, original.TrainingState, loaded.TrainingState)
			require.NotNil(t, loaded.OptimizerState)
			assert.Equal(t, original.OptimizerState.Type, loaded.OptimizerState.Type)
			assert.Equal(t, original.OptimizerState.Parameters, loaded.OptimizerState.Parameters)
			assert.Equal(t, original.OptimizerState.StateData, loaded.OptimizerState.StateData)
			assert.True(t, original.Metadata.CreatedAt.Equal(loaded.Metadata.CreatedAt))
			assert.Equal(t, original.Metadata.Tags, loaded.Metadata.Tags)
			assert.Equal(t, original.Metadata.Description, loaded.Metadata.Description)
		})
	}
}

func TestBinaryEarlyTagWithoutOptimizer(t *testing.T) {
	c := &Checkpoint{Key: testKey, Tag: EarlyTag()}
	loaded, err := UnmarshalBinary(MarshalBinary(c))
	require.NoError(t, err)
	assert.True(t, loaded.Tag.Early)
	assert.Nil(t, loaded.OptimizerState)
	assert.Empty(t, loaded.Weights)
}

func TestBinaryRejectsForeignData(t *testing.T) {
	_, err := UnmarshalBinary([]byte(`{"weights": []}`))
	assert.Error(t, err)

	data := MarshalBinary(testCheckpoint())
	_, err = UnmarshalBinary(data[:len(data)-3])
	assert.Error(t, err, "truncated data must not decode")
}

func TestCheckpointMetadataDefaults(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	path := filepath.Join(t.TempDir(), "defaults.json")
	c := &Checkpoint{}
	require.NoError(t, saver.SaveCheckpoint(c, path))

	assert.Equal(t, "go-attention", c.Metadata.Framework)
	assert.Equal(t, "1.0.0", c.Metadata.Version)
	assert.False(t, c.Metadata.CreatedAt.IsZero())
}

func TestCheckpointFormatString(t *testing.T) {
	tests := []struct {
		format CheckpointFormat
		name   string
		ext    string
	}{
		{FormatBinary, "Binary", "ckpt"},
		{FormatJSON, "JSON", "json"},
		{CheckpointFormat(99), "Unknown", "ckpt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.format.String())
		assert.Equal(t, tt.ext, tt.format.Extension())
	}
}

func TestUnsupportedCheckpointFormat(t *testing.T) {
	saver := NewCheckpointSaver(CheckpointFormat(99))
	path := filepath.Join(t.TempDir(), "x.ckpt")
	assert.Error(t, saver.SaveCheckpoint(testCheckpoint(), path))
	assert.NoFileExists(t, path)

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := saver.LoadCheckpoint(path)
	assert.Error(t, err)
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = NewCheckpointSaver(FormatJSON).LoadCheckpoint(bad)
	assert.Error(t, err)
}

func TestSaveIntoMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "x.ckpt")
	assert.Error(t, NewCheckpointSaver(FormatBinary).SaveCheckpoint(testCheckpoint(), path))
}

func TestFormatFilename(t *testing.T) {
	assert.Equal(t, "(VGG-att3)-concat-pc-c100-cifar100 7.ckpt", FormatFilename(testKey, EpochTag(7), FormatBinary))
	assert.Equal(t, "(VGG-att3)-concat-pc-c100-cifar100 early.json", FormatFilename(testKey, EarlyTag(), FormatJSON))
}

func TestParseFilename(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		want    Record
		wantErr bool
	}{
		{
			name: "epoch",
			file: "(VGG-att3)-concat-pc-c100-cifar100 42.ckpt",
			want: Record{Key: testKey, Tag: EpochTag(42), Format: FormatBinary},
		},
		{
			name: "early json",
			file: "(RN-att2)-indep-dp-c10-cifar10 early.json",
			want: Record{Key: Key{Run: "(RN-att2)-indep-dp-c10", Dataset: "cifar10"}, Tag: EarlyTag(), Format: FormatJSON},
		},
		{name: "foreign extension", file: "(VGG-att3)-concat-pc-c100-cifar100 42.hdf5", wantErr: true},
		{name: "no tag", file: "(VGG-att3)-concat-pc-c100-cifar100.ckpt", wantErr: true},
		{name: "trailing space", file: "(VGG-att3)-concat-pc-c100-cifar100 .ckpt", wantErr: true},
		{name: "zero epoch", file: "run-data 0.ckpt", wantErr: true},
		{name: "negative epoch", file: "run-data -3.ckpt", wantErr: true},
		{name: "padded epoch", file: "run-data 007.ckpt", wantErr: true},
		{name: "word tag", file: "run-data latest.ckpt", wantErr: true},
		{name: "no dataset", file: "run 3.ckpt", wantErr: true},
		{name: "empty dataset", file: "run- 3.ckpt", wantErr: true},
		{name: "space in run", file: "my run-data 3.ckpt", wantErr: true},
		{name: "empty", file: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFilename(tt.file)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsWarning(err), "malformed names must be IOWarnings, got %T", err)
				return
			}
			require.NoError(t, err)
			tt.want.Path = tt.file
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilenameRoundTrip(t *testing.T) {
	for _, tag := range []Tag{EpochTag(1), EpochTag(300), EarlyTag()} {
		for _, format := range []CheckpointFormat{FormatBinary, FormatJSON} {
			name := FormatFilename(testKey, tag, format)
			rec, err := ParseFilename(filepath.Join("weights", name))
			require.NoError(t, err)
			assert.Equal(t, testKey, rec.Key)
			assert.Equal(t, tag, rec.Tag)
			assert.Equal(t, format, rec.Format)
			assert.Equal(t, filepath.Join("weights", name), rec.Path)
		}
	}
}

func TestKeyValidate(t *testing.T) {
	assert.NoError(t, testKey.Validate())
	assert.True(t, errdefs.IsConfig(Key{Run: "r", Dataset: "cifar-100"}.Validate()))
	assert.True(t, errdefs.IsConfig(Key{Run: "", Dataset: "d"}.Validate()))
	assert.True(t, errdefs.IsConfig(Key{Run: "a b", Dataset: "d"}.Validate()))
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
}

func TestScanDirectory(t *testing.T) {
	dir := t.TempDir()
	other := Key{Run: "(RN-att1)-concat-dp-c10", Dataset: "cifar10"}
	for _, n := range []int{10, 2, 1} {
		touch(t, dir, FormatFilename(testKey, EpochTag(n), FormatBinary))
	}
	touch(t, dir, FormatFilename(testKey, EarlyTag(), FormatBinary))
	touch(t, dir, FormatFilename(other, EpochTag(3), FormatJSON))
	touch(t, dir, "notes.txt")
	touch(t, dir, "history.db")
	touch(t, dir, "backup.ckpt")
	touch(t, dir, ".tmp-partial")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub 1.ckpt"), 0o755))

	ix, warnings, err := ScanDirectory(dir)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.True(t, errdefs.IsWarning(warnings[0]))
	assert.Equal(t, 5, ix.Len())

	recs := ix.Records(testKey)
	require.Len(t, recs, 4)
	assert.Equal(t, []Tag{EpochTag(1), EpochTag(2), EpochTag(10), EarlyTag()},
		[]Tag{recs[0].Tag, recs[1].Tag, recs[2].Tag, recs[3].Tag})

	maxRec, ok := ix.MaxEpoch(testKey)
	require.True(t, ok)
	assert.Equal(t, 10, maxRec.Tag.Epoch)

	_, ok = ix.Early(testKey)
	assert.True(t, ok)
	_, ok = ix.Early(other)
	assert.False(t, ok)

	rec, ok := ix.Lookup(other, EpochTag(3))
	require.True(t, ok)
	assert.Equal(t, FormatJSON, rec.Format)
	assert.ElementsMatch(t, []Key{testKey, other}, ix.Keys())
}

func TestScanMissingDirectory(t *testing.T) {
	ix, warnings, err := ScanDirectory(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, 0, ix.Len())
	_, ok := ix.MaxEpoch(testKey)
	assert.False(t, ok)
}

func TestStoreSaveNeverOverwrites(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "weights"), FormatBinary)

	rec, err := store.Save(testKey, EpochTag(1), testCheckpoint())
	require.NoError(t, err)
	assert.FileExists(t, rec.Path)

	_, err = store.Save(testKey, EpochTag(1), &Checkpoint{})
	assert.ErrorIs(t, err, ErrExists)

	loaded, err := store.LoadTag(testKey, EpochTag(1))
	require.NoError(t, err)
	assert.Len(t, loaded.Weights, 3, "the first write must survive")

	_, err = store.LoadTag(testKey, EpochTag(2))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = store.Save(Key{Run: "r", Dataset: "bad-name"}, EpochTag(1), &Checkpoint{})
	assert.True(t, errdefs.IsConfig(err))
}

func TestStoreIndexLogsMalformedNames(t *testing.T) {
	dir := t.TempDir()
	core, logs := observer.New(zapcore.DebugLevel)
	store := NewStore(dir, FormatBinary, WithLogger(zap.New(core).Sugar()))
	touch(t, dir, "weights 1x.ckpt")

	ix, err := store.Index()
	require.NoError(t, err)
	assert.Equal(t, 0, ix.Len())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestStoreIndexIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	core, logs := observer.New(zapcore.DebugLevel)
	store := NewStore(dir, FormatBinary, WithLogger(zap.New(core).Sugar()))
	touch(t, dir, "weights 1.hdf5")
	touch(t, dir, "history.db")
	touch(t, dir, "history.db-wal")
	touch(t, dir, FormatFilename(testKey, EpochTag(3), FormatBinary))

	ix, err := store.Index()
	require.NoError(t, err)
	assert.Equal(t, 1, ix.Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestStorePrune(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, FormatBinary)
	other := Key{Run: "(VGG-att2)-concat-pc-c100", Dataset: "cifar100"}
	for n := 1; n <= 50; n++ {
		touch(t, dir, FormatFilename(testKey, EpochTag(n), FormatBinary))
	}
	touch(t, dir, FormatFilename(testKey, EarlyTag(), FormatBinary))
	touch(t, dir, FormatFilename(other, EpochTag(7), FormatBinary))

	removed, err := store.Prune(testKey, PrunePolicy{KeepFirst: 1, KeepLast: 1})
	require.NoError(t, err)
	assert.Len(t, removed, 48)

	ix, err := store.Index()
	require.NoError(t, err)
	var tags []Tag
	for _, r := range ix.Records(testKey) {
		tags = append(tags, r.Tag)
	}
	assert.Equal(t, []Tag{EpochTag(1), EpochTag(50), EarlyTag()}, tags)
	_, ok := ix.Lookup(other, EpochTag(7))
	assert.True(t, ok, "other runs are untouched")

	removed, err = store.Prune(testKey, PrunePolicy{KeepFirst: 1, KeepLast: 1})
	require.NoError(t, err)
	assert.Empty(t, removed, "pruning is idempotent")
}

func TestStorePruneKeepsFinalWithZeroTail(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, FormatBinary)
	for n := 1; n <= 5; n++ {
		touch(t, dir, FormatFilename(testKey, EpochTag(n), FormatBinary))
	}

	_, err := store.Prune(testKey, PrunePolicy{})
	require.NoError(t, err)

	ix, err := store.Index()
	require.NoError(t, err)
	recs := ix.Records(testKey)
	require.Len(t, recs, 1)
	assert.Equal(t, 5, recs[0].Tag.Epoch)
}

func TestStoreLock(t *testing.T) {
	store := NewStore(t.TempDir(), FormatBinary)

	unlock, err := store.Lock(testKey)
	require.NoError(t, err)

	_, err = store.Lock(testKey)
	assert.ErrorIs(t, err, errdefs.ErrRunLocked)

	other, err := store.Lock(Key{Run: "other", Dataset: "cifar10"})
	require.NoError(t, err)
	require.NoError(t, other())

	require.NoError(t, unlock())
	unlock, err = store.Lock(testKey)
	require.NoError(t, err)
	require.NoError(t, unlock())
}
