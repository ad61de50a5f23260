package checkpoints

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Index is the set of checkpoint records found in one directory. It is rebuilt from the
// directory listing and is the only source of truth for how far a run has progressed.
type Index struct {
	records []Record
}

// NewIndex builds an index from records, ordering them by key and tag.
func NewIndex(records []Record) *Index {
	sorted := append([]Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Key != b.Key {
			if a.Key.Run != b.Key.Run {
				return a.Key.Run < b.Key.Run
			}
			return a.Key.Dataset < b.Key.Dataset
		}
		if a.Tag.Early != b.Tag.Early {
			return !a.Tag.Early
		}
		return a.Tag.Epoch < b.Tag.Epoch
	})
	return &Index{records: sorted}
}

// ScanDirectory lists dir and parses every checkpoint filename in it. Entries whose names do
// not parse are returned as warnings and left out of the index. Hidden files (temporary
// writes, lock files) and subdirectories are ignored. A missing directory is an empty index.
func ScanDirectory(dir string) (*Index, []error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewIndex(nil), nil, nil
		}
		return nil, nil, errors.Wrapf(err, "listing checkpoint directory %s", dir)
	}

	var (
		records  []Record
		warnings []error
	)
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !checkpointExt(e.Name()) {
			continue
		}
		rec, err := ParseFilename(filepath.Join(dir, e.Name()))
		if err != nil {
			warnings = append(warnings, err)
			continue
		}
		records = append(records, rec)
	}
	return NewIndex(records), warnings, nil
}

// checkpointExt reports whether name carries the extension of a checkpoint format. Other
// files, such as a history database kept next to the weights, are ignored.
func checkpointExt(name string) bool {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	return ext == FormatBinary.Extension() || ext == FormatJSON.Extension()
}

// Records returns the records of key, epochs ascending and the early record last.
func (ix *Index) Records(key Key) []Record {
	return lo.Filter(ix.records, func(r Record, _ int) bool { return r.Key == key })
}

// Epochs returns the epoch records of key in ascending order.
func (ix *Index) Epochs(key Key) []Record {
	return lo.Filter(ix.records, func(r Record, _ int) bool { return r.Key == key && !r.Tag.Early })
}

// MaxEpoch returns the highest epoch recorded for key, or false when there is none.
func (ix *Index) MaxEpoch(key Key) (Record, bool) {
	epochs := ix.Epochs(key)
	if len(epochs) == 0 {
		return Record{}, false
	}
	return epochs[len(epochs)-1], true
}

// Early returns the early-stop record of key, if any.
func (ix *Index) Early(key Key) (Record, bool) {
	return lo.Find(ix.records, func(r Record) bool { return r.Key == key && r.Tag.Early })
}

// Lookup returns the record of key with tag.
func (ix *Index) Lookup(key Key, tag Tag) (Record, bool) {
	return lo.Find(ix.records, func(r Record) bool { return r.Key == key && r.Tag == tag })
}

// Keys returns every run key present in the index.
func (ix *Index) Keys() []Key {
	return lo.Uniq(lo.Map(ix.records, func(r Record, _ int) Key { return r.Key }))
}

// Len returns the number of records.
func (ix *Index) Len() int { return len(ix.records) }
