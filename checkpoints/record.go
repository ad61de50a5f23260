package checkpoints

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-attention/errdefs"
)

// Key identifies a training run: the model's run name plus the dataset it is trained on.
type Key struct {
	Run     string `json:"run"`
	Dataset string `json:"dataset"`
}

// Validate rejects keys that could not be recovered from a filename. The dataset is the last
// dash separated component of a filename stem, so it may not itself contain a dash.
func (k Key) Validate() error {
	if k.Run == "" {
		return errdefs.NewConfigError("run name", "must not be empty")
	}
	if k.Dataset == "" {
		return errdefs.NewConfigError("dataset", "must not be empty")
	}
	if strings.ContainsAny(k.Dataset, "- /\\") {
		return errdefs.NewConfigError("dataset", "%q may not contain dashes, spaces or path separators", k.Dataset)
	}
	if strings.ContainsAny(k.Run, " /\\") {
		return errdefs.NewConfigError("run name", "%q may not contain spaces or path separators", k.Run)
	}
	return nil
}

func (k Key) String() string {
	return k.Run + "-" + k.Dataset
}

// Tag is the position of a checkpoint within its run: a 1-based epoch count or the terminal
// early-stop marker.
type Tag struct {
	Epoch int  `json:"epoch,omitempty"`
	Early bool `json:"early,omitempty"`
}

// EpochTag tags the checkpoint written after n completed epochs.
func EpochTag(n int) Tag { return Tag{Epoch: n} }

// EarlyTag tags the terminal early-stop checkpoint.
func EarlyTag() Tag { return Tag{Early: true} }

func (t Tag) String() string {
	if t.Early {
		return "early"
	}
	return strconv.Itoa(t.Epoch)
}

// Record locates one checkpoint file.
type Record struct {
	Key    Key
	Tag    Tag
	Format CheckpointFormat
	Path   string
}

// FormatFilename returns "<run>-<dataset> <epoch|early>.<ext>".
func FormatFilename(key Key, tag Tag, format CheckpointFormat) string {
	return fmt.Sprintf("%s %s.%s", key.String(), tag.String(), format.Extension())
}

// ParseFilename is the inverse of FormatFilename. The directory part of path is kept in the
// returned record. Names that do not follow the scheme yield an *errdefs.IOWarning.
func ParseFilename(path string) (Record, error) {
	name := filepath.Base(path)
	malformed := func(format string, args ...interface{}) (Record, error) {
		return Record{}, &errdefs.IOWarning{Path: path, Err: errors.Errorf(format, args...)}
	}

	ext := filepath.Ext(name)
	var format CheckpointFormat
	switch ext {
	case "." + FormatBinary.Extension():
		format = FormatBinary
	case "." + FormatJSON.Extension():
		format = FormatJSON
	default:
		return malformed("unknown checkpoint extension %q", ext)
	}
	stem := strings.TrimSuffix(name, ext)

	sp := strings.LastIndexByte(stem, ' ')
	if sp <= 0 || sp == len(stem)-1 {
		return malformed("missing epoch tag")
	}
	keyPart, tagPart := stem[:sp], stem[sp+1:]

	var tag Tag
	if tagPart == "early" {
		tag = EarlyTag()
	} else {
		n, err := strconv.Atoi(tagPart)
		if err != nil || n < 1 || tagPart != strconv.Itoa(n) {
			return malformed("epoch tag %q is neither a positive integer nor \"early\"", tagPart)
		}
		tag = EpochTag(n)
	}

	dash := strings.LastIndexByte(keyPart, '-')
	if dash <= 0 || dash == len(keyPart)-1 {
		return malformed("missing run or dataset name")
	}
	key := Key{Run: keyPart[:dash], Dataset: keyPart[dash+1:]}
	if strings.ContainsRune(key.Run, ' ') {
		return malformed("run name contains a space")
	}

	return Record{Key: key, Tag: tag, Format: format, Path: path}, nil
}
