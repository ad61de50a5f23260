package training

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-attention/errdefs"
	"gorgonia.org/tensor"
)

// Dataset is an in-memory labelled image set. Images are [H,W,C] tensors.
type Dataset struct {
	Inputs []*tensor.Dense
	Labels []int
}

// Len returns the number of samples.
func (d Dataset) Len() int { return len(d.Inputs) }

// Validate checks that every image has a label.
func (d Dataset) Validate() error {
	if len(d.Inputs) != len(d.Labels) {
		return errdefs.NewShapeError("dataset labels", len(d.Inputs), len(d.Labels))
	}
	if len(d.Inputs) == 0 {
		return errors.New("dataset is empty")
	}
	for i, img := range d.Inputs {
		if img == nil {
			return errors.Errorf("image %d is nil", i)
		}
	}
	return nil
}

// DataLoader provides batching and shuffling. The order of an epoch depends only on the seed
// and the epoch number, so a resumed run visits samples in the same order.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	seed      int64
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, errdefs.NewConfigError("batch size", "must be positive, got %d", batchSize)
	}
	if err := dataset.Validate(); err != nil {
		return nil, err
	}
	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		seed:      seed,
		indices:   indices,
	}, nil
}

// Batch is a slice of a dataset.
type Batch struct {
	Inputs []*tensor.Dense
	Labels []int
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader and, when shuffling, permutes the samples for epoch.
func (dl *DataLoader) Reset(epoch int) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	for i := range dl.indices {
		dl.indices[i] = i
	}
	if dl.shuffle {
		rng := rand.New(rand.NewSource(dl.seed + int64(epoch)))
		rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() *Batch {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil
	}
	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	batch := &Batch{
		Inputs: make([]*tensor.Dense, 0, end-dl.position),
		Labels: make([]int, 0, end-dl.position),
	}
	for _, idx := range dl.indices[dl.position:end] {
		batch.Inputs = append(batch.Inputs, dl.dataset.Inputs[idx])
		batch.Labels = append(batch.Labels, dl.dataset.Labels[idx])
	}
	dl.position = end
	return batch
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}
