package datasets

import (
	"fmt"
	"io"

	"github.com/phuslu/log"
	"golang.org/x/exp/rand"
)

// BagDataset yields batches of bags for one epoch at a time. Reset reshuffles the bags
// when a random source was provided, the way every training epoch starts.
type BagDataset struct {
	bags      []Bag
	batchSize int
	rng       *rand.Rand
	batchN    int
	verbose   bool
	logger    *log.Logger
}

// NewBagDataset creates a dataset over bags. rng may be nil for a fixed order (evaluation).
func NewBagDataset(bags []Bag, batchSize int, rng *rand.Rand) (*BagDataset, error) {
	d := &BagDataset{
		bags:      bags,
		batchSize: batchSize,
		rng:       rng,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *BagDataset) Validate() error {
	if len(d.bags) == 0 {
		return fmt.Errorf("dataset has no bags")
	}
	if d.batchSize <= 0 {
		return fmt.Errorf("batch size must be greater than 0")
	}
	return nil
}

// SetVerbose logs every epoch reset through logger.
func (d *BagDataset) SetVerbose(v bool, logger *log.Logger) {
	d.verbose = v
	d.logger = logger
}

func (d *BagDataset) Len() int {
	return len(d.bags)
}

// NumBatches is the number of batches Yield returns per epoch.
func (d *BagDataset) NumBatches() int {
	return (len(d.bags) + d.batchSize - 1) / d.batchSize
}

// Reset rewinds the dataset to the beginning of the epoch and shuffles it.
func (d *BagDataset) Reset() {
	if d.verbose && d.logger != nil && d.batchN > 0 {
		d.logger.Debug().Int("batches", d.batchN).Int("batch_size", d.batchSize).Msg("completed epoch, resetting dataset")
	}
	d.batchN = 0
	if d.rng != nil {
		Shuffle(d.rng, d.bags)
	}
}

// Yield returns the next batch, or io.EOF once the epoch is exhausted.
// The last batch of an epoch may be shorter than the batch size.
func (d *BagDataset) Yield() ([]Bag, error) {
	start := d.batchN * d.batchSize
	if start >= len(d.bags) {
		return nil, io.EOF
	}
	end := min(start+d.batchSize, len(d.bags))
	d.batchN++
	return d.bags[start:end], nil
}

// Shuffle reorders bags in place.
func Shuffle(rng *rand.Rand, bags []Bag) {
	rng.Shuffle(len(bags), func(i, j int) {
		bags[i], bags[j] = bags[j], bags[i]
	})
}

// SplitBatches cuts bags into consecutive batches of at most batchSize bags.
func SplitBatches(bags []Bag, batchSize int) [][]Bag {
	if batchSize <= 0 {
		return nil
	}
	batches := make([][]Bag, 0, (len(bags)+batchSize-1)/batchSize)
	for start := 0; start < len(bags); start += batchSize {
		batches = append(batches, bags[start:min(start+batchSize, len(bags))])
	}
	return batches
}
