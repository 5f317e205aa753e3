package model

import (
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/knights-analytics/apcnn/datasets"
)

// TrainingDataset packs the batches of a BagDataset into the model's graph inputs, as the
// train.Dataset fed to a train.Loop.
type TrainingDataset struct {
	model *Model
	bags  *datasets.BagDataset
}

// NewTrainingDataset wraps bags for training m.
func (m *Model) NewTrainingDataset(bags *datasets.BagDataset) *TrainingDataset {
	return &TrainingDataset{model: m, bags: bags}
}

func (d *TrainingDataset) Name() string {
	return "bags"
}

// Yield returns the next packed batch with its one-hot labels and bag mask, or io.EOF at
// the end of the epoch.
func (d *TrainingDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	bags, err := d.bags.Yield()
	if err != nil {
		return nil, nil, nil, err
	}
	b, err := d.model.encodeBatch(bags, true)
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, b.inputs, b.labels, nil
}

func (d *TrainingDataset) Reset() {
	d.bags.Reset()
}

// IsOwnershipTransferred is false: the loop must not free the yielded tensors, the
// executors may still hold their buffers.
func (d *TrainingDataset) IsOwnershipTransferred() bool {
	return false
}

// NewLoop returns a train.Loop over the model's trainer. It must be recreated after
// LoadSnapshot or SetParameter, which replace the trainer.
func (m *Model) NewLoop() *train.Loop {
	return train.NewLoop(m.trainer)
}
