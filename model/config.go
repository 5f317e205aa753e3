package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Config holds the model hyper-parameters.
type Config struct {
	ClassNum      int     // number of relations, relation 0 is NA
	Filters       int     // convolution filter channels
	KernelSize    int     // convolution window, must be odd
	SeqLen        int     // sentence length before the kernel padding is added
	Dropout       float64 // dropout rate on the PCNN output during training
	NISHiddenDims []int   // hidden layer sizes of the instance-selection gate
	GateThreshold float64 // instances whose gate score is below this are masked out
	Seed          uint64  // seed for parameter initialization
}

func DefaultConfig() Config {
	return Config{
		ClassNum:      53,
		Filters:       230,
		KernelSize:    3,
		SeqLen:        80,
		Dropout:       0.5,
		NISHiddenDims: []int{512, 256, 128, 64},
		GateThreshold: 0.5,
		Seed:          1,
	}
}

// PaddedLen is the token length every instance must have: the sentence plus kernel/2
// padding tokens on each side.
func (c Config) PaddedLen() int {
	return c.SeqLen + 2*(c.KernelSize/2)
}

// FeatureDim is the size of the PCNN output per instance.
func (c Config) FeatureDim() int {
	return 3 * c.Filters
}

func (c Config) Validate() error {
	if c.ClassNum < 2 {
		return fmt.Errorf("class number must be at least 2, got %d", c.ClassNum)
	}
	if c.Filters <= 0 {
		return fmt.Errorf("filters must be greater than 0, got %d", c.Filters)
	}
	if c.KernelSize <= 0 || c.KernelSize%2 == 0 {
		return fmt.Errorf("kernel size must be a positive odd number, got %d", c.KernelSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("sequence length must be greater than 0, got %d", c.SeqLen)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1), got %f", c.Dropout)
	}
	if c.GateThreshold <= 0 || c.GateThreshold >= 1 {
		return fmt.Errorf("gate threshold must be in (0, 1), got %f", c.GateThreshold)
	}
	for _, dim := range c.NISHiddenDims {
		if dim <= 0 {
			return fmt.Errorf("NIS hidden dimensions must be greater than 0, got %v", c.NISHiddenDims)
		}
	}
	return nil
}

// ParseHiddenDims parses a comma separated list of layer sizes, e.g. "512, 256, 128, 64".
// Empty items are skipped, so "" means no hidden layer.
func ParseHiddenDims(s string) ([]int, error) {
	var dims []int
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		dim, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("invalid hidden dimension %q: %w", item, err)
		}
		dims = append(dims, dim)
	}
	return dims, nil
}
