package options

import (
	"fmt"
	"slices"
)

type Options struct {
	GoMLXOptions *GoMLXOptions
	Backend      string
}

func Defaults() *Options {
	return &Options{
		Backend: "GO",
		GoMLXOptions: &GoMLXOptions{
			InstanceBuckets: []int{8, 32, 128, 512},
			BagBuckets:      []int{1, 8, 32, 128},
		},
	}
}

type GoMLXOptions struct {
	// InstanceBuckets defines the bucket sizes the number of instances in a batch is padded to.
	// Coarse bucketing reduces JIT cache pressure by limiting unique shapes.
	// Default: []int{8, 32, 128, 512}
	InstanceBuckets []int
	// BagBuckets defines the bucket sizes the number of bags in a batch is padded to.
	// Default: []int{1, 8, 32, 128}
	BagBuckets []int
	Cuda       bool
	XLA        bool
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithCuda runs the model on an NVIDIA GPU through XLA.
func WithCuda() WithOption {
	return func(o *Options) error {
		if o.Backend != "XLA" {
			return fmt.Errorf("WithCuda is only supported for the XLA backend")
		}
		o.GoMLXOptions.Cuda = true
		return nil
	}
}

// WithInstanceBuckets sets the sizes batches of instances are padded to.
func WithInstanceBuckets(buckets []int) WithOption {
	return func(o *Options) error {
		if err := validateBuckets(buckets); err != nil {
			return fmt.Errorf("instance buckets: %w", err)
		}
		o.GoMLXOptions.InstanceBuckets = buckets
		return nil
	}
}

// WithBagBuckets sets the sizes batches of bags are padded to.
func WithBagBuckets(buckets []int) WithOption {
	return func(o *Options) error {
		if err := validateBuckets(buckets); err != nil {
			return fmt.Errorf("bag buckets: %w", err)
		}
		o.GoMLXOptions.BagBuckets = buckets
		return nil
	}
}

func validateBuckets(buckets []int) error {
	if len(buckets) == 0 {
		return fmt.Errorf("at least one bucket is required")
	}
	if !slices.IsSorted(buckets) {
		return fmt.Errorf("buckets must be sorted, got %v", buckets)
	}
	if buckets[0] <= 0 {
		return fmt.Errorf("buckets must be greater than 0, got %v", buckets)
	}
	return nil
}

// BackendConfig is the gomlx backend configuration string for these options.
func (o *Options) BackendConfig() (string, error) {
	switch o.Backend {
	case "GO":
		return "go", nil
	case "XLA":
		if o.GoMLXOptions.Cuda {
			return "xla:cuda", nil
		}
		return "xla:cpu", nil
	default:
		return "", fmt.Errorf("backend %s is not supported", o.Backend)
	}
}

// BucketSize returns the smallest bucket holding n. Past the largest bucket, n is rounded up
// to a multiple of it.
func BucketSize(n int, buckets []int) int {
	for _, bucket := range buckets {
		if n <= bucket {
			return bucket
		}
	}
	largest := buckets[len(buckets)-1]
	return (n + largest - 1) / largest * largest
}
