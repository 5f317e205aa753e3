//go:build XLA || ALL

package apcnn

import (
	_ "github.com/gomlx/gomlx/backends/default" // import XLA backend
)

// NewXLATrainingSession creates a training session on the XLA backend, on the GPU with WithCuda.
func NewXLATrainingSession(config TrainingConfig) (*TrainingSession, error) {
	return newTrainingSession("XLA", config)
}
