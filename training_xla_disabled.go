//go:build !XLA && !ALL

package apcnn

import (
	"errors"
)

func NewXLATrainingSession(_ TrainingConfig) (*TrainingSession, error) {
	return nil, errors.New("XLA is not enabled")
}
