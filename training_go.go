package apcnn

// NewGoTrainingSession creates a training session on the pure Go backend.
func NewGoTrainingSession(config TrainingConfig) (*TrainingSession, error) {
	return newTrainingSession("GO", config)
}
