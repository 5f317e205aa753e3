package logutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "train.log")
	logger, closeLogger := New(Config{Level: "debug", Filename: path, Quiet: true})
	logger.Debug().Int("batch", 3).Msg("debug line")
	logger.Info().Msgf("batch = %d / %d, loss = %f", 500, 1000, 0.25)
	require.NoError(t, closeLogger())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "debug line")
	assert.Contains(t, string(content), "batch = 500 / 1000, loss = 0.250000")
}

func TestLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.log")
	logger, closeLogger := New(Config{Level: "warn", Filename: path, Quiet: true})
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	require.NoError(t, closeLogger())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "hidden")
	assert.Contains(t, string(content), "shown")
}

func TestDiscardAndCheck(t *testing.T) {
	logger := Discard()
	logger.Error().Err(errors.New("dropped")).Msg("nothing is written")
	CheckWithMessage(logger, nil, "not fatal")

	_, closeLogger := New(Config{Quiet: true})
	assert.NoError(t, closeLogger())
}
