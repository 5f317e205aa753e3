package logutil

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
)

// Config controls where training logs go.
type Config struct {
	Level    string // debug, info, warn, error; empty means info
	Filename string // log file, empty disables it
	Quiet    bool   // suppress console output
}

// New builds a logger writing to the console and, optionally, to a log file.
// The returned close function flushes and closes the log file.
func New(config Config) (*log.Logger, func() error) {
	var writers log.MultiEntryWriter
	if !config.Quiet {
		writers = append(writers, &log.ConsoleWriter{
			ColorOutput:    isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()),
			QuoteString:    true,
			EndWithMessage: true,
			Writer:         os.Stderr,
		})
	}
	closeFn := func() error { return nil }
	if config.Filename != "" {
		fileWriter := &log.FileWriter{
			Filename:     config.Filename,
			FileMode:     0o644,
			EnsureFolder: true,
		}
		writers = append(writers, fileWriter)
		closeFn = fileWriter.Close
	}

	level := log.InfoLevel
	if config.Level != "" {
		level = log.ParseLevel(config.Level)
	}
	logger := &log.Logger{
		Level:      level,
		TimeFormat: "2006-01-02 15:04:05",
		Writer:     &writers,
	}
	return logger, closeFn
}

// Discard returns a logger that drops every entry.
func Discard() *log.Logger {
	return &log.Logger{
		Level:  log.ErrorLevel,
		Writer: &log.IOWriter{Writer: io.Discard},
	}
}
