// Package logging builds the structured loggers used across meshwire.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Format selects the log encoding
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Options configures a logger
type Options struct {
	Level  string
	Format Format
	Output io.Writer
}

// New creates a logger from options. Empty fields default to info level,
// text format and stderr.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()

	level := opts.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	logger.SetLevel(lvl)

	switch Format(strings.ToLower(string(opts.Format))) {
	case "", FormatText:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}
	return logger, nil
}

// Discard returns a logger that drops everything
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// Component tags a logger with a component name, falling back to a discard
// logger when none is configured
func Component(logger logrus.FieldLogger, name string) logrus.FieldLogger {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("component", name)
}
