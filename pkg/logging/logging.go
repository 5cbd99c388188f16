// Package logging wraps the two logging libraries this codebase's
// services depend on: logrus for structured operational logs (pool
// lifecycle, worker start/stop, node failures) and zerolog for the
// high-frequency periodic snapshots (GraphStats) where its zero-allocation
// encoder matters.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is a convenience alias matching logrus.Fields so callers don't
// need to import logrus directly just to log.
type Fields = logrus.Fields

// New builds the engine's standard logrus logger: JSON in production,
// a human-readable text formatter otherwise.
func New(level string, json bool, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}
	logger := logrus.New()
	logger.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if json {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// Component returns a logger with a "component" field pre-bound, the
// pattern used throughout this codebase's constructors
// (logger.WithField("component", ...)) to tag every line emitted by a
// given pool, worker service, or graph.
func Component(base *logrus.Logger, name string) *logrus.Entry {
	return base.WithField("component", name)
}
