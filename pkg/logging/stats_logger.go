package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// StatsSnapshot is the minimal shape a periodic logger needs to emit a
// GraphStats line. Callers fill it from WorkGraph.Stats(), which returns
// an events.Stats, field by field.
type StatsSnapshot struct {
	GraphName        string
	Pending          int64
	Ready            int64
	Scheduled        int64
	Executing        int64
	Completed        int64
	Failed           int64
	Cancelled        int64
	Deferred         int64
	DroppedNodeCount int64
}

// StatsLogger emits periodic GraphStats snapshots through zerolog, whose
// allocation-free encoder keeps a per-second emit cycle cheap even under
// a large graph — unlike the structured logrus path used for discrete
// lifecycle events.
type StatsLogger struct {
	logger zerolog.Logger
}

// NewStatsLogger builds a StatsLogger writing to out (defaults to
// os.Stderr).
func NewStatsLogger(out io.Writer) *StatsLogger {
	if out == nil {
		out = os.Stderr
	}
	return &StatsLogger{logger: zerolog.New(out).With().Timestamp().Logger()}
}

// Log emits one snapshot line.
func (s *StatsLogger) Log(snap StatsSnapshot) {
	s.logger.Info().
		Str("graph", snap.GraphName).
		Int64("pending", snap.Pending).
		Int64("ready", snap.Ready).
		Int64("scheduled", snap.Scheduled).
		Int64("executing", snap.Executing).
		Int64("completed", snap.Completed).
		Int64("failed", snap.Failed).
		Int64("cancelled", snap.Cancelled).
		Int64("deferred", snap.Deferred).
		Int64("dropped", snap.DroppedNodeCount).
		Msg("graph_stats")
}

// Every runs Log(source()) every interval until stop is closed.
func (s *StatsLogger) Every(interval time.Duration, stop <-chan struct{}, source func() StatsSnapshot) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Log(source())
		}
	}
}
