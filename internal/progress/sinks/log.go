package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/a11ylab/scanrunner/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where no other sink is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("progress event",
			zap.String("run_id", evt.RunID),
			zap.String("snapshot_id", evt.SnapshotID),
			zap.String("stage", string(evt.Stage)),
			zap.String("status", string(evt.Status)),
			zap.Float64("percent", evt.Percent),
			zap.Duration("dur", evt.Dur),
			zap.String("error_kind", evt.ErrorKind),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
