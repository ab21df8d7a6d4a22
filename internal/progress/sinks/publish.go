package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/a11ylab/scanrunner/internal/progress"
	"github.com/a11ylab/scanrunner/internal/scan"
)

// PublishSink forwards terminal run events to a Publisher so downstream
// consumers learn about finished scans without polling the API. Intermediate
// poll events are intentionally not published.
type PublishSink struct {
	publisher scan.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink wires a publisher and topic to the sink interface.
func NewPublishSink(publisher scan.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes each terminal event in the batch. Publish failures for
// individual events are collected so the hub can log them; the rest of the
// batch is still attempted.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.publisher == nil || s.topic == "" {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageScanDone && evt.Stage != progress.StageScanError {
			continue
		}
		payload := map[string]any{
			"run_id":      evt.RunID,
			"snapshot_id": evt.SnapshotID,
			"stage":       string(evt.Stage),
			"status":      string(evt.Status),
			"error_kind":  evt.ErrorKind,
			"note":        evt.Note,
			"duration_ms": evt.Dur.Milliseconds(),
			"timestamp":   evt.TS.UTC().Format(time.RFC3339),
		}
		id, err := s.publisher.Publish(ctx, s.topic, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish run %s: %w", evt.RunID, err))
			continue
		}
		s.logger.Debug("run notification published",
			zap.String("run_id", evt.RunID),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
