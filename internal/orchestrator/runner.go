// Package orchestrator drives a single scan to completion against the
// engine: capture, analysis dispatch, and a paced, cancellable poll loop.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/a11ylab/scanrunner/internal/scan"
)

// Poll pacing bounds. The floor keeps a misconfigured caller from hammering
// the status endpoint.
const (
	DefaultPollInterval = 1500 * time.Millisecond
	MinPollInterval     = 750 * time.Millisecond
)

// capturedPercent is the fixed informational progress emitted once the page
// snapshot exists, before any analysis has run.
const capturedPercent = 12

// Options tunes one Run invocation.
type Options struct {
	// PollInterval is the wait between status polls. Zero selects the
	// default; values below the floor are clamped up to it.
	PollInterval time.Duration
	// RetryStatuses are the snapshot statuses that trigger the one-shot
	// defensive analysis dispatch. Defaults to the initial "captured" label.
	RetryStatuses []scan.Status
	// OnProgress, when non-nil, receives every progress update in the order
	// it was observed.
	OnProgress func(scan.Update)
}

// Runner composes the three engine leaf calls under a single cancellable
// control flow. Concurrent Run invocations are independent; Runner itself
// holds no per-run state.
type Runner struct {
	capture  scan.Capturer
	analysis scan.Enqueuer
	status   scan.StatusClient
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New constructs a Runner. A nil logger is replaced with a nop logger.
func New(capture scan.Capturer, analysis scan.Enqueuer, status scan.StatusClient, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		capture:  capture,
		analysis: analysis,
		status:   status,
		logger:   logger,
		sleep:    cancellableSleep,
	}
}

// Run drives one scan to exactly one terminal outcome: the final result
// payload, an error from the scan taxonomy, or a CancelledError. Leaf-call
// errors propagate unmodified except for the two advisory analysis
// dispatches, which are logged and swallowed. Run imposes no wall-clock
// limit of its own; bounded total runtime comes from ctx.
func (r *Runner) Run(ctx context.Context, req scan.Request, opts Options) (json.RawMessage, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, errors.New("scan request requires a url")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	retryTriggers := opts.RetryStatuses
	if len(retryTriggers) == 0 {
		retryTriggers = []scan.Status{scan.StatusCaptured}
	}

	handle, err := r.capture.Capture(ctx, req)
	if err != nil {
		return nil, err
	}
	r.notify(opts, scan.Update{
		SnapshotID: handle.SnapshotID,
		Status:     handle.Status,
		Percent:    capturedPercent,
		Message:    "Snapshot captured",
	})

	// The first dispatch is advisory: some engine deployments auto-dispatch
	// on capture, and the poll loop below re-triggers if the enqueue was
	// missed. Errors here must not kill the run.
	r.dispatchAnalysis(ctx, handle.SnapshotID, req.Options, "initial")

	retried := false
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &scan.CancelledError{Cause: ctxErr}
		}
		if err := r.sleep(ctx, interval); err != nil {
			return nil, err
		}

		snap, err := r.status.Status(ctx, handle.SnapshotID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, &scan.CancelledError{Cause: ctxErr}
			}
			return nil, err
		}
		if snap.SnapshotID == "" {
			snap.SnapshotID = handle.SnapshotID
		}
		r.notify(opts, updateFromSnapshot(snap))

		switch {
		case snap.Status == scan.StatusComplete:
			if emptyResult(snap.Result) {
				return nil, &scan.ProtocolError{Message: "scan completed but no result payload was returned"}
			}
			return snap.Result, nil
		case snap.Status == scan.StatusFailed:
			return nil, &scan.JobFailedError{Message: snap.FailureMessage()}
		case !retried && statusIn(snap.Status, retryTriggers):
			// One defensive re-dispatch per run, to recover from a single
			// missed enqueue. Never repeated even if the trigger status
			// persists across many polls.
			retried = true
			r.dispatchAnalysis(ctx, handle.SnapshotID, req.Options, "defensive")
		}
	}
}

func (r *Runner) dispatchAnalysis(ctx context.Context, snapshotID string, options map[string]any, phase string) {
	if err := r.analysis.EnqueueAnalysis(ctx, snapshotID, options); err != nil {
		r.logger.Warn("analysis dispatch failed",
			zap.String("snapshot_id", snapshotID),
			zap.String("phase", phase),
			zap.Error(err),
		)
	}
}

func (r *Runner) notify(opts Options, upd scan.Update) {
	if opts.OnProgress != nil {
		opts.OnProgress(upd)
	}
}

func updateFromSnapshot(snap scan.Snapshot) scan.Update {
	upd := scan.Update{
		SnapshotID: snap.SnapshotID,
		Status:     snap.Status,
		Snapshot:   &snap,
	}
	if snap.Progress != nil {
		if snap.Progress.Percent != nil {
			upd.Percent = *snap.Progress.Percent
		}
		upd.Message = snap.Progress.Message
	}
	return upd
}

func emptyResult(result json.RawMessage) bool {
	trimmed := bytes.TrimSpace(result)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func statusIn(status scan.Status, set []scan.Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// cancellableSleep waits for d but returns a CancelledError the moment ctx
// is done, not after the remaining interval expires.
func cancellableSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &scan.CancelledError{Cause: ctx.Err()}
	case <-timer.C:
		return nil
	}
}
