// Package worker implements the scan execution loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/a11ylab/scanrunner/internal/orchestrator"
	"github.com/a11ylab/scanrunner/internal/progress"
	"github.com/a11ylab/scanrunner/internal/scan"
)

// Runner drives one scan request to a terminal outcome.
type Runner interface {
	Run(ctx context.Context, req scan.Request, opts orchestrator.Options) (json.RawMessage, error)
}

// Config controls Worker behavior.
type Config struct {
	PollInterval  time.Duration
	RetryStatuses []scan.Status
}

// Worker consumes queued runs and executes them against the engine.
type Worker struct {
	queue  scan.Queue
	store  scan.RunStore
	runner Runner
	hub    progress.Emitter
	hasher scan.Hasher
	clock  scan.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(
	queue scan.Queue,
	store scan.RunStore,
	runner Runner,
	hub progress.Emitter,
	hasher scan.Hasher,
	clock scan.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		store:  store,
		runner: runner,
		hub:    hub,
		hasher: hasher,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, consuming queued runs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scan.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID))
		w.processRun(ctx, item)
	}
}

func (w *Worker) processRun(ctx context.Context, item scan.RunItem) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Runs cancelled while still queued are already terminal; skip them.
	if err := w.store.MarkRunning(ctx, item.RunID, cancel); err != nil {
		w.logger.Info("skipping run", zap.String("run_id", item.RunID), zap.Error(err))
		return
	}

	started := w.clock.Now()
	w.emit(progress.Event{
		RunID: item.RunID,
		TS:    started,
		Stage: progress.StageScanStart,
	})

	result, err := w.runner.Run(runCtx, item.Request, orchestrator.Options{
		PollInterval:  w.cfg.PollInterval,
		RetryStatuses: w.cfg.RetryStatuses,
		OnProgress:    w.progressFunc(ctx, item.RunID),
	})

	dur := w.clock.Now().Sub(started)
	outcome := deriveOutcome(result, err)
	if outcome.State == scan.RunStateComplete && w.hasher != nil {
		digest, hashErr := w.hasher.Hash(outcome.Result)
		if hashErr != nil {
			w.logger.Warn("result digest failed", zap.String("run_id", item.RunID), zap.Error(hashErr))
		} else {
			outcome.ResultDigest = digest
		}
	}
	if err := w.store.Finish(ctx, item.RunID, outcome); err != nil {
		w.logger.Error("finish run failed", zap.String("run_id", item.RunID), zap.Error(err))
	}
	w.emitTerminal(item.RunID, outcome, dur)
	w.logger.Info("run finished",
		zap.String("run_id", item.RunID),
		zap.String("state", string(outcome.State)),
		zap.Duration("duration", dur),
	)
}

// progressFunc forwards orchestrator updates into the run store and the
// progress pipeline. The store write uses the worker context, not the run
// context, so the last update of a cancelled run is still recorded.
func (w *Worker) progressFunc(ctx context.Context, runID string) func(scan.Update) {
	return func(upd scan.Update) {
		if err := w.store.RecordProgress(ctx, runID, upd); err != nil {
			w.logger.Warn("record progress failed", zap.String("run_id", runID), zap.Error(err))
		}
		stage := progress.StagePoll
		if upd.Snapshot == nil {
			stage = progress.StageSnapshot
		}
		w.emit(progress.Event{
			RunID:      runID,
			SnapshotID: upd.SnapshotID,
			TS:         w.clock.Now(),
			Stage:      stage,
			Status:     upd.Status,
			Percent:    upd.Percent,
			Note:       upd.Message,
		})
	}
}

func (w *Worker) emitTerminal(runID string, outcome scan.Outcome, dur time.Duration) {
	evt := progress.Event{
		RunID: runID,
		TS:    w.clock.Now(),
		Dur:   dur,
	}
	if outcome.State == scan.RunStateComplete {
		evt.Stage = progress.StageScanDone
		evt.Status = scan.StatusComplete
	} else {
		evt.Stage = progress.StageScanError
		evt.ErrorKind = outcome.ErrorKind
		evt.Note = outcome.ErrorText
	}
	w.emit(evt)
}

func (w *Worker) emit(evt progress.Event) {
	if w.hub == nil {
		return
	}
	w.hub.Emit(evt)
}

func deriveOutcome(result json.RawMessage, err error) scan.Outcome {
	if err == nil {
		return scan.Outcome{
			State:  scan.RunStateComplete,
			Result: result,
		}
	}
	kind := scan.ErrorKind(err)
	state := scan.RunStateFailed
	if kind == scan.KindCancelled {
		state = scan.RunStateCancelled
	}
	return scan.Outcome{
		State:     state,
		ErrorKind: kind,
		ErrorText: err.Error(),
	}
}
