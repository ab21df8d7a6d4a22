// Package memory provides the in-memory run store. Runs are tracked only for
// the lifetime of the process; durable history is deliberately out of scope.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/a11ylab/scanrunner/internal/scan"
)

// RunStore implements scan.RunStore with a mutex-guarded map. It also owns
// the per-run cancel functions that make cooperative cancellation work.
type RunStore struct {
	mu      sync.RWMutex
	runs    map[string]scan.Run
	cancels map[string]context.CancelFunc
	clock   scan.Clock
}

// NewRunStore constructs a RunStore using clock for lifecycle timestamps.
func NewRunStore(clock scan.Clock) *RunStore {
	return &RunStore{
		runs:    make(map[string]scan.Run),
		cancels: make(map[string]context.CancelFunc),
		clock:   clock,
	}
}

// Create stores a new run in pending state.
func (s *RunStore) Create(_ context.Context, run scan.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// Get fetches a run by ID.
func (s *RunStore) Get(_ context.Context, id string) (scan.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return scan.Run{}, scan.ErrRunNotFound
	}
	return run, nil
}

// List returns runs ordered by submission time, newest first, optionally
// filtered by state. Offset and limit page through the ordered set.
func (s *RunStore) List(_ context.Context, state *scan.RunState, limit, offset int) ([]scan.Run, error) {
	s.mu.RLock()
	matched := make([]scan.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if state != nil && run.State != *state {
			continue
		}
		matched = append(matched, run)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Submitted.Equal(matched[j].Submitted) {
			return matched[i].Submitted.After(matched[j].Submitted)
		}
		return matched[i].ID > matched[j].ID
	})

	if offset >= len(matched) {
		return []scan.Run{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// MarkRunning transitions a pending run to running and registers its cancel
// function. It fails for runs already in a terminal state, which lets a
// worker skip runs that were cancelled while still queued.
func (s *RunStore) MarkRunning(_ context.Context, id string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return scan.ErrRunNotFound
	}
	if run.State.Terminal() {
		return fmt.Errorf("run %s already %s", id, run.State)
	}
	run.State = scan.RunStateRunning
	run.Started = pointerTime(s.now())
	s.runs[id] = run
	if cancel != nil {
		s.cancels[id] = cancel
	}
	return nil
}

// RecordProgress stores the latest progress update. Updates arriving after
// the run reached a terminal state are dropped.
func (s *RunStore) RecordProgress(_ context.Context, id string, upd scan.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return scan.ErrRunNotFound
	}
	if run.State.Terminal() {
		return nil
	}
	run.Latest = &upd
	s.runs[id] = run
	return nil
}

// Finish writes the terminal outcome. The first terminal transition wins;
// later calls are ignored so a cancel racing a natural completion cannot
// overwrite the recorded result.
func (s *RunStore) Finish(_ context.Context, id string, outcome scan.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishLocked(id, outcome)
}

// Cancel requests cooperative cancellation. Pending runs are finished as
// cancelled immediately; running ones have their context cancelled and the
// worker records the terminal outcome. Cancelling a terminal run is a no-op.
func (s *RunStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return scan.ErrRunNotFound
	}
	if run.State.Terminal() {
		return nil
	}
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		return nil
	}
	return s.finishLocked(id, scan.Outcome{
		State:     scan.RunStateCancelled,
		ErrorKind: scan.KindCancelled,
		ErrorText: "cancelled before the scan started",
	})
}

func (s *RunStore) finishLocked(id string, outcome scan.Outcome) error {
	run, ok := s.runs[id]
	if !ok {
		return scan.ErrRunNotFound
	}
	if run.State.Terminal() {
		return nil
	}
	run.State = outcome.State
	run.Result = outcome.Result
	run.ResultDigest = outcome.ResultDigest
	run.ErrorKind = outcome.ErrorKind
	run.ErrorText = outcome.ErrorText
	run.Finished = pointerTime(s.now())
	s.runs[id] = run
	delete(s.cancels, id)
	return nil
}

func (s *RunStore) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
