package scan

import (
	"context"
	"time"
)

// Capturer submits a scan request to the engine and returns a job handle.
type Capturer interface {
	Capture(ctx context.Context, req Request) (Handle, error)
}

// Enqueuer asks the engine to schedule rule analysis for a snapshot. It must
// be safe to invoke more than once for the same snapshot.
type Enqueuer interface {
	EnqueueAnalysis(ctx context.Context, snapshotID string, options map[string]any) error
}

// StatusClient performs a single status check for a snapshot. It never
// retries or paces itself; pacing is the orchestrator's job.
type StatusClient interface {
	Status(ctx context.Context, snapshotID string) (Snapshot, error)
}

// EngineClient bundles the three leaf calls against the scan engine.
type EngineClient interface {
	Capturer
	Enqueuer
	StatusClient
}

// Queue provides enqueue/dequeue semantics for submitted runs.
type Queue interface {
	Enqueue(ctx context.Context, item RunItem) error
	Dequeue(ctx context.Context) (RunItem, error)
}

// RunStore tracks run records and their cancellation hooks.
type RunStore interface {
	Create(ctx context.Context, run Run) error
	Get(ctx context.Context, id string) (Run, error)
	List(ctx context.Context, state *RunState, limit, offset int) ([]Run, error)
	MarkRunning(ctx context.Context, id string, cancel context.CancelFunc) error
	RecordProgress(ctx context.Context, id string, upd Update) error
	Finish(ctx context.Context, id string, outcome Outcome) error
	Cancel(ctx context.Context, id string) error
}

// Publisher pushes terminal run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher digests byte payloads into stable string fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
