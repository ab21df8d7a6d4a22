// Package scan defines core types shared across scanrunner subsystems.
package scan

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the engine-reported lifecycle label for one snapshot.
type Status string

// Status labels reported by the scan engine. The transitional labels are
// engine-defined; only StatusComplete and StatusFailed are terminal, any
// other value means the scan is still working.
const (
	StatusCaptured   Status = "captured"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further polling should occur for this status.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Request is the caller-supplied description of one scan. Options are
// structurally opaque and passed through to the engine verbatim. URL must be
// non-empty; whether it is a valid URL is the caller's responsibility.
type Request struct {
	URL     string         `json:"url"`
	Timeout time.Duration  `json:"-"`
	Options map[string]any `json:"options,omitempty"`
}

// Handle identifies one in-flight scan on the engine. It is owned by a
// single orchestrator run and discarded once a terminal snapshot is seen.
type Handle struct {
	SnapshotID string
	Status     Status
}

// ProgressDetail is the optional progress metadata attached to a snapshot.
type ProgressDetail struct {
	Percent *float64 `json:"percent,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Failure is the engine's error descriptor on a failed snapshot.
type Failure struct {
	Message string `json:"message,omitempty"`
}

// Snapshot is the engine's answer to a single status poll. Result is present
// only when Status is complete; Error only when Status is failed.
type Snapshot struct {
	SnapshotID string          `json:"snapshotId,omitempty"`
	Status     Status          `json:"status"`
	Progress   *ProgressDetail `json:"progress,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Failure        `json:"error,omitempty"`
}

// FailureMessage extracts the engine-reported failure text, preferring the
// error descriptor over the progress message and falling back to a generic
// phrase when neither carries one.
func (s Snapshot) FailureMessage() string {
	if s.Error != nil && strings.TrimSpace(s.Error.Message) != "" {
		return s.Error.Message
	}
	if s.Progress != nil && strings.TrimSpace(s.Progress.Message) != "" {
		return s.Progress.Message
	}
	return "scan failed without an error message"
}

// Update is one progress notification forwarded to the caller. Snapshot is
// set for poll-derived updates and nil for synthetic milestones such as the
// capture acknowledgement. Percent is zero when the engine reported none.
type Update struct {
	SnapshotID string    `json:"snapshot_id"`
	Status     Status    `json:"status"`
	Percent    float64   `json:"percent,omitempty"`
	Message    string    `json:"message,omitempty"`
	Snapshot   *Snapshot `json:"snapshot,omitempty"`
}

// RunState is the service-side lifecycle of one submitted run.
type RunState string

// Run states tracked by the run store.
const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateComplete  RunState = "complete"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the run has reached its final state.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateComplete, RunStateFailed, RunStateCancelled:
		return true
	default:
		return false
	}
}

// Run is the record kept for each submitted scan. It lives in memory only;
// nothing survives a restart.
type Run struct {
	ID        string          `json:"id"`
	Request   Request         `json:"request"`
	State     RunState        `json:"state"`
	Submitted time.Time       `json:"submitted_at"`
	Started   *time.Time      `json:"started_at,omitempty"`
	Finished  *time.Time      `json:"finished_at,omitempty"`
	Latest    *Update         `json:"latest,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	// ResultDigest is the hex SHA-256 of Result, letting pollers compare
	// payloads without re-downloading them.
	ResultDigest string `json:"result_digest,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorText    string `json:"error_text,omitempty"`
}

// Outcome is the terminal disposition a worker writes for a run.
type Outcome struct {
	State        RunState
	Result       json.RawMessage
	ResultDigest string
	ErrorKind    string
	ErrorText    string
}

// RunItem wraps a run ready for a worker to pick up.
type RunItem struct {
	RunID     string
	Request   Request
	Submitted int64
}
