package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/a11ylab/scanrunner/internal/scan"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageScanStart Stage = "SCAN_START"
	StageSnapshot  Stage = "SNAPSHOT_CAPTURED"
	StagePoll      Stage = "SCAN_POLL"
	StageScanDone  Stage = "SCAN_DONE"
	StageScanError Stage = "SCAN_ERROR"
)

// Event captures a single milestone in a run's lifecycle.
type Event struct {
	// RunID identifies the run the event belongs to.
	RunID string
	// SnapshotID is the engine-side job handle, once known.
	SnapshotID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Status is the engine status observed at this milestone, if any.
	Status scan.Status
	// Percent carries the engine-reported progress, zero when unknown.
	Percent float64
	// Dur captures run wall time for terminal events.
	Dur time.Duration
	// ErrorKind labels the failure taxonomy for SCAN_ERROR events.
	ErrorKind string
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageScanStart, StageSnapshot, StagePoll, StageScanDone:
	case StageScanError:
		if e.ErrorKind == "" {
			return errors.New("scan error requires an error kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
