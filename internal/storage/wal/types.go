package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/planforge/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType = types.JobEvent

const (
	EventAdmit   = types.EventAdmit   // Job admitted to the registry (queued)
	EventStart   = types.EventStart   // Job picked up by a worker
	EventSucceed = types.EventSucceed // Job finished with a result
	EventFail    = types.EventFail    // Job finished with an error
	EventAbandon = types.EventAbandon // Job failed without finishing (restart or shutdown)
	EventPurge   = types.EventPurge   // Terminal job removed from the registry
)

// Event represents a WAL event record. Job carries the full job record after
// the change, so replay can rebuild state from the log alone.
type Event struct {
	Seq       uint64          `json:"seq"`           // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`          // Event type
	JobID     types.JobID     `json:"job_id"`        // Job ID
	Timestamp int64           `json:"timestamp"`     // Unix millisecond timestamp
	Job       json.RawMessage `json:"job,omitempty"` // Encoded types.Job
	Checksum  uint32          `json:"checksum"`      // CRC32 checksum
}

// DecodeJob returns the job record carried by the event.
func (e Event) DecodeJob() (types.Job, error) {
	var job types.Job
	if len(e.Job) == 0 {
		return job, &CorruptionError{Seq: e.Seq, Cause: ErrMissingPayload}
	}
	if err := json.Unmarshal(e.Job, &job); err != nil {
		return job, &CorruptionError{Seq: e.Seq, Cause: err}
	}
	return job, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
