// Package types defines the core domain model shared by the planforge packages.
package types

import (
	"time"
)

// JobID is the unique identifier of a job.
type JobID string

// TargetID identifies the document a job works on (a plan id).
type TargetID string

// JobKind tags a job as generation or export work.
type JobKind string

const (
	KindGenerate JobKind = "generate" // regenerate plan content
	KindExport   JobKind = "export"   // render a completed plan to an artifact
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case KindGenerate, KindExport:
		return true
	}
	return false
}

// JobState is the lifecycle state of a job.
type JobState string

const (
	StateQueued    JobState = "queued"    // admitted, waiting for a worker
	StateRunning   JobState = "running"   // a worker is executing the body
	StateSucceeded JobState = "succeeded" // body returned a result
	StateFailed    JobState = "failed"    // body returned an error or panicked
)

// Terminal reports whether no further transition is allowed from s.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Active reports whether s counts against the single-flight rule.
func (s JobState) Active() bool {
	return s == StateQueued || s == StateRunning
}

// rank orders states along the only allowed path queued -> running -> terminal.
func (s JobState) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateRunning:
		return 1
	case StateSucceeded, StateFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether from -> to is a single forward step.
func CanTransition(from, to JobState) bool {
	if from.Terminal() {
		return false
	}
	fr, tr := from.rank(), to.rank()
	if fr < 0 || tr < 0 {
		return false
	}
	return tr == fr+1
}

// Job is a unit of asynchronous work with a tracked lifecycle.
// It is the only record the core persists.
type Job struct {
	// identity
	ID     JobID    `json:"id"`
	Target TargetID `json:"target_id"`
	Kind   JobKind  `json:"kind"`

	// lifecycle
	State      JobState   `json:"state"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// request parameters, e.g. export format
	Params map[string]string `json:"params,omitempty"`

	// outcome
	Result string `json:"result,omitempty"` // content reference or artifact path
	Error  string `json:"error,omitempty"`  // failure detail
}

// Clone returns a deep copy safe to hand out of a lock.
func (j Job) Clone() Job {
	out := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	if j.Params != nil {
		out.Params = make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Duration is the time between start and finish, zero while not finished.
func (j Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// SnapshotData is the persisted image of the job table.
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`       // every known job
	SchemaVer int            `json:"schema_ver"` // format version
	LastSeq   uint64         `json:"last_seq"`   // last journal sequence folded in
}

// SnapshotSchemaVersion is the current SnapshotData format.
const SnapshotSchemaVersion = 2

// JobEvent names a change recorded in the job journal.
type JobEvent string

const (
	EventAdmit   JobEvent = "ADMIT"   // job admitted (queued)
	EventStart   JobEvent = "START"   // job picked up by a worker
	EventSucceed JobEvent = "SUCCEED" // job finished with a result
	EventFail    JobEvent = "FAIL"    // job finished with an error
	EventAbandon JobEvent = "ABANDON" // job failed without finishing (restart or shutdown)
	EventPurge   JobEvent = "PURGE"   // terminal job removed
)

// Valid reports whether e is a known event.
func (e JobEvent) Valid() bool {
	switch e {
	case EventAdmit, EventStart, EventSucceed, EventFail, EventAbandon, EventPurge:
		return true
	}
	return false
}
