// Package types defines the core data structures shared across sitesync's
// crawl orchestration engine: runs, tasks, assets, asset versions, and
// exceptions, plus the enums that describe their lifecycle state.
package types

import "time"

// Run represents one invocation of a crawl for one source profile.
type Run struct {
	ID             string
	SourceName     string
	StartedAt      time.Time
	CompletedAt    time.Time // zero value means still running
	Status         RunStatus
	ConfigSnapshot []byte // JSON-encoded effective config at run start
}

// RunStatus is the terminal/non-terminal state of a Run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusError     RunStatus = "error"
)

// Task is a URL queued for processing within a run.
type Task struct {
	ID             string
	RunID          string
	URL            string // canonicalized
	Depth          int
	SourceName     string
	PluginHint     string
	Status         TaskStatus
	AttemptCount   int
	NextRunAt      time.Time
	LeaseOwner     string
	LeaseExpiresAt time.Time
	LastError      string
	UpdatedAt      time.Time
}

// TaskStatus is the lifecycle state of a Task. See spec §4.5 for the
// full state machine.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusFinished   TaskStatus = "finished"
	TaskStatusError      TaskStatus = "error"
)

// HasLease reports whether the task currently holds an unexpired lease
// for owner, as of now.
func (t *Task) HasLease(owner string, now time.Time) bool {
	return t.Status == TaskStatusInProgress &&
		t.LeaseOwner == owner &&
		t.LeaseExpiresAt.After(now)
}

// Asset is the canonical record for a (source, url) pair within a run's
// source. It is never deleted by the core.
type Asset struct {
	ID          string
	SourceName  string
	URL         string
	AssetType   string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// AssetVersion is an immutable snapshot of an Asset identified by
// content hash.
type AssetVersion struct {
	ID             string
	AssetID        string
	RunID          string
	NormalizedHash string // hex-encoded SHA-256 of the normalized representation
	RawHash        string // hex-encoded SHA-256 of the raw payload
	PayloadRef     string
	CreatedAt      time.Time
	DiffClass      DiffClass
}

// DiffClass classifies an AssetVersion relative to the asset's prior
// version within the same source.
type DiffClass string

const (
	DiffClassNew       DiffClass = "new"
	DiffClassUpdated   DiffClass = "updated"
	DiffClassUnchanged DiffClass = "unchanged"
)

// Exception is a durable record of a failure, or of an asset observed
// missing from a later crawl.
type Exception struct {
	ID          string
	RunID       string
	TaskID      string // empty when not task-scoped (e.g. a missing-asset exception)
	URL         string
	Kind        ExceptionKind
	Message     string
	ContextJSON []byte
	CreatedAt   time.Time
	ResolvedAt  time.Time
}

// ExceptionKind enumerates the reasons an Exception was recorded.
type ExceptionKind string

const (
	ExceptionKindTransientFetch   ExceptionKind = "transient_fetch"
	ExceptionKindPermanentFetch   ExceptionKind = "permanent_fetch"
	ExceptionKindNormalization    ExceptionKind = "normalization"
	ExceptionKindAttemptsExceeded ExceptionKind = "attempts_exceeded"
	ExceptionKindMissing          ExceptionKind = "missing"
)
