package storage

import "errors"

var (
	// ErrDuplicateTask is returned by EnqueueTask when a task already
	// exists for (run_id, url). Non-fatal; callers swallow it.
	ErrDuplicateTask = errors.New("storage: duplicate task")

	// ErrLeaseLost is returned by RenewLease, FinishTask, FailTransient,
	// FailPermanent, and ReleaseTask when the caller's owner does not
	// match the task's current lease_owner, or the task is not
	// currently in_progress.
	ErrLeaseLost = errors.New("storage: lease lost")

	// ErrNotFound is returned when a lookup by ID finds no row.
	ErrNotFound = errors.New("storage: not found")
)
