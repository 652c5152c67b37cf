/*
Package types defines the core data structures used throughout sitesync.

This package contains the domain model that every other package builds
on: runs, tasks, assets, asset versions, and exceptions. These types
are used by pkg/storage for persistence, by pkg/queue and pkg/worker
for task lifecycle management, and by pkg/orchestrator for end-of-run
summaries.

# Core Types

Run Lifecycle:
  - Run: one crawl invocation for one source
  - RunStatus: running, completed, stopped, error

Task Execution:
  - Task: a URL queued for processing within a run
  - TaskStatus: pending, in_progress, finished, error

Asset Versioning:
  - Asset: canonical record per (source, url)
  - AssetVersion: immutable, content-hash-identified snapshot
  - DiffClass: new, updated, unchanged

Failure Tracking:
  - Exception: a durable record of a failure, or of an asset missing
    from a later run
  - ExceptionKind: transient_fetch, permanent_fetch, normalization,
    attempts_exceeded, missing

# State Machine

Tasks follow the state machine:

	pending → in_progress → finished
	            │   ▲
	            │   └── fail_transient (attempt ≤ max)
	            └────────→ error (fail_permanent, or attempt > max)

A task in in_progress whose lease expires is reclaimed back to pending
(attempt_count incremented) by the next acquire call; see pkg/queue.

# Thread Safety

Types in this package carry no internal synchronization. Concurrent
access is serialized by pkg/storage's single-writer transactions;
callers must not mutate a Task/Asset/AssetVersion/Exception value after
handing it to a Store method.

# See Also

  - pkg/storage for persistence
  - pkg/queue for task lifecycle operations
  - SPEC_FULL.md §3 for the full data model and its invariants
*/
package types
