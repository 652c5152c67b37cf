/*
Package storage provides the embedded transactional store backing one
sitesync run database: runs, tasks, assets, asset versions, and
exceptions.

# Architecture

BoltStore wraps a single go.etcd.io/bbolt database file. bbolt allows
only one writer transaction at a time, which gives every Store method
below the atomicity spec.md §4.1 asks of "BEGIN IMMEDIATE" without any
extra locking: each mutation is one db.Update closure, and bbolt
serializes it against every other write on the same file.

	runs               Run ID        -> JSON Run
	runs_by_source     source\x00started_at\x00runID -> runID
	tasks              Task ID       -> JSON Task
	tasks_by_run_url   runID\x00url  -> taskID         (EnqueueTask uniqueness)
	tasks_by_status    runID\x00status\x00next_run_at\x00depth\x00taskID -> taskID
	tasks_by_lease     runID\x00lease_expires_at\x00taskID -> taskID
	assets             Asset ID      -> JSON Asset
	assets_by_source   source\x00url -> assetID
	asset_versions     assetID\x00created_at\x00versionID -> JSON AssetVersion
	exceptions         Exception ID  -> JSON Exception
	exceptions_by_run  runID\x00created_at\x00excID -> excID

Sort keys embed zero-padded UnixNano timestamps and zero-padded depths
so that a bbolt cursor walking a bucket in its natural (lexicographic)
order also walks the data in the order the queue needs: oldest-due
pending tasks first, shallowest depth first, then task ID as a final
tiebreaker. AcquireTasks exploits this directly — it stops scanning
tasks_by_status as soon as it sees a next_run_at past "now", since
everything after that point in the cursor is also not yet due.

# Concurrency

db.View opens a read-only, consistent, non-blocking snapshot — readers
never block writers or each other. db.Update takes bbolt's single
writer lock for the closure's duration. Store methods never nest a
transaction inside another.
*/
package storage
