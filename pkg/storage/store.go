package storage

import (
	"time"

	"github.com/cuemby/sitesync/pkg/types"
)

// BackoffConfig parameterizes the retry backoff formula applied when a
// task is reclaimed from an expired lease or fails transiently.
//
// backoff(n) = min(Cap, Base * 2^(n-1)) + jitter, jitter in
// ±JitterFraction of the clamped value.
type BackoffConfig struct {
	Base           time.Duration
	Cap            time.Duration
	JitterFraction float64
	// Jitter, when non-nil, returns a value in [-1, 1] used to scale
	// JitterFraction. Tests inject a deterministic source; production
	// callers may leave it nil to use math/rand.
	Jitter func() float64
}

// Store is the embedded transactional store backing one sitesync
// database file. All multi-row mutations it exposes execute within a
// single write transaction, so no caller ever observes a partial
// lease reassignment (spec.md §4.1).
type Store interface {
	// Runs
	CreateRun(run *types.Run) error
	GetRun(id string) (*types.Run, error)
	UpdateRun(run *types.Run) error
	// LatestResumableRun returns the newest run for sourceName whose
	// status is running or stopped, or ErrNotFound if none exists.
	LatestResumableRun(sourceName string) (*types.Run, error)
	// LatestCompletedRunBefore returns the newest completed run for
	// sourceName other than the run named excludeRunID, or ErrNotFound
	// if none exists. Start times are not compared against the excluded
	// run. Used by the reconciler to diff asset sets across consecutive
	// runs.
	LatestCompletedRunBefore(sourceName, excludeRunID string) (*types.Run, error)

	// Task Queue operations (spec.md §4.2)
	EnqueueTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	// AcquireTasks performs reclaim+select+lease in one transaction.
	// It returns the newly leased tasks and, separately, the tasks
	// that were reclaimed from an expired lease during this call (for
	// metrics/event reporting) — reclaimed tasks may or may not also
	// appear in the leased slice, depending on whether they were
	// re-selected in the same call.
	AcquireTasks(runID, owner string, batchSize int, leaseTTL time.Duration, now time.Time, maxRetries int, backoff BackoffConfig) (leased []*types.Task, reclaimed []*types.Task, err error)
	RenewLease(taskID, owner string, now time.Time, leaseTTL time.Duration) error
	FinishTask(taskID, owner string) error
	FailTransient(taskID, owner, errMsg string, now time.Time, maxRetries int, backoff BackoffConfig) error
	FailPermanent(taskID, owner, errMsg string) error
	ReleaseTask(taskID, owner string) error
	Counts(runID string) (pending, inProgress, finished, failed int, err error)

	// Assets / AssetVersions
	UpsertAsset(asset *types.Asset) error
	GetAssetBySource(sourceName, url string) (*types.Asset, error)
	ListAssetsBySource(sourceName string) ([]*types.Asset, error)
	LatestAssetVersion(assetID string) (*types.AssetVersion, error)
	InsertAssetVersion(version *types.AssetVersion) error
	// RecordFetchResult is the Worker's single-transaction path (spec.md
	// §4.4 step 6): it upserts asset (keyed by source+url), compares
	// version.NormalizedHash against the asset's current latest
	// version, classifies the diff, and inserts the version unless it
	// is unchanged. asset.ID and version.AssetID/DiffClass are filled
	// in on return.
	RecordFetchResult(asset *types.Asset, version *types.AssetVersion) error

	// Exceptions
	CreateException(exc *types.Exception) error
	ListExceptions(runID string) ([]*types.Exception, error)

	Close() error
}
