package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/sitesync/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testBackoff() BackoffConfig {
	return BackoffConfig{
		Base:           time.Second,
		Cap:            time.Minute,
		JitterFraction: 0,
		Jitter:         func() float64 { return 0 },
	}
}

// newTask backdates UpdatedAt (and so the enqueued NextRunAt) by a
// second, so the task is already due at a `now` taken before the call.
func newTask(runID, url string) *types.Task {
	return &types.Task{
		ID:        uuid.NewString(),
		RunID:     runID,
		URL:       url,
		Depth:     0,
		UpdatedAt: time.Now().Add(-time.Second),
	}
}

func TestCreateAndGetRun(t *testing.T) {
	store := newTestStore(t)
	run := &types.Run{
		ID:         uuid.NewString(),
		SourceName: "docs",
		StartedAt:  time.Now(),
		Status:     types.RunStatusRunning,
	}
	require.NoError(t, store.CreateRun(run))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.SourceName, got.SourceName)
	assert.Equal(t, types.RunStatusRunning, got.Status)
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRun("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestResumableRun(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()

	old := &types.Run{ID: uuid.NewString(), SourceName: "docs", StartedAt: base, Status: types.RunStatusCompleted}
	resumable := &types.Run{ID: uuid.NewString(), SourceName: "docs", StartedAt: base.Add(time.Hour), Status: types.RunStatusStopped}
	newer := &types.Run{ID: uuid.NewString(), SourceName: "docs", StartedAt: base.Add(2 * time.Hour), Status: types.RunStatusCompleted}

	require.NoError(t, store.CreateRun(old))
	require.NoError(t, store.CreateRun(resumable))
	require.NoError(t, store.CreateRun(newer))

	got, err := store.LatestResumableRun("docs")
	require.NoError(t, err)
	assert.Equal(t, resumable.ID, got.ID)
}

func TestLatestCompletedRunBefore(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()

	first := &types.Run{ID: uuid.NewString(), SourceName: "docs", StartedAt: base, Status: types.RunStatusCompleted}
	second := &types.Run{ID: uuid.NewString(), SourceName: "docs", StartedAt: base.Add(time.Hour), Status: types.RunStatusCompleted}

	require.NoError(t, store.CreateRun(first))
	require.NoError(t, store.CreateRun(second))

	got, err := store.LatestCompletedRunBefore("docs", second.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = store.LatestCompletedRunBefore("docs", first.ID)
	assert.NoError(t, err) // second is still completed and precedes nothing excluded
}

func TestEnqueueTaskDuplicate(t *testing.T) {
	store := newTestStore(t)
	runID := uuid.NewString()
	task := newTask(runID, "https://example.com/a")
	require.NoError(t, store.EnqueueTask(task))

	dup := newTask(runID, "https://example.com/a")
	err := store.EnqueueTask(dup)
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestAcquireTasksOrdersByNextRunAtThenDepth(t *testing.T) {
	store := newTestStore(t)
	runID := uuid.NewString()
	now := time.Now()

	shallow := newTask(runID, "https://example.com/shallow")
	shallow.Depth = 0
	deep := newTask(runID, "https://example.com/deep")
	deep.Depth = 5
	deep.UpdatedAt = shallow.UpdatedAt // same next_run_at, so depth decides

	require.NoError(t, store.EnqueueTask(deep))
	require.NoError(t, store.EnqueueTask(shallow))

	leased, reclaimed, err := store.AcquireTasks(runID, "worker-1", 10, time.Minute, now, 3, testBackoff())
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
	require.Len(t, leased, 2)
	assert.Equal(t, shallow.ID, leased[0].ID)
	assert.Equal(t, deep.ID, leased[1].ID)
	for _, task := range leased {
		assert.Equal(t, types.TaskStatusInProgress, task.Status)
		assert.Equal(t, "worker-1", task.LeaseOwner)
	}
}

func TestAcquireTasksRespectsNextRunAt(t *testing.T) {
	store := newTestStore(t)
	runID := uuid.NewString()
	now := time.Now()

	notYetDue := newTask(runID, "https://example.com/future")
	notYetDue.NextRunAt = now.Add(time.Hour)
	require.NoError(t, store.EnqueueTask(notYetDue))

	due := newTask(runID, "https://example.com/due")
	require.NoError(t, store.EnqueueTask(due))

	leased, _, err := store.AcquireTasks(runID, "worker-1", 10, time.Minute, now, 3, testBackoff())
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, due.ID, leased[0].ID)
}

func TestAcquireTasksReclaimsExpiredLease(t *testing.T) {
	store := newTestStore(t)
	runID := uuid.NewString()
	now := time.Now()

	task := newTask(runID, "https://example.com/a")
	require.NoError(t, store.EnqueueTask(task))

	leased, _, err := store.AcquireTasks(runID, "worker-1", 10, time.Minute, now, 3, testBackoff())
	require.NoError(t, err)
	require.Len(t, leased, 1)

	// worker-1's lease expires; worker-2's acquire reclaims it back to
	// pending, due again after Backoff(1) = Base (1s, zero jitter).
	later := now.Add(2 * time.Minute)
	leased2, reclaimed, err := store.AcquireTasks(runID, "worker-2", 10, time.Minute, later, 3, testBackoff())
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, task.ID, reclaimed[0].ID)
	assert.Empty(t, leased2, "a reclaimed task is not due until its backoff has passed")

	leased3, _, err := store.AcquireTasks(runID, "worker-2", 10, time.Minute, later.Add(time.Second), 3, testBackoff())
	require.NoError(t, err)
	require.Len(t, leased3, 1)
	assert.Equal(t, "worker-2", leased3[0].LeaseOwner)
	assert.Equal(t, 1, leased3[0].AttemptCount)
}

func TestAcquireTasksReclaimExceedingMaxRetriesGoesToError(t *testing.T) {
	store := newTestStore(t)
	runID := uuid.NewString()
	now := time.Now()

	task := newTask(runID, "https://example.com/a")
	task.AttemptCount = 3 // already at max retries
	require.NoError(t, store.EnqueueTask(task))

	leased, _, err := store.AcquireTasks(runID, "worker-1", 10, time.Minute, now, 3, testBackoff())
	require.NoError(t, err)
	require.Len(t, leased, 1)

	later := now.Add(2 * time.Minute)
	leased2, reclaimed, err := store.AcquireTasks(runID, "worker-2", 10, time.Minute, later, 3, testBackoff())
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, types.TaskStatusError, reclaimed[0].Status)
	assert.Empty(t, leased2)
}

func TestRenewLeaseRejectsWrongOwner(t *testing.T) {
	store := newTestStore(t)
	runID := uuid.NewString()
	now := time.Now()

	task := newTask(runID, "https://example.com/a")
	require.NoError(t, store.EnqueueTask(task))
	leased, _, err := store.AcquireTasks(runID, "worker-1", 10, time.Minute, now, 3, testBackoff())
	require.NoError(t, err)
	require.Len(t, leased, 1)

	err = store.RenewLease(task.ID, "worker-2", now, time.Minute)
	assert.ErrorIs(t, err, ErrLeaseLost)

	err = store.RenewLease(task.ID, "worker-1", now, time.Minute)
	assert.NoError(t, err)
}

func TestFinishTask(t *testing.T) {
	store := newTestStore(t)
	runID := uuid.NewString()
	now := time.Now()

	task := newTask(runID, "https://example.com/a")
	require.NoError(t, store.EnqueueTask(task))
	_, _, err := store.AcquireTasks(runID, "worker-1", 10, time.Minute, now, 3, testBackoff())
	require.NoError(t, err)

	require.NoError(t, store.FinishTask(task.ID, "worker-1"))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFinished, got.Status)

	pending, inProgress, finished, failed := 0, 0, 0, 0
	pending, inProgress, finished, failed, err = store.Counts(runID)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, inProgress)
	assert.Equal(t, 1, finished)
	assert.Equal(t, 0, failed)
}

func TestFailTransientRetriesThenExhausts(t *testing.T) {
	store := newTestStore(t)
	runID := uuid.NewString()
	now := time.Now()

	task := newTask(runID, "https://example.com/a")
	require.NoError(t, store.EnqueueTask(task))

	const maxRetries = 2
	for attempt := 1; attempt <= 3; attempt++ {
		_, _, err := store.AcquireTasks(runID, "worker-1", 10, time.Minute, now, maxRetries, testBackoff())
		require.NoError(t, err)
		err = store.FailTransient(task.ID, "worker-1", "boom", now, maxRetries, testBackoff())
		require.NoError(t, err)
		got, err := store.GetTask(task.ID)
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, types.TaskStatusPending, got.Status, "attempt %d", attempt)
		} else {
			assert.Equal(t, types.TaskStatusError, got.Status, "attempt %d", attempt)
		}
		now = got.NextRunAt.Add(time.Millisecond)
		if got.NextRunAt.IsZero() {
			now = now.Add(time.Millisecond)
		}
	}
}

func TestFailPermanent(t *testing.T) {
	store := newTestStore(t)
	runID := uuid.NewString()
	now := time.Now()

	task := newTask(runID, "https://example.com/a")
	require.NoError(t, store.EnqueueTask(task))
	_, _, err := store.AcquireTasks(runID, "worker-1", 10, time.Minute, now, 3, testBackoff())
	require.NoError(t, err)

	require.NoError(t, store.FailPermanent(task.ID, "worker-1", "404"))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusError, got.Status)
	assert.Equal(t, "404", got.LastError)
}

func TestReleaseTask(t *testing.T) {
	store := newTestStore(t)
	runID := uuid.NewString()
	now := time.Now()

	task := newTask(runID, "https://example.com/a")
	require.NoError(t, store.EnqueueTask(task))
	_, _, err := store.AcquireTasks(runID, "worker-1", 10, time.Minute, now, 3, testBackoff())
	require.NoError(t, err)

	require.NoError(t, store.ReleaseTask(task.ID, "worker-1"))
	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)
	assert.Empty(t, got.LeaseOwner)
}

func TestUpsertAssetAndVersions(t *testing.T) {
	store := newTestStore(t)
	asset := &types.Asset{
		ID:          uuid.NewString(),
		SourceName:  "docs",
		URL:         "https://example.com/a",
		FirstSeenAt: time.Now(),
		LastSeenAt:  time.Now(),
	}
	require.NoError(t, store.UpsertAsset(asset))

	got, err := store.GetAssetBySource("docs", "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, asset.ID, got.ID)

	// Upserting again with the same source/url reuses the asset ID.
	again := &types.Asset{SourceName: "docs", URL: "https://example.com/a", LastSeenAt: time.Now()}
	require.NoError(t, store.UpsertAsset(again))
	assert.Equal(t, asset.ID, again.ID)

	v1 := &types.AssetVersion{ID: uuid.NewString(), AssetID: asset.ID, CreatedAt: time.Now(), DiffClass: types.DiffClassNew}
	require.NoError(t, store.InsertAssetVersion(v1))
	v2 := &types.AssetVersion{ID: uuid.NewString(), AssetID: asset.ID, CreatedAt: time.Now().Add(time.Minute), DiffClass: types.DiffClassUpdated}
	require.NoError(t, store.InsertAssetVersion(v2))

	latest, err := store.LatestAssetVersion(asset.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, latest.ID)
}

func TestRecordFetchResultClassifiesDiff(t *testing.T) {
	store := newTestStore(t)
	asset := &types.Asset{SourceName: "docs", URL: "https://example.com/a", FirstSeenAt: time.Now(), LastSeenAt: time.Now()}
	v1 := &types.AssetVersion{ID: uuid.NewString(), RunID: uuid.NewString(), NormalizedHash: "h1", CreatedAt: time.Now()}
	require.NoError(t, store.RecordFetchResult(asset, v1))
	assert.NotEmpty(t, asset.ID)
	assert.Equal(t, types.DiffClassNew, v1.DiffClass)

	v2 := &types.AssetVersion{ID: uuid.NewString(), RunID: uuid.NewString(), NormalizedHash: "h2", CreatedAt: time.Now().Add(time.Minute)}
	require.NoError(t, store.RecordFetchResult(asset, v2))
	assert.Equal(t, types.DiffClassUpdated, v2.DiffClass)

	v3 := &types.AssetVersion{ID: uuid.NewString(), RunID: uuid.NewString(), NormalizedHash: "h2", CreatedAt: time.Now().Add(2 * time.Minute)}
	require.NoError(t, store.RecordFetchResult(asset, v3))
	assert.Equal(t, types.DiffClassUnchanged, v3.DiffClass)

	latest, err := store.LatestAssetVersion(asset.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, latest.ID, "unchanged version must not be inserted")
}

func TestRecordFetchResultPreservesFirstSeenAtAcrossFetches(t *testing.T) {
	store := newTestStore(t)

	firstSeen := time.Now().Add(-time.Hour)
	asset1 := &types.Asset{SourceName: "docs", URL: "https://example.com/a", FirstSeenAt: firstSeen, LastSeenAt: firstSeen}
	v1 := &types.AssetVersion{ID: uuid.NewString(), RunID: uuid.NewString(), NormalizedHash: "h1", CreatedAt: firstSeen}
	require.NoError(t, store.RecordFetchResult(asset1, v1))

	// A later fetch constructs a brand new Asset value, as worker.Process
	// does on every fetch, rather than reusing asset1's Go struct.
	secondSeen := time.Now()
	asset2 := &types.Asset{SourceName: "docs", URL: "https://example.com/a", FirstSeenAt: secondSeen, LastSeenAt: secondSeen}
	v2 := &types.AssetVersion{ID: uuid.NewString(), RunID: uuid.NewString(), NormalizedHash: "h2", CreatedAt: secondSeen}
	require.NoError(t, store.RecordFetchResult(asset2, v2))

	assert.Equal(t, asset1.ID, asset2.ID, "same source+url must reuse the asset ID")

	stored, err := store.GetAssetBySource("docs", "https://example.com/a")
	require.NoError(t, err)
	assert.WithinDuration(t, firstSeen, stored.FirstSeenAt, time.Second,
		"first_seen_at must stay pinned to the original fetch, not the latest one")
}

func TestListAssetsBySource(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.UpsertAsset(&types.Asset{ID: uuid.NewString(), SourceName: "docs", URL: "https://example.com/a"}))
	require.NoError(t, store.UpsertAsset(&types.Asset{ID: uuid.NewString(), SourceName: "docs", URL: "https://example.com/b"}))
	require.NoError(t, store.UpsertAsset(&types.Asset{ID: uuid.NewString(), SourceName: "other", URL: "https://example.com/c"}))

	assets, err := store.ListAssetsBySource("docs")
	require.NoError(t, err)
	assert.Len(t, assets, 2)
}

func TestExceptions(t *testing.T) {
	store := newTestStore(t)
	runID := uuid.NewString()

	exc := &types.Exception{
		ID:        uuid.NewString(),
		RunID:     runID,
		Kind:      types.ExceptionKindPermanentFetch,
		Message:   "404 not found",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateException(exc))

	exceptions, err := store.ListExceptions(runID)
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, exc.Message, exceptions[0].Message)
}

func TestDatabaseFileLocation(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()
	assert.FileExists(t, filepath.Join(dir, "sitesync.db"))
}
