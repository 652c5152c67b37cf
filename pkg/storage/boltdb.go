package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/sitesync/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns            = []byte("runs")
	bucketRunsBySource    = []byte("runs_by_source")
	bucketTasks           = []byte("tasks")
	bucketTasksByRunURL   = []byte("tasks_by_run_url")
	bucketTasksByStatus   = []byte("tasks_by_status")
	bucketTasksByLease    = []byte("tasks_by_lease")
	bucketAssets          = []byte("assets")
	bucketAssetsBySource  = []byte("assets_by_source")
	bucketAssetVersions   = []byte("asset_versions")
	bucketExceptions      = []byte("exceptions")
	bucketExceptionsByRun = []byte("exceptions_by_run")
)

// BoltStore implements Store using BoltDB (bbolt) as the embedded
// transactional database. bbolt admits one writer goroutine at a
// time, so every db.Update closure below is, by construction, the
// serializable "BEGIN IMMEDIATE" transaction spec.md §4.1 requires.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the database file inside
// dataDir and ensures all buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "sitesync.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketRuns, bucketRunsBySource,
			bucketTasks, bucketTasksByRunURL, bucketTasksByStatus, bucketTasksByLease,
			bucketAssets, bucketAssetsBySource, bucketAssetVersions,
			bucketExceptions, bucketExceptionsByRun,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func padTime(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func padInt(n int) string {
	return fmt.Sprintf("%010d", n)
}

const keySep = "\x00"

func runURLKey(runID, url string) []byte {
	return []byte(runID + keySep + url)
}

func statusIndexKey(runID string, status types.TaskStatus, nextRunAt time.Time, depth int, taskID string) []byte {
	return []byte(runID + keySep + string(status) + keySep + padTime(nextRunAt) + keySep + padInt(depth) + keySep + taskID)
}

func statusIndexPrefix(runID string, status types.TaskStatus) []byte {
	return []byte(runID + keySep + string(status) + keySep)
}

func leaseIndexKey(runID string, leaseExpiresAt time.Time, taskID string) []byte {
	return []byte(runID + keySep + padTime(leaseExpiresAt) + keySep + taskID)
}

func leaseIndexPrefix(runID string) []byte {
	return []byte(runID + keySep)
}

func sourceURLKey(sourceName, url string) []byte {
	return []byte(sourceName + keySep + url)
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

func indexOfByte(b []byte, target byte) int {
	for i, c := range b {
		if c == target {
			return i
		}
	}
	return -1
}

// --- Runs -------------------------------------------------------------

func (s *BoltStore) CreateRun(run *types.Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRuns).Put([]byte(run.ID), data); err != nil {
			return err
		}
		bySource := []byte(run.SourceName + keySep + padTime(run.StartedAt) + keySep + run.ID)
		return tx.Bucket(bucketRunsBySource).Put(bySource, []byte(run.ID))
	})
}

func (s *BoltStore) GetRun(id string) (*types.Run, error) {
	var run types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) UpdateRun(run *types.Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRuns).Put([]byte(run.ID), data)
	})
}

// LatestResumableRun scans runs_by_source for sourceName in start-time
// order and returns the newest run whose status is running or stopped.
func (s *BoltStore) LatestResumableRun(sourceName string) (*types.Run, error) {
	return s.scanLatestRun(sourceName, "", func(r *types.Run) bool {
		return r.Status == types.RunStatusRunning || r.Status == types.RunStatusStopped
	})
}

// LatestCompletedRunBefore scans runs_by_source for sourceName and
// returns the newest completed run other than excludeRunID.
func (s *BoltStore) LatestCompletedRunBefore(sourceName, excludeRunID string) (*types.Run, error) {
	return s.scanLatestRun(sourceName, excludeRunID, func(r *types.Run) bool {
		return r.Status == types.RunStatusCompleted
	})
}

func (s *BoltStore) scanLatestRun(sourceName, excludeRunID string, match func(*types.Run) bool) (*types.Run, error) {
	var found *types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketRunsBySource)
		runs := tx.Bucket(bucketRuns)
		prefix := []byte(sourceName + keySep)
		c := idx.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			runID := string(v)
			if runID == excludeRunID {
				continue
			}
			data := runs.Get(v)
			if data == nil {
				continue
			}
			var run types.Run
			if err := json.Unmarshal(data, &run); err != nil {
				return err
			}
			if match(&run) {
				candidate := run
				found = &candidate
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// --- Tasks --------------------------------------------------------------

func (s *BoltStore) EnqueueTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		byURL := tx.Bucket(bucketTasksByRunURL)
		key := runURLKey(task.RunID, task.URL)
		if byURL.Get(key) != nil {
			return ErrDuplicateTask
		}

		task.Status = types.TaskStatusPending
		if task.NextRunAt.IsZero() {
			task.NextRunAt = task.UpdatedAt
		}

		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(task.ID), data); err != nil {
			return err
		}
		if err := byURL.Put(key, []byte(task.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketTasksByStatus).Put(
			statusIndexKey(task.RunID, task.Status, task.NextRunAt, task.Depth, task.ID),
			[]byte(task.ID),
		)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// putTask writes the task row and reconciles both secondary indexes
// against its previous on-disk state. prev is nil only for brand new
// rows, a path only EnqueueTask takes.
func putTask(tx *bolt.Tx, prev *types.Task, task *types.Task) error {
	if prev != nil {
		if prev.Status != task.Status || !prev.NextRunAt.Equal(task.NextRunAt) || prev.Depth != task.Depth {
			if err := tx.Bucket(bucketTasksByStatus).Delete(
				statusIndexKey(prev.RunID, prev.Status, prev.NextRunAt, prev.Depth, prev.ID),
			); err != nil {
				return err
			}
		}
		if prev.Status == types.TaskStatusInProgress && (task.Status != types.TaskStatusInProgress || !prev.LeaseExpiresAt.Equal(task.LeaseExpiresAt)) {
			if err := tx.Bucket(bucketTasksByLease).Delete(
				leaseIndexKey(prev.RunID, prev.LeaseExpiresAt, prev.ID),
			); err != nil {
				return err
			}
		}
	}

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketTasks).Put([]byte(task.ID), data); err != nil {
		return err
	}

	if prev == nil || prev.Status != task.Status || !prev.NextRunAt.Equal(task.NextRunAt) || prev.Depth != task.Depth {
		if err := tx.Bucket(bucketTasksByStatus).Put(
			statusIndexKey(task.RunID, task.Status, task.NextRunAt, task.Depth, task.ID),
			[]byte(task.ID),
		); err != nil {
			return err
		}
	}
	if task.Status == types.TaskStatusInProgress && (prev == nil || prev.Status != types.TaskStatusInProgress || !prev.LeaseExpiresAt.Equal(task.LeaseExpiresAt)) {
		if err := tx.Bucket(bucketTasksByLease).Put(
			leaseIndexKey(task.RunID, task.LeaseExpiresAt, task.ID),
			[]byte(task.ID),
		); err != nil {
			return err
		}
	}
	return nil
}

func getTaskTx(tx *bolt.Tx, id string) (*types.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// AcquireTasks implements the three-step transaction from spec.md
// §4.2: reclaim expired leases, select eligible pending tasks in
// (next_run_at, depth, id) order, and lease the selection to owner.
func (s *BoltStore) AcquireTasks(runID, owner string, batchSize int, leaseTTL time.Duration, now time.Time, maxRetries int, backoff BackoffConfig) ([]*types.Task, []*types.Task, error) {
	var leased, reclaimed []*types.Task

	err := s.db.Update(func(tx *bolt.Tx) error {
		// Step 1: reclaim expired leases for this run.
		leaseIdx := tx.Bucket(bucketTasksByLease)
		c := leaseIdx.Cursor()
		prefix := leaseIndexPrefix(runID)
		var expiredIDs []string
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			rest := k[len(prefix):]
			sepIdx := indexOfByte(rest, 0)
			if sepIdx < 0 {
				continue
			}
			var leaseNanos int64
			if _, err := fmt.Sscanf(string(rest[:sepIdx]), "%020d", &leaseNanos); err != nil {
				continue
			}
			if time.Unix(0, leaseNanos).After(now) {
				break // ascending order; nothing further is expired
			}
			expiredIDs = append(expiredIDs, string(v))
		}

		for _, taskID := range expiredIDs {
			task, err := getTaskTx(tx, taskID)
			if err != nil {
				if err == ErrNotFound {
					continue
				}
				return err
			}
			if task.Status != types.TaskStatusInProgress || task.LeaseExpiresAt.After(now) {
				continue
			}

			prev := *task
			task.AttemptCount++
			task.LastError = "lease expired"
			task.LeaseOwner = ""
			task.LeaseExpiresAt = time.Time{}
			task.UpdatedAt = now
			if task.AttemptCount > maxRetries {
				task.Status = types.TaskStatusError
			} else {
				task.Status = types.TaskStatusPending
				task.NextRunAt = now.Add(Backoff(task.AttemptCount, backoff))
			}
			if err := putTask(tx, &prev, task); err != nil {
				return err
			}
			reclaimed = append(reclaimed, task)
		}

		// Step 2: select eligible pending tasks, oldest-due first.
		statusIdx := tx.Bucket(bucketTasksByStatus)
		sc := statusIdx.Cursor()
		selPrefix := statusIndexPrefix(runID, types.TaskStatusPending)
		var selected []*types.Task
		for k, v := sc.Seek(selPrefix); k != nil && hasPrefix(k, selPrefix) && len(selected) < batchSize; k, v = sc.Next() {
			taskID := string(v)
			task, err := getTaskTx(tx, taskID)
			if err != nil {
				if err == ErrNotFound {
					continue
				}
				return err
			}
			if task.Status != types.TaskStatusPending {
				continue
			}
			if task.NextRunAt.After(now) {
				break // sorted ascending by next_run_at
			}
			selected = append(selected, task)
		}

		// Step 3: lease the selection to owner.
		for _, task := range selected {
			prev := *task
			task.Status = types.TaskStatusInProgress
			task.LeaseOwner = owner
			task.LeaseExpiresAt = now.Add(leaseTTL)
			task.UpdatedAt = now
			if err := putTask(tx, &prev, task); err != nil {
				return err
			}
			leased = append(leased, task)
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return leased, reclaimed, nil
}

func (s *BoltStore) RenewLease(taskID, owner string, now time.Time, leaseTTL time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusInProgress || task.LeaseOwner != owner {
			return ErrLeaseLost
		}
		prev := *task
		task.LeaseExpiresAt = now.Add(leaseTTL)
		task.UpdatedAt = now
		return putTask(tx, &prev, task)
	})
}

func (s *BoltStore) FinishTask(taskID, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusInProgress || task.LeaseOwner != owner {
			return ErrLeaseLost
		}
		prev := *task
		task.Status = types.TaskStatusFinished
		task.LeaseOwner = ""
		task.LeaseExpiresAt = time.Time{}
		task.UpdatedAt = time.Now()
		return putTask(tx, &prev, task)
	})
}

func (s *BoltStore) FailTransient(taskID, owner, errMsg string, now time.Time, maxRetries int, backoff BackoffConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusInProgress || task.LeaseOwner != owner {
			return ErrLeaseLost
		}
		prev := *task
		task.AttemptCount++
		task.LastError = errMsg
		task.LeaseOwner = ""
		task.LeaseExpiresAt = time.Time{}
		task.UpdatedAt = now
		if task.AttemptCount > maxRetries {
			task.Status = types.TaskStatusError
		} else {
			task.Status = types.TaskStatusPending
			task.NextRunAt = now.Add(Backoff(task.AttemptCount, backoff))
		}
		return putTask(tx, &prev, task)
	})
}

func (s *BoltStore) FailPermanent(taskID, owner, errMsg string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusInProgress || task.LeaseOwner != owner {
			return ErrLeaseLost
		}
		prev := *task
		task.Status = types.TaskStatusError
		task.LastError = errMsg
		task.LeaseOwner = ""
		task.LeaseExpiresAt = time.Time{}
		task.UpdatedAt = time.Now()
		return putTask(tx, &prev, task)
	})
}

func (s *BoltStore) ReleaseTask(taskID, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		task, err := getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusInProgress || task.LeaseOwner != owner {
			return ErrLeaseLost
		}
		prev := *task
		task.Status = types.TaskStatusPending
		task.LeaseOwner = ""
		task.LeaseExpiresAt = time.Time{}
		task.UpdatedAt = time.Now()
		return putTask(tx, &prev, task)
	})
}

func (s *BoltStore) Counts(runID string) (pending, inProgress, finished, failed int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketTasksByStatus)
		for _, st := range []types.TaskStatus{
			types.TaskStatusPending, types.TaskStatusInProgress,
			types.TaskStatusFinished, types.TaskStatusError,
		} {
			c := idx.Cursor()
			prefix := statusIndexPrefix(runID, st)
			n := 0
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				n++
			}
			switch st {
			case types.TaskStatusPending:
				pending = n
			case types.TaskStatusInProgress:
				inProgress = n
			case types.TaskStatusFinished:
				finished = n
			case types.TaskStatusError:
				failed = n
			}
		}
		return nil
	})
	return
}

// --- Assets / AssetVersions ---------------------------------------------

func (s *BoltStore) UpsertAsset(asset *types.Asset) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := sourceURLKey(asset.SourceName, asset.URL)
		bySource := tx.Bucket(bucketAssetsBySource)
		if existing := bySource.Get(key); existing != nil {
			asset.ID = string(existing)
		} else if asset.ID == "" {
			asset.ID = uuid.NewString()
		}
		data, err := json.Marshal(asset)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketAssets).Put([]byte(asset.ID), data); err != nil {
			return err
		}
		return bySource.Put(key, []byte(asset.ID))
	})
}

func (s *BoltStore) GetAssetBySource(sourceName, url string) (*types.Asset, error) {
	var asset types.Asset
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketAssetsBySource).Get(sourceURLKey(sourceName, url))
		if id == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketAssets).Get(id)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &asset)
	})
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (s *BoltStore) ListAssetsBySource(sourceName string) ([]*types.Asset, error) {
	var assets []*types.Asset
	err := s.db.View(func(tx *bolt.Tx) error {
		bySource := tx.Bucket(bucketAssetsBySource)
		assetsBkt := tx.Bucket(bucketAssets)
		prefix := []byte(sourceName + keySep)
		c := bySource.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			data := assetsBkt.Get(v)
			if data == nil {
				continue
			}
			var asset types.Asset
			if err := json.Unmarshal(data, &asset); err != nil {
				return err
			}
			assets = append(assets, &asset)
		}
		return nil
	})
	return assets, err
}

func (s *BoltStore) LatestAssetVersion(assetID string) (*types.AssetVersion, error) {
	var version types.AssetVersion
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAssetVersions)
		prefix := []byte(assetID + keySep)
		c := bkt.Cursor()
		// Versions are keyed assetID\x00createdAt\x00versionID, sorted
		// ascending, so the last matching key is the latest version.
		var lastData []byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			lastData = v
		}
		if lastData == nil {
			return nil
		}
		found = true
		return json.Unmarshal(lastData, &version)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &version, nil
}

// RecordFetchResult upserts asset and, within the same transaction,
// classifies and conditionally inserts version against the asset's
// current latest version.
func (s *BoltStore) RecordFetchResult(asset *types.Asset, version *types.AssetVersion) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := sourceURLKey(asset.SourceName, asset.URL)
		bySource := tx.Bucket(bucketAssetsBySource)
		assetsBkt := tx.Bucket(bucketAssets)
		if existing := bySource.Get(key); existing != nil {
			asset.ID = string(existing)
			// first_seen_at is immutable per spec.md §3: preserve it from
			// the stored row rather than the caller's freshly-built Asset.
			if existingData := assetsBkt.Get(existing); existingData != nil {
				var existingAsset types.Asset
				if err := json.Unmarshal(existingData, &existingAsset); err != nil {
					return err
				}
				asset.FirstSeenAt = existingAsset.FirstSeenAt
			}
		} else if asset.ID == "" {
			asset.ID = uuid.NewString()
		}
		data, err := json.Marshal(asset)
		if err != nil {
			return err
		}
		if err := assetsBkt.Put([]byte(asset.ID), data); err != nil {
			return err
		}
		if err := bySource.Put(key, []byte(asset.ID)); err != nil {
			return err
		}

		version.AssetID = asset.ID

		versionsBkt := tx.Bucket(bucketAssetVersions)
		prefix := []byte(asset.ID + keySep)
		c := versionsBkt.Cursor()
		var lastData []byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			lastData = v
		}

		if lastData != nil {
			var last types.AssetVersion
			if err := json.Unmarshal(lastData, &last); err != nil {
				return err
			}
			if last.NormalizedHash == version.NormalizedHash {
				version.DiffClass = types.DiffClassUnchanged
				return nil // skip insertion per spec.md §3
			}
			version.DiffClass = types.DiffClassUpdated
		} else {
			version.DiffClass = types.DiffClassNew
		}

		vdata, err := json.Marshal(version)
		if err != nil {
			return err
		}
		vkey := []byte(version.AssetID + keySep + padTime(version.CreatedAt) + keySep + version.ID)
		return versionsBkt.Put(vkey, vdata)
	})
}

func (s *BoltStore) InsertAssetVersion(version *types.AssetVersion) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(version)
		if err != nil {
			return err
		}
		key := []byte(version.AssetID + keySep + padTime(version.CreatedAt) + keySep + version.ID)
		return tx.Bucket(bucketAssetVersions).Put(key, data)
	})
}

// --- Exceptions -----------------------------------------------------------

func (s *BoltStore) CreateException(exc *types.Exception) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(exc)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketExceptions).Put([]byte(exc.ID), data); err != nil {
			return err
		}
		key := []byte(exc.RunID + keySep + padTime(exc.CreatedAt) + keySep + exc.ID)
		return tx.Bucket(bucketExceptionsByRun).Put(key, []byte(exc.ID))
	})
}

func (s *BoltStore) ListExceptions(runID string) ([]*types.Exception, error) {
	var exceptions []*types.Exception
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketExceptionsByRun)
		bkt := tx.Bucket(bucketExceptions)
		prefix := []byte(runID + keySep)
		c := idx.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			data := bkt.Get(v)
			if data == nil {
				continue
			}
			var exc types.Exception
			if err := json.Unmarshal(data, &exc); err != nil {
				return err
			}
			exceptions = append(exceptions, &exc)
		}
		return nil
	})
	return exceptions, err
}
