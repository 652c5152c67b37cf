// Package queue is the logical Task Queue view spec.md §4.2 describes:
// a thin layer over pkg/storage.Store that adds logging, metrics, and
// event publication around the same atomic operations, the way
// pkg/manager wraps pkg/storage for Warren's cluster state.
package queue

import (
	"fmt"
	"time"

	"github.com/cuemby/sitesync/pkg/events"
	"github.com/cuemby/sitesync/pkg/log"
	"github.com/cuemby/sitesync/pkg/metrics"
	"github.com/cuemby/sitesync/pkg/storage"
	"github.com/cuemby/sitesync/pkg/types"
)

// Queue is the Task Queue component: Enqueue, Acquire, Renew, Finish,
// FailTransient, FailPermanent, Release, and Counts, each backed by
// one storage.Store transaction.
type Queue struct {
	store   storage.Store
	broker  *events.Broker
	backoff storage.BackoffConfig

	maxRetries int
	leaseTTL   time.Duration
	batchSize  int
}

// Config parameterizes a Queue's retry and leasing policy.
type Config struct {
	MaxRetries int
	LeaseTTL   time.Duration
	BatchSize  int
	Backoff    storage.BackoffConfig
}

// New builds a Queue over store, publishing lifecycle events to broker
// (which may be nil, in which case events are dropped).
func New(store storage.Store, broker *events.Broker, cfg Config) *Queue {
	return &Queue{
		store:      store,
		broker:     broker,
		backoff:    cfg.Backoff,
		maxRetries: cfg.MaxRetries,
		leaseTTL:   cfg.LeaseTTL,
		batchSize:  cfg.BatchSize,
	}
}

// BatchSize returns the configured per-Acquire batch size, so callers
// that gate acquisition (pkg/executor's backpressure semaphore) know
// how many permits to reserve before calling Acquire.
func (q *Queue) BatchSize() int {
	return q.batchSize
}

func (q *Queue) publish(eventType events.EventType, msg string, meta map[string]string) {
	if q.broker == nil {
		return
	}
	q.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  msg,
		Metadata: meta,
	})
}

// Enqueue adds task to the pending set. storage.ErrDuplicateTask is
// returned unwrapped so callers (the frontier's link-discovery path)
// can swallow it per spec.md §4.3.
func (q *Queue) Enqueue(task *types.Task) error {
	if err := q.store.EnqueueTask(task); err != nil {
		return err
	}
	metrics.TasksByStatus.WithLabelValues(string(types.TaskStatusPending)).Inc()
	q.publish(events.EventTaskEnqueued, fmt.Sprintf("enqueued %s", task.URL), map[string]string{
		"run_id": task.RunID, "task_id": task.ID, "url": task.URL,
	})
	return nil
}

// Acquire leases up to batchSize pending tasks to owner, reclaiming
// any expired leases for runID first, and returns the leased batch.
func (q *Queue) Acquire(runID, owner string, now time.Time) ([]*types.Task, error) {
	return q.AcquireUpTo(runID, owner, q.batchSize, now)
}

// AcquireUpTo behaves like Acquire but leases at most limit tasks
// instead of the configured batch size, capped by the configured
// batch size regardless of a larger limit. pkg/executor's backpressure
// gate uses this to avoid leasing more tasks than it currently has
// in-flight permits reserved for.
func (q *Queue) AcquireUpTo(runID, owner string, limit int, now time.Time) ([]*types.Task, error) {
	if limit <= 0 || limit > q.batchSize {
		limit = q.batchSize
	}
	leased, reclaimed, err := q.store.AcquireTasks(runID, owner, limit, q.leaseTTL, now, q.maxRetries, q.backoff)
	if err != nil {
		return nil, fmt.Errorf("acquire tasks: %w", err)
	}

	for _, task := range reclaimed {
		metrics.LeaseReclaimsTotal.Inc()
		log.WithComponent("queue").Warn().Str("task_id", task.ID).Int("attempt", task.AttemptCount).Msg("reclaimed expired lease")
		q.publish(events.EventLeaseReclaimed, fmt.Sprintf("reclaimed %s", task.URL), map[string]string{
			"run_id": task.RunID, "task_id": task.ID,
		})
	}
	for _, task := range leased {
		metrics.TasksInFlight.Inc()
		q.publish(events.EventTaskLeased, fmt.Sprintf("leased %s to %s", task.URL, owner), map[string]string{
			"run_id": task.RunID, "task_id": task.ID, "owner": owner,
		})
	}
	return leased, nil
}

// Renew extends task's lease. Returns storage.ErrLeaseLost if owner no
// longer holds it.
func (q *Queue) Renew(taskID, owner string, now time.Time) error {
	return q.store.RenewLease(taskID, owner, now, q.leaseTTL)
}

// Finish marks task finished.
func (q *Queue) Finish(task *types.Task, owner string) error {
	if err := q.store.FinishTask(task.ID, owner); err != nil {
		return err
	}
	metrics.TasksInFlight.Dec()
	metrics.TaskOutcomesTotal.WithLabelValues("finished").Inc()
	q.publish(events.EventTaskFinished, fmt.Sprintf("finished %s", task.URL), map[string]string{
		"run_id": task.RunID, "task_id": task.ID,
	})
	return nil
}

// FailTransient records a retryable failure. The task returns to
// pending with an exponential backoff delay, or moves to error if
// maxRetries has been exhausted.
func (q *Queue) FailTransient(task *types.Task, owner, errMsg string, now time.Time) error {
	if err := q.store.FailTransient(task.ID, owner, errMsg, now, q.maxRetries, q.backoff); err != nil {
		return err
	}
	metrics.TasksInFlight.Dec()
	updated, err := q.store.GetTask(task.ID)
	if err == nil && updated.Status == types.TaskStatusError {
		metrics.TaskOutcomesTotal.WithLabelValues("attempts_exceeded").Inc()
	} else if err == nil {
		delay := time.Until(updated.NextRunAt)
		metrics.BackoffSeconds.Observe(delay.Seconds())
	}
	q.publish(events.EventTaskFailed, fmt.Sprintf("transient failure on %s: %s", task.URL, errMsg), map[string]string{
		"run_id": task.RunID, "task_id": task.ID,
	})
	return nil
}

// FailPermanent moves task directly to error, skipping retries.
func (q *Queue) FailPermanent(task *types.Task, owner, errMsg string) error {
	if err := q.store.FailPermanent(task.ID, owner, errMsg); err != nil {
		return err
	}
	metrics.TasksInFlight.Dec()
	metrics.TaskOutcomesTotal.WithLabelValues("permanent_failure").Inc()
	q.publish(events.EventTaskFailed, fmt.Sprintf("permanent failure on %s: %s", task.URL, errMsg), map[string]string{
		"run_id": task.RunID, "task_id": task.ID,
	})
	return nil
}

// Release returns task to pending without counting against
// AttemptCount, used when a worker must abandon a task for reasons
// unrelated to the fetch itself (e.g. executor shutdown).
func (q *Queue) Release(taskID, owner string) error {
	if err := q.store.ReleaseTask(taskID, owner); err != nil {
		return err
	}
	metrics.TasksInFlight.Dec()
	return nil
}

// Counts reports the per-status task counts for runID, refreshing the
// TasksByStatus gauge as a side effect.
func (q *Queue) Counts(runID string) (pending, inProgress, finished, failed int, err error) {
	pending, inProgress, finished, failed, err = q.store.Counts(runID)
	if err != nil {
		return
	}
	metrics.TasksByStatus.WithLabelValues(string(types.TaskStatusPending)).Set(float64(pending))
	metrics.TasksByStatus.WithLabelValues(string(types.TaskStatusInProgress)).Set(float64(inProgress))
	metrics.TasksByStatus.WithLabelValues(string(types.TaskStatusFinished)).Set(float64(finished))
	metrics.TasksByStatus.WithLabelValues(string(types.TaskStatusError)).Set(float64(failed))
	return
}

// Drained reports whether runID has no pending or in-progress tasks
// remaining — the condition pkg/executor polls for to detect a run
// has finished its frontier.
func (q *Queue) Drained(runID string) (bool, error) {
	pending, inProgress, _, _, err := q.store.Counts(runID)
	if err != nil {
		return false, err
	}
	return pending == 0 && inProgress == 0, nil
}
