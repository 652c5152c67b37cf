// Package executor owns a run's worker pool: it pulls leased tasks
// from the Task Queue, hands each to a pkg/worker.Worker, merges
// auth-redirect deny rules into the Frontier Filter as workers
// discover them, and detects drain (spec.md §4.5) to finalize the
// Run. The coordinator loop follows the same ticker/stopCh shape as
// Warren's scheduler and reconciler, adapted from "repeat forever" to
// "repeat until the frontier is drained or the caller cancels".
package executor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/sitesync/pkg/events"
	"github.com/cuemby/sitesync/pkg/frontier"
	"github.com/cuemby/sitesync/pkg/log"
	"github.com/cuemby/sitesync/pkg/metrics"
	"github.com/cuemby/sitesync/pkg/plugin"
	"github.com/cuemby/sitesync/pkg/queue"
	"github.com/cuemby/sitesync/pkg/storage"
	"github.com/cuemby/sitesync/pkg/types"
	"github.com/cuemby/sitesync/pkg/worker"
	"github.com/rs/zerolog"
)

// Config parameterizes an Executor's pool size and polling cadence.
type Config struct {
	RunID        string
	PoolSize     int
	PollInterval time.Duration // how often an idle worker slot re-polls an empty queue
	DrainPoll    time.Duration // how often the drain detector checks Queue.Drained
	WorkerConfig worker.Config
	// MaxInFlight is the backpressure ceiling spec.md §4.5 names:
	// acquisition blocks while in_flight >= MaxInFlight. Callers pass
	// config.Crawler.EffectiveMaxInFlight() here.
	MaxInFlight int
}

// Executor runs a fixed-size pool of Workers against one run's Task
// Queue until the frontier drains or Stop is called.
type Executor struct {
	cfg      Config
	queue    *queue.Queue
	store    storage.Store
	frontier *frontier.Filter
	workers  []*worker.Worker
	logger   zerolog.Logger

	denyCh chan worker.DenyRule

	// inFlight gates task acquisition per spec.md §4.5: before calling
	// AcquireUpTo each worker blocks while in_flight is already at cap,
	// then reserves up to queue.BatchSize of the free permits, and
	// releases one permit as each leased task finishes processing.
	inFlight chan struct{}

	mu         sync.Mutex
	started    bool
	addedRules []worker.DenyRule
}

// New builds an Executor. fetcher and registry are shared, read-only,
// by every Worker in the pool; broker may be nil.
func New(cfg Config, q *queue.Queue, store storage.Store, fr *frontier.Filter, registry *plugin.Registry, fetcher plugin.Fetcher, broker *events.Broker) *Executor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DrainPoll <= 0 {
		cfg.DrainPoll = 500 * time.Millisecond
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = cfg.PoolSize * q.BatchSize()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = cfg.PoolSize
	}

	e := &Executor{
		cfg:      cfg,
		queue:    q,
		store:    store,
		frontier: fr,
		logger:   log.WithRunID(cfg.RunID),
		denyCh:   make(chan worker.DenyRule, 64),
		inFlight: make(chan struct{}, cfg.MaxInFlight),
	}

	e.workers = make([]*worker.Worker, cfg.PoolSize)
	for i := range e.workers {
		workerCfg := cfg.WorkerConfig
		workerCfg.ID = cfg.RunID + "-worker-" + strconv.Itoa(i)
		e.workers[i] = worker.New(workerCfg, q, store, fr, registry, fetcher, e.denyCh, broker)
	}

	return e
}

// Run pulls and processes tasks with cfg.PoolSize concurrent workers
// until the frontier drains (no pending or in-progress tasks remain)
// or ctx is cancelled. On cancellation, in-flight workers finish their
// current fetch's release-without-penalty path (pkg/worker.Process)
// before Run returns.
func (e *Executor) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("executor for run %s already started", e.cfg.RunID)
	}
	e.started = true
	e.mu.Unlock()

	drainCtx, cancelDrain := context.WithCancel(ctx)
	defer cancelDrain()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.consumeDenyRules(drainCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.watchDrain(drainCtx, cancelDrain)
	}()

	var poolWg sync.WaitGroup
	for _, w := range e.workers {
		poolWg.Add(1)
		go func(w *worker.Worker) {
			defer poolWg.Done()
			e.runWorkerLoop(drainCtx, w)
		}(w)
	}
	poolWg.Wait()

	cancelDrain()
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// runWorkerLoop repeatedly acquires and processes one task at a time
// for w, backing off with cfg.PollInterval when the queue has nothing
// leasable, until ctx is done. Before each Acquire call it blocks
// until it holds one in-flight permit (that is, while the pool is at
// the spec.md §4.5 backpressure ceiling), then takes as many further
// free permits as a batch allows without waiting; unused permits
// (Acquire returned fewer tasks than requested) are returned
// immediately, and each task's permit is released as that task
// finishes processing.
func (e *Executor) runWorkerLoop(ctx context.Context, w *worker.Worker) {
	batchSize := e.queue.BatchSize()
	if batchSize <= 0 {
		batchSize = 1
	}
	// A batch never claims more permits than the ceiling holds.
	if want := cap(e.inFlight); batchSize > want {
		batchSize = want
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		reserved := 0
		select {
		case e.inFlight <- struct{}{}:
			reserved = 1
		case <-ctx.Done():
			return
		}
	topUp:
		for reserved < batchSize {
			select {
			case e.inFlight <- struct{}{}:
				reserved++
			default:
				break topUp
			}
		}

		leased, err := e.queue.AcquireUpTo(e.cfg.RunID, w.ID(), reserved, time.Now())
		if err != nil {
			e.logger.Error().Err(err).Msg("acquire failed")
			e.releasePermits(reserved)
			select {
			case <-time.After(e.cfg.PollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		if len(leased) < reserved {
			e.releasePermits(reserved - len(leased))
		}

		if len(leased) == 0 {
			select {
			case <-time.After(e.cfg.PollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, task := range leased {
			if err := w.Process(ctx, task); err != nil && ctx.Err() == nil {
				e.logger.Warn().Err(err).Str("task_id", task.ID).Msg("task processing returned an error")
			}
			e.releasePermits(1)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (e *Executor) releasePermits(n int) {
	for i := 0; i < n; i++ {
		<-e.inFlight
	}
}

// consumeDenyRules merges auth-redirect-derived deny rules into the
// shared Frontier Filter as workers discover them, until ctx is done.
func (e *Executor) consumeDenyRules(ctx context.Context) {
	for {
		select {
		case rule := <-e.denyCh:
			e.frontier.AddRuntimeDenyRule(rule.Host, rule.PathGlob)
			metrics.FrontierDenyRulesAdded.Inc()
			e.logger.Info().Str("host", rule.Host).Str("path_glob", rule.PathGlob).Msg("merged runtime deny rule")
			e.mu.Lock()
			e.addedRules = append(e.addedRules, rule)
			e.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// watchDrain polls Queue.Drained and cancels cancel once the run's
// frontier has no pending or in-progress tasks left.
func (e *Executor) watchDrain(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(e.cfg.DrainPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			drained, err := e.queue.Drained(e.cfg.RunID)
			if err != nil {
				e.logger.Error().Err(err).Msg("drain check failed")
				continue
			}
			if drained {
				e.logger.Info().Msg("frontier drained, stopping worker pool")
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// AddedDenyRules returns the runtime deny rules merged into the
// frontier during Run, for the Orchestrator's end-of-run summary
// (spec.md §4.3's "suggested permanent config update").
func (e *Executor) AddedDenyRules() []worker.DenyRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]worker.DenyRule(nil), e.addedRules...)
}

// Finalize marks run's terminal status and records it. status is
// RunStatusCompleted for a natural drain, or RunStatusStopped when the
// caller cancelled Run's context.
func (e *Executor) Finalize(run *types.Run, status types.RunStatus) error {
	run.Status = status
	run.CompletedAt = time.Now()
	if err := e.store.UpdateRun(run); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.Observe(run.CompletedAt.Sub(run.StartedAt).Seconds())
	return nil
}
