// Package orchestrator wires the crawl orchestration core together:
// create-or-resume a Run, seed the Frontier Filter and Task Queue from
// a SourceProfile, install the caller-supplied Fetcher and Plugin
// registry, run the Executor to drain, reconcile missing assets, and
// produce an end-of-run Summary. Construction follows the same
// construct-dependencies-in-order shape as Warren's
// pkg/manager.NewManager.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/sitesync/pkg/config"
	"github.com/cuemby/sitesync/pkg/events"
	"github.com/cuemby/sitesync/pkg/executor"
	"github.com/cuemby/sitesync/pkg/frontier"
	"github.com/cuemby/sitesync/pkg/log"
	"github.com/cuemby/sitesync/pkg/plugin"
	"github.com/cuemby/sitesync/pkg/queue"
	"github.com/cuemby/sitesync/pkg/reconciler"
	"github.com/cuemby/sitesync/pkg/storage"
	"github.com/cuemby/sitesync/pkg/types"
	"github.com/cuemby/sitesync/pkg/worker"
	"github.com/google/uuid"
)

// Config bundles the per-source crawl policy and the caller-provided
// extension points (spec.md explicitly scopes the Fetcher and Plugin
// implementations themselves out of this package; only the
// Orchestrator's wiring of the contracts is in scope).
type Config struct {
	Profile         *config.SourceProfile
	Crawler         config.Crawler
	Fetcher         plugin.Fetcher
	Builtins        []plugin.Plugin
	DiscoveredFetch map[string]plugin.Factory
	// DefaultPlugin is tried only once every Builtins/DiscoveredFetch
	// plugin's Matches has refused (spec.md §9's "declared default
	// plugin"). plugin.NewPassthroughPlugin belongs here, not in
	// Builtins, since its Matches claims every result unconditionally.
	DefaultPlugin plugin.Plugin
}

// Summary is the end-of-run report: task outcome counts, exceptions
// raised, and runtime deny rules an operator may want to promote into
// the SourceProfile permanently.
type Summary struct {
	Run              *types.Run
	Pending          int
	InProgress       int
	Finished         int
	Failed           int
	Exceptions       []*types.Exception
	MissingAssets    int
	SuggestedDenies  []worker.DenyRule
}

// Orchestrator owns one run's full lifecycle.
type Orchestrator struct {
	store  storage.Store
	broker *events.Broker
	cfg    Config
}

// New builds an Orchestrator over store. broker may be nil.
func New(store storage.Store, broker *events.Broker, cfg Config) *Orchestrator {
	return &Orchestrator{store: store, broker: broker, cfg: cfg}
}

// Start creates a new Run (or resumes the latest resumable one for
// this source, per spec.md §4.1's resume semantics), seeds the
// frontier from the source profile's start URLs at depth 0 when
// starting fresh, builds the Plugin registry, runs the Executor to
// drain, reconciles missing assets, finalizes the Run, and returns the
// Summary. ctx cancellation stops the Executor early and finalizes the
// run as Stopped rather than Completed.
func (o *Orchestrator) Start(ctx context.Context) (*Summary, error) {
	run, resumed, err := o.createOrResumeRun()
	if err != nil {
		return nil, fmt.Errorf("create or resume run: %w", err)
	}
	logger := log.WithRunID(run.ID)

	q := queue.New(o.store, o.broker, queue.Config{
		MaxRetries: o.cfg.Crawler.MaxRetries,
		LeaseTTL:   o.cfg.Crawler.LeaseTTL(),
		BatchSize:  o.cfg.Crawler.PagesPerAgent,
		Backoff: storage.BackoffConfig{
			Base:           time.Duration(o.cfg.Crawler.BackoffBaseSeconds * float64(time.Second)),
			Cap:            time.Duration(o.cfg.Crawler.BackoffCapSeconds * float64(time.Second)),
			JitterFraction: o.cfg.Crawler.JitterFraction,
		},
	})

	fr := frontier.New(o.cfg.Profile)

	if !resumed {
		if err := o.seedFrontier(q, fr, run); err != nil {
			return nil, fmt.Errorf("seed frontier: %w", err)
		}
	}

	registry := plugin.NewRegistry(o.cfg.Builtins, o.cfg.DiscoveredFetch, o.cfg.DefaultPlugin)

	exec := executor.New(executor.Config{
		RunID:       run.ID,
		PoolSize:    o.cfg.Crawler.ParallelAgents,
		MaxInFlight: o.cfg.Crawler.EffectiveMaxInFlight(),
		WorkerConfig: worker.Config{
			LeaseTTL:             o.cfg.Crawler.LeaseTTL(),
			FetchTimeout:         o.cfg.Crawler.FetchTimeout(),
			AuthRedirectPrefixes: o.cfg.Crawler.AuthRedirectPrefixes,
		},
	}, q, o.store, fr, registry, o.cfg.Fetcher, o.broker)

	o.publish(events.EventRunStarted, run, "run started")
	logger.Info().Bool("resumed", resumed).Msg("run starting")

	runErr := exec.Run(ctx)

	status := types.RunStatusCompleted
	if runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)) {
		status = types.RunStatusStopped
	}
	if err := exec.Finalize(run, status); err != nil {
		return nil, fmt.Errorf("finalize run: %w", err)
	}
	o.publish(events.EventRunFinished, run, fmt.Sprintf("run %s", status))

	missing := 0
	if status == types.RunStatusCompleted {
		rec := reconciler.New(o.store)
		missing, err = rec.Reconcile(run)
		if err != nil {
			logger.Error().Err(err).Msg("missing-asset reconciliation failed")
		}
	}

	pending, inProgress, finished, failed, err := q.Counts(run.ID)
	if err != nil {
		return nil, fmt.Errorf("final counts: %w", err)
	}
	exceptions, err := o.store.ListExceptions(run.ID)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}

	logger.Info().Str("status", string(status)).Int("finished", finished).Int("failed", failed).Msg("run complete")

	return &Summary{
		Run:             run,
		Pending:         pending,
		InProgress:      inProgress,
		Finished:        finished,
		Failed:          failed,
		Exceptions:      exceptions,
		MissingAssets:   missing,
		SuggestedDenies: exec.AddedDenyRules(),
	}, nil
}

func (o *Orchestrator) createOrResumeRun() (*types.Run, bool, error) {
	existing, err := o.store.LatestResumableRun(o.cfg.Profile.Name)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	snapshot, err := json.Marshal(struct {
		Profile *config.SourceProfile `json:"profile"`
		Crawler config.Crawler        `json:"crawler"`
	}{o.cfg.Profile, o.cfg.Crawler})
	if err != nil {
		return nil, false, fmt.Errorf("marshal config snapshot: %w", err)
	}

	run := &types.Run{
		ID:             uuid.NewString(),
		SourceName:     o.cfg.Profile.Name,
		StartedAt:      time.Now(),
		Status:         types.RunStatusRunning,
		ConfigSnapshot: snapshot,
	}
	if err := o.store.CreateRun(run); err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	return run, false, nil
}

// seedFrontier enqueues every start URL at depth 0, canonicalized and
// frontier-filtered like any discovered link. storage.ErrDuplicateTask
// is swallowed: a start URL may coincide with one already seeded.
func (o *Orchestrator) seedFrontier(q *queue.Queue, fr *frontier.Filter, run *types.Run) error {
	for _, raw := range o.cfg.Profile.StartURLs {
		canonical, err := frontier.Canonicalize(raw)
		if err != nil {
			log.WithRunID(run.ID).Warn().Err(err).Str("url", raw).Msg("failed to canonicalize seed URL")
			continue
		}
		if fr.Allow(canonical, 0) == frontier.Drop {
			log.WithRunID(run.ID).Warn().Str("url", canonical).Msg("seed URL rejected by frontier rules")
			continue
		}
		task := &types.Task{
			ID:         uuid.NewString(),
			RunID:      run.ID,
			URL:        canonical,
			Depth:      0,
			SourceName: o.cfg.Profile.Name,
			UpdatedAt:  time.Now(),
		}
		if err := q.Enqueue(task); err != nil && !errors.Is(err, storage.ErrDuplicateTask) {
			return fmt.Errorf("enqueue seed %s: %w", canonical, err)
		}
	}
	return nil
}

func (o *Orchestrator) publish(eventType events.EventType, run *types.Run, msg string) {
	if o.broker == nil {
		return
	}
	o.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  msg,
		Metadata: map[string]string{"run_id": run.ID, "source": run.SourceName},
	})
}
