package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/sitesync/pkg/events"
	"github.com/cuemby/sitesync/pkg/frontier"
	"github.com/cuemby/sitesync/pkg/log"
	"github.com/cuemby/sitesync/pkg/metrics"
	"github.com/cuemby/sitesync/pkg/plugin"
	"github.com/cuemby/sitesync/pkg/queue"
	"github.com/cuemby/sitesync/pkg/storage"
	"github.com/cuemby/sitesync/pkg/types"
	"github.com/google/uuid"
)

// DenyRule is one runtime deny rule a Worker asks the Executor to
// merge into the Frontier Filter, produced by auth-redirect detection
// (spec.md §4.4 step 4).
type DenyRule struct {
	Host     string
	PathGlob string
}

// Config parameterizes one Worker's per-task behavior.
type Config struct {
	ID                   string
	LeaseTTL             time.Duration
	FetchTimeout         time.Duration
	AuthRedirectPrefixes []string
}

// Worker processes one leased Task at a time: fetch, normalize,
// version, discover links, finish. See spec.md §4.4.
type Worker struct {
	cfg      Config
	queue    *queue.Queue
	store    storage.Store
	frontier *frontier.Filter
	registry *plugin.Registry
	fetcher  plugin.Fetcher
	denyCh   chan<- DenyRule
	broker   *events.Broker
}

// New builds a Worker. denyCh is the Executor's runtime-deny-rule
// channel; it may be nil in tests that don't exercise auth-redirect
// detection.
func New(cfg Config, q *queue.Queue, store storage.Store, fr *frontier.Filter, registry *plugin.Registry, fetcher plugin.Fetcher, denyCh chan<- DenyRule, broker *events.Broker) *Worker {
	return &Worker{
		cfg:      cfg,
		queue:    q,
		store:    store,
		frontier: fr,
		registry: registry,
		fetcher:  fetcher,
		denyCh:   denyCh,
		broker:   broker,
	}
}

// ID returns the worker's configured identifier, used as the lease
// owner for every task it acquires.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Process runs one task through its full lifecycle. ctx governs the
// lease-renewal goroutine and the fetch's hard timeout; it is
// cancelled by the Executor's cancellation broadcast on user stop, in
// which case Process releases the task (without incrementing
// attempt_count) and returns.
func (w *Worker) Process(ctx context.Context, task *types.Task) error {
	logger := log.WithTaskID(task.ID)

	renewCtx, stopRenew := context.WithCancel(ctx)
	leaseLost := make(chan struct{})
	go w.renewLeaseLoop(renewCtx, task, leaseLost)
	defer stopRenew()

	select {
	case <-leaseLost:
		logger.Warn().Msg("lease lost during processing, aborting without completing")
		return nil
	case <-ctx.Done():
		if err := w.queue.Release(task.ID, w.cfg.ID); err != nil {
			logger.Warn().Err(err).Msg("release on cancellation failed")
		}
		return ctx.Err()
	default:
	}

	result, err := w.fetch(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			// Executor cancellation interrupted the fetch: abandon the
			// task without penalizing its attempt_count.
			if releaseErr := w.queue.Release(task.ID, w.cfg.ID); releaseErr != nil {
				logger.Warn().Err(releaseErr).Msg("release on cancellation failed")
			}
			return ctx.Err()
		}
		return w.handleFetchError(task, err)
	}

	if matchedPrefix, ok := w.isAuthRedirect(result); ok {
		w.handleAuthRedirect(task, result, matchedPrefix)
		if err := w.recordVersion(task, result); err != nil {
			logger.Warn().Err(err).Msg("failed to record auth-redirect asset version")
		}
		return w.queue.Finish(task, w.cfg.ID)
	}

	record, err := w.normalize(task, result)
	if err != nil {
		return w.handleNormalizeError(task, err)
	}

	if err := w.recordAsset(task, result, record); err != nil {
		return w.queue.FailTransient(task, w.cfg.ID, err.Error(), time.Now())
	}

	w.discoverLinks(task, record)

	return w.queue.Finish(task, w.cfg.ID)
}

func (w *Worker) renewLeaseLoop(ctx context.Context, task *types.Task, leaseLost chan<- struct{}) {
	interval := w.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.queue.Renew(task.ID, w.cfg.ID, time.Now()); err != nil {
				select {
				case leaseLost <- struct{}{}:
				default:
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) fetch(ctx context.Context, task *types.Task) (*plugin.FetchResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	result, err := w.fetcher.Fetch(fetchCtx, task.URL, task.SourceName)
	if err != nil {
		if fetchCtx.Err() == context.DeadlineExceeded {
			timer.ObserveDurationVec(metrics.FetchDuration, "timeout")
			return nil, &plugin.TransientFetchError{URL: task.URL, Message: "fetch timeout"}
		}
		timer.ObserveDurationVec(metrics.FetchDuration, "error")
		return nil, err
	}
	timer.ObserveDurationVec(metrics.FetchDuration, "success")
	return result, nil
}

func (w *Worker) handleFetchError(task *types.Task, err error) error {
	var transient *plugin.TransientFetchError
	if errors.As(err, &transient) {
		return w.queue.FailTransient(task, w.cfg.ID, transient.Error(), time.Now())
	}

	var permanent *plugin.PermanentFetchError
	if errors.As(err, &permanent) {
		w.recordException(task, types.ExceptionKindPermanentFetch, permanent.Error())
		return w.queue.FailPermanent(task, w.cfg.ID, permanent.Error())
	}

	// Unexpected error: treat as transient per spec.md §4.4.
	return w.queue.FailTransient(task, w.cfg.ID, err.Error(), time.Now())
}

// isAuthRedirect reports whether result's final URL looks like a
// login redirect: its path matches a configured auth prefix and it
// carries a continue=<path> query parameter. It returns the configured
// prefix that matched, so the caller can deny both that prefix and the
// continue path (spec.md §8 boundary scenario 5).
func (w *Worker) isAuthRedirect(result *plugin.FetchResult) (matchedPrefix string, ok bool) {
	u, err := url.Parse(result.FinalURL)
	if err != nil {
		return "", false
	}
	if u.Query().Get("continue") == "" {
		return "", false
	}
	for _, prefix := range w.cfg.AuthRedirectPrefixes {
		if strings.HasPrefix(u.Path, prefix) {
			return prefix, true
		}
	}
	return "", false
}

// handleAuthRedirect asks the Executor to deny both the matched auth
// prefix and the continue path for the rest of the run: otherwise
// every other page linking to the login path keeps re-enqueueing it.
func (w *Worker) handleAuthRedirect(task *types.Task, result *plugin.FetchResult, matchedPrefix string) {
	u, err := url.Parse(result.FinalURL)
	if err != nil {
		return
	}
	continuePath := u.Query().Get("continue")

	if w.denyCh != nil {
		for _, rule := range []DenyRule{
			{Host: u.Host, PathGlob: denyGlob(matchedPrefix)},
			{Host: u.Host, PathGlob: denyGlob(continuePath)},
		} {
			select {
			case w.denyCh <- rule:
			default:
				log.WithTaskID(task.ID).Warn().Str("path_glob", rule.PathGlob).Msg("deny-rule channel full, dropping auth-redirect signal")
			}
		}
	}

	if w.broker != nil {
		w.broker.Publish(&events.Event{
			Type:    events.EventAuthRedirect,
			Message: fmt.Sprintf("auth redirect detected for %s -> continue=%s", task.URL, continuePath),
			Metadata: map[string]string{
				"run_id": task.RunID, "task_id": task.ID, "host": u.Host, "auth_prefix": matchedPrefix, "continue_path": continuePath,
			},
		})
	}
}

// denyGlob turns a path prefix into the doublestar glob that denies
// everything under it, including the prefix itself.
func denyGlob(pathPrefix string) string {
	return strings.TrimSuffix(pathPrefix, "/") + "/**"
}

func (w *Worker) normalize(task *types.Task, result *plugin.FetchResult) (*plugin.AssetRecord, error) {
	p, err := w.registry.Select(task.PluginHint, result)
	if err != nil {
		return nil, &plugin.NormalizationError{URL: task.URL, Message: err.Error()}
	}
	return p.Normalize(result)
}

func (w *Worker) handleNormalizeError(task *types.Task, err error) error {
	w.recordException(task, types.ExceptionKindNormalization, err.Error())
	return w.queue.FailPermanent(task, w.cfg.ID, err.Error())
}

// recordAsset upserts the Asset and, within the same Store
// transaction, classifies and conditionally inserts the AssetVersion
// (spec.md §4.4 step 6).
func (w *Worker) recordAsset(task *types.Task, result *plugin.FetchResult, record *plugin.AssetRecord) error {
	normalizedHash := sha256Hex(record.NormalizedPayload)
	rawHash := sha256Hex(result.Body)

	asset := &types.Asset{
		SourceName:  task.SourceName,
		URL:         task.URL,
		AssetType:   record.AssetType,
		FirstSeenAt: result.FetchedAt,
		LastSeenAt:  result.FetchedAt,
	}
	version := &types.AssetVersion{
		ID:             uuid.NewString(),
		RunID:          task.RunID,
		NormalizedHash: normalizedHash,
		RawHash:        rawHash,
		PayloadRef:     record.RawPayloadRef,
		CreatedAt:      result.FetchedAt,
	}

	if err := w.store.RecordFetchResult(asset, version); err != nil {
		return fmt.Errorf("record fetch result: %w", err)
	}

	metrics.AssetVersionsTotal.WithLabelValues(string(version.DiffClass)).Inc()
	if w.broker != nil {
		w.broker.Publish(&events.Event{
			Type:    events.EventAssetVersioned,
			Message: fmt.Sprintf("%s versioned as %s", task.URL, version.DiffClass),
			Metadata: map[string]string{
				"run_id": task.RunID, "asset_id": asset.ID, "diff_class": string(version.DiffClass),
			},
		})
	}
	return nil
}

// recordVersion is the auth-redirect path's abbreviated form of
// recordAsset: it still versions the asset (so the redirect is
// observable in reports) but does not classify a discovered-link set.
func (w *Worker) recordVersion(task *types.Task, result *plugin.FetchResult) error {
	asset := &types.Asset{
		SourceName:  task.SourceName,
		URL:         task.URL,
		AssetType:   "auth_redirect",
		FirstSeenAt: result.FetchedAt,
		LastSeenAt:  result.FetchedAt,
	}
	version := &types.AssetVersion{
		ID:             uuid.NewString(),
		RunID:          task.RunID,
		NormalizedHash: sha256Hex([]byte(result.FinalURL)),
		RawHash:        sha256Hex(result.Body),
		CreatedAt:      result.FetchedAt,
	}
	return w.store.RecordFetchResult(asset, version)
}

// discoverLinks enqueues every relationship from record that the
// Frontier Filter admits, at task.Depth+1. EnqueueTask's
// storage.ErrDuplicateTask is swallowed: resuming a run, or two pages
// linking to the same URL, must not fail the worker.
func (w *Worker) discoverLinks(task *types.Task, record *plugin.AssetRecord) {
	for _, link := range record.Relationships {
		canonical, err := frontier.Canonicalize(link)
		if err != nil {
			continue
		}
		if w.frontier.Allow(canonical, task.Depth+1) == frontier.Drop {
			continue
		}

		child := &types.Task{
			ID:         uuid.NewString(),
			RunID:      task.RunID,
			URL:        canonical,
			Depth:      task.Depth + 1,
			SourceName: task.SourceName,
			UpdatedAt:  time.Now(),
		}
		if err := w.queue.Enqueue(child); err != nil && !errors.Is(err, storage.ErrDuplicateTask) {
			log.WithTaskID(task.ID).Warn().Err(err).Str("url", canonical).Msg("failed to enqueue discovered link")
		}
	}
}

func (w *Worker) recordException(task *types.Task, kind types.ExceptionKind, message string) {
	exc := &types.Exception{
		ID:        uuid.NewString(),
		RunID:     task.RunID,
		TaskID:    task.ID,
		URL:       task.URL,
		Kind:      kind,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if err := w.store.CreateException(exc); err != nil {
		log.WithTaskID(task.ID).Warn().Err(err).Msg("failed to record exception")
		return
	}
	metrics.ExceptionsTotal.WithLabelValues(string(kind)).Inc()
	if w.broker != nil {
		w.broker.Publish(&events.Event{
			Type:    events.EventExceptionRaised,
			Message: message,
			Metadata: map[string]string{
				"run_id": task.RunID, "task_id": task.ID, "kind": string(kind),
			},
		})
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
