package reconciler

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/sitesync/pkg/log"
	"github.com/cuemby/sitesync/pkg/metrics"
	"github.com/cuemby/sitesync/pkg/storage"
	"github.com/cuemby/sitesync/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reconciler generates Missing Exceptions for assets a prior completed
// run saw but the current run never re-fetched.
type Reconciler struct {
	store  storage.Store
	logger zerolog.Logger
}

// New builds a Reconciler over store.
func New(store storage.Store) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: log.WithComponent("reconciler"),
	}
}

// Reconcile runs the one-shot missing-asset pass for run, which must
// already be finalized (CompletedAt set). It is a no-op, not an error,
// when there is no prior completed run to compare against — the first
// run of a source has nothing to have "gone missing" relative to.
func (r *Reconciler) Reconcile(run *types.Run) (missing int, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	previous, err := r.store.LatestCompletedRunBefore(run.SourceName, run.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Debug().Str("source", run.SourceName).Msg("no prior completed run, skipping missing-asset check")
			return 0, nil
		}
		return 0, fmt.Errorf("find prior completed run: %w", err)
	}

	assets, err := r.store.ListAssetsBySource(run.SourceName)
	if err != nil {
		return 0, fmt.Errorf("list assets: %w", err)
	}

	for _, asset := range assets {
		// Seen by the prior run but not touched since this run started:
		// the crawl no longer found it.
		if asset.LastSeenAt.Before(run.StartedAt) && !asset.LastSeenAt.After(previous.CompletedAt) {
			exc := &types.Exception{
				ID:        uuid.NewString(),
				RunID:     run.ID,
				URL:       asset.URL,
				Kind:      types.ExceptionKindMissing,
				Message:   fmt.Sprintf("asset last seen at %s, not re-fetched this run", asset.LastSeenAt.Format(time.RFC3339)),
				CreatedAt: time.Now(),
			}
			if err := r.store.CreateException(exc); err != nil {
				r.logger.Error().Err(err).Str("url", asset.URL).Msg("failed to record missing-asset exception")
				continue
			}
			metrics.ExceptionsTotal.WithLabelValues(string(types.ExceptionKindMissing)).Inc()
			metrics.MissingAssetsTotal.Inc()
			missing++
		}
	}

	r.logger.Info().Int("missing_count", missing).Str("source", run.SourceName).Msg("missing-asset reconciliation complete")
	return missing, nil
}
