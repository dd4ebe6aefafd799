// Package reaper warns about and deletes long-inactive packages.
package reaper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parcelwatch/parcelwatch/internal/metrics"
	"github.com/parcelwatch/parcelwatch/internal/tracker"
)

// Reaper runs two passes per tick: packages inactive past the deletion
// deadline are removed outright (warned or not), then packages past the
// warning threshold that have not been warned get one reminder email.
// A user's renewal resets last_new_data and the warning flag, restarting
// the whole cycle.
type Reaper struct {
	store          tracker.ReaperStore
	notifier       tracker.Notifier
	warnThreshold  time.Duration
	deleteDeadline time.Duration
	logger         *zap.Logger
}

// New constructs a Reaper.
func New(
	store tracker.ReaperStore,
	notifier tracker.Notifier,
	warnThreshold time.Duration,
	deleteDeadline time.Duration,
	logger *zap.Logger,
) *Reaper {
	return &Reaper{
		store:          store,
		notifier:       notifier,
		warnThreshold:  warnThreshold,
		deleteDeadline: deleteDeadline,
		logger:         logger,
	}
}

// Tick runs one reap pass.
func (r *Reaper) Tick(ctx context.Context) error {
	if err := r.deleteExpired(ctx); err != nil {
		return err
	}
	return r.warnInactive(ctx)
}

func (r *Reaper) deleteExpired(ctx context.Context) error {
	expired, err := r.store.ExpiredPackages(ctx, r.deleteDeadline)
	if err != nil {
		return fmt.Errorf("select expired packages: %w", err)
	}
	for _, id := range expired {
		if err := r.store.RemovePackage(ctx, id); err != nil {
			r.logger.Error("expired package removal failed", zap.Int64("package_id", id), zap.Error(err))
			continue
		}
		metrics.ObserveReaperAction("deleted")
		r.logger.Info("inactive package deleted", zap.Int64("package_id", id))
	}
	return nil
}

func (r *Reaper) warnInactive(ctx context.Context) error {
	candidates, err := r.store.WarningCandidates(ctx, r.warnThreshold)
	if err != nil {
		return fmt.Errorf("select warning candidates: %w", err)
	}
	for _, cand := range candidates {
		// Mark before sending: at most one warning per inactivity episode,
		// even on a flaky mail transport. A lost warning self-heals when the
		// package is renewed or deleted.
		if err := r.store.MarkWarned(ctx, cand.PackageID); err != nil {
			r.logger.Error("mark warned failed", zap.Int64("package_id", cand.PackageID), zap.Error(err))
			continue
		}
		if err := r.notifier.SendPackageReminder(ctx, cand.OwnerEmail, cand.Title, cand.PackageID); err != nil {
			r.logger.Error("reminder email failed, warning suppressed",
				zap.Int64("package_id", cand.PackageID),
				zap.Error(err),
			)
			continue
		}
		metrics.ObserveReaperAction("warned")
		r.logger.Info("renewal warning sent",
			zap.Int64("package_id", cand.PackageID),
			zap.Time("last_new_data", cand.LastNewData),
		)
	}
	return nil
}
