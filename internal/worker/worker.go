// Package worker executes the scrape pipeline, one package per tick.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parcelwatch/parcelwatch/internal/metrics"
	"github.com/parcelwatch/parcelwatch/internal/tracker"
)

// Worker drains the scrape queue at the scheduler's cadence, strictly one
// scrape in flight at a time. A failed scrape leaves the queue entry in
// place, so the package is retried by re-selection on a later tick.
type Worker struct {
	store     tracker.ScrapeQueue
	scraper   tracker.Scraper
	snapshots tracker.SnapshotStore
	publisher tracker.Publisher
	clock     tracker.Clock
	logger    *zap.Logger
}

// New constructs a Worker. Snapshots and publisher may be nil-behavior
// (noop) providers but must be non-nil.
func New(
	store tracker.ScrapeQueue,
	scraper tracker.Scraper,
	snapshots tracker.SnapshotStore,
	publisher tracker.Publisher,
	clock tracker.Clock,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		store:     store,
		scraper:   scraper,
		snapshots: snapshots,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// Tick selects the highest-priority queue entry and scrapes it. An empty
// queue is a no-op. All failure modes are logged and non-fatal: the store
// is only mutated by the transactional commit after a fully parsed scrape.
func (w *Worker) Tick(ctx context.Context) error {
	entry, err := w.store.NextQueued(ctx)
	if errors.Is(err, tracker.ErrNoPending) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("select queue entry: %w", err)
	}

	start := w.clock.Now()
	result, err := w.scraper.Scrape(ctx, entry.TrackingNumber)
	elapsed := w.clock.Now().Sub(start)

	switch {
	case errors.Is(err, tracker.ErrBadEventRow):
		// Upstream DOM shape changed. Keep the queue entry for retry and
		// persist the page so the break can be diagnosed.
		metrics.ObserveScrape(metrics.OutcomeBadShape, elapsed)
		w.snapshotPage(ctx, entry, result.HTML)
		w.logger.Error("event list no longer parseable",
			zap.Int64("package_id", entry.PackageID),
			zap.String("tracking_number", entry.TrackingNumber),
			zap.Error(err),
		)
		return nil
	case err != nil:
		metrics.ObserveScrape(metrics.OutcomeTransient, elapsed)
		w.logger.Warn("scrape abandoned, will retry",
			zap.Int64("package_id", entry.PackageID),
			zap.String("tracking_number", entry.TrackingNumber),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil
	}

	now := w.clock.Now()
	newData, err := w.store.CommitScrape(ctx, entry.PackageID, result.Events, now)
	if err != nil {
		metrics.ObserveScrape(metrics.OutcomeTransient, elapsed)
		return fmt.Errorf("commit scrape for package %d: %w", entry.PackageID, err)
	}
	metrics.ObserveScrape(metrics.OutcomeCommitted, elapsed)
	w.logger.Info("scrape committed",
		zap.Int64("package_id", entry.PackageID),
		zap.Int("events", len(result.Events)),
		zap.Bool("new_data", newData),
		zap.Duration("elapsed", elapsed),
	)

	w.publishUpdate(ctx, entry.PackageID, len(result.Events), newData, now)
	return nil
}

func (w *Worker) snapshotPage(ctx context.Context, entry tracker.QueueEntry, html string) {
	if html == "" {
		return
	}
	name := fmt.Sprintf("%s-%d.html", entry.TrackingNumber, w.clock.Now().Unix())
	uri, err := w.snapshots.Put(ctx, name, []byte(html))
	if err != nil {
		w.logger.Warn("page snapshot failed", zap.String("name", name), zap.Error(err))
		return
	}
	if uri != "" {
		w.logger.Info("unparseable page snapshotted", zap.String("uri", uri))
	}
}

func (w *Worker) publishUpdate(ctx context.Context, packageID int64, eventCount int, newData bool, at time.Time) {
	update := tracker.PackageUpdate{
		PackageID:  packageID,
		EventCount: eventCount,
		NewData:    newData,
		ScrapedAt:  at,
	}
	if err := w.publisher.Publish(ctx, update); err != nil {
		// Best effort; the scrape is already committed.
		w.logger.Warn("package update publish failed",
			zap.Int64("package_id", packageID),
			zap.Error(err),
		)
	}
}
