// Package detector admits stale packages into the scrape queue.
package detector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/parcelwatch/parcelwatch/internal/metrics"
	"github.com/parcelwatch/parcelwatch/internal/tracker"
)

// Detector periodically scans for packages whose last scrape attempt is
// older than the refresh threshold and enqueues them. Idempotence under
// overlapping ticks lives in the store's single-statement admission.
type Detector struct {
	store     tracker.ScrapeQueue
	threshold time.Duration
	priority  int
	logger    *zap.Logger
}

// New constructs a Detector.
func New(store tracker.ScrapeQueue, threshold time.Duration, priority int, logger *zap.Logger) *Detector {
	return &Detector{
		store:     store,
		threshold: threshold,
		priority:  priority,
		logger:    logger,
	}
}

// Tick runs one detection pass.
func (d *Detector) Tick(ctx context.Context) error {
	admitted, err := d.store.AdmitStale(ctx, d.threshold, d.priority)
	if err != nil {
		return err
	}
	metrics.AddQueueAdmissions(admitted)
	if admitted > 0 {
		d.logger.Info("stale packages admitted", zap.Int("count", admitted))
	}
	return nil
}
