// Package metrics exposes Prometheus collectors for the tracking pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scrapesTotal          *prometheus.CounterVec
	scrapeDurationSeconds prometheus.Histogram
	queueAdmissionsTotal  prometheus.Counter
	reaperActionsTotal    *prometheus.CounterVec

	once sync.Once
)

// Scrape outcome label values.
const (
	OutcomeCommitted = "committed"
	OutcomeTransient = "transient"
	OutcomeBadShape  = "bad_shape"
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parcelwatch_scrapes_total",
				Help: "Total scrape attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		scrapeDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parcelwatch_scrape_duration_seconds",
				Help:    "Wall time of one scrape attempt, including the DOM wait.",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 9),
			},
		)
		queueAdmissionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parcelwatch_queue_admissions_total",
				Help: "Packages admitted to the scrape queue by the staleness detector.",
			},
		)
		reaperActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parcelwatch_reaper_actions_total",
				Help: "Reaper actions, labeled warned or deleted.",
			},
			[]string{"action"},
		)
	})
}

// ObserveScrape records one scrape attempt.
func ObserveScrape(outcome string, d time.Duration) {
	if scrapesTotal == nil {
		return
	}
	scrapesTotal.WithLabelValues(outcome).Inc()
	scrapeDurationSeconds.Observe(d.Seconds())
}

// AddQueueAdmissions records detector admissions.
func AddQueueAdmissions(n int) {
	if queueAdmissionsTotal == nil || n <= 0 {
		return
	}
	queueAdmissionsTotal.Add(float64(n))
}

// ObserveReaperAction records one reaper warning or deletion.
func ObserveReaperAction(action string) {
	if reaperActionsTotal == nil {
		return
	}
	reaperActionsTotal.WithLabelValues(action).Inc()
}
