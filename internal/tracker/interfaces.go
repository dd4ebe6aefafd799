package tracker

import (
	"context"
	"errors"
	"time"
)

// ErrNotAuthorized is returned when a package does not exist or does not
// belong to the requesting user. Callers cannot tell the two apart.
var ErrNotAuthorized = errors.New("package not found")

// ErrNoPending is returned by NextQueued when the scrape queue is empty.
var ErrNoPending = errors.New("no pending scrape")

// ErrBadEventRow marks a scrape whose rendered event list no longer matches
// the expected shape. It is retried like any transient failure but logged
// distinctly so upstream DOM changes show up in diagnostics.
var ErrBadEventRow = errors.New("unparseable event row")

// Store is the web layer's view of package persistence. Every operation is
// keyed by the authenticated user id and authorizes by ownership comparison
// only. Every multi-statement mutation runs in a single transaction.
type Store interface {
	// CreatePackage inserts a package and enqueues its first scrape with
	// elevated priority. Returns false when the user already tracks this
	// tracking number.
	CreatePackage(ctx context.Context, userID int64, trackingNumber string) (bool, error)
	// ListPackages returns the user's packages plus the server time, so
	// callers can render relative staleness without a second round trip.
	ListPackages(ctx context.Context, userID int64) ([]PackageSummary, time.Time, error)
	// GetPackageDetail returns the stored event history, newest first.
	// The ownership check runs before any event data is read.
	GetPackageDetail(ctx context.Context, packageID, userID int64) ([]PackageEvent, error)
	UpdateTitle(ctx context.Context, packageID, userID int64, title string) error
	DeletePackage(ctx context.Context, packageID, userID int64) error
	// RenewPackage resets the inactivity clock and clears the warning flag.
	RenewPackage(ctx context.Context, packageID, userID int64) error
}

// ScrapeQueue is the pipeline's view of the store: staleness admission and
// the pop-scrape-commit cycle.
type ScrapeQueue interface {
	// AdmitStale enqueues every package whose last scrape attempt is older
	// than the threshold and which is not already queued. Idempotent under
	// concurrent invocation. Returns the number of entries admitted.
	AdmitStale(ctx context.Context, olderThan time.Duration, priority int) (int, error)
	// NextQueued returns the highest-priority queue entry, ties broken by
	// package id ascending, or ErrNoPending.
	NextQueued(ctx context.Context) (QueueEntry, error)
	// CommitScrape atomically replaces the package's event history, removes
	// its queue entry, stamps last_updated, and advances last_new_data only
	// when the scrape recovered more rows than were previously stored.
	// Reports whether last_new_data advanced.
	CommitScrape(ctx context.Context, packageID int64, events []PackageEvent, now time.Time) (bool, error)
}

// ReaperStore is the dead-package reaper's view of the store.
type ReaperStore interface {
	// ExpiredPackages returns ids of packages inactive past the deletion
	// deadline, warned or not.
	ExpiredPackages(ctx context.Context, olderThan time.Duration) ([]int64, error)
	// WarningCandidates returns packages inactive past the warning threshold
	// that have not yet been warned.
	WarningCandidates(ctx context.Context, olderThan time.Duration) ([]ReaperCandidate, error)
	MarkWarned(ctx context.Context, packageID int64) error
	// RemovePackage deletes a package without an ownership check. Reaper use
	// only; web-layer deletion goes through DeletePackage.
	RemovePackage(ctx context.Context, packageID int64) error
}

// Scraper drives the shared browser-automation session against the external
// tracking page. Implementations serialize scrapes internally.
type Scraper interface {
	Scrape(ctx context.Context, trackingNumber string) (ScrapeResult, error)
}

// ScrapeResult carries the parsed event rows and the raw rendered HTML the
// rows came from. HTML is populated even when parsing failed, so the page
// can be snapshotted for diagnosis.
type ScrapeResult struct {
	Events []PackageEvent
	HTML   string
}

// Notifier sends renewal-warning emails. Fire and forget: failures are the
// caller's to log, never to retry within a reaper tick.
type Notifier interface {
	SendPackageReminder(ctx context.Context, email, packageTitle string, packageID int64) error
}

// Publisher pushes package-updated events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, update PackageUpdate) error
	Close() error
}

// SnapshotStore persists raw rendered HTML for shape-change diagnosis.
type SnapshotStore interface {
	Put(ctx context.Context, name string, html []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
