// Package tracker defines core types shared across subsystems.
package tracker

import "time"

// Queue priorities. Higher values are drained first.
const (
	// PriorityNew is assigned at package creation so the first scrape
	// happens promptly.
	PriorityNew = 10
	// PriorityRefresh is assigned by the staleness detector.
	PriorityRefresh = 1
)

// Package is one tracked shipment owned by a single user.
type Package struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	TrackingNumber string    `json:"tracking_number"`
	Title          string    `json:"title,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
	LastNewData    time.Time `json:"last_new_data"`
	EmailSent      bool      `json:"email_sent"`
}

// DisplayTitle returns the user-assigned title, falling back to the
// tracking number when none was set.
func (p Package) DisplayTitle() string {
	if p.Title != "" {
		return p.Title
	}
	return p.TrackingNumber
}

// PackageSummary is the list-view projection of a Package.
type PackageSummary struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	LastNewData time.Time `json:"last_new_data"`
}

// PackageEvent is one tracking-history milestone. Rows scraped without a
// clock time carry HasTime=false and a zero Clock.
type PackageEvent struct {
	Date        time.Time `json:"date"`
	Clock       string    `json:"clock,omitempty"`
	HasTime     bool      `json:"has_time"`
	Description string    `json:"description"`
}

// QueueEntry is a pending-scrape admission ticket for one package.
type QueueEntry struct {
	PackageID      int64
	TrackingNumber string
	Priority       int
}

// ReaperCandidate is a package eligible for a renewal warning, joined with
// its owner's email address.
type ReaperCandidate struct {
	PackageID   int64
	Title       string
	OwnerEmail  string
	LastNewData time.Time
}

// PackageUpdate is published after a successful scrape commit.
type PackageUpdate struct {
	PackageID  int64     `json:"package_id"`
	EventCount int       `json:"event_count"`
	NewData    bool      `json:"new_data"`
	ScrapedAt  time.Time `json:"scraped_at"`
}
