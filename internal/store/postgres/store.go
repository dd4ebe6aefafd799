// Package postgres provides the Postgres-backed package store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parcelwatch/parcelwatch/internal/tracker"
)

// Pool is the subset of pgxpool.Pool the store needs. pgxmock satisfies it
// in tests.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool and the queue priority
// assigned to a package's first scrape.
type Config struct {
	DSN         string
	MaxConns    int32
	MinConns    int32
	NewPriority int
}

// Store implements tracker.Store on a pgx connection pool. Each logical
// operation opens its own short-lived transaction; nested statements share
// the pgx.Tx passed to the unexported helpers instead of opening another.
type Store struct {
	pool        Pool
	clock       tracker.Clock
	newPriority int
}

// New connects a Store using the provided config.
func New(ctx context.Context, cfg Config, clock tracker.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.NewPriority == 0 {
		cfg.NewPriority = tracker.PriorityNew
	}
	return &Store{pool: pool, clock: clock, newPriority: cfg.NewPriority}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool Pool, clock tracker.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, clock: clock, newPriority: tracker.PriorityNew}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreatePackage inserts a package and its elevated-priority queue entry in
// one transaction. Returns false when the (user, trackingNumber) pair is
// already tracked.
func (s *Store) CreatePackage(ctx context.Context, userID int64, trackingNumber string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin create package: %w", err)
	}
	defer rollback(ctx, tx)

	var existing int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM packages WHERE user_id = $1 AND tracking_number = $2`,
		userID, trackingNumber,
	).Scan(&existing)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return false, fmt.Errorf("check existing package: %w", err)
	}

	now := s.clock.Now()
	var packageID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO packages (user_id, tracking_number, last_updated, last_new_data)
		 VALUES ($1, $2, $3, $3)
		 RETURNING id`,
		userID, trackingNumber, now,
	).Scan(&packageID)
	if isUniqueViolation(err) {
		// A concurrent create won the race between our existence check and
		// this insert. Same outcome as the check firing.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert package: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO scrape_queue (package_id, priority) VALUES ($1, $2)`,
		packageID, s.newPriority,
	); err != nil {
		return false, fmt.Errorf("enqueue new package: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit create package: %w", err)
	}
	return true, nil
}

// ListPackages returns the user's packages plus the server time.
func (s *Store) ListPackages(ctx context.Context, userID int64) ([]tracker.PackageSummary, time.Time, error) {
	now := s.clock.Now()
	rows, err := s.pool.Query(ctx,
		`SELECT id, tracking_number, title, last_new_data
		 FROM packages
		 WHERE user_id = $1
		 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, now, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var out []tracker.PackageSummary
	for rows.Next() {
		var (
			summary        tracker.PackageSummary
			trackingNumber string
			title          string
		)
		if err := rows.Scan(&summary.ID, &trackingNumber, &title, &summary.LastNewData); err != nil {
			return nil, now, fmt.Errorf("scan package row: %w", err)
		}
		summary.Title = title
		if summary.Title == "" {
			summary.Title = trackingNumber
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, now, fmt.Errorf("list packages rows: %w", err)
	}
	return out, now, nil
}

// GetPackageDetail verifies ownership, then returns the event history newest
// first. A package that is missing or owned by someone else yields
// tracker.ErrNotAuthorized either way.
func (s *Store) GetPackageDetail(ctx context.Context, packageID, userID int64) ([]tracker.PackageEvent, error) {
	var owner int64
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM packages WHERE id = $1`, packageID,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tracker.ErrNotAuthorized
	}
	if err != nil {
		return nil, fmt.Errorf("check package owner: %w", err)
	}
	if owner != userID {
		return nil, tracker.ErrNotAuthorized
	}

	rows, err := s.pool.Query(ctx,
		`SELECT event_date, event_time, description
		 FROM package_events
		 WHERE package_id = $1
		 ORDER BY id DESC`,
		packageID,
	)
	if err != nil {
		return nil, fmt.Errorf("list package events: %w", err)
	}
	defer rows.Close()

	var events []tracker.PackageEvent
	for rows.Next() {
		var ev tracker.PackageEvent
		if err := rows.Scan(&ev.Date, &ev.Clock, &ev.Description); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.HasTime = ev.Clock != ""
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list package events rows: %w", err)
	}
	return events, nil
}

// UpdateTitle sets the display title, failing closed on ownership mismatch.
func (s *Store) UpdateTitle(ctx context.Context, packageID, userID int64, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE packages SET title = $3 WHERE id = $1 AND user_id = $2`,
		packageID, userID, title,
	)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tracker.ErrNotAuthorized
	}
	return nil
}

// DeletePackage removes the package; queue entry and events cascade.
func (s *Store) DeletePackage(ctx context.Context, packageID, userID int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM packages WHERE id = $1 AND user_id = $2`,
		packageID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tracker.ErrNotAuthorized
	}
	return nil
}

// RenewPackage restarts the inactivity cycle for an owned package.
func (s *Store) RenewPackage(ctx context.Context, packageID, userID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE packages SET last_new_data = $3, email_sent = FALSE
		 WHERE id = $1 AND user_id = $2`,
		packageID, userID, s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("renew package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tracker.ErrNotAuthorized
	}
	return nil
}

// AdmitStale enqueues stale, unqueued packages in a single statement so
// overlapping detector ticks cannot double-admit. The primary key on
// scrape_queue backstops the anti-join.
func (s *Store) AdmitStale(ctx context.Context, olderThan time.Duration, priority int) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO scrape_queue (package_id, priority)
		 SELECT p.id, $2
		 FROM packages p
		 WHERE p.last_updated < $1
		   AND NOT EXISTS (SELECT 1 FROM scrape_queue q WHERE q.package_id = p.id)
		 ON CONFLICT (package_id) DO NOTHING`,
		cutoff, priority,
	)
	if err != nil {
		return 0, fmt.Errorf("admit stale packages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// NextQueued returns the entry to scrape next: highest priority first, ties
// broken by package id ascending.
func (s *Store) NextQueued(ctx context.Context) (tracker.QueueEntry, error) {
	var entry tracker.QueueEntry
	err := s.pool.QueryRow(ctx,
		`SELECT q.package_id, p.tracking_number, q.priority
		 FROM scrape_queue q
		 JOIN packages p ON p.id = q.package_id
		 ORDER BY q.priority DESC, q.package_id ASC
		 LIMIT 1`,
	).Scan(&entry.PackageID, &entry.TrackingNumber, &entry.Priority)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.QueueEntry{}, tracker.ErrNoPending
	}
	if err != nil {
		return tracker.QueueEntry{}, fmt.Errorf("next queued: %w", err)
	}
	return entry, nil
}

// CommitScrape replaces the event history, clears the queue entry, and
// stamps freshness, all in one transaction. last_new_data advances only when
// the scrape recovered more rows than were previously stored.
func (s *Store) CommitScrape(ctx context.Context, packageID int64, events []tracker.PackageEvent, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin scrape commit: %w", err)
	}
	defer rollback(ctx, tx)

	var prior int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM package_events WHERE package_id = $1`, packageID,
	).Scan(&prior); err != nil {
		return false, fmt.Errorf("count prior events: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM package_events WHERE package_id = $1`, packageID,
	); err != nil {
		return false, fmt.Errorf("clear prior events: %w", err)
	}

	for _, ev := range events {
		if _, err := tx.Exec(ctx,
			`INSERT INTO package_events (package_id, event_date, event_time, description)
			 VALUES ($1, $2, $3, $4)`,
			packageID, ev.Date, ev.Clock, ev.Description,
		); err != nil {
			return false, fmt.Errorf("insert event: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM scrape_queue WHERE package_id = $1`, packageID,
	); err != nil {
		return false, fmt.Errorf("clear queue entry: %w", err)
	}

	newData := len(events) > prior
	if _, err := tx.Exec(ctx,
		`UPDATE packages
		 SET last_updated = $2,
		     last_new_data = CASE WHEN $3 THEN $2 ELSE last_new_data END
		 WHERE id = $1`,
		packageID, now, newData,
	); err != nil {
		return false, fmt.Errorf("stamp freshness: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit scrape: %w", err)
	}
	return newData, nil
}

// ExpiredPackages returns packages inactive past the deletion deadline,
// whether or not a warning was sent.
func (s *Store) ExpiredPackages(ctx context.Context, olderThan time.Duration) ([]int64, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM packages WHERE last_new_data < $1 ORDER BY id`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired packages: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired package: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired packages rows: %w", err)
	}
	return ids, nil
}

// WarningCandidates returns unwarned packages inactive past the warning
// threshold, joined with their owners' email addresses.
func (s *Store) WarningCandidates(ctx context.Context, olderThan time.Duration) ([]tracker.ReaperCandidate, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.tracking_number, p.title, p.last_new_data, u.email
		 FROM packages p
		 JOIN users u ON u.id = p.user_id
		 WHERE p.last_new_data < $1 AND NOT p.email_sent
		 ORDER BY p.id`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list warning candidates: %w", err)
	}
	defer rows.Close()

	var out []tracker.ReaperCandidate
	for rows.Next() {
		var (
			cand           tracker.ReaperCandidate
			trackingNumber string
			title          string
		)
		if err := rows.Scan(&cand.PackageID, &trackingNumber, &title, &cand.LastNewData, &cand.OwnerEmail); err != nil {
			return nil, fmt.Errorf("scan warning candidate: %w", err)
		}
		cand.Title = title
		if cand.Title == "" {
			cand.Title = trackingNumber
		}
		out = append(out, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list warning candidates rows: %w", err)
	}
	return out, nil
}

// MarkWarned records that a renewal warning has been sent for this
// inactivity episode.
func (s *Store) MarkWarned(ctx context.Context, packageID int64) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE packages SET email_sent = TRUE WHERE id = $1`, packageID,
	); err != nil {
		return fmt.Errorf("mark warned: %w", err)
	}
	return nil
}

// RemovePackage deletes without an ownership check; reaper use only.
func (s *Store) RemovePackage(ctx context.Context, packageID int64) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM packages WHERE id = $1`, packageID,
	); err != nil {
		return fmt.Errorf("remove package: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func rollback(ctx context.Context, tx pgx.Tx) {
	// ErrTxClosed after a successful commit is the normal path.
	_ = tx.Rollback(ctx)
}
