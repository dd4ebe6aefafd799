package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/parcelwatch/parcelwatch/internal/tracker"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Unix(1700000000, 0).UTC()
	store, err := NewWithPool(mock, fixedClock{now: now})
	require.NoError(t, err)
	return store, mock, now
}

func TestCreatePackageRejectsDuplicate(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM packages").
		WithArgs(int64(7), "RR123456785GB").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectRollback()

	created, err := store.CreatePackage(context.Background(), 7, "RR123456785GB")
	require.NoError(t, err)
	require.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePackageInsertsAndEnqueues(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM packages").
		WithArgs(int64(7), "RR123456785GB").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO packages").
		WithArgs(int64(7), "RR123456785GB", now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec("INSERT INTO scrape_queue").
		WithArgs(int64(42), tracker.PriorityNew).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	created, err := store.CreatePackage(context.Background(), 7, "RR123456785GB")
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePackageEnqueuesWithConfiguredPriority(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)
	store.newPriority = 25

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM packages").
		WithArgs(int64(7), "RR123456785GB").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO packages").
		WithArgs(int64(7), "RR123456785GB", now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec("INSERT INTO scrape_queue").
		WithArgs(int64(42), 25).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	created, err := store.CreatePackage(context.Background(), 7, "RR123456785GB")
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePackageLosingInsertRaceIsDuplicateNotError(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)

	// The existence check sees nothing, then a concurrent create lands first
	// and the insert trips the (user_id, tracking_number) constraint.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM packages").
		WithArgs(int64(7), "RR123456785GB").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO packages").
		WithArgs(int64(7), "RR123456785GB", now).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "packages_user_id_tracking_number_key"})
	mock.ExpectRollback()

	created, err := store.CreatePackage(context.Background(), 7, "RR123456785GB")
	require.NoError(t, err)
	require.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPackageDetailHidesOtherUsersPackages(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	// Owned by user 99; user 7 asks.
	mock.ExpectQuery("SELECT user_id FROM packages").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow(int64(99)))

	events, err := store.GetPackageDetail(context.Background(), 42, 7)
	require.ErrorIs(t, err, tracker.ErrNotAuthorized)
	require.Nil(t, events)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPackageDetailMissingLooksIdentical(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	mock.ExpectQuery("SELECT user_id FROM packages").
		WithArgs(int64(4242)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetPackageDetail(context.Background(), 4242, 7)
	require.ErrorIs(t, err, tracker.ErrNotAuthorized)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPackageDetailReturnsEventsNewestFirst(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT user_id FROM packages").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow(int64(7)))
	mock.ExpectQuery("SELECT event_date, event_time, description").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"event_date", "event_time", "description"}).
			AddRow(date, "14:05", "Arrived at destination country").
			AddRow(date.AddDate(0, 0, -2), "", "Dispatched from origin"))

	events, err := store.GetPackageDetail(context.Background(), 42, 7)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.True(t, events[0].HasTime)
	require.Equal(t, "14:05", events[0].Clock)
	require.False(t, events[1].HasTime)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTitleFailsClosed(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	mock.ExpectExec("UPDATE packages SET title").
		WithArgs(int64(42), int64(7), "Birthday present").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateTitle(context.Background(), 42, 7, "Birthday present")
	require.ErrorIs(t, err, tracker.ErrNotAuthorized)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeletePackageFailsClosed(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	mock.ExpectExec("DELETE FROM packages").
		WithArgs(int64(42), int64(7)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := store.DeletePackage(context.Background(), 42, 7)
	require.ErrorIs(t, err, tracker.ErrNotAuthorized)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRenewPackageResetsInactivityCycle(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)

	mock.ExpectExec("UPDATE packages SET last_new_data").
		WithArgs(int64(42), int64(7), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.RenewPackage(context.Background(), 42, 7))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdmitStaleReportsAdmissions(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)

	cutoff := now.Add(-6 * time.Hour)
	mock.ExpectExec("INSERT INTO scrape_queue").
		WithArgs(cutoff, tracker.PriorityRefresh).
		WillReturnResult(pgxmock.NewResult("INSERT", 3))

	admitted, err := store.AdmitStale(context.Background(), 6*time.Hour, tracker.PriorityRefresh)
	require.NoError(t, err)
	require.Equal(t, 3, admitted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextQueuedEmptyQueue(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	mock.ExpectQuery("SELECT q.package_id").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.NextQueued(context.Background())
	require.ErrorIs(t, err, tracker.ErrNoPending)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextQueuedReturnsHighestPriority(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)

	mock.ExpectQuery("SELECT q.package_id").
		WillReturnRows(pgxmock.NewRows([]string{"package_id", "tracking_number", "priority"}).
			AddRow(int64(42), "RR123456785GB", tracker.PriorityNew))

	entry, err := store.NextQueued(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), entry.PackageID)
	require.Equal(t, "RR123456785GB", entry.TrackingNumber)
	require.Equal(t, tracker.PriorityNew, entry.Priority)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitScrapeReplacesHistoryAndAdvancesFreshness(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)

	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	events := []tracker.PackageEvent{
		{Date: date, Clock: "14:05", HasTime: true, Description: "Arrived at destination country"},
		{Date: date.AddDate(0, 0, -2), Description: "Dispatched from origin"},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("DELETE FROM package_events").
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO package_events").
		WithArgs(int64(42), events[0].Date, "14:05", events[0].Description).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO package_events").
		WithArgs(int64(42), events[1].Date, "", events[1].Description).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM scrape_queue").
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("UPDATE packages").
		WithArgs(int64(42), now, true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	newData, err := store.CommitScrape(context.Background(), 42, events, now)
	require.NoError(t, err)
	require.True(t, newData)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitScrapeSameRowCountKeepsFreshness(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)

	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	events := []tracker.PackageEvent{
		{Date: date, Clock: "14:05", HasTime: true, Description: "Arrived at destination country"},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("DELETE FROM package_events").
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO package_events").
		WithArgs(int64(42), events[0].Date, "14:05", events[0].Description).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM scrape_queue").
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("UPDATE packages").
		WithArgs(int64(42), now, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	newData, err := store.CommitScrape(context.Background(), 42, events, now)
	require.NoError(t, err)
	require.False(t, newData)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitScrapeAbortsOnInsertFailure(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)

	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	events := []tracker.PackageEvent{
		{Date: date, Clock: "14:05", HasTime: true, Description: "Arrived at destination country"},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("DELETE FROM package_events").
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO package_events").
		WithArgs(int64(42), events[0].Date, "14:05", events[0].Description).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err := store.CommitScrape(context.Background(), 42, events, now)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWarningCandidatesFallBackToTrackingNumber(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)

	cutoff := now.Add(-28 * 24 * time.Hour)
	stale := now.Add(-29 * 24 * time.Hour)
	mock.ExpectQuery("SELECT p.id, p.tracking_number").
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"id", "tracking_number", "title", "last_new_data", "email"}).
			AddRow(int64(42), "RR123456785GB", "", stale, "user@example.com"))

	cands, err := store.WarningCandidates(context.Background(), 28*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, "RR123456785GB", cands[0].Title)
	require.Equal(t, "user@example.com", cands[0].OwnerEmail)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpiredPackagesIgnoresWarningFlag(t *testing.T) {
	t.Parallel()

	store, mock, now := newMockStore(t)

	cutoff := now.Add(-31 * 24 * time.Hour)
	mock.ExpectQuery("SELECT id FROM packages WHERE last_new_data").
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)).AddRow(int64(43)))

	ids, err := store.ExpiredPackages(context.Background(), 31*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []int64{42, 43}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
