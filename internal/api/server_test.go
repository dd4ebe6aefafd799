package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parcelwatch/parcelwatch/internal/tracker"
)

type fakeStore struct {
	created    bool
	createErr  error
	summaries  []tracker.PackageSummary
	serverTime time.Time
	events     []tracker.PackageEvent
	opErr      error

	lastUserID    int64
	lastPackageID int64
	lastTitle     string
	lastTracking  string
}

func (f *fakeStore) CreatePackage(_ context.Context, userID int64, trackingNumber string) (bool, error) {
	f.lastUserID = userID
	f.lastTracking = trackingNumber
	return f.created, f.createErr
}

func (f *fakeStore) ListPackages(_ context.Context, userID int64) ([]tracker.PackageSummary, time.Time, error) {
	f.lastUserID = userID
	return f.summaries, f.serverTime, f.opErr
}

func (f *fakeStore) GetPackageDetail(_ context.Context, packageID, userID int64) ([]tracker.PackageEvent, error) {
	f.lastPackageID = packageID
	f.lastUserID = userID
	return f.events, f.opErr
}

func (f *fakeStore) UpdateTitle(_ context.Context, packageID, userID int64, title string) error {
	f.lastPackageID = packageID
	f.lastUserID = userID
	f.lastTitle = title
	return f.opErr
}

func (f *fakeStore) DeletePackage(_ context.Context, packageID, userID int64) error {
	f.lastPackageID = packageID
	f.lastUserID = userID
	return f.opErr
}

func (f *fakeStore) RenewPackage(_ context.Context, packageID, userID int64) error {
	f.lastPackageID = packageID
	f.lastUserID = userID
	return f.opErr
}

func doRequest(t *testing.T, store tracker.Store, method, target, body string, asUser string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewServer(store, zap.NewNop())
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if asUser != "" {
		req.Header.Set("X-User-ID", asUser)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := doRequest(t, &fakeStore{}, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingUserHeaderIsUnauthorized(t *testing.T) {
	rec := doRequest(t, &fakeStore{}, http.MethodGet, "/v1/packages/", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, &fakeStore{}, http.MethodGet, "/v1/packages/", "", "not-a-number")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreatePackage(t *testing.T) {
	store := &fakeStore{created: true}
	rec := doRequest(t, store, http.MethodPost, "/v1/packages/", `{"tracking_number":"RR123456785CN"}`, "42")

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, int64(42), store.lastUserID)
	require.Equal(t, "RR123456785CN", store.lastTracking)
}

func TestCreatePackageDuplicateConflicts(t *testing.T) {
	rec := doRequest(t, &fakeStore{created: false}, http.MethodPost, "/v1/packages/", `{"tracking_number":"RR123456785CN"}`, "42")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreatePackageRejectsEmptyBody(t *testing.T) {
	rec := doRequest(t, &fakeStore{}, http.MethodPost, "/v1/packages/", `{}`, "42")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPackagesIncludesServerTime(t *testing.T) {
	now := time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC)
	store := &fakeStore{
		summaries: []tracker.PackageSummary{
			{ID: 1, Title: "Shoes", LastNewData: now.Add(-48 * time.Hour)},
		},
		serverTime: now,
	}
	rec := doRequest(t, store, http.MethodGet, "/v1/packages/", "", "42")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Packages   []tracker.PackageSummary `json:"packages"`
		ServerTime time.Time                `json:"server_time"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Packages, 1)
	require.True(t, now.Equal(resp.ServerTime))
}

func TestListPackagesEmptyIsArrayNotNull(t *testing.T) {
	rec := doRequest(t, &fakeStore{}, http.MethodGet, "/v1/packages/", "", "42")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"packages":[]`)
}

func TestGetPackageEventsNotOwnedIs404(t *testing.T) {
	store := &fakeStore{opErr: tracker.ErrNotAuthorized}
	rec := doRequest(t, store, http.MethodGet, "/v1/packages/7/events", "", "42")

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "package not found")
}

func TestGetPackageEventsBadID(t *testing.T) {
	rec := doRequest(t, &fakeStore{}, http.MethodGet, "/v1/packages/abc/events", "", "42")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateTitle(t *testing.T) {
	store := &fakeStore{}
	rec := doRequest(t, store, http.MethodPatch, "/v1/packages/7/title", `{"title":"Camera lens"}`, "42")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(7), store.lastPackageID)
	require.Equal(t, "Camera lens", store.lastTitle)
}

func TestDeleteNotOwnedIs404(t *testing.T) {
	store := &fakeStore{opErr: tracker.ErrNotAuthorized}
	rec := doRequest(t, store, http.MethodDelete, "/v1/packages/7/", "", "42")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRenewPackage(t *testing.T) {
	store := &fakeStore{}
	rec := doRequest(t, store, http.MethodPost, "/v1/packages/7/renew", "", "42")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(7), store.lastPackageID)
	require.Equal(t, int64(42), store.lastUserID)
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	rec := doRequest(t, &fakeStore{}, http.MethodGet, "/healthz", "", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
