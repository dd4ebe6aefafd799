// Package api exposes the HTTP interface over the package store.
//
// Authentication is an external collaborator: the authenticated user id
// arrives in the X-User-ID header, and every store operation authorizes by
// ownership comparison only.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/parcelwatch/parcelwatch/internal/tracker"
)

// Server wires HTTP handlers to the package store.
type Server struct {
	router chi.Router
	store  tracker.Store
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store tracker.Store, logger *zap.Logger) *Server {
	s := &Server{
		store:  store,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/packages", func(r chi.Router) {
			r.Post("/", s.createPackage)
			r.Get("/", s.listPackages)
			r.Route("/{package_id}", func(r chi.Router) {
				r.Get("/events", s.getPackageEvents)
				r.Patch("/title", s.updateTitle)
				r.Delete("/", s.deletePackage)
				r.Post("/renew", s.renewPackage)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createPackageRequest struct {
	TrackingNumber string `json:"tracking_number"`
}

func (s *Server) createPackage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createPackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TrackingNumber == "" {
		writeError(w, http.StatusBadRequest, "tracking_number required")
		return
	}
	created, err := s.store.CreatePackage(r.Context(), userID, req.TrackingNumber)
	if err != nil {
		s.logger.Error("create package failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	if !created {
		writeError(w, http.StatusConflict, "already tracking this number")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"created": true})
}

func (s *Server) listPackages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	packages, now, err := s.store.ListPackages(r.Context(), userID)
	if err != nil {
		s.logger.Error("list packages failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if packages == nil {
		packages = []tracker.PackageSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"packages":    packages,
		"server_time": now,
	})
}

func (s *Server) getPackageEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	packageID, ok := packageParam(w, r)
	if !ok {
		return
	}
	events, err := s.store.GetPackageDetail(r.Context(), packageID, userID)
	if err != nil {
		s.storeError(w, "get package detail", err)
		return
	}
	if events == nil {
		events = []tracker.PackageEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type updateTitleRequest struct {
	Title string `json:"title"`
}

func (s *Server) updateTitle(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	packageID, ok := packageParam(w, r)
	if !ok {
		return
	}
	var req updateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.store.UpdateTitle(r.Context(), packageID, userID, req.Title); err != nil {
		s.storeError(w, "update title", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) deletePackage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	packageID, ok := packageParam(w, r)
	if !ok {
		return
	}
	if err := s.store.DeletePackage(r.Context(), packageID, userID); err != nil {
		s.storeError(w, "delete package", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) renewPackage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	packageID, ok := packageParam(w, r)
	if !ok {
		return
	}
	if err := s.store.RenewPackage(r.Context(), packageID, userID); err != nil {
		s.storeError(w, "renew package", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"renewed": true})
}

// storeError maps ownership failures to a bare 404; missing and not-owned
// packages are indistinguishable to the caller.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, tracker.ErrNotAuthorized) {
		writeError(w, http.StatusNotFound, "package not found")
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-ID")
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return 0, false
	}
	return userID, true
}

func packageParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "package_id")
	packageID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || packageID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid package id")
		return 0, false
	}
	return packageID, true
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
