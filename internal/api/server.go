// Package api exposes the HTTP interface for the engine.
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
	"go.uber.org/zap"

	"github.com/pinstash/engine/internal/config"
	"github.com/pinstash/engine/internal/engine"
	"github.com/pinstash/engine/internal/metrics"
)

// Coordinator is the acquisition entry point the API fronts.
type Coordinator interface {
	Acquire(ctx context.Context, sourceURL string, tier engine.QualityTier) (engine.CacheOutcome, error)
}

// Sweeper covers the background operations exposed as endpoints.
type Sweeper interface {
	CachePin(ctx context.Context, pinID int64, tier engine.QualityTier) (engine.CacheOutcome, error)
	Evict(ctx context.Context) (int, error)
}

// HealthMonitor covers the link health operations exposed as endpoints.
type HealthMonitor interface {
	Record(ctx context.Context, pinID int64) (engine.HealthRecord, error)
	CheckPin(ctx context.Context, pinID int64) (engine.HealthRecord, error)
	Sweep(ctx context.Context) (int, error)
}

// Server wires HTTP handlers to the coordinator, sweeper and monitor.
type Server struct {
	router      chi.Router
	coordinator Coordinator
	sweeper     Sweeper
	monitor     HealthMonitor
	cacheStore  engine.CacheStore
	logger      *zap.Logger
	cfg         config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	coordinator Coordinator,
	sweeper Sweeper,
	monitor HealthMonitor,
	cacheStore engine.CacheStore,
	logger *zap.Logger,
	cfg config.Config,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		coordinator: coordinator,
		sweeper:     sweeper,
		monitor:     monitor,
		cacheStore:  cacheStore,
		logger:      logger,
		cfg:         cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/cache", func(r chi.Router) {
			r.Post("/acquire", s.acquire)
			r.Get("/entry", s.getEntry)
			r.Post("/evict", s.evict)
		})
		r.Route("/pins/{pin_id}", func(r chi.Router) {
			r.Post("/cache", s.cachePin)
			r.Get("/health", s.getPinHealth)
			r.Post("/health/check", s.checkPinHealth)
		})
		r.Post("/health/sweep", s.healthSweep)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The stores answer every request; a cheap read proves they are wired.
	if _, _, err := s.cacheStore.Get(r.Context(), "https://readyz.invalid/probe.jpg", engine.TierLow); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) acquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	tier, err := s.tierOrDefault(req.QualityLevel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.coordinator.Acquire(r.Context(), req.SourceURL, tier)
	if err != nil {
		writeError(w, acquireErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	sourceURL := r.URL.Query().Get("source_url")
	if err := engine.ValidateSourceURL(sourceURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tier, err := s.tierOrDefault(r.URL.Query().Get("quality_level"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, ok, err := s.cacheStore.Get(r.Context(), sourceURL, tier)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cache lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "cache entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) evict(w http.ResponseWriter, r *http.Request) {
	evicted, err := s.sweeper.Evict(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"evicted": evicted})
}

func (s *Server) cachePin(w http.ResponseWriter, r *http.Request) {
	pinID, err := pinIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req cachePinRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	tier, err := s.tierOrDefault(req.QualityLevel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.sweeper.CachePin(r.Context(), pinID, tier)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pin not found")
			return
		}
		writeError(w, acquireErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getPinHealth(w http.ResponseWriter, r *http.Request) {
	pinID, err := pinIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.monitor.Record(r.Context(), pinID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pin has no outbound link")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) checkPinHealth(w http.ResponseWriter, r *http.Request) {
	pinID, err := pinIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.monitor.CheckPin(r.Context(), pinID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pin has no outbound link")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) healthSweep(w http.ResponseWriter, r *http.Request) {
	checked, err := s.monitor.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"checked": checked})
}

func (s *Server) tierOrDefault(raw string) (engine.QualityTier, error) {
	if raw == "" {
		raw = s.cfg.Cache.DefaultTier
	}
	if raw == "" {
		return engine.TierLow, nil
	}
	return engine.ParseQualityTier(raw)
}

func pinIDParam(r *http.Request) (int64, error) {
	pinID, err := strconv.ParseInt(chi.URLParam(r, "pin_id"), 10, 64)
	if err != nil || pinID <= 0 {
		return 0, errors.New("invalid pin id")
	}
	return pinID, nil
}

func acquireErrorStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	default:
		// Acquire only errors on invalid input; pipeline failures come back
		// as outcomes.
		return http.StatusBadRequest
	}
}

type acquireRequest struct {
	SourceURL    string `json:"source_url"`
	QualityLevel string `json:"quality_level"`
}

type cachePinRequest struct {
	QualityLevel string `json:"quality_level"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
