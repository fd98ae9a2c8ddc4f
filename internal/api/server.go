package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crowdpulse/internal/catalog"
	"github.com/JakeFAU/crowdpulse/internal/crowd"
	"github.com/JakeFAU/crowdpulse/internal/metrics"
	"github.com/JakeFAU/crowdpulse/internal/routing"
)

// Runner refreshes a city.
type Runner interface {
	Run(ctx context.Context, city string) (crowd.MergedCityResult, error)
}

// ResultReader returns the stored result for a city.
type ResultReader interface {
	CityResult(ctx context.Context, city string) (crowd.MergedCityResult, error)
}

// Options tunes the server.
type Options struct {
	// RefreshTimeout bounds one refresh request. Zero uses ten minutes.
	RefreshTimeout time.Duration
}

// Server wires HTTP handlers to the pipeline and the gateway.
type Server struct {
	router  chi.Router
	runner  Runner
	results ResultReader
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner Runner, results ResultReader, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Minute
	}
	s := &Server{runner: runner, results: results, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/cities/{city}", func(r chi.Router) {
		r.Get("/", s.getCity)
		r.Post("/refresh", s.refreshCity)
		r.Get("/items/{item}/nearby", s.nearby)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil || s.results == nil {
		s.writeError(w, http.StatusServiceUnavailable, "pipeline not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getCity(w http.ResponseWriter, r *http.Request) {
	city, ok := s.cityParam(w, r)
	if !ok {
		return
	}
	result, err := s.results.CityResult(r.Context(), city)
	if errors.Is(err, crowd.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no results for city")
		return
	}
	if err != nil {
		s.logger.Error("read city result failed", zap.String("city", city), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read city result")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// nearby returns the two stored items closest to {item}, which is matched by
// catalog id first and place key second.
func (s *Server) nearby(w http.ResponseWriter, r *http.Request) {
	city, ok := s.cityParam(w, r)
	if !ok {
		return
	}
	ref := strings.TrimSpace(chi.URLParam(r, "item"))
	if unescaped, err := url.PathUnescape(ref); err == nil {
		ref = unescaped
	}
	result, err := s.results.CityResult(r.Context(), city)
	if errors.Is(err, crowd.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no results for city")
		return
	}
	if err != nil {
		s.logger.Error("read city result failed", zap.String("city", city), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read city result")
		return
	}

	start, found := findItem(result.Items, ref)
	if !found {
		s.writeError(w, http.StatusNotFound, "no such item")
		return
	}
	stops, err := routing.ClosestTwo(start, result.Items)
	if errors.Is(err, routing.ErrNoLocation) {
		s.writeError(w, http.StatusUnprocessableEntity, "item has no location")
		return
	}
	if err != nil {
		s.logger.Error("rank nearby items failed", zap.String("city", city), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to rank nearby items")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"item": start, "nearby": stops})
}

func findItem(items []crowd.MergedItem, ref string) (crowd.MergedItem, bool) {
	for _, item := range items {
		if item.Entry.ID != "" && item.Entry.ID == ref {
			return item, true
		}
	}
	key := crowd.NormalizePlaceKey(ref)
	for _, item := range items {
		if item.PlaceKey.Normalized() == key {
			return item, true
		}
	}
	return crowd.MergedItem{}, false
}

func (s *Server) refreshCity(w http.ResponseWriter, r *http.Request) {
	city, ok := s.cityParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RefreshTimeout)
	defer cancel()

	result, err := s.runner.Run(ctx, city)
	if err != nil {
		status := statusFor(err)
		s.logger.Warn("refresh failed", zap.String("city", city), zap.Int("status", status), zap.Error(err))
		s.writeError(w, status, refreshMessage(status))
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// refreshMessage is the client-facing text for a failed refresh. Error
// chains can carry DSNs and upstream URLs, so they stay in the log.
func refreshMessage(status int) string {
	switch status {
	case http.StatusNotFound:
		return "unknown city"
	case http.StatusBadGateway:
		return "catalog provider error"
	case http.StatusServiceUnavailable:
		return "scraping session unavailable"
	case http.StatusGatewayTimeout:
		return "refresh timed out"
	default:
		return "refresh failed"
	}
}

func (s *Server) cityParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	city := strings.TrimSpace(chi.URLParam(r, "city"))
	if city == "" {
		s.writeError(w, http.StatusBadRequest, "city is required")
		return "", false
	}
	return city, true
}

// statusFor maps pipeline failures onto HTTP statuses.
func statusFor(err error) int {
	var httpErr *catalog.HTTPError
	switch {
	case errors.Is(err, catalog.ErrUnknownCity):
		return http.StatusNotFound
	case errors.As(err, &httpErr):
		return http.StatusBadGateway
	case errors.Is(err, crowd.ErrSessionUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
