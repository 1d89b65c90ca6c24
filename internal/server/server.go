// Package server exposes the data layer over HTTP: feature queries for the
// shadow consumer, the recompute-gate decision endpoints, and stats.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shadowmap/datalayer/internal/fetch"
	"github.com/shadowmap/datalayer/internal/gate"
	"github.com/shadowmap/datalayer/internal/health"
	"github.com/shadowmap/datalayer/internal/middleware"
	"github.com/shadowmap/datalayer/internal/model"
	"github.com/shadowmap/datalayer/internal/observability"
	"github.com/shadowmap/datalayer/internal/upstream"
)

// FeatureProvider answers viewport queries and reports cache statistics.
type FeatureProvider interface {
	GetFeatures(ctx context.Context, bounds model.BoundingBox, zoom float64) ([]model.Feature, error)
	Stats() fetch.Stats
}

// DecisionGate is the recompute gate the consumer consults before running
// the expensive downstream calculation.
type DecisionGate interface {
	ShouldRecalculate(view model.ViewState, date time.Time, featureCount int) gate.Decision
	Record(view model.ViewState, date time.Time, featureCount int)
}

type Server struct {
	logger   *slog.Logger
	provider FeatureProvider
	gate     DecisionGate
}

func New(logger *slog.Logger, provider FeatureProvider, g DecisionGate) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger, provider: provider, gate: g}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/features", s.instrument("/features", s.handleFeatures))
	r.Post("/decision", s.instrument("/decision", s.handleDecision))
	r.Post("/decision/record", s.instrument("/decision/record", s.handleRecord))
	r.Get("/stats", s.instrument("/stats", s.handleStats))
	return r
}

// Run serves routes on cfg.Addr until ctx is done, then drains.
func Run(ctx context.Context, addr string, shutdownDeadline time.Duration, logger *slog.Logger, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	bounds, err := parseBBox(r.URL.Query().Get("bbox"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	zoom, err := parseZoom(r.URL.Query().Get("zoom"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	feats, err := s.provider.GetFeatures(r.Context(), bounds, zoom)
	switch {
	case err == nil:
	case errors.Is(err, upstream.ErrMalformedPayload):
		s.logger.Error("upstream contract violation", "bounds", bounds.String(), "err", err)
		http.Error(w, "upstream returned a malformed payload", http.StatusBadGateway)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "request cancelled", 499)
		return
	default:
		s.logger.Error("feature query failed", "bounds", bounds.String(), "err", err)
		http.Error(w, "feature query failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, model.NewFeatureCollection(feats))
}

type decisionRequest struct {
	View         model.ViewState `json:"view"`
	Date         time.Time       `json:"date"`
	FeatureCount int             `json:"featureCount"`
}

func (r decisionRequest) validate() error {
	if !r.View.Bounds.Valid() {
		return errors.New("view.bounds is invalid")
	}
	if r.Date.IsZero() {
		return errors.New("date is required")
	}
	if r.FeatureCount < 0 {
		return errors.New("featureCount must be >= 0")
	}
	return nil
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDecision(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dec := s.gate.ShouldRecalculate(req.View, req.Date, req.FeatureCount)
	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDecision(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.gate.Record(req.View, req.Date, req.FeatureCount)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Stats())
}

func decodeDecision(r *http.Request) (decisionRequest, error) {
	var req decisionRequest
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&req); err != nil {
		return decisionRequest{}, fmt.Errorf("decode request: %w", err)
	}
	if err := req.validate(); err != nil {
		return decisionRequest{}, err
	}
	return req, nil
}

// parseBBox accepts "west,south,east,north" in EPSG:4326 degrees.
func parseBBox(raw string) (model.BoundingBox, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.BoundingBox{}, errors.New("missing required parameter: bbox")
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return model.BoundingBox{}, errors.New("bbox expects 4 comma-separated values: west,south,east,north")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return model.BoundingBox{}, fmt.Errorf("bbox value %d: %w", i+1, err)
		}
		vals[i] = f
	}
	b := model.BoundingBox{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}
	if !b.Valid() {
		return model.BoundingBox{}, errors.New("bbox must satisfy east>west, north>south within valid ranges")
	}
	return b, nil
}

func parseZoom(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("missing required parameter: zoom")
	}
	z, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("zoom: %w", err)
	}
	if z < 0 || z > 24 {
		return 0, errors.New("zoom must be in [0,24]")
	}
	return z, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
