// Package server exposes the generation cache over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/pario-ai/gencache/pkg/coordinator"
	"github.com/pario-ai/gencache/pkg/generator"
	"github.com/pario-ai/gencache/pkg/metrics"
	"github.com/pario-ai/gencache/pkg/models"
)

const maxBodyBytes = 64 << 10

// Cleaner runs an eviction pass over every managed tier.
type Cleaner interface {
	RunAll(ctx context.Context) ([]models.CleanupResult, error)
}

// Options wires a Server.
type Options struct {
	Listen      string
	Coordinator *coordinator.Coordinator
	Generator   generator.Generator
	Cleaner     Cleaner
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// Server is the gencache HTTP API.
type Server struct {
	opts     Options
	logger   *zap.Logger
	validate *validator.Validate
	router   chi.Router
}

// New creates a Server with all routes registered.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		opts:     opts,
		logger:   opts.Logger,
		validate: validator.New(),
		router:   chi.NewRouter(),
	}

	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/content", s.handleContent)
		r.Delete("/content", s.handleInvalidate)
		r.Get("/content/{key}/payload", s.handlePayload)
		r.Get("/stats", s.handleStats)
		r.Post("/cleanup", s.handleCleanup)
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gencache listening", zap.String("addr", s.opts.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.opts.Metrics.HTTPRequest(route, strconv.Itoa(status))
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeContentRequest(w, r)
	if !ok {
		return
	}

	if c, ok := s.opts.Generator.(generator.Catalog); ok && !c.Known(req.TemplateID) {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown template %q", req.TemplateID))
		return
	}

	res, err := s.opts.Coordinator.GetOrGenerate(r.Context(), coordinator.Request{
		TemplateID: req.TemplateID,
		Inputs:     req.Inputs,
		Variant:    req.Variant,
	}, s.opts.Generator)

	var genErr *coordinator.GenerationError
	switch {
	case errors.As(err, &genErr):
		writeJSON(w, http.StatusBadGateway, models.ContentResponse{
			Key:    genErr.Key,
			Status: models.StatusFailed,
			Error:  genErr.Detail,
		})
		return
	case err != nil:
		s.logger.Error("content request failed", zap.String("template", req.TemplateID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}

	if res.Outcome == coordinator.OutcomePending {
		since := res.PendingSince
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
		writeJSON(w, http.StatusAccepted, models.ContentResponse{
			Key:          res.Key,
			Status:       models.StatusPending,
			PendingSince: &since,
		})
		return
	}

	cacheHeader := "miss"
	switch res.Outcome {
	case coordinator.OutcomeHit:
		cacheHeader = "hit"
	case coordinator.OutcomeShared:
		cacheHeader = "shared"
	}
	w.Header().Set("X-Gencache", cacheHeader)
	writeJSON(w, http.StatusOK, contentResponse(res))
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeContentRequest(w, r)
	if !ok {
		return
	}
	if err := s.opts.Coordinator.Invalidate(r.Context(), req.TemplateID, req.Inputs, req.Variant); err != nil {
		s.logger.Error("invalidate failed", zap.String("template", req.TemplateID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid key")
		return
	}

	res, err := s.opts.Coordinator.Fetch(r.Context(), key)
	if errors.Is(err, coordinator.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "content not found")
		return
	}
	if err != nil {
		s.logger.Error("fetch failed", zap.String("key", key), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}

	body, contentType := res.Payload.Data, res.Payload.ContentType
	if len(body) == 0 {
		body, contentType = []byte(res.Payload.Text), "text/plain; charset=utf-8"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("X-Gencache", "hit")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Coordinator.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.opts.Cleaner == nil {
		writeJSONError(w, http.StatusNotImplemented, "cleanup not configured")
		return
	}
	results, err := s.opts.Cleaner.RunAll(r.Context())
	if err != nil {
		s.logger.Error("cleanup failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) decodeContentRequest(w http.ResponseWriter, r *http.Request) (*models.ContentRequest, bool) {
	var req models.ContentRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return nil, false
	}
	if err := s.validate.Struct(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, formatValidationError(err))
		return nil, false
	}
	return &req, true
}

func contentResponse(res *coordinator.Result) models.ContentResponse {
	rec := res.Record
	resp := models.ContentResponse{
		Key:       res.Key,
		Status:    rec.Status,
		SizeBytes: rec.SizeBytes,
	}
	if res.Outcome == coordinator.OutcomeHit {
		resp.Cache = string(res.Tier)
	}
	if !rec.ExpiresAt.IsZero() {
		expires := rec.ExpiresAt
		resp.ExpiresAt = &expires
	}
	if p := res.Payload; p != nil {
		resp.Text = p.Text
		if len(p.Data) > 0 {
			resp.PayloadURL = "/v1/content/" + url.PathEscape(res.Key) + "/payload"
			resp.ContentType = p.ContentType
		}
	}
	return resp
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	e := verrs[0]
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s", e.Field(), e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", e.Field(), e.Param())
	}
	return fmt.Sprintf("%s is invalid", e.Field())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"gencache_error","code":%d}}`, message, code)
}
