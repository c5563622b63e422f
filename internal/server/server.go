// Package server exposes conversion jobs over HTTP. Jobs are enqueued on
// creation and executed by a queue worker; progress is pushed to websocket
// watchers through a Hub.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/raphaelgruber/moduleconv/internal/conversion"
	"github.com/raphaelgruber/moduleconv/internal/llm"
	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/raphaelgruber/moduleconv/internal/queue"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

// Conversions is the job API served over HTTP.
// *conversion.Service implements it.
type Conversions interface {
	CreateConversion(ctx context.Context, req conversion.CreateRequest) (*models.ConversionJob, error)
	GetConversion(ctx context.Context, id string) (*models.ConversionJob, error)
	ListConversions(ctx context.Context, opts ...conversion.ListOption) ([]models.ConversionJob, int, error)
	GetSteps(ctx context.Context, id string) ([]models.ConversionStep, error)
	CancelConversion(ctx context.Context, id string) (bool, error)
	RetryConversion(ctx context.Context, id string) (*models.ConversionJob, error)
}

// ProviderTester checks a stored provider configuration.
// *llm.Orchestrator implements it.
type ProviderTester interface {
	TestConnection(ctx context.Context, configID string) (bool, error)
}

// Server routes HTTP requests to the conversion service.
type Server struct {
	conversions Conversions
	providers   ProviderTester
	queue       queue.Producer
	hub         *Hub
	metrics     http.Handler
	logger      *slog.Logger
	router      chi.Router
}

// Option customizes a Server.
type Option func(*Server)

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the request logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the router. hub must be registered as an observer on the
// service backing conversions for watchers to receive updates.
func New(conversions Conversions, providers ProviderTester, producer queue.Producer, hub *Hub, opts ...Option) *Server {
	s := &Server{
		conversions: conversions,
		providers:   providers,
		queue:       producer,
		hub:         hub,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.logger))

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/conversions", func(r chi.Router) {
		r.Post("/", s.createConversion)
		r.Get("/", s.listConversions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getConversion)
			r.Get("/steps", s.getSteps)
			r.Post("/cancel", s.cancelConversion)
			r.Post("/retry", s.retryConversion)
			r.Get("/watch", s.watchConversion)
		})
	})
	r.Get("/providers/{id}/test", s.testProvider)

	s.router = r
}

// CreateConversionRequest is the body of POST /conversions.
type CreateConversionRequest struct {
	TemplateID       string         `json:"template_id"`
	Source           models.Source  `json:"source"`
	ProviderConfigID string         `json:"provider_config_id,omitempty"`
	StagingTargetID  string         `json:"staging_target_id,omitempty"`
	InputData        map[string]any `json:"input_data,omitempty"`
	TenantID         string         `json:"tenant_id,omitempty"`
	CreatedBy        string         `json:"created_by,omitempty"`
}

// RetryConversionRequest is the optional body of POST /conversions/{id}/retry.
type RetryConversionRequest struct {
	StagingTargetID string `json:"staging_target_id,omitempty"`
}

// ListConversionsResponse is the body of GET /conversions.
type ListConversionsResponse struct {
	Conversions []models.ConversionJob `json:"conversions"`
	Total       int                    `json:"total"`
	Limit       int                    `json:"limit"`
	Offset      int                    `json:"offset"`
}

// StepsResponse is the body of GET /conversions/{id}/steps.
type StepsResponse struct {
	Steps []models.ConversionStep `json:"steps"`
}

// CancelResponse is the body of POST /conversions/{id}/cancel.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ProviderTestResponse is the body of GET /providers/{id}/test.
type ProviderTestResponse struct {
	ConfigID string `json:"config_id"`
	OK       bool   `json:"ok"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) createConversion(w http.ResponseWriter, r *http.Request) {
	var req CreateConversionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job, err := s.conversions.CreateConversion(r.Context(), conversion.CreateRequest{
		TemplateID:       req.TemplateID,
		Source:           req.Source,
		ProviderConfigID: req.ProviderConfigID,
		InputData:        req.InputData,
		TenantID:         req.TenantID,
		CreatedBy:        req.CreatedBy,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.enqueue(w, r, job, req.StagingTargetID)
}

// enqueue publishes job and answers 202. A job that cannot be enqueued is
// cancelled so it does not linger as pending.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, job *models.ConversionJob, stagingTargetID string) {
	msg := queue.Message{JobID: job.ID, StagingTargetID: stagingTargetID}
	if err := s.queue.Publish(r.Context(), msg); err != nil {
		s.logger.Error("failed to enqueue conversion", "job_id", job.ID, "error", err)
		if _, cerr := s.conversions.CancelConversion(context.WithoutCancel(r.Context()), job.ID); cerr != nil {
			s.logger.Warn("failed to cancel unqueued conversion", "job_id", job.ID, "error", cerr)
		}
		writeError(w, http.StatusServiceUnavailable, "conversion could not be queued")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) listConversions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), store.DefaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	opts := []conversion.ListOption{conversion.WithPage(limit, offset)}
	if v := q.Get("status"); v != "" {
		opts = append(opts, conversion.WithStatus(models.ConversionStatus(v)))
	}
	if v := q.Get("tenant_id"); v != "" {
		opts = append(opts, conversion.WithTenant(v))
	}
	if v := q.Get("template_id"); v != "" {
		opts = append(opts, conversion.WithTemplate(v))
	}

	jobs, total, err := s.conversions.ListConversions(r.Context(), opts...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.ConversionJob{}
	}
	writeJSON(w, http.StatusOK, ListConversionsResponse{Conversions: jobs, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) getConversion(w http.ResponseWriter, r *http.Request) {
	job, err := s.conversions.GetConversion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) getSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.conversions.GetSteps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if steps == nil {
		steps = []models.ConversionStep{}
	}
	writeJSON(w, http.StatusOK, StepsResponse{Steps: steps})
}

func (s *Server) cancelConversion(w http.ResponseWriter, r *http.Request) {
	ok, err := s.conversions.CancelConversion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "conversion cannot be cancelled")
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: true})
}

func (s *Server) retryConversion(w http.ResponseWriter, r *http.Request) {
	var req RetryConversionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	job, err := s.conversions.RetryConversion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.enqueue(w, r, job, req.StagingTargetID)
}

func (s *Server) testProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.providers.TestConnection(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProviderTestResponse{ConfigID: id, OK: ok})
}

// writeServiceError maps service sentinels to status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, llm.ErrConfigNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversion.ErrInvalidRequest),
		errors.Is(err, conversion.ErrTemplateInactive),
		errors.Is(err, conversion.ErrTargetInactive):
		return http.StatusBadRequest
	case errors.Is(err, conversion.ErrNotRetryable),
		errors.Is(err, store.ErrJobTerminal),
		errors.Is(err, conversion.ErrJobNotPending):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
