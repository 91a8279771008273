// Package api serves the job orchestration service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/admission"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/auth"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/metrics"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/middleware"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/ratelimit"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/service"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/tracing"
)

// Service is the facade the handlers call
type Service interface {
	Submit(ctx context.Context, sub admission.Submission) (string, error)
	GetStatus(id string) (models.JobView, error)
	GetResult(id string) (*service.Result, error)
	Cancel(id string) (models.JobView, error)
	Delete(ctx context.Context, id string) error
	ListJobs(status models.JobStatus) []models.JobView
	Stats() models.Stats
	System(ctx context.Context) service.SystemStatus
	ReloadEngine(ctx context.Context) (service.ReloadResult, error)
	Health() service.HealthStatus
}

// Config tunes the HTTP surface. Keys, Limiter, Metrics and Tracer are
// optional.
type Config struct {
	// MaxUploadSize caps the multipart body; admission applies the exact
	// file limit
	MaxUploadSize int64
	ReloadTimeout time.Duration
	Keys          *auth.KeySet
	Limiter       *ratelimit.Limiter
	Metrics       *metrics.Metrics
	Tracer        *tracing.Provider
}

// Handler holds the route handlers
type Handler struct {
	svc    Service
	config Config
	logger *logging.Logger
}

// NewHandler creates a handler
func NewHandler(svc Service, config Config, logger *logging.Logger) *Handler {
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = admission.DefaultMaxFileSize
	}
	if config.ReloadTimeout <= 0 {
		config.ReloadTimeout = 2 * time.Minute
	}
	return &Handler{svc: svc, config: config, logger: logger.Named("api")}
}

// Router builds the complete route tree with middleware
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID, middleware.Recover(h.logger), middleware.Logging(h.logger, "/health", "/metrics"))
	if h.config.Metrics != nil {
		r.Use(h.config.Metrics.Middleware)
	}
	if h.config.Tracer != nil {
		r.Use(h.config.Tracer.Middleware)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Unauthenticated routes
	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.config.Metrics != nil {
		r.Handle("/metrics", h.config.Metrics.Handler()).Methods("GET")
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(h.config.Keys.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	}))

	var submit http.Handler = http.HandlerFunc(h.Submit)
	if h.config.Limiter != nil {
		submit = h.config.Limiter.Middleware(ratelimit.APIKeyFunc, func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many submissions, slow down")
		})(submit)
	}
	v1.Handle("/upscale", submit).Methods("POST")

	v1.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	v1.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	v1.HandleFunc("/jobs/{id}", h.DeleteJob).Methods("DELETE")
	v1.HandleFunc("/jobs/{id}/result", h.GetResult).Methods("GET")
	v1.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")

	v1.HandleFunc("/stats", h.Stats).Methods("GET")
	v1.HandleFunc("/system", h.System).Methods("GET")
	v1.HandleFunc("/system/engine/reload", h.ReloadEngine).Methods("POST")
}

// Response wraps every successful JSON body
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error        bool      `json:"error"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	RequestID    string    `json:"request_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, message string, data interface{}) {
	writeJSON(w, status, Response{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:        true,
		ErrorCode:    code,
		ErrorMessage: message,
		RequestID:    middleware.GetRequestID(r),
		Timestamp:    time.Now().UTC(),
	})
}

// Status maps a service error to an HTTP status and error code
func Status(err error) (int, string) {
	var admissionErr *models.AdmissionError
	var storageErr *models.StorageError
	switch {
	case errors.As(err, &admissionErr):
		switch admissionErr.Reason {
		case models.ReasonPayloadTooLarge:
			return http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"
		case models.ReasonUnsupportedFormat:
			return http.StatusBadRequest, "UNSUPPORTED_FORMAT"
		case models.ReasonEmptyPayload:
			return http.StatusBadRequest, "EMPTY_PAYLOAD"
		default:
			return http.StatusBadRequest, "INVALID_PARAMS"
		}
	case errors.Is(err, models.ErrJobNotFound):
		return http.StatusNotFound, "JOB_NOT_FOUND"
	case errors.Is(err, models.ErrNotReady):
		return http.StatusConflict, "NOT_READY"
	case errors.Is(err, models.ErrJobActive):
		return http.StatusConflict, "JOB_ACTIVE"
	case errors.Is(err, models.ErrEngineNotReady):
		return http.StatusServiceUnavailable, "ENGINE_NOT_READY"
	case errors.Is(err, models.ErrPoolStopped):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.As(err, &storageErr):
		return http.StatusInternalServerError, "STORAGE_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Status(err)
	if status >= 500 {
		h.logger.Error("Request failed", logging.Fields{
			"path":       r.URL.Path,
			"error":      err,
			"request_id": middleware.GetRequestID(r),
		})
	}
	writeError(w, r, status, code, err.Error())
}
