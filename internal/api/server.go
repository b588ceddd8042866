// Package api serves the interview operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/elicit-dev/elicit/internal/cost"
	"github.com/elicit-dev/elicit/internal/interview"
	"github.com/elicit-dev/elicit/internal/storage"
	"github.com/elicit-dev/elicit/internal/types"
)

// UserHeader carries the caller identity. Authentication happens upstream.
const UserHeader = "X-User-ID"

const maxBodyBytes = 64 << 10

type contextKey int

const userIDKey contextKey = iota

// QuotaReporter reports per-user quota usage
type QuotaReporter interface {
	Stats(userID string) cost.UserStats
}

// Server holds the HTTP handlers
type Server struct {
	svc      *interview.Service
	quota    QuotaReporter
	datasets storage.InstanceStore
	logger   *zap.Logger
}

// NewServer creates a server. quota and datasets may be nil, in which case
// their routes are not mounted.
func NewServer(svc *interview.Service, quota QuotaReporter, datasets storage.InstanceStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, quota: quota, datasets: datasets, logger: logger}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireUser)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.startSession)
			r.Route("/{tabID}", func(r chi.Router) {
				r.Get("/", s.getStatus)
				r.Delete("/", s.closeSession)
				r.Post("/answers", s.submitAnswer)
				r.Post("/resume", s.resume)
			})
		})

		if s.quota != nil {
			r.Get("/quota", s.getQuota)
		}
		if s.datasets != nil {
			r.Get("/datasets", s.listDatasets)
			r.Get("/datasets/{datasetID}", s.getDataset)
		}
	})

	return r
}

// requireUser rejects requests without a caller identity
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			Error(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

// UserIDFromContext extracts the caller identity from the request context
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warn("request", fields...)
			return
		}
		s.logger.Debug("request", fields...)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// errorResponse is the body of a failed operation
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// writeError maps the error taxonomy onto HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	status, code, retryable := classify(err)
	JSON(w, status, errorResponse{Error: err.Error(), Code: code, Retryable: retryable})
}

func classify(err error) (status int, code string, retryable bool) {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest, "validation", false
	case errors.Is(err, types.ErrSessionNotFound), errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "not_found", false
	case errors.Is(err, types.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "quota_exceeded", false
	case errors.Is(err, types.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", true
	case errors.Is(err, types.ErrParse):
		return http.StatusUnprocessableEntity, "parse", true
	case errors.Is(err, types.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", true
	case errors.Is(err, types.ErrProvider):
		return http.StatusBadGateway, "provider", true
	case errors.Is(err, types.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", false
	default:
		return http.StatusInternalServerError, "internal", false
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %w", types.ErrValidation, err)
	}
	return nil
}
