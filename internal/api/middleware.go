package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"taskorch/internal/apperrors"
	"taskorch/internal/job"
	"taskorch/internal/observability"
	"time"
)

type requestInfoKey struct{}

// kindUnauthorized has no job error counterpart; only the API rejects callers.
const kindUnauthorized = "unauthorized"

// requestInfo is filled in by handlers and read back by the logging and
// metrics middleware once the response is written.
type requestInfo struct {
	status  int
	jobID   string
	kind    job.Kind
	errKind string
}

// instrument returns the request's info, attaching a fresh one and a status
// capturing writer when no outer middleware has.
func instrument(w http.ResponseWriter, r *http.Request) (http.ResponseWriter, *http.Request, *requestInfo) {
	if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
		return w, r, info
	}
	info := &requestInfo{status: http.StatusOK}
	r = r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info))
	return &statusWriter{ResponseWriter: w, info: info}, r, info
}

// annotateJob records the job a request concerned.
func annotateJob(r *http.Request, id string, kind job.Kind) {
	if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
		info.jobID = id
		if kind != "" {
			info.kind = kind
		}
	}
}

// annotateError records the kind of error a request failed with.
func annotateError(r *http.Request, err error) {
	if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
		info.errKind = apperrors.Kind(err)
	}
}

// LoggingMiddleware logs HTTP requests with the job they touched.
func LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			w, r, info := instrument(w, r)

			next.ServeHTTP(w, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", info.status,
				"duration", time.Since(start),
			}
			if info.jobID != "" {
				attrs = append(attrs, "jobId", info.jobID)
			}
			if info.kind != "" {
				attrs = append(attrs, "kind", info.kind)
			}
			if info.errKind != "" {
				attrs = append(attrs, "errorKind", info.errKind)
			}

			level := slog.LevelInfo
			if info.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			// Context-aware so trace_id and span_id are included.
			slog.Log(r.Context(), level, "HTTP request", attrs...)
		})
	}
}

// MetricsMiddleware records HTTP request metrics, labelled with the job kind
// when the handler resolved one.
func MetricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			w, r, info := instrument(w, r)

			next.ServeHTTP(w, r)

			metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, string(info.kind), info.status, time.Since(start).Seconds())
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					slog.ErrorContext(r.Context(), "Panic recovered", "error", err, "path", r.URL.Path)
					writeErrorBody(w, http.StatusInternalServerError, apperrors.Kind(apperrors.ErrInternal), "Internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// ContentTypeMiddleware rejects POST and PUT bodies that are not JSON.
func ContentTypeMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut {
				contentType := r.Header.Get("Content-Type")
				mediaType, _, _ := mime.ParseMediaType(contentType)
				if contentType != "" && mediaType != "application/json" {
					writeErrorBody(w, http.StatusUnsupportedMediaType, apperrors.Kind(apperrors.ErrValidation), "Content-Type must be application/json")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware adds CORS headers
func CORSMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware checks for "Authorization: Bearer <apiKey>".
// An empty apiKey disables it.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			switch {
			case scheme == "":
				denied(w, r, "Authorization header required")
			case !ok || !strings.EqualFold(scheme, "Bearer"):
				denied(w, r, "Invalid authorization header format")
			case subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1:
				denied(w, r, "Invalid API key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func denied(w http.ResponseWriter, r *http.Request, message string) {
	if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
		info.errKind = kindUnauthorized
	}
	writeErrorBody(w, http.StatusUnauthorized, kindUnauthorized, message)
}

// writeErrorBody writes the {"error","kind"} body every API error shares.
func writeErrorBody(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message, "kind": kind}); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}

// statusWriter records the response status into the request's info.
type statusWriter struct {
	http.ResponseWriter
	info *requestInfo
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.info.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
