package logger

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	LoggerKey    contextKey = "logger"
	RequestIDKey contextKey = "request_id"

	// RequestIDHeader carries the request id in and out of the server.
	RequestIDHeader = "X-Request-ID"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context, falling back to the standard logger.
func FromContext(ctx context.Context) *logrus.Entry {
	if logger, ok := ctx.Value(LoggerKey).(*logrus.Entry); ok {
		return logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// EnsureRequestID returns the request's id header, assigning a new UUID when absent.
func EnsureRequestID(r *http.Request) string {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.New().String()
		r.Header.Set(RequestIDHeader, requestID)
	}
	return requestID
}

// WithRequest creates a logger entry with request information.
func WithRequest(logger *logrus.Logger, r *http.Request) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"request_id": EnsureRequestID(r),
		"method":     r.Method,
		"path":       r.URL.Path,
		"remote_ip":  getRemoteIP(r),
		"user_agent": r.UserAgent(),
	})
}

// RequestLoggerMiddleware puts a request-scoped logger in the context and
// logs one line per completed request.
func RequestLoggerMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			entry := WithRequest(logger, r)

			ctx := WithLogger(r.Context(), entry)
			ctx = WithRequestID(ctx, GetRequestIDFromEntry(entry))

			rw := NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			entry.WithFields(logrus.Fields{
				"status":      rw.StatusCode(),
				"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
			}).Debug("Request completed")
		})
	}
}

// GetRequestIDFromEntry reads the request_id field set by WithRequest.
func GetRequestIDFromEntry(entry *logrus.Entry) string {
	if id, ok := entry.Data["request_id"].(string); ok {
		return id
	}
	return ""
}

// getRemoteIP extracts the client IP, honouring proxy headers
func getRemoteIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

// ResponseWriter wraps http.ResponseWriter to capture status code
type ResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *ResponseWriter) StatusCode() int {
	return rw.statusCode
}
