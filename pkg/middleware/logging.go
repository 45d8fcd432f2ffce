package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scopeq/scopeq/pkg/logger"
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Logging logs one line per request after it completes.
func Logging(l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(recorder, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", recorder.status),
				zap.Duration("took", time.Since(start)),
			}
			if requestID, ok := RequestIDFromContext(r.Context()); ok {
				fields = append(fields, zap.String("request_id", requestID))
			}

			if recorder.status >= http.StatusInternalServerError {
				l.ErrorWithContext(r.Context(), "request failed", fields...)
				return
			}
			l.InfoWithContext(r.Context(), "request completed", fields...)
		})
	}
}
