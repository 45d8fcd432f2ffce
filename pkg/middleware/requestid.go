// Package middleware holds the HTTP middlewares the server composes around
// its handlers: request ids, scope tokens, authentication, logging and
// panic recovery.
package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scopeq/scopeq/pkg/id"
)

type ctxKey string

const (
	requestIDCtxKey = ctxKey("request-id")

	requestIDTraceKey = "request_id"

	// RequestIDHeader carries the assigned request id back to the client.
	RequestIDHeader = "X-Request-Id"
)

// RequestIDFromContext returns the request id assigned by RequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(requestIDCtxKey).(string)
	return requestID, ok
}

// RequestID assigns each request a ULID, exposes it on the context, the
// active span and the response headers. It must come after tracing and
// before logging.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, err := id.NewString()
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), requestIDCtxKey, requestID)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String(requestIDTraceKey, requestID))
		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
