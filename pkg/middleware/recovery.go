package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/scopeq/scopeq/pkg/logger"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
)

// Recovery converts handler panics into internal server errors so one bad
// request cannot take the process down.
func Recovery(l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					l.ErrorWithContext(r.Context(), "handler panicked",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
					)
					serverErrors.EncodeJSON(w, serverErrors.NewInternalError("", fmt.Errorf("panic: %v", rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
