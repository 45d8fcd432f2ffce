// Package health exposes the readiness endpoint backed by the datastore.
package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/scopeq/scopeq/pkg/storage"
)

// ReadinessReporter is the slice of the datastore the endpoint consumes.
type ReadinessReporter interface {
	IsReady(ctx context.Context) (storage.ReadinessStatus, error)
}

type checker struct {
	store ReadinessReporter
}

type response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHandler returns an http.Handler that reports 200 when the datastore
// is reachable and migrated, 503 otherwise.
func NewHandler(store ReadinessReporter) http.Handler {
	return &checker{store: store}
}

func (c *checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status, err := c.store.IsReady(r.Context())
	if err != nil || !status.IsReady {
		body := response{Status: "unavailable", Message: status.Message}
		if err != nil && body.Message == "" {
			body.Message = err.Error()
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(body)
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response{Status: "ok"})
}
