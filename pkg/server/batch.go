package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/scopeq/scopeq/internal/ast"
	"github.com/scopeq/scopeq/internal/executor"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
)

// maxBatchOperations bounds one batch request.
const maxBatchOperations = 25

// batchOperation is one entry of a batch request. IDs correlate results to
// operations; absent ids are assigned.
type batchOperation struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	ast.Envelope
}

type batchRequest struct {
	Operations []batchOperation `json:"operations"`
}

// batchResult is one operation's outcome. Exactly one of Result or Error is
// set.
type batchResult struct {
	ID     string                     `json:"id"`
	Status string                     `json:"status"`
	Result *executor.Result           `json:"result,omitempty"`
	Error  *serverErrors.ErrorEnvelope `json:"error,omitempty"`
}

type batchResponse struct {
	Results []batchResult `json:"results"`
}

// handleBatch executes several operations sequentially under one scope
// token. The batch stops at the first failed operation: its error is
// reported under the operation's id and the remainder is not executed.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		serverErrors.EncodeJSON(w, serverErrors.InvalidQuery("failed to read request body"))
		return
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var req batchRequest
	if err := dec.Decode(&req); err != nil {
		serverErrors.EncodeJSON(w, serverErrors.InvalidQuery(err.Error()))
		return
	}
	if len(req.Operations) == 0 {
		serverErrors.EncodeJSON(w, serverErrors.InvalidQuery("batch requires at least one operation"))
		return
	}
	if len(req.Operations) > maxBatchOperations {
		serverErrors.EncodeJSON(w, serverErrors.InvalidQuery("batch exceeds the maximum number of operations"))
		return
	}

	response := batchResponse{Results: make([]batchResult, 0, len(req.Operations))}
	for i := range req.Operations {
		op := &req.Operations[i]
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
		if op.Model == "" {
			serverErrors.EncodeJSON(w, serverErrors.InvalidQuery("batch operation is missing 'model'"))
			return
		}

		result, err := s.execute(r.Context(), op.Model, &op.Envelope)
		if err != nil {
			s.logError(r.Context(), err)
			response.Results = append(response.Results, batchResult{
				ID:     op.ID,
				Status: "error",
				Error:  errorEnvelope(err),
			})
			break
		}
		response.Results = append(response.Results, batchResult{
			ID:     op.ID,
			Status: "ok",
			Result: result,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func errorEnvelope(err error) *serverErrors.ErrorEnvelope {
	env := serverErrors.NewEnvelope(err)
	return &env
}
