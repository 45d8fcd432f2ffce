package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// errorBody is the wire shape of one error.
type errorBody struct {
	Kind   Kind              `json:"kind"`
	Detail string            `json:"detail"`
	Fields map[string]string `json:"fields,omitempty"`
}

// ErrorEnvelope wraps an error for the response body.
type ErrorEnvelope struct {
	Error errorBody `json:"error"`
}

// NewEnvelope wraps err as the wire envelope. Internal causes never reach
// the body.
func NewEnvelope(err error) ErrorEnvelope {
	body := ErrorEnvelope{
		Error: errorBody{
			Kind:   ErrorKind(err),
			Detail: InternalServerErrorMsg,
		},
	}

	var apiErr *Error
	var internalErr InternalError
	switch {
	case errors.As(err, &apiErr):
		body.Error.Detail = apiErr.Error()
		body.Error.Fields = apiErr.FieldErrors()
	case errors.As(err, &internalErr):
		body.Error.Detail = internalErr.Error()
	}
	return body
}

// EncodeJSON writes err as the API error envelope with its mapped status
// code.
func EncodeJSON(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(NewEnvelope(err))
}
