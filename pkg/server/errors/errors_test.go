package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scopeq/scopeq/pkg/storage"
)

func TestInternalErrorDontLeakInternals(t *testing.T) {
	err := NewInternalError("public", errors.New("internal"))

	require.NotContains(t, err.Error(), "internal")
}

func TestInternalErrorsWithNoMessageReturnsInternalServiceError(t *testing.T) {
	err := NewInternalError("", errors.New("internal"))

	require.Contains(t, err.Error(), InternalServerErrorMsg)
}

func TestInternalErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewInternalError("", cause)

	require.ErrorIs(t, err, cause)
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		expectedKind Kind
		expectedCode int
	}{
		{
			name:         "storage_not_found",
			err:          storage.ErrNotFound,
			expectedKind: KindNotFound,
			expectedCode: http.StatusNotFound,
		},
		{
			name:         "wrapped_storage_not_found",
			err:          fmt.Errorf("reading row: %w", storage.ErrNotFound),
			expectedKind: KindNotFound,
			expectedCode: http.StatusNotFound,
		},
		{
			name:         "deadline_exceeded",
			err:          context.DeadlineExceeded,
			expectedKind: KindTimeout,
			expectedCode: http.StatusGatewayTimeout,
		},
		{
			name:         "api_error_passes_through",
			err:          PermissionDenied("nope"),
			expectedKind: KindPermissionDenied,
			expectedCode: http.StatusForbidden,
		},
		{
			name:         "unclassified_is_internal",
			err:          errors.New("boom"),
			expectedKind: KindInternal,
			expectedCode: http.StatusInternalServerError,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := HandleError("app.Author", test.err)
			require.Equal(t, test.expectedKind, ErrorKind(got))
			require.Equal(t, test.expectedCode, HTTPStatus(got))
		})
	}
}

func TestValidationErrorCarriesFieldDetail(t *testing.T) {
	err := ValidationError("payload failed validation", map[string]string{
		"price": "expected a number",
	})

	require.Equal(t, http.StatusBadRequest, err.HTTPStatus())
	require.Equal(t, "expected a number", err.FieldErrors()["price"])
}

func TestActionNotAllowedMentionsActionAndModel(t *testing.T) {
	err := ActionNotAllowed("create", "app.Book")

	require.Contains(t, err.Error(), "create")
	require.Contains(t, err.Error(), "app.Book")
	require.Equal(t, http.StatusForbidden, err.HTTPStatus())
}
