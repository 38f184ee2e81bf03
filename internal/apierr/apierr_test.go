package apierr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"marginalia/internal/auth"
	"marginalia/internal/store"
	"marginalia/internal/validation"
)

func TestMap(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "domain error", err: Duplicate(), status: http.StatusConflict, code: CodeDuplicate},
		{name: "wrapped domain error", err: fmt.Errorf("create: %w", AccessDenied()), status: http.StatusForbidden, code: CodeAccessDenied},
		{name: "no rows", err: sql.ErrNoRows, status: http.StatusNotFound, code: CodeNotFound},
		{name: "store miss", err: fmt.Errorf("get: %w", store.ErrNotFound), status: http.StatusNotFound, code: CodeNotFound},
		{name: "store duplicate", err: store.ErrDuplicate, status: http.StatusConflict, code: CodeDuplicate},
		{name: "auth failure", err: fmt.Errorf("%w: expired", auth.ErrAuthFailure), status: http.StatusUnauthorized, code: CodeUnauthorized},
		{name: "deadline", err: fmt.Errorf("insert: %w", context.DeadlineExceeded), status: http.StatusServiceUnavailable, code: CodeStore},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError, code: CodeServer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code, message, _ := Map(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
			assert.NotContains(t, message, "boom")
		})
	}
}

func TestStoreFailureUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := StoreFailure(cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, CodeStore))
	assert.False(t, Is(err, CodeNotFound))
}

func TestFromValidation(t *testing.T) {
	type payload struct {
		DocumentID string `json:"documentId" validate:"required"`
	}
	err := FromValidation(validation.ValidateStruct(payload{}))
	assert.Equal(t, CodeValidation, err.Code)
	violations, ok := err.Details.([]validation.Violation)
	if assert.True(t, ok) && assert.Len(t, violations, 1) {
		assert.Equal(t, "documentId", violations[0].Field)
	}
}
