package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", http.StatusInternalServerError)

	assert.ErrorIs(t, err, originalErr)
	assert.Contains(t, err.Error(), "original error")
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	err.WithContext("field", "speed").WithContext("count", 42)

	assert.Equal(t, "speed", err.Context["field"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("bad"), ErrCodeInvalidInput, http.StatusBadRequest},
		{NewNotFoundError("visit"), ErrCodeNotFound, http.StatusNotFound},
		{NewUnauthorizedError("no"), ErrCodeUnauthorized, http.StatusUnauthorized},
		{NewForbiddenError("no"), ErrCodeForbidden, http.StatusForbidden},
		{NewConflictError("ended"), ErrCodeConflict, http.StatusConflict},
		{NewUnprocessableError("speed"), ErrCodeUnprocessable, http.StatusUnprocessableEntity},
		{NewInternalError("x"), ErrCodeInternal, http.StatusInternalServerError},
		{NewServiceUnavailableError("x"), ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
		})
	}
	assert.Equal(t, "visit not found", NewNotFoundError("visit").Message)
}

func TestGetAppError_Unwraps(t *testing.T) {
	appErr := NewNotFoundError("cart")
	wrapped := fmt.Errorf("load cart: %w", appErr)

	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Same(t, appErr, got)
	assert.True(t, IsAppError(wrapped))

	assert.Nil(t, GetAppError(errors.New("plain")))
	assert.Nil(t, GetAppError(nil))
	assert.False(t, IsAppError(nil))
}
