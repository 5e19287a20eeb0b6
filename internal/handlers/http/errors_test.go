package http

import (
	"fmt"
	"net/http"
	"testing"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/services"
	"carebridge/pkg/circuitbreaker"
	"carebridge/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToAppError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   errors.ErrorCode
		status int
	}{
		{name: "invalid input", err: fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidInput), code: errors.ErrCodeInvalidInput, status: http.StatusBadRequest},
		{name: "missing cart", err: domain.ErrCartNotFound, code: errors.ErrCodeNotFound, status: http.StatusNotFound},
		{name: "patient admitting", err: domain.ErrNotProvider, code: errors.ErrCodeForbidden, status: http.StatusForbidden},
		{name: "visit ended", err: domain.ErrVisitEnded, code: errors.ErrCodeConflict, status: http.StatusConflict},
		{name: "cart locked", err: domain.ErrLockNotAcquired, code: errors.ErrCodeConflict, status: http.StatusConflict},
		{name: "unknown speed", err: domain.ErrUnknownSpeed, code: errors.ErrCodeUnprocessable, status: http.StatusUnprocessableEntity},
		{name: "rate breaker open", err: fmt.Errorf("fetch rates: %w", circuitbreaker.ErrOpen), code: errors.ErrCodeServiceUnavailable, status: http.StatusServiceUnavailable},
		{name: "expired token", err: services.ErrExpiredToken, code: errors.ErrCodeUnauthorized, status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := errors.GetAppError(toAppError(tt.err))
			require.NotNil(t, appErr)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.status, appErr.HTTPStatus)
			assert.ErrorIs(t, appErr, tt.err)
		})
	}
}

func TestToAppError_MarksRetryableFailures(t *testing.T) {
	for _, err := range []error{domain.ErrLockNotAcquired, circuitbreaker.ErrOpen} {
		appErr := errors.GetAppError(toAppError(err))
		require.NotNil(t, appErr)
		assert.Equal(t, true, appErr.Context["retryable"], err.Error())
	}
	assert.Empty(t, errors.GetAppError(toAppError(domain.ErrVisitEnded)).Context)
}

func TestToAppError_PassesThroughUnknownAndAppErrors(t *testing.T) {
	plain := fmt.Errorf("disk on fire")
	assert.Equal(t, plain, toAppError(plain))

	appErr := errors.NewInternalError("failed to generate token")
	assert.Same(t, appErr, toAppError(appErr))
}
