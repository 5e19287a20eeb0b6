package http

import (
	stderrors "errors"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/services"
	"carebridge/pkg/circuitbreaker"
	"carebridge/pkg/errors"

	"github.com/gin-gonic/gin"
)

// toAppError maps domain failures onto API errors. Anything unknown is left
// for ErrorHandlerMiddleware to report as an internal error.
func toAppError(err error) error {
	if errors.IsAppError(err) {
		return err
	}
	switch {
	case stderrors.Is(err, domain.ErrInvalidInput):
		return errors.NewInvalidInputError(err.Error()).WithCause(err)
	case stderrors.Is(err, domain.ErrVisitNotFound):
		return errors.NewNotFoundError("visit").WithCause(err)
	case stderrors.Is(err, domain.ErrCartNotFound):
		return errors.NewNotFoundError("cart").WithCause(err)
	case stderrors.Is(err, domain.ErrLineNotFound):
		return errors.NewNotFoundError("cart line").WithCause(err)
	case stderrors.Is(err, domain.ErrNotProvider):
		return errors.NewForbiddenError("provider role required").WithCause(err)
	case stderrors.Is(err, domain.ErrVisitEnded), stderrors.Is(err, domain.ErrSessionEnded):
		return errors.NewConflictError(err.Error()).WithCause(err)
	case stderrors.Is(err, domain.ErrLockNotAcquired):
		return errors.NewConflictError("cart is being updated, retry").WithCause(err).WithContext("retryable", true)
	case stderrors.Is(err, domain.ErrSpeedNotEnabled),
		stderrors.Is(err, domain.ErrUnknownSpeed),
		stderrors.Is(err, domain.ErrRatesNotLoaded):
		return errors.NewUnprocessableError(err.Error()).WithCause(err)
	case stderrors.Is(err, circuitbreaker.ErrOpen):
		return errors.NewServiceUnavailableError("rate service unavailable, retry later").WithCause(err).WithContext("retryable", true)
	case stderrors.Is(err, domain.ErrInvalidVisitToken),
		stderrors.Is(err, services.ErrInvalidToken),
		stderrors.Is(err, services.ErrExpiredToken),
		stderrors.Is(err, services.ErrUnauthorized):
		return errors.NewUnauthorizedError("unauthorized").WithCause(err)
	}
	return err
}

func abortWith(c *gin.Context, err error) {
	_ = c.Error(toAppError(err))
	c.Abort()
}
