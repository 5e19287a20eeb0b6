package middleware

import (
	"net/http"

	"carebridge/pkg/errors"
	"carebridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached as the
// JSON error body. Client errors log at warn, everything else at error.
// Streams that already wrote headers (SSE) are left alone.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		fields := []interface{}{
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		}
		if id, ok := c.Request.Context().Value(logger.RequestIDKey).(string); ok {
			fields = append(fields, "request_id", id)
		}

		appErr := errors.GetAppError(err)
		if appErr == nil {
			log.Errorw("unhandled error", append(fields, "error", err)...)
			appErr = errors.WrapError(err, errors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
		} else {
			fields = append(fields, "code", appErr.Code, "status", appErr.HTTPStatus, "error", appErr.Error())
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				log.Errorw("request failed", fields...)
			} else {
				log.Warnw("request rejected", fields...)
			}
		}

		if c.Writer.Written() {
			return
		}
		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware turns a handler panic into a 500 and keeps the
// connection serving.
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorw("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()
		c.Next()
	}
}
