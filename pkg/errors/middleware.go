package errors

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"jeghealth/backend/pkg/logger"
)

// errorBody renders an AppError as the wire format:
// {"error":{"code","message","details"}}
func errorBody(appErr *AppError) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
			"details": appErr.Details,
		},
	}
}

// ErrorHandler renders the first error attached to the context. Handlers
// call c.Error(err) and return; this middleware owns the response shape.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		appErr := FromError(c.Errors[0].Err)
		logger.FromContext(c).Error("request failed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status_code", appErr.StatusCode,
			"error_code", appErr.Code,
			"message", appErr.Message,
		)

		c.AbortWithStatusJSON(appErr.StatusCode, errorBody(appErr))
	}
}

// RecoveryWithLogger converts panics into 500 responses with a logged
// stack trace. Stack details reach the client only in debug mode.
func RecoveryWithLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}

			stack := string(debug.Stack())
			logger.FromContext(c).Error("panic recovered",
				"panic", r,
				"stack", stack,
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
			)

			appErr := NewInternalServerError("SERVER_ERROR", "The server encountered an unexpected error")
			if gin.Mode() == gin.DebugMode {
				appErr.WithDetails(stack)
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(appErr))
		}()

		c.Next()
	}
}
