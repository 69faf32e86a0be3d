package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Middleware attaches a request-scoped logger to the gin context under
// "logger" and emits one completion line per request. Health probes are
// logged at debug so they don't drown the log stream.
func Middleware(base *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		reqLogger := base.WithRequestID(requestID)
		if userID, ok := c.Get("userId"); ok {
			if id, isString := userID.(string); isString {
				reqLogger = reqLogger.WithUserID(id)
			}
		}
		c.Set("logger", reqLogger)

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		path := c.Request.URL.Path
		if path == "/health" {
			reqLogger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", c.Writer.Status(),
				"latency_ms", latency.Milliseconds(),
			)
			return
		}

		reqLogger.LogRequest(c.Request.Method, path, c.Writer.Status(), latency)

		for _, ginErr := range c.Errors {
			reqLogger.LogError(ginErr.Err, "request error",
				"method", c.Request.Method,
				"path", path,
			)
		}
	}
}

// FromContext returns the request-scoped logger, or the global one when
// the middleware hasn't run
func FromContext(c *gin.Context) *Logger {
	if v, ok := c.Get("logger"); ok {
		if l, isLogger := v.(*Logger); isLogger {
			return l
		}
	}
	return GetGlobal()
}
