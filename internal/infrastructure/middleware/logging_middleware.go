package middleware

import (
	"net/http"
	"time"

	apperrors "lanvoice/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger logs every finished request at debug level and failed ones
// at warn.
func RequestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"remote_addr", c.ClientIP(),
			"duration", time.Since(start),
		}
		if len(c.Errors) > 0 {
			err := c.Errors.Last().Err
			fields = append(fields, "code", string(apperrors.CodeOf(err)), "error", err)
		}

		if c.Writer.Status() >= http.StatusBadRequest {
			logger.Warnw("request failed", fields...)
			return
		}
		logger.Debugw("request served", fields...)
	}
}

// RecoveryMiddleware turns a panicking handler into a 500 response.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(apperrors.ErrCodeInternal),
					"message": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
