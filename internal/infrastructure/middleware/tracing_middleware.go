package middleware

import (
	"net/http"
	"time"

	"lanvoice/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a server span around each relay request. On the
// websocket route the span lives as long as the participant stays attached.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		upgrade := websocket.IsWebSocketUpgrade(c.Request)

		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.remote_addr", c.ClientIP()),
			attribute.Bool("relay.websocket_upgrade", upgrade),
		)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Int64("relay.attached_ms", time.Since(start).Milliseconds()),
		)
		if status >= http.StatusBadRequest {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
