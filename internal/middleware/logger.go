package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

func Logger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		attrs := []any{
			"request_id", c.GetString(requestIDKey),
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if identity := IdentityFrom(c); identity != nil && identity.IsCustomer() {
			attrs = append(attrs, "customer", identity.Customer().Name)
		}

		logger.Info("request", attrs...)
	}
}
