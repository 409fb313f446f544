package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/perpgate/perpgate/internal/pkg/metrics"
)

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		// FullPath keeps the label cardinality bounded to declared routes.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPLatency.WithLabelValues(path, strconv.Itoa(c.Writer.Status())).Observe(duration)
	}
}
