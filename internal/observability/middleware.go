package observability

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http_request")
	}
}

func RequestMetricsMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		RecordHTTPRequest(service, c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// NewRouter serves /health and /metrics. status, when set, is embedded in
// the health response.
func NewRouter(service string, logger zerolog.Logger, status func() any) *gin.Engine {
	RegisterMetrics()
	startedAt := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(RequestMetricsMiddleware(service))

	r.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"status":  "ok",
			"uptime":  time.Since(startedAt).String(),
			"service": service,
		}
		if status != nil {
			body["detail"] = status()
		}
		c.JSON(http.StatusOK, body)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
