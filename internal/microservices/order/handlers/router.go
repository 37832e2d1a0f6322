package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tableside/internal/common/logger"
	"tableside/internal/metrics"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterOptions struct {
	MaxConcurrent  int
	RequestTimeout time.Duration
	CORSOrigins    []string
	Metrics        *metrics.Registry
	Logger         *logger.Logger
	Health         map[string]Pinger
}

func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(opts.CORSOrigins))
	r.Use(requestLogger(opts.Logger, opts.Metrics))

	r.GET("/healthz", healthz(opts.Health))
	r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	api := r.Group("/api/:tenantId")
	api.Use(concurrencyLimiter(opts.MaxConcurrent, opts.Metrics))
	if opts.RequestTimeout > 0 {
		api.Use(requestTimeout(opts.RequestTimeout))
	}
	{
		api.POST("/orders", h.OrderHandler.SubmitItems)
		api.GET("/orders/:orderId", h.OrderHandler.GetOrder)
		api.PATCH("/orders/:orderId", h.OrderHandler.UpdateBilling)
		api.PATCH("/orders/:orderId/status", h.OrderHandler.SetStatus)
		api.GET("/orders/:orderId/timeline", h.OrderHandler.Timeline)
		api.GET("/sessions/:sessionId/order", h.OrderHandler.GetBySession)
	}
	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", idempotencyHeader},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func requestLogger(lg *logger.Logger, m *metrics.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-ID", reqID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		lg.Info("http_request", map[string]any{
			"request_id": reqID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}
}

// concurrencyLimiter rejects with 503 once limit requests are in flight.
func concurrencyLimiter(limit int, m *metrics.Registry) gin.HandlerFunc {
	if limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	sem := make(chan struct{}, limit)
	return func(c *gin.Context) {
		select {
		case sem <- struct{}{}:
		default:
			m.HTTPRejected.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "server busy, retry later",
				"code":  "Unavailable",
			})
			return
		}
		m.InFlight.Inc()
		defer func() {
			m.InFlight.Dec()
			<-sem
		}()
		c.Next()
	}
}

func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func healthz(checks map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		report := gin.H{}
		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": report})
	}
}
