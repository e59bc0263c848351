package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jwalitptl/palliative-api/internal/middleware"
	"github.com/jwalitptl/palliative-api/pkg/logger"
	"github.com/jwalitptl/palliative-api/pkg/metrics"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Router struct {
	engine   *gin.Engine
	auth     *middleware.AuthMiddleware
	health   Handler
	handlers []Handler
	metrics  *metrics.Metrics
	config   RouterConfig
}

type RouterConfig struct {
	RequestTimeout time.Duration
	// RateLimit is skipped when RPS is zero.
	RateLimit   middleware.RateLimiterConfig
	MetricsPath string
	// Gatherer backs the metrics endpoint; nil disables it.
	Gatherer prometheus.Gatherer
}

// NewRouter builds the engine. auth may be nil, in which case every route is
// public and the audit actor stays "system".
func NewRouter(
	log *logger.Logger,
	m *metrics.Metrics,
	auth *middleware.AuthMiddleware,
	health Handler,
	handlers []Handler,
	config RouterConfig,
) *Router {
	engine := gin.New()
	middleware.RegisterValidations()

	r := &Router{
		engine:   engine,
		auth:     auth,
		health:   health,
		handlers: handlers,
		metrics:  m,
		config:   config,
	}

	// Add core middlewares
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
		middleware.ErrorHandler(),
		r.metricsMiddleware(),
		middleware.Timeout(config.RequestTimeout),
	)

	if config.RateLimit.RPS > 0 {
		rateLimiter := middleware.NewRateLimiter(config.RateLimit)
		engine.Use(rateLimiter.RateLimit())
	}

	return r
}

func (r *Router) Setup() *gin.Engine {
	if r.config.Gatherer != nil {
		path := r.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.engine.GET(path, gin.WrapH(promhttp.HandlerFor(r.config.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.engine.Group("/api/v1")

	// Health check endpoints
	if r.health != nil {
		r.health.RegisterRoutes(api)
	}

	protected := api.Group("")
	if r.auth != nil {
		protected.Use(r.auth.Authenticate())
	}
	for _, h := range r.handlers {
		h.RegisterRoutes(protected)
	}
	return r.engine
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		r.metrics.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
