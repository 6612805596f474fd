package api

import (
	"net/http"

	"github.com/ashureev/pamlink/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterConfig holds what NewRouter mounts.
type RouterConfig struct {
	Handler        *Handler
	Health         *HealthHandler
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
}

// NewRouter builds the control surface with global middleware and tracing.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	if cfg.Health != nil {
		cfg.Health.RegisterHealth(r)
	}
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if cfg.Handler != nil {
		cfg.Handler.RegisterRoutes(r)
	}

	return otelhttp.NewHandler(r, "pamlink.api")
}
