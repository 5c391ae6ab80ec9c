package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Khin-96/Nova/internal/service"
	"github.com/Khin-96/Nova/pkg/health"
	"github.com/Khin-96/Nova/pkg/middleware"
)

// RouterConfig holds the handler-level settings the router needs.
type RouterConfig struct {
	Environment    string
	AllowedOrigins []string
	PprofCIDRs     []string
}

// NewRouter creates a chi router with all order payment routes registered.
func NewRouter(
	orderService *service.OrderService,
	healthHandler *health.Handler,
	cfg RouterConfig,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("orders"))
	r.Use(middleware.Tracing("orders"))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		Environment:    cfg.Environment,
	}))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// Pprof debug endpoints with IP allowlist.
	middleware.RegisterPprof(r, cfg.PprofCIDRs, logger)

	orderHandler := NewOrderHandler(orderService, logger)
	mpesaHandler := NewMpesaHandler(orderService, logger)

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Post("/", orderHandler.CreateOrder)
		r.Get("/", orderHandler.ListOrders)
		r.Get("/{orderID}", orderHandler.GetOrder)
		r.Put("/{orderID}/status", orderHandler.UpdateOrderStatus)
		r.Delete("/{orderID}", orderHandler.DeleteOrder)
	})

	r.Route("/api/v1/mpesa", func(r chi.Router) {
		// Daraja sends callbacks with whatever Content-Type it likes and
		// must always receive the ack, so /callback skips the JSON check.
		r.Post("/callback", mpesaHandler.Callback)

		r.Group(func(r chi.Router) {
			r.Use(ContentTypeJSON)
			r.Post("/stkpush", mpesaHandler.STKPush)
			r.Post("/query", mpesaHandler.Query)
		})
	})

	return r
}
