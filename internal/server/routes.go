package server

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/observability"
	"github.com/quotaguard/quotaguard/internal/server/handlers"
	servermw "github.com/quotaguard/quotaguard/internal/server/middleware"
)

// registerRoutes registers all HTTP routes. Anything not matched here is
// handed to the proxy.
func (s *Server) registerRoutes() {
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)

	// Metrics endpoint (in server package to access HandleError)
	s.router.Get("/metrics", MetricsHandler)

	s.registerAdminRoutes()

	if s.opts.Proxy != nil {
		s.router.Handle("/*", s.opts.Proxy)
	}
}

// registerAdminRoutes mounts the operator API when a token is configured.
func (s *Server) registerAdminRoutes() {
	logger := observability.Server()

	if s.opts.AdminToken == "" {
		logger.Debug("Admin API disabled (no QUOTAGUARD_ADMIN_TOKEN set)")
		return
	}

	limit := fmt.Sprintf("%.2f/s, burst %d", s.opts.AdminRateLimit, s.opts.AdminRateBurst)

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(servermw.Throttle(s.opts.AdminRateLimit, s.opts.AdminRateBurst))

		// signals.HTTPHandler performs its own bearer check.
		signalHandler := signals.NewHTTPHandler(signals.HTTPConfig{
			TokenAuth: s.opts.AdminToken,
			RateLimit: 10,
			RateBurst: 5,
			Manager:   nil,
		})
		r.Post("/signal", signalHandler.ServeHTTP)

		admin := s.opts.Admin
		if admin == nil {
			return
		}

		r.Group(func(r chi.Router) {
			r.Use(servermw.BearerAuth(s.opts.AdminToken))

			r.Get("/endpoints", admin.ListEndpoints)
			r.Get("/endpoint", admin.GetEndpoint)
			r.Patch("/endpoint", admin.UpdateEndpoint)
			r.Get("/analytics", admin.Analytics)
			r.Delete("/hits", admin.ResetHits)
			r.Get("/cache/stats", admin.CacheStats)
			r.Delete("/cache", admin.ClearCache)
			r.Get("/scheduler", admin.SchedulerSnapshot)
		})
	})

	logger.Info("Admin API enabled",
		zap.String("path", "/admin"),
		zap.String("auth", "bearer token"),
		zap.String("rate_limit", limit))
	logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
}
