package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hackgods/slot-allocation/internal/appointment"
	"github.com/hackgods/slot-allocation/internal/config"
)

type RouterConfig struct {
	Service      *appointment.Service
	Config       config.Config
	Logger       *zap.Logger
	Dependencies []Dependency
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := cfg.Service

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-User-ID", "X-User-Role"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	}))
	r.Use(IdentityMiddleware(cfg.Config.JWTSecret, cfg.Config.DevAuth()))
	r.Use(LoggingMiddleware(logger.Named("http")))

	// Health endpoints
	health := NewHealthHandler(cfg.Dependencies, cfg.Config.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Availability endpoints
	r.Route("/availability", func(r chi.Router) {
		r.Get("/", listWindowsHandler(svc))
		r.Post("/", createWindowHandler(svc))
		r.Delete("/{id}", deleteWindowHandler(svc))
	})
	r.Get("/candidates", candidatesHandler(svc))

	// Booking endpoints; writes that commit slots are rate limited
	limit := func(next http.Handler) http.Handler { return next }
	if cfg.Config.RateLimitRPS > 0 {
		limit = NewRateLimiter(cfg.Config.RateLimitRPS, cfg.Config.RateLimitBurst, logger.Named("ratelimit")).Middleware
	}

	r.Route("/bookings", func(r chi.Router) {
		r.Get("/", listBookingsHandler(svc))
		r.With(limit).Post("/", createBookingHandler(svc))
		r.Get("/{id}", getBookingHandler(svc))
		r.Patch("/{id}", updateBookingHandler(svc))
		r.With(limit).Patch("/{id}/reschedule", rescheduleBookingHandler(svc))
		r.Delete("/{id}", cancelBookingHandler(svc))
		r.Patch("/{id}/status", setStatusHandler(svc))
		r.Post("/{id}/archive", archiveBookingHandler(svc))
	})

	return r
}
