package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/docfollow/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/docfollow/internal/http/middleware"
	"github.com/wolfman30/docfollow/internal/messaging"
	"github.com/wolfman30/docfollow/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger           *logging.Logger
	MessagingHandler *messaging.Handler
	FollowUpHandler  *handlers.FollowUpHandler
	CalendarHandler  *handlers.CalendarHandler
	DirectoryHandler *handlers.DirectoryHandler
	MetricsHandler   http.Handler

	DoctorAuthSecret   string
	AdminAuthSecret    string
	CORSAllowedOrigins []string

	// Requests per second and burst, per client IP on webhooks and per
	// doctor on the doctor API. Zero disables the limit.
	WebhookRate  float64
	WebhookBurst int
	DoctorRate   float64
	DoctorBurst  int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.DashboardCORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", handlers.Health)
		if cfg.MessagingHandler != nil {
			webhook := public
			if cfg.WebhookRate > 0 {
				webhook = public.With(httpmiddleware.RateLimit(cfg.WebhookRate, cfg.WebhookBurst))
			}
			webhook.Post("/webhooks/twilio", cfg.MessagingHandler.TwilioWebhook)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		// Google redirects the doctor's browser here without our token.
		if cfg.CalendarHandler != nil {
			public.Get("/oauth/google/callback", cfg.CalendarHandler.Callback)
		}
	})

	if cfg.FollowUpHandler != nil {
		doctorRoutes := func(doctor chi.Router) {
			doctor.Use(httpmiddleware.DoctorJWT(cfg.DoctorAuthSecret))
			if cfg.DoctorRate > 0 {
				doctor.Use(httpmiddleware.RateLimitBy(cfg.DoctorRate, cfg.DoctorBurst, httpmiddleware.DoctorKey))
			}
		}
		r.Route("/doctors/me", func(doctor chi.Router) {
			doctorRoutes(doctor)
			cfg.FollowUpHandler.Routes(doctor)
			if cfg.CalendarHandler != nil {
				doctor.Get("/calendar/connect", cfg.CalendarHandler.ConnectURL)
			}
		})
		// On-demand creation is also exposed at the top level.
		r.Group(func(doctor chi.Router) {
			doctorRoutes(doctor)
			doctor.Post("/followups", cfg.FollowUpHandler.Create)
		})
	}

	if cfg.DirectoryHandler != nil && cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			cfg.DirectoryHandler.Routes(admin)
		})
	}

	return r
}
