// Package router assembles the gateway's HTTP surface: the transport
// webhook, the signup redirect, the registration steps, and the ops
// endpoints, each behind the middleware its endpoint class requires.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/relaypoint-ai/wa-gateway/internal/http/handlers"
	httpmiddleware "github.com/relaypoint-ai/wa-gateway/internal/http/middleware"
	"github.com/relaypoint-ai/wa-gateway/internal/messaging"
	"github.com/relaypoint-ai/wa-gateway/internal/ratelimit"
	"github.com/relaypoint-ai/wa-gateway/internal/registration"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger *logging.Logger

	Webhook      *messaging.Handler
	Signup       *handlers.SignupHandler
	Registration *registration.Handler
	Health       *handlers.HealthHandler
	Stats        *handlers.StatsHandler
	Tasks        *handlers.TasksHandler
	Admin        *handlers.AdminHandler

	// Limiter and Rules drive the IP-keyed middleware limits; rules keyed
	// by phone or email are enforced inside the registration handlers once
	// the request body is decoded.
	Limiter *ratelimit.Limiter
	Rules   map[string]ratelimit.Rule

	APIKey         string
	AdminJWTSecret string

	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// New creates a new Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(httpmiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	rules := cfg.Rules
	if rules == nil {
		rules = ratelimit.DefaultRules()
	}
	limit := func(base chi.Router, rule string) chi.Router {
		if cfg.Limiter == nil {
			return base
		}
		return base.With(cfg.Limiter.Middleware(rules[rule]))
	}

	// Public endpoints. The webhook is guarded by the transport signature
	// and runs its own rate limit after the idempotency check, so it takes
	// no limiter middleware here.
	r.Group(func(public chi.Router) {
		if cfg.Webhook != nil {
			public.Post("/webhook", cfg.Webhook.Webhook)
		}
		if cfg.Signup != nil {
			limit(public, "signup").Get("/signup", cfg.Signup.Redirect)
		}
		if cfg.Health != nil {
			public.Get("/health", cfg.Health.Check)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Service endpoints behind the shared API key.
	r.Group(func(protected chi.Router) {
		protected.Use(httpmiddleware.RequireAPIKey(cfg.APIKey))

		if cfg.Registration != nil {
			protected.Post("/check_phone", cfg.Registration.CheckPhone)
			protected.Post("/check_email", cfg.Registration.CheckEmail)
			protected.Post("/create_account", cfg.Registration.CreateAccount)
			protected.Post("/send_email_otp", cfg.Registration.SendEmailOTP)
			protected.Post("/verify_email", cfg.Registration.VerifyEmail)
			limit(protected, "get_user_info").Post("/get_user_info", cfg.Registration.GetUserInfo)
		}
		if cfg.Stats != nil {
			protected.Get("/stats/load", cfg.Stats.Load)
		}
		if cfg.Tasks != nil {
			protected.Get("/tasks/{taskID}", cfg.Tasks.Get)
		}
	})

	// Ops endpoints behind the admin JWT.
	if cfg.Admin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminJWTSecret))

			admin.Get("/sequences/{identifier}", cfg.Admin.GetSequence)
			admin.Delete("/sequences/{identifier}", cfg.Admin.ClearSequence)
			admin.Post("/sequences/cleanup", cfg.Admin.CleanupSequences)
			admin.Get("/ratelimits/{rule}/{identifier}", cfg.Admin.InspectRateLimit)
			admin.Get("/messages", cfg.Admin.ListMessages)
		})
	}

	return r
}
