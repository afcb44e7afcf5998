package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/admission"
	"github.com/exportkit-io/exportkit/internal/auth"
	"github.com/exportkit-io/exportkit/internal/authgate"
	"github.com/exportkit-io/exportkit/internal/health"
	"github.com/exportkit-io/exportkit/internal/objectstore"
	"github.com/exportkit-io/exportkit/internal/ratelimit"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

// Server holds the handlers and cross-cutting state the router dispatches
// to. It is distinct from RouterConfig: RouterConfig is the constructor's
// input, Server is what survives after wiring.
type Server struct {
	health *health.Checker
}

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.AuthService
	Gate        *authgate.Gate
	Limiter     *ratelimit.Limiter
	LoopGuard   *ratelimit.LoopGuard
	Admitter    *admission.Admitter
	Store       *objectstore.Store
	Health      *health.Checker
	Logger      *zap.Logger

	Tenants       repositories.TenantRepository
	Credentials   repositories.CredentialRepository
	Jobs          repositories.JobRepository
	Schedules     repositories.ScheduleRepository
	Audit         repositories.AuditRepository
	Users         repositories.DashboardUserRepository
	OIDCProviders repositories.OIDCProviderRepository

	// Secure controls whether auth cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router. Tenant
// resources live under /api/v1 behind the credential gate; the internal
// operator dashboard surface lives alongside it behind JWT auth; /health is
// the sole unauthenticated route.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	srv := &Server{health: cfg.Health}

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationID)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", srv.handleHealth)

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	userHandler := NewUserHandler(cfg.Users, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.OIDCProviders, cfg.Logger)

	keyHandler := NewKeyHandler(cfg.Credentials, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Tenants, cfg.Admitter, cfg.LoopGuard, cfg.Store, cfg.Logger)
	scheduleHandler := NewScheduleHandler(cfg.Schedules, cfg.Credentials, cfg.Logger)
	accountHandler := NewAccountHandler(cfg.Tenants, cfg.Jobs, cfg.Credentials, cfg.Audit, cfg.Store, cfg.Logger)

	jwtMgr := cfg.AuthService.JWTManager()

	// --- Tenant API surface, credential-gated ---
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(CredentialGate(cfg.Gate))
			r.Use(RateLimit(cfg.Limiter, ratelimit.TierGeneral))

			r.Route("/jobs", func(r chi.Router) {
				r.With(RequireScope(authgate.ScopeWrite), RateLimit(cfg.Limiter, ratelimit.TierExportCreation)).
					Post("/", jobHandler.Create)
				r.With(RequireScope(authgate.ScopeRead)).Get("/", jobHandler.List)
				r.With(RequireScope(authgate.ScopeRead)).Get("/{id}", jobHandler.GetByID)
				r.With(RequireScope(authgate.ScopeRead), RateLimit(cfg.Limiter, ratelimit.TierDownload)).
					Get("/{id}/download", jobHandler.Download)
			})

			r.Route("/keys", func(r chi.Router) {
				r.Use(RequireScope(authgate.ScopeAdmin))
				r.Post("/", keyHandler.Create)
				r.Get("/", keyHandler.List)
				r.Patch("/{id}", keyHandler.Patch)
				r.Delete("/{id}", keyHandler.Delete)
			})

			r.Route("/schedules", func(r chi.Router) {
				r.Use(RequireScope(authgate.ScopeAdmin))
				r.Post("/", scheduleHandler.Create)
				r.Get("/", scheduleHandler.List)
				r.Patch("/{id}", scheduleHandler.Patch)
				r.Delete("/{id}", scheduleHandler.Delete)
			})

			r.With(RequireScope(authgate.ScopeRead)).Get("/audit-logs", accountHandler.AuditLogs)

			r.Route("/account", func(r chi.Router) {
				r.Use(RequireScope(authgate.ScopeAdmin))
				r.Get("/data-export", accountHandler.DataExport)
				r.Delete("/", accountHandler.Delete)
			})
		})

		// --- Internal dashboard surface, JWT-authenticated ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
			r.Get("/auth/oidc/login", authHandler.OIDCLogin)
			r.Get("/auth/oidc/callback", authHandler.OIDCCallback)
		})

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			r.Post("/auth/logout", authHandler.Logout)

			r.Get("/users/me", userHandler.GetMe)
			r.Patch("/users/me", userHandler.UpdateMe)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))

				r.Get("/users", userHandler.List)
				r.Post("/users", userHandler.Create)
				r.Get("/users/{id}", userHandler.GetByID)
				r.Patch("/users/{id}", userHandler.Update)
				r.Delete("/users/{id}", userHandler.Delete)

				r.Get("/settings/oidc", settingsHandler.GetOIDC)
				r.Put("/settings/oidc", settingsHandler.UpsertOIDC)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		ErrRouteNotFound(w)
	})

	return r
}
