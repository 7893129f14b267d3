package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gaboe/map-poster/internal/access"
	"github.com/gaboe/map-poster/internal/auth"
	"github.com/gaboe/map-poster/internal/invitation"
	"github.com/gaboe/map-poster/internal/metrics"
	"github.com/gaboe/map-poster/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports database reachability. *pgxpool.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Sessions    auth.SessionLookup
	Invitations *invitation.Service
	Bulk        *invitation.Orchestrator
	Projects    *access.Projects
	Limiter     *ratelimit.Limiter
	Metrics     *metrics.Metrics

	// DB is optional; without it /health does not report the database.
	DB             Pinger
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.RequestID)
	r.Use(observeRequests(deps.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(secureHeaders)
	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			MaxAge:         86400,
		}))
	}

	invitations := newInvitationsHandler(deps.Invitations, deps.Bulk)
	projects := newProjectsHandler(deps.Projects)

	r.Get("/health", healthHandler(deps.DB))
	r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	r.Get("/metrics/summary", deps.Metrics.Handler())

	// Session-authed routes.
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(auth.SessionMiddleware(deps.Sessions, deps.Metrics.IncAuthFailure))

		ar.With(ratelimit.Middleware(deps.Limiter, "invitations", deps.Metrics.IncRateLimitRejection)).
			Post("/organizations/{orgID}/invitations", invitations.CreateBulk)
		ar.Get("/organizations/{orgID}/invitations", invitations.ListForOrganization)

		ar.Get("/invitations", invitations.ListPending)
		ar.Get("/invitations/{id}", invitations.Details)
		ar.Post("/invitations/{id}/accept", invitations.Accept)
		ar.Post("/invitations/{id}/dismiss", invitations.Dismiss)
		ar.Delete("/invitations/{id}", invitations.Delete)

		ar.Get("/projects", projects.ListAccessible)
		ar.Get("/projects/{projectID}/members", projects.ListMembers)
		ar.Post("/projects/{projectID}/members", projects.AddMember)
		ar.Put("/projects/{projectID}/members/{userID}", projects.UpdateMemberRole)
		ar.Delete("/projects/{projectID}/members/{userID}", projects.RemoveMember)
	})

	return r
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "degraded",
				"database": "unreachable",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"database": "connected",
		})
	}
}
