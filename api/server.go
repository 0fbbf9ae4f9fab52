/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the HR frontend

ROUTE GROUPS:
  /api/kpi/*     Admin operations, actor from X-Actor-ID / X-Actor-Role
  /api/fund/*    Ledger operations, same actor headers
  /api/cron/*    Scheduled jobs, X-CRON-SECRET, run as the system actor
  /healthz       Liveness
  /metrics       Prometheus (path configurable)

AUTHENTICATION:
  The surrounding gateway authenticates callers and forwards their
  identity in the actor headers. Handlers never trust a role they did
  not receive from that gateway; the engines enforce permissions.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/kpi-engine/kpi"
)

// Header names set by the auth gateway and the cron runner.
const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorRole  = "X-Actor-Role"
	HeaderCronSecret = "X-CRON-SECRET"
)

// RouterOptions configure NewRouter.
type RouterOptions struct {
	CronSecret     string   // empty disables /api/cron
	AllowedOrigins []string // default localhost dev servers
	MetricsPath    string   // default /metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle(opts.MetricsPath, promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(actorMiddleware)

			r.Route("/kpi", func(r chi.Router) {
				r.Route("/weeks/{key}", func(r chi.Router) {
					r.Get("/", h.GetWeek)
					r.Post("/compute", h.ComputeWeek)
					r.Post("/lock", h.LockWeek)
					r.Post("/unlock", h.UnlockWeek)
					r.Post("/submissions", h.SubmitEvaluation)
				})
				r.Route("/months/{key}", func(r chi.Router) {
					r.Get("/", h.GetMonth)
					r.Post("/compute", h.ComputeMonth)
					r.Post("/lock", h.LockMonth)
					r.Post("/unlock", h.UnlockMonth)
					r.Post("/reconcile", h.ReconcileMonth)
				})
				r.Post("/assignments", h.SetAssignment)
				r.Get("/subjects/{id}/state", h.GetSubjectState)
			})

			r.Route("/fund", func(r chi.Router) {
				r.Put("/entries", h.UpsertLedgerEntry)
				r.Put("/results/{id}/gift", h.SetGift)
				r.Get("/summary", h.GetSummary)
				r.Get("/statement", h.GetStatement)
			})
		})

		r.Route("/cron", func(r chi.Router) {
			r.Use(cronSecretMiddleware(opts.CronSecret))
			r.Post("/weekly", h.CronWeekly)
			r.Post("/monthly", h.CronMonthly)
		})
	})

	return r
}

// =============================================================================
// ACTOR CONTEXT
// =============================================================================

type actorKey struct{}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor kpi.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// actorFrom returns the request's actor, or the anonymous zero Actor.
func actorFrom(r *http.Request) kpi.Actor {
	a, _ := r.Context().Value(actorKey{}).(kpi.Actor)
	return a
}

// actorMiddleware reads the gateway's actor headers. Missing headers leave
// the request anonymous; every operation rejects anonymous callers.
func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderActorID)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		role, err := kpi.ParseRole(r.Header.Get(HeaderActorRole))
		if err != nil || role == kpi.RoleSystem {
			writeError(w, http.StatusForbidden, "invalid actor role", nil)
			return
		}
		actor := kpi.Actor{ID: kpi.UserID(id), Role: role}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// cronSecretMiddleware admits requests carrying the shared cron secret.
func cronSecretMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, http.StatusServiceUnavailable, "cron endpoints are disabled", nil)
				return
			}
			got := r.Header.Get(HeaderCronSecret)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid cron secret", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
