/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     zerolog request log (method, path, status, duration, id)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends
  6. RateLimit:  Per-client token bucket on /api (429)

ROUTE GROUPS:
  /api/borrow, /api/return   Circulation
  /api/reservations          Waitlist
  /api/renewals              Renewal workflow
  /api/books, /api/users     Read views
  /api/admin/*               Maintenance triggers
  /api/scenarios/*           Demo scenarios
  /healthz                   Liveness (not rate limited)

SEE ALSO:
  - handlers.go: Handler implementations
  - ratelimit.go: RateLimiter
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

type RouterOptions struct {
	CORSOrigins []string

	// Limiter is optional; nil disables rate limiting.
	Limiter RateLimiter

	Log zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Log))
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			AllowCredentials: !containsWildcard(opts.CORSOrigins),
		}))
	}

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		if opts.Limiter != nil {
			r.Use(RateLimit(opts.Limiter))
		}

		r.Post("/borrow", h.Borrow)
		r.Post("/return", h.Return)

		r.Route("/reservations", func(r chi.Router) {
			r.Get("/", h.ListReservations)
			r.Post("/", h.Reserve)
			r.Delete("/", h.CancelReservation)
		})

		r.Route("/renewals", func(r chi.Router) {
			r.Get("/", h.ListRenewals)
			r.Post("/", h.RequestRenewal)
			r.Patch("/", h.ProcessRenewal)
		})

		r.Get("/books/{id}", h.GetBook)
		r.Get("/users/{id}", h.GetUser)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/holds/expire", h.ExpireHolds)
			r.Post("/reminders", h.SendReminders)
			r.Post("/dispatch", h.Dispatch)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger writes one zerolog event per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				event := log.Info()
				if status >= http.StatusInternalServerError {
					event = log.Error()
				}
				event.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Str("remote", r.RemoteAddr).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
