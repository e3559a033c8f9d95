/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address for the rate limiter
  3. Logger:     One zerolog line per request (requestLogger)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the operator UI

  Write routes (POST) additionally pass through the per-client rate limiter.

ROUTE GROUPS:
  /api/ledger/accounts/*   Registry, balances, refresh, repair
  /api/ledger/entries/*    Append, read, retract
  /api/ledger/chart/*      Aggregate balances
  /api/ledger/audit/*      Drift report and persisted runs
  /api/ledger/origins/*    Sales, journal lines, manual adjustments
  /api/invoices/*          Invoice lifecycle
  /api/payments/*          Payment lifecycle
  /api/scenarios/*         Demo scenarios (dev only)
  /healthz                 Liveness + store ping

SECURITY NOTE:
  Only manual adjustments are authorized (by actor role). Everything else
  is expected to sit behind the platform's gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - ratelimit.go: Write-route limiter
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

// RouterOptions carries the HTTP-level settings from config.
type RouterOptions struct {
	CORSOrigins []string
	RateLimit   RateLimiterConfig
	Log         zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		ExposedHeaders: []string{"X-Request-Id", "Retry-After"},
	}))

	limiter := NewRateLimiter(opts.RateLimit)
	write := func(r chi.Router) chi.Router { return r.With(limiter.Middleware) }

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/ledger", func(r chi.Router) {
			// Account routes
			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", h.ListAccounts)
				write(r).Post("/", h.CreateAccount)
				r.Get("/{id}", h.GetAccount)
				r.Get("/{id}/balance", h.GetBalance)
				r.Get("/{id}/entries", h.ListAccountEntries)
				write(r).Post("/{id}/refresh", h.RefreshBalance)
				write(r).Post("/{id}/repair", h.RepairAccount)
				write(r).Post("/{id}/deactivate", h.DeactivateAccount)
			})

			// Entry routes
			r.Route("/entries", func(r chi.Router) {
				write(r).Post("/", h.AppendEntry)
				r.Get("/{id}", h.GetEntry)
				write(r).Post("/{id}/retract", h.RetractEntry)
			})

			r.Get("/chart/{id}/balance", h.GetAggregateBalance)

			// Audit routes
			r.Route("/audit", func(r chi.Router) {
				r.Get("/", h.Audit)
				r.Get("/runs", h.ListAuditRuns)
				write(r).Post("/runs", h.TriggerAuditRun)
			})

			// Origin routes
			r.Route("/origins", func(r chi.Router) {
				r.Use(limiter.Middleware)
				r.Post("/sales", h.IngestSale)
				r.Post("/journal-lines", h.IngestJournalLine)
				r.Post("/manual", h.IngestManual)
				r.Get("/categories", h.ListCategories)
			})
		})

		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			write(r).Post("/", h.CreateInvoice)
			r.Get("/{id}", h.GetInvoice)
			write(r).Post("/{id}/void", h.VoidInvoice)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			write(r).Post("/", h.RecordPayment)
			r.Get("/{id}", h.GetPayment)
			write(r).Post("/{id}/confirm", h.ConfirmPayment)
			write(r).Post("/{id}/void", h.VoidPayment)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request with chi's request id.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			reqLog := log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			r = r.WithContext(reqLog.WithContext(r.Context()))

			defer func() {
				ev := reqLog.Info()
				switch {
				case ww.Status() >= 500:
					ev = reqLog.Error()
				case ww.Status() >= 400:
					ev = reqLog.Warn()
				}
				ev.Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
