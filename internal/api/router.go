package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/atmx/vault-lending/internal/metrics"
)

// NewRouter wires every route. Reads are public; writes need a bearer
// token.
func NewRouter(svc *Service, hub *WSHub, auth *Authenticator, limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"service": "vaultd",
			"time":    svc.eng.Now(),
		})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(limiter.Middleware)
			}
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/pools", svc.ListPools)
			r.Get("/pools/{pool}", svc.GetPool)
			r.Get("/pools/{pool}/holders/{account}", svc.GetHolder)
			r.Get("/assets/{asset}/balances/{account}", svc.GetBalance)
			r.Get("/assets/{asset}/allowances/{owner}/{spender}", svc.GetAllowance)
			r.Get("/loans/{borrower}", svc.GetLoan)
			r.Get("/loans/{borrower}/history", svc.GetLoanHistory)
			r.Get("/borrowers", svc.ListBorrowers)
			r.Get("/liquidations", svc.ListLiquidations)
			r.Get("/operators", svc.ListOperators)
			r.Get("/events", svc.ListEvents)

			r.Group(func(r chi.Router) {
				r.Use(auth.Middleware)

				r.Post("/pools/{pool}/deposit", svc.Deposit)
				r.Post("/pools/{pool}/withdraw", svc.Withdraw)
				r.Post("/pools/{pool}/redeem", svc.Redeem)
				r.Post("/assets/{asset}/approve", svc.Approve)
				r.Post("/assets/{asset}/transfer", svc.Transfer)
				r.Post("/loans", svc.IssueLoan)
				r.Post("/loans/borrow", svc.Borrow)
				r.Post("/loans/{borrower}/repay", svc.Repay)
				r.Post("/loans/{borrower}/liquidate", svc.Liquidate)
				r.Put("/operators/{account}", svc.GrantOperator)
				r.Delete("/operators/{account}", svc.RevokeOperator)
			})
		})
	})

	return otelhttp.NewHandler(r, "vaultd")
}
