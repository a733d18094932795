package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/yield-vault/internal/metrics"
)

// RouterOptions tunes the HTTP middleware stack.
type RouterOptions struct {
	RequestTimeout time.Duration
	CORSOrigins    []string
	AccessLog      bool
}

// NewRouter mounts the service, the hub and the operational endpoints.
// hub may be nil.
func NewRouter(svc *Service, hub *WSHub, opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if opts.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(opts.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"yield-vault"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live vault events. It stays outside the
		// request timeout.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			if opts.RequestTimeout > 0 {
				r.Use(middleware.Timeout(opts.RequestTimeout))
			}

			// User operations.
			r.Post("/deposit", svc.Deposit)
			r.Post("/withdraw", svc.Withdraw)
			r.Post("/withdraw-profit", svc.WithdrawProfit)
			r.Post("/approve", svc.Approve)

			// Queries.
			r.Get("/positions", svc.ListPositions)
			r.Get("/positions/{account}", svc.GetPosition)
			r.Get("/positions/{account}/max-withdraw", svc.GetMaxWithdraw)
			r.Get("/stats", svc.GetStats)
			r.Get("/params", svc.GetParams)
			r.Get("/allowance", svc.GetAllowance)
			r.Get("/preview/deposit", svc.PreviewDeposit)
			r.Get("/preview/withdraw", svc.PreviewWithdraw)
			r.Get("/can-deposit", svc.CanDeposit)
			r.Get("/can-withdraw", svc.CanWithdraw)
			r.Get("/events", svc.ListEvents)

			// Owner operations.
			r.Route("/admin", func(r chi.Router) {
				r.Post("/fee", svc.SetFee)
				r.Post("/target-liquidity", svc.SetTargetLiquidity)
				r.Post("/threshold", svc.SetThreshold)
				r.Post("/limits", svc.SetLimits)
				r.Post("/pause", svc.Pause)
				r.Post("/unpause", svc.Unpause)
				r.Post("/rebalance", svc.Rebalance)
				r.Post("/harvest", svc.Harvest)
				r.Post("/emergency-withdraw", svc.EmergencyWithdraw)
				r.Post("/emergency-withdraw-strategy", svc.EmergencyWithdrawStrategy)
			})
		})
	})

	return r
}

// cors answers preflight requests and sets the allow headers for the
// configured origins. "*" allows any origin.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+AccountHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
