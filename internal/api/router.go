package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/prediction-ledger/internal/metrics"
)

// NewRouter mounts the service, the WebSocket hub, health and metrics.
// hub may be nil to disable /ws.
func NewRouter(svc *Service, hub *WSHub, corsOrigins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(corsOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"prediction-ledger"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/markets", svc.ListMarkets)
			r.Post("/markets", svc.CreateMarket)
			r.Get("/markets/{marketID}", svc.GetMarket)
			r.Get("/markets/{marketID}/history", svc.GetMarketHistory)
			r.Post("/markets/{marketID}/buy", svc.Buy)
			r.Post("/markets/{marketID}/sell", svc.Sell)
			r.Post("/markets/{marketID}/resolve", svc.Resolve)

			r.Get("/accounts/{accountID}", svc.GetAccount)
			r.Get("/accounts/{accountID}/rank", svc.GetRank)
			r.Get("/accounts/{accountID}/history", svc.GetAccountHistory)
			r.Post("/accounts/{accountID}/credit", svc.Credit)

			r.Get("/leaderboard", svc.Leaderboard)
		})
	})
	return r
}

// cors allows the configured origins ("*" for any).
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
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
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
