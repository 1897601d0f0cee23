package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/clicktally/clicktally/pkg/config"
	"github.com/clicktally/clicktally/pkg/event"
	"github.com/clicktally/clicktally/pkg/httpx"
	"github.com/clicktally/clicktally/pkg/ingest"
	"github.com/clicktally/clicktally/pkg/query"
	"github.com/clicktally/clicktally/pkg/rollup"
	"github.com/clicktally/clicktally/pkg/rules"
	"github.com/clicktally/clicktally/pkg/server/monitor"
	"github.com/clicktally/clicktally/pkg/storage"
)

var startTime = time.Now()

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string               `json:"status"`
	Uptime string               `json:"uptime"`
	Rollup monitor.RollupStatus `json:"rollup"`
}

// handleHealth returns service health. The service degrades (503) when the
// rollup job is failing, since stats silently go stale without it.
func handleHealth(mon *monitor.RollupMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if !mon.IsHealthy() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, code, HealthResponse{
			Status: status,
			Uptime: time.Since(startTime).String(),
			Rollup: mon.Status(),
		})
	}
}

// handleStats returns storage statistics and the rollup watermark.
func handleStats(store storage.Store, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !adminAuthorized(r, cfg) {
			httpx.RespondErrorString(w, http.StatusForbidden, "invalid admin token")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
		defer cancel()

		stats, err := store.Stats(ctx)
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		state, err := store.RollupState(ctx)
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		httpx.RespondJSON(w, http.StatusOK, struct {
			*storage.Stats
			RollupState event.RollupState `json:"rollup_state"`
		}{stats, state})
	}
}

// RollupRunResponse reports a forced rollup run.
type RollupRunResponse struct {
	Processed int       `json:"processed"`
	Day       event.Day `json:"day,omitempty"`
}

// handleRollupRun forces an aggregation pass. With a day parameter it
// re-aggregates that single day additively (backfill); without one it runs
// the normal watermark pass immediately.
func handleRollupRun(sched *Scheduler, agg *rollup.Aggregator, cfg config.Config, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !adminAuthorized(r, cfg) {
			httpx.RespondErrorString(w, http.StatusForbidden, "invalid admin token")
			return
		}

		if raw := r.URL.Query().Get("day"); raw != "" {
			day, err := event.ParseDay(raw)
			if err != nil {
				httpx.RespondError(w, http.StatusBadRequest, err)
				return
			}
			processed, err := agg.RollUp(r.Context(), day)
			if err != nil {
				respondRollupError(w, err)
				return
			}
			log.Info("manual rollup completed",
				zap.String("day", string(day)),
				zap.Int("events_processed", processed))
			httpx.RespondJSON(w, http.StatusOK, RollupRunResponse{Processed: processed, Day: day})
			return
		}

		processed, err := sched.rollupOnce(r.Context())
		if err != nil {
			respondRollupError(w, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, RollupRunResponse{Processed: processed})
	}
}

func respondRollupError(w http.ResponseWriter, err error) {
	if err == rollup.ErrRollupRunning {
		httpx.RespondError(w, http.StatusConflict, err)
		return
	}
	httpx.RespondError(w, http.StatusInternalServerError, err)
}

func adminAuthorized(r *http.Request, cfg config.Config) bool {
	return cfg.AdminToken == "" || r.Header.Get("X-ClickTally-Admin-Token") == cfg.AdminToken
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(
	router *mux.Router,
	ingestHandler *ingest.Handler,
	queryHandler *query.Handler,
	rulesHandler *rules.Handler,
	store storage.Store,
	sched *Scheduler,
	agg *rollup.Aggregator,
	mon *monitor.RollupMonitor,
	hub *ingest.EventHub,
	cfg config.Config,
	log *zap.Logger,
) {
	router.Use(corsMiddleware())

	api := router.PathPrefix("/v1").Subrouter()

	// Public surface: the tracking snippet posts events and polls rules
	api.HandleFunc("/ingest", ingestHandler.HandleIngest).Methods("POST", "OPTIONS")
	api.HandleFunc("/rules", rulesHandler.HandleRules).Methods("GET", "PUT", "OPTIONS")

	// Aggregate read endpoints for the dashboard
	api.HandleFunc("/stats/summary", queryHandler.HandleSummary).Methods("GET")
	api.HandleFunc("/stats/top-elements", queryHandler.HandleTopElements).Methods("GET")
	api.HandleFunc("/stats/top-pages", queryHandler.HandleTopPages).Methods("GET")

	// Operational endpoints
	api.HandleFunc("/stats", handleStats(store, cfg)).Methods("GET")
	api.HandleFunc("/rollup/run", handleRollupRun(sched, agg, cfg, log)).Methods("POST")
	api.HandleFunc("/health", handleHealth(mon)).Methods("GET")

	// WebSocket live event feed
	api.HandleFunc("/ws", ingestHandler.HandleWebSocket(hub)).Methods("GET")
}

// corsMiddleware allows cross-origin calls from tracked sites. The ingest
// endpoint is hit from arbitrary page origins, so the origin is echoed
// rather than whitelisted; authorization stays with the token headers.
func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-ClickTally-Token, X-ClickTally-Admin-Token")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
