package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clicktally/clicktally/pkg/config"
	"github.com/clicktally/clicktally/pkg/event"
	"github.com/clicktally/clicktally/pkg/ingest"
	"github.com/clicktally/clicktally/pkg/query"
	"github.com/clicktally/clicktally/pkg/retention"
	"github.com/clicktally/clicktally/pkg/rollup"
	"github.com/clicktally/clicktally/pkg/rules"
	"github.com/clicktally/clicktally/pkg/server/monitor"
	"github.com/clicktally/clicktally/pkg/storage/memory"
)

func newTestServer(t *testing.T, cfg config.Config) (*mux.Router, *monitor.RollupMonitor) {
	t.Helper()

	log := zap.NewNop()
	store := memory.New()
	agg := rollup.New(store, log)
	sweeper := retention.New(store, log)
	mon := &monitor.RollupMonitor{}
	sched := NewScheduler(store, agg, sweeper, mon, cfg, log)

	ingestHandler := ingest.NewHandler(store, cfg, "test-salt", nil, log)
	queryHandler := query.NewHandler(query.NewService(store), cfg, log)
	rulesHandler := rules.NewHandler(rules.NewRegistry(), cfg, log)

	router := mux.NewRouter()
	SetupRoutes(router, ingestHandler, queryHandler, rulesHandler, store, sched, agg, mon, nil, cfg, log)
	return router, mon
}

func do(t *testing.T, router *mux.Router, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, url, reader)
	req.RemoteAddr = "203.0.113.9:51000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestIngestRollupQueryFlow(t *testing.T) {
	router, _ := newTestServer(t, config.Config{RateLimitPerMin: 100})

	base := event.IngestEvent{
		TS:          time.Now().UnixMilli(),
		PageURL:     "https://shop.example/pricing",
		EventName:   "cta-click",
		SelectorKey: "a1b2c3d4e5f60718",
		EventType:   event.TypeClick,
		Device:      event.DeviceDesktop,
	}
	mobile := base
	mobile.Device = event.DeviceMobile

	rec := do(t, router, http.MethodPost, "/v1/ingest", ingest.IngestRequest{
		Events: []event.IngestEvent{base, base, base, mobile},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var ingested ingest.IngestResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ingested))
	require.Equal(t, 4, ingested.Processed)

	rec = do(t, router, http.MethodPost, "/v1/rollup/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run RollupRunResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	require.Equal(t, 4, run.Processed)

	// Device split produces two rollup rows, but the element view merges
	// them back into one entry with all four clicks
	rec = do(t, router, http.MethodGet, "/v1/stats/top-elements", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var elements []query.ElementStat
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&elements))
	require.Len(t, elements, 1)
	require.Equal(t, uint64(4), elements[0].Clicks)
	require.Equal(t, 1.0, elements[0].Share)
	require.Equal(t, 1, elements[0].PageCount)

	rec = do(t, router, http.MethodGet, "/v1/stats/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var s query.Summary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	require.Equal(t, uint64(4), s.TotalClicks)

	// A second watermark pass finds nothing new and the totals stay put
	rec = do(t, router, http.MethodPost, "/v1/rollup/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	require.Zero(t, run.Processed)

	rec = do(t, router, http.MethodGet, "/v1/stats/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	require.Equal(t, uint64(4), s.TotalClicks)
}

func TestRollupRunBackfillDay(t *testing.T) {
	router, _ := newTestServer(t, config.Config{RateLimitPerMin: 100})

	ts := time.Now().AddDate(0, 0, -10)
	ev := event.IngestEvent{
		TS:          ts.UnixMilli(),
		PageURL:     "https://shop.example/old",
		EventName:   "cta-click",
		SelectorKey: "a1b2c3d4e5f60718",
		EventType:   event.TypeClick,
		Device:      event.DeviceDesktop,
	}
	rec := do(t, router, http.MethodPost, "/v1/ingest", ingest.IngestRequest{Events: []event.IngestEvent{ev}})
	require.Equal(t, http.StatusOK, rec.Code)

	day := event.DayOf(ts)
	rec = do(t, router, http.MethodPost, "/v1/rollup/run?day="+string(day), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run RollupRunResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	require.Equal(t, 1, run.Processed)
	require.Equal(t, day, run.Day)

	rec = do(t, router, http.MethodPost, "/v1/rollup/run?day=not-a-day", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthDegradedBeforeFirstRollup(t *testing.T) {
	router, mon := newTestServer(t, config.Config{})

	rec := do(t, router, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	require.Equal(t, "degraded", health.Status)

	mon.RecordSuccess(7)
	rec = do(t, router, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, 7, health.Rollup.LastProcessed)
}

func TestStatsEndpointRequiresAdminToken(t *testing.T) {
	router, _ := newTestServer(t, config.Config{AdminToken: "secret", RateLimitPerMin: 100})

	rec := do(t, router, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-ClickTally-Admin-Token", "secret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	router, _ := newTestServer(t, config.Config{})

	req := httptest.NewRequest(http.MethodOptions, "/v1/ingest", nil)
	req.Header.Set("Origin", "https://shop.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
