package query

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/clicktally/clicktally/pkg/config"
	"github.com/clicktally/clicktally/pkg/httpx"
)

// Handler exposes the aggregate read endpoints. All three share the same
// query parameters: range (7d/30d/90d), device, user and limit.
type Handler struct {
	svc *Service
	cfg config.Config
	log *zap.Logger
	now func() time.Time
}

// NewHandler creates a query handler.
func NewHandler(svc *Service, cfg config.Config, log *zap.Logger) *Handler {
	return &Handler{svc: svc, cfg: cfg, log: log, now: time.Now}
}

// HandleSummary handles GET /v1/stats/summary.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	rng, filters, _, ok := h.parseParams(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	summary, err := h.svc.Summary(ctx, rng, filters)
	if err != nil {
		h.log.Error("summary query failed", zap.Error(err))
		httpx.RespondErrorString(w, http.StatusInternalServerError, "query failed")
		return
	}
	httpx.RespondJSON(w, http.StatusOK, summary)
}

// HandleTopElements handles GET /v1/stats/top-elements.
func (h *Handler) HandleTopElements(w http.ResponseWriter, r *http.Request) {
	rng, filters, limit, ok := h.parseParams(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	elements, err := h.svc.TopElements(ctx, rng, filters, limit)
	if err != nil {
		h.log.Error("top elements query failed", zap.Error(err))
		httpx.RespondErrorString(w, http.StatusInternalServerError, "query failed")
		return
	}
	httpx.RespondJSON(w, http.StatusOK, elements)
}

// HandleTopPages handles GET /v1/stats/top-pages.
func (h *Handler) HandleTopPages(w http.ResponseWriter, r *http.Request) {
	rng, filters, limit, ok := h.parseParams(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	pages, err := h.svc.TopPages(ctx, rng, filters, limit)
	if err != nil {
		h.log.Error("top pages query failed", zap.Error(err))
		httpx.RespondErrorString(w, http.StatusInternalServerError, "query failed")
		return
	}
	httpx.RespondJSON(w, http.StatusOK, pages)
}

// parseParams authorizes the request and decodes the shared query parameters.
// On failure it writes the error response and returns ok=false.
func (h *Handler) parseParams(w http.ResponseWriter, r *http.Request) (Range, Filters, int, bool) {
	if h.cfg.AdminToken != "" && r.Header.Get("X-ClickTally-Admin-Token") != h.cfg.AdminToken {
		httpx.RespondErrorString(w, http.StatusForbidden, "invalid admin token")
		return Range{}, Filters{}, 0, false
	}

	q := r.URL.Query()

	rangeName := q.Get("range")
	if rangeName == "" {
		rangeName = "7d"
	}
	rng, err := ParseRange(rangeName, h.now())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return Range{}, Filters{}, 0, false
	}

	filters, err := ParseFilters(q.Get("device"), q.Get("user"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return Range{}, Filters{}, 0, false
	}

	limit := DefaultLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "invalid limit")
			return Range{}, Filters{}, 0, false
		}
	}

	return rng, filters, limit, true
}
