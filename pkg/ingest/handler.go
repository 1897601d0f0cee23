package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/clicktally/clicktally/pkg/config"
	"github.com/clicktally/clicktally/pkg/event"
	"github.com/clicktally/clicktally/pkg/httpx"
	"github.com/clicktally/clicktally/pkg/privacy"
	"github.com/clicktally/clicktally/pkg/storage"
)

// Handler accepts event batches, derives the hashed raw representation and
// appends it to the store.
type Handler struct {
	store   storage.Store
	cfg     config.Config
	salt    string
	limiter *RateLimiter
	hub     *EventHub
	log     *zap.Logger
	now     func() time.Time
}

// NewHandler creates an ingest handler. hub may be nil when no live feed is
// wired.
func NewHandler(store storage.Store, cfg config.Config, salt string, hub *EventHub, log *zap.Logger) *Handler {
	return &Handler{
		store:   store,
		cfg:     cfg,
		salt:    salt,
		limiter: NewRateLimiter(cfg.RateLimitPerMin),
		hub:     hub,
		log:     log,
		now:     time.Now,
	}
}

// IngestRequest represents the request payload
type IngestRequest struct {
	Events []event.IngestEvent `json:"events"`
}

// IngestResponse represents the response payload
type IngestResponse struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// HandleIngest handles the POST /v1/ingest endpoint. Invalid events in a
// batch are dropped silently; the response reports how many were kept.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.cfg.IngestToken != "" && r.Header.Get("X-ClickTally-Token") != h.cfg.IngestToken {
		httpx.RespondErrorString(w, http.StatusForbidden, "invalid ingest token")
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Events) > MaxEventsPerRequest {
		httpx.RespondError(w, http.StatusBadRequest, ErrTooManyEvents)
		return
	}

	// Opted-out visitors get an empty accept, never an error
	if h.cfg.RespectDNT && (r.Header.Get("DNT") == "1" || r.Header.Get("Sec-GPC") == "1") {
		httpx.RespondJSON(w, http.StatusOK, IngestResponse{Processed: 0, Total: len(req.Events)})
		return
	}

	ip := privacy.ClientIP(r)
	if !h.limiter.Allow(ip, h.now()) {
		httpx.RespondError(w, http.StatusTooManyRequests, ErrRateLimited)
		return
	}

	ua := r.UserAgent()
	ipHash := ""
	if ip != "" {
		ipHash = privacy.HashIdentity(ip, h.salt)
	}
	uaHash := ""
	if ua != "" {
		uaHash = privacy.HashIdentity(ua, h.salt)
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	processed := 0
	for _, ev := range req.Events {
		if err := event.Validate(ev); err != nil {
			h.log.Debug("dropping invalid event", zap.Error(err))
			continue
		}
		if !h.cfg.TrackAdmins && ev.Role == "administrator" {
			continue
		}

		raw := event.RawEvent{
			Timestamp:   time.UnixMilli(ev.TS).UTC().Truncate(time.Second),
			PageURL:     ev.PageURL,
			PageHash:    privacy.HashPage(ev.PageURL),
			EventName:   ev.EventName,
			SelectorKey: ev.SelectorKey,
			EventType:   ev.EventType,
			Label:       ev.Label,
			Device:      privacy.ClassifyDevice(ev.Device, ua),
			IsLoggedIn:  ev.IsLoggedIn,
			Role:        ev.Role,
			Referrer:    ev.Referrer,
			UTM:         ev.UTM,
			SessionKey:  ev.SessionKey,
			UAHash:      uaHash,
			IPHash:      ipHash,
		}

		id, err := h.store.AppendEvent(ctx, raw)
		if err != nil {
			h.log.Error("failed to append event",
				zap.String("event_name", raw.EventName),
				zap.Error(err))
			continue
		}
		raw.ID = id
		processed++

		if h.hub != nil && h.hub.HasClients() {
			h.hub.BroadcastEvent(raw)
		}
	}

	httpx.RespondJSON(w, http.StatusOK, IngestResponse{
		Processed: processed,
		Total:     len(req.Events),
	})
}
