package rules

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/clicktally/clicktally/pkg/config"
	"github.com/clicktally/clicktally/pkg/event"
	"github.com/clicktally/clicktally/pkg/httpx"
)

// Handler serves the rule snapshot and accepts admin replacements.
type Handler struct {
	registry *Registry
	cfg      config.Config
	log      *zap.Logger
}

// NewHandler creates a rules handler.
func NewHandler(registry *Registry, cfg config.Config, log *zap.Logger) *Handler {
	return &Handler{registry: registry, cfg: cfg, log: log}
}

// RulesResponse is the GET payload.
type RulesResponse struct {
	Version uint64       `json:"version"`
	Rules   []event.Rule `json:"rules"`
}

// ruleInput shadows the Active flag so admins can mark rules inactive on the
// wire while served snapshots never carry the field.
type ruleInput struct {
	event.Rule
	Active bool `json:"active"`
}

// ReplaceRequest is the PUT payload.
type ReplaceRequest struct {
	Rules []ruleInput `json:"rules"`
}

// ReplaceResponse reports the version the replacement produced.
type ReplaceResponse struct {
	Version uint64 `json:"version"`
	Count   int    `json:"count"`
}

// HandleRules handles GET and PUT on /v1/rules.
func (h *Handler) HandleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodPut:
		h.handleReplace(w, r)
	default:
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleGet returns the active snapshot, or 304 when the client's ver query
// parameter already matches the current version.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	version, snapshot := h.registry.Snapshot()

	if ver := r.URL.Query().Get("ver"); ver != "" {
		if clientVer, err := strconv.ParseUint(ver, 10, 64); err == nil && clientVer == version {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	httpx.RespondJSON(w, http.StatusOK, RulesResponse{Version: version, Rules: snapshot})
}

func (h *Handler) handleReplace(w http.ResponseWriter, r *http.Request) {
	if h.cfg.AdminToken != "" && r.Header.Get("X-ClickTally-Admin-Token") != h.cfg.AdminToken {
		httpx.RespondErrorString(w, http.StatusForbidden, "invalid admin token")
		return
	}

	var req ReplaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	incoming := make([]event.Rule, len(req.Rules))
	for i, in := range req.Rules {
		rule := in.Rule
		rule.Active = in.Active
		incoming[i] = rule
	}

	version, err := h.registry.Replace(incoming)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	h.log.Info("rules replaced",
		zap.Uint64("version", version),
		zap.Int("count", len(incoming)))

	httpx.RespondJSON(w, http.StatusOK, ReplaceResponse{Version: version, Count: len(incoming)})
}
