package rules

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clicktally/clicktally/pkg/config"
	"github.com/clicktally/clicktally/pkg/event"
	"github.com/clicktally/clicktally/pkg/privacy"
)

func activeRule(name string) event.Rule {
	return event.Rule{
		SelectorType:  "css",
		SelectorValue: "#" + name,
		EventName:     name,
		EventType:     event.TypeClick,
		Active:        true,
	}
}

func TestRegistryReplaceBumpsVersionAndDerivesKeys(t *testing.T) {
	reg := NewRegistry()
	require.Equal(t, uint64(0), reg.Version())

	v, err := reg.Replace([]event.Rule{activeRule("signup")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)

	version, rules := reg.Snapshot()
	require.Equal(t, uint64(1), version)
	require.Len(t, rules, 1)
	require.Equal(t, privacy.HashSelector("css", "#signup"), rules[0].SelectorKey)

	v, err = reg.Replace([]event.Rule{activeRule("signup"), activeRule("pricing")})
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)
}

func TestRegistryDropsInactiveRules(t *testing.T) {
	reg := NewRegistry()

	inactive := activeRule("hidden")
	inactive.Active = false

	_, err := reg.Replace([]event.Rule{activeRule("visible"), inactive})
	require.NoError(t, err)

	_, rules := reg.Snapshot()
	require.Len(t, rules, 1)
	require.Equal(t, "visible", rules[0].EventName)
}

func TestRegistryRejectsInvalidRuleAtomically(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Replace([]event.Rule{activeRule("first")})
	require.NoError(t, err)

	bad := activeRule("second")
	bad.SelectorValue = ""
	_, err = reg.Replace([]event.Rule{activeRule("ok"), bad})
	require.ErrorIs(t, err, ErrNoSelector)

	bad = activeRule("second")
	bad.EventType = "hover"
	_, err = reg.Replace([]event.Rule{bad})
	require.ErrorIs(t, err, ErrInvalidEventType)

	// Failed replacements leave the snapshot untouched
	version, rules := reg.Snapshot()
	require.Equal(t, uint64(1), version)
	require.Len(t, rules, 1)
	require.Equal(t, "first", rules[0].EventName)
}

func TestHandleRulesNotModified(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Replace([]event.Rule{activeRule("signup")})
	require.NoError(t, err)

	h := NewHandler(reg, config.Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	h.HandleRules(rec, httptest.NewRequest(http.MethodGet, "/v1/rules", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RulesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, uint64(1), resp.Version)
	require.Len(t, resp.Rules, 1)

	// Client already current
	rec = httptest.NewRecorder()
	h.HandleRules(rec, httptest.NewRequest(http.MethodGet, "/v1/rules?ver=1", nil))
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Zero(t, rec.Body.Len())

	// Stale client gets the full snapshot
	rec = httptest.NewRecorder()
	h.HandleRules(rec, httptest.NewRequest(http.MethodGet, "/v1/rules?ver=0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReplaceRequiresAdminToken(t *testing.T) {
	reg := NewRegistry()
	h := NewHandler(reg, config.Config{AdminToken: "secret"}, zap.NewNop())

	body, err := json.Marshal(ReplaceRequest{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/v1/rules", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleRules(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/v1/rules", bytes.NewReader(body))
	req.Header.Set("X-ClickTally-Admin-Token", "secret")
	rec = httptest.NewRecorder()
	h.HandleRules(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReplaceRoundTrip(t *testing.T) {
	reg := NewRegistry()
	h := NewHandler(reg, config.Config{}, zap.NewNop())

	payload := []byte(`{"rules": [
		{"selector_type": "css", "selector_value": ".buy", "event_name": "buy-click", "event_type": "click", "active": true},
		{"selector_type": "css", "selector_value": ".old", "event_name": "old-click", "event_type": "click", "active": false}
	]}`)

	req := httptest.NewRequest(http.MethodPut, "/v1/rules", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.HandleRules(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReplaceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, uint64(1), resp.Version)
	require.Equal(t, 2, resp.Count)

	_, rules := reg.Snapshot()
	require.Len(t, rules, 1)
	require.Equal(t, "buy-click", rules[0].EventName)
	require.Len(t, rules[0].SelectorKey, 16)
}
