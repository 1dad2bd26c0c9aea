package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cognigate/backend/internal/authorize"
	"github.com/cognigate/backend/internal/capability"
	"github.com/cognigate/backend/internal/config"
	"github.com/cognigate/backend/internal/confirm"
	"github.com/cognigate/backend/internal/escalation"
	"github.com/cognigate/backend/internal/governor"
	"github.com/cognigate/backend/internal/notify"
	"github.com/cognigate/backend/internal/proofchain"
	"github.com/cognigate/backend/internal/store"
	"github.com/cognigate/backend/internal/trust"
)

const reviewerAPIKey = "reviewer-secret-key"

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()

	mem := store.NewMemory()
	chain := proofchain.New(mem)
	matrix := capability.Default()
	trustEngine := trust.NewEngine(mem, mem, chain)
	authEngine := authorize.NewEngine(matrix, confirm.NewJWTValidator([]byte("confirm-secret")), chain)
	escSvc := escalation.NewService(mem, mem, chain, trustEngine, nil)
	gov := governor.New(mem.Stores(), trustEngine, authEngine, escSvc, chain, nil)

	keyHash, err := bcrypt.GenerateFromPassword([]byte(reviewerAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	srv := NewServer(gov, trustEngine, escSvc, matrix, chain,
		proofchain.NewAttestor([]byte("attest-secret")), mem, notify.NewHub(),
		nil, []config.ReviewerConfig{{Name: "alex", KeyHash: string(keyHash)}})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, mem
}

func doJSON(t *testing.T, method, url string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func registerAgentHTTP(t *testing.T, ts *httptest.Server, level int, tier string) string {
	t.Helper()
	resp, body := doJSON(t, "POST", ts.URL+"/api/v1/agents", map[string]interface{}{
		"name":             "api-agent",
		"hierarchy_level":  level,
		"observation_tier": tier,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["id"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, "GET", ts.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestRegisterAgent_Validation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, "POST", ts.URL+"/api/v1/agents", map[string]interface{}{
		"name":            "bad",
		"hierarchy_level": 9,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, "POST", ts.URL+"/api/v1/agents", map[string]interface{}{
		"name":             "bad",
		"hierarchy_level":  2,
		"observation_tier": "CRYSTAL_BOX",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterAgent_SeedsTrust(t *testing.T) {
	ts, _ := newTestServer(t)
	id := registerAgentHTTP(t, ts, 2, "GRAY_BOX")

	resp, body := doJSON(t, "GET", ts.URL+"/api/v1/agents/"+id+"/trust", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(250), body["score"])
	assert.Equal(t, "T1", body["tier"])
}

func TestAuthorizeEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	id := registerAgentHTTP(t, ts, 3, "VERIFIED_BOX")

	// data_read needs 100; fresh L3 agent sits at 300.
	resp, body := doJSON(t, "POST", ts.URL+"/api/v1/authorize", map[string]interface{}{
		"agent_id":    id,
		"goal":        "read report data",
		"action_type": "data_read",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decision := body["decision"].(map[string]interface{})
	assert.Equal(t, "allow", decision["outcome"])

	// self_modify is a hard limit.
	resp, body = doJSON(t, "POST", ts.URL+"/api/v1/authorize", map[string]interface{}{
		"agent_id":    id,
		"action_type": "self_modify",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decision = body["decision"].(map[string]interface{})
	assert.Equal(t, "deny", decision["outcome"])
	assert.Equal(t, "HL-004", decision["rule_id"])

	// Unknown agent is a 404.
	resp, _ = doJSON(t, "POST", ts.URL+"/api/v1/authorize", map[string]interface{}{
		"agent_id":    "ghost",
		"action_type": "data_read",
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEscalationFlowOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)
	id := registerAgentHTTP(t, ts, 4, "VERIFIED_BOX")

	// deploy needs 600; fresh L4 scores 500 → escalate.
	resp, body := doJSON(t, "POST", ts.URL+"/api/v1/authorize", map[string]interface{}{
		"agent_id":    id,
		"action_type": "deploy",
		"context":     map[string]interface{}{"risk_level": "high"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	esc := body["escalation"].(map[string]interface{})
	escID := esc["id"].(string)
	assert.Equal(t, "pending", esc["status"])

	auth := map[string]string{"X-Reviewer-Key": reviewerAPIKey}

	// No key → 401.
	resp, _ = doJSON(t, "POST", ts.URL+"/api/v1/escalations/"+escID+"/assign",
		map[string]interface{}{"reviewer": "alex"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong key → 401.
	resp, _ = doJSON(t, "POST", ts.URL+"/api/v1/escalations/"+escID+"/assign",
		map[string]interface{}{"reviewer": "alex"}, map[string]string{"X-Reviewer-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, "POST", ts.URL+"/api/v1/escalations/"+escID+"/assign",
		map[string]interface{}{"reviewer": "alex"}, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, "POST", ts.URL+"/api/v1/escalations/"+escID+"/review",
		map[string]interface{}{}, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, "POST", ts.URL+"/api/v1/escalations/"+escID+"/resolve",
		map[string]interface{}{
			"resolution": "approved",
			"reason":     "deploy window confirmed",
		}, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resolved := body["escalation"].(map[string]interface{})
	assert.Equal(t, "approved", resolved["status"])
	assert.Equal(t, "alex", resolved["resolved_by"])

	// Double resolution conflicts.
	resp, _ = doJSON(t, "POST", ts.URL+"/api/v1/escalations/"+escID+"/resolve",
		map[string]interface{}{"resolution": "rejected", "reason": "no"}, auth)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListEscalationsFilter(t *testing.T) {
	ts, _ := newTestServer(t)
	id := registerAgentHTTP(t, ts, 4, "VERIFIED_BOX")

	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, "POST", ts.URL+"/api/v1/authorize", map[string]interface{}{
			"agent_id":    id,
			"action_type": "deploy",
		}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := doJSON(t, "GET", ts.URL+"/api/v1/escalations?status=pending&agent_id="+id, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	resp, body = doJSON(t, "GET", ts.URL+"/api/v1/escalations?status=approved", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])
}

func TestTrustEventIngestion(t *testing.T) {
	ts, _ := newTestServer(t)
	id := registerAgentHTTP(t, ts, 2, "VERIFIED_BOX")

	for i := 0; i < 5; i++ {
		resp, _ := doJSON(t, "POST", fmt.Sprintf("%s/api/v1/agents/%s/events", ts.URL, id),
			map[string]interface{}{"kind": "execution_success"}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := doJSON(t, "GET", ts.URL+"/api/v1/agents/"+id+"/trust", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, body["score"].(float64), float64(250))

	resp, body = doJSON(t, "GET", ts.URL+"/api/v1/agents/"+id+"/trust?history=3", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.LessOrEqual(t, len(body["history"].([]interface{})), 3)

	resp, _ = doJSON(t, "POST", fmt.Sprintf("%s/api/v1/agents/%s/events", ts.URL, id),
		map[string]interface{}{"kind": "made_up"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminLevelChange(t *testing.T) {
	ts, _ := newTestServer(t)
	id := registerAgentHTTP(t, ts, 2, "VERIFIED_BOX")
	auth := map[string]string{"X-Reviewer-Key": reviewerAPIKey}

	resp, body := doJSON(t, "PUT", ts.URL+"/api/v1/agents/"+id+"/level",
		map[string]interface{}{"hierarchy_level": 4, "reason": "promotion"}, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4), body["hierarchy_level"])
	// L4 floor lifts the fresh score to 500.
	assert.Equal(t, float64(500), body["current_score"])

	resp, _ = doJSON(t, "PUT", ts.URL+"/api/v1/agents/"+id+"/level",
		map[string]interface{}{"hierarchy_level": 4}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestObservationTierChangeClampsScore(t *testing.T) {
	ts, _ := newTestServer(t)
	id := registerAgentHTTP(t, ts, 3, "VERIFIED_BOX")
	auth := map[string]string{"X-Reviewer-Key": reviewerAPIKey}

	// Build a strong history, then drop observability: the ceiling bites.
	for i := 0; i < 10; i++ {
		resp, _ := doJSON(t, "POST", fmt.Sprintf("%s/api/v1/agents/%s/events", ts.URL, id),
			map[string]interface{}{"kind": "execution_success"}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := doJSON(t, "PUT", ts.URL+"/api/v1/agents/"+id+"/observation",
		map[string]interface{}{"observation_tier": "BLACK_BOX", "reason": "attestation lapsed"}, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.LessOrEqual(t, body["current_score"].(float64), float64(600))
}

func TestProofEndpoints(t *testing.T) {
	ts, mem := newTestServer(t)
	id := registerAgentHTTP(t, ts, 3, "VERIFIED_BOX")

	resp, _ := doJSON(t, "POST", ts.URL+"/api/v1/authorize", map[string]interface{}{
		"agent_id":    id,
		"action_type": "data_read",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, "GET", ts.URL+"/api/v1/proof/verify", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])

	resp, body = doJSON(t, "GET", ts.URL+"/api/v1/proof/stats", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["intact"])
	assert.Greater(t, body["length"].(float64), float64(0))

	last, err := mem.LastEntry(context.Background())
	require.NoError(t, err)
	resp, body = doJSON(t, "GET", ts.URL+"/api/v1/proof/events/"+last.Hash, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])
	assert.NotEmpty(t, body["attestation"])

	resp, _ = doJSON(t, "GET", ts.URL+"/api/v1/proof/events/ffff", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, "GET", ts.URL+"/api/v1/proof/verify?from=notanumber", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWithdrawOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)
	id := registerAgentHTTP(t, ts, 4, "VERIFIED_BOX")

	resp, body := doJSON(t, "POST", ts.URL+"/api/v1/authorize", map[string]interface{}{
		"agent_id":    id,
		"action_type": "deploy",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	intent := body["intent"].(map[string]interface{})
	intentID := intent["id"].(string)

	resp, body = doJSON(t, "POST", ts.URL+"/api/v1/intents/"+intentID+"/withdraw",
		map[string]interface{}{"reason": "plan changed"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "withdrawn", body["status"])

	resp, _ = doJSON(t, "POST", ts.URL+"/api/v1/intents/"+intentID+"/withdraw", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCapabilitiesEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, "GET", ts.URL+"/api/v1/capabilities", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["bands"].([]interface{}), 5)
}

func TestCORSOrigins(t *testing.T) {
	get := func(srv *Server, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/health", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		return rec
	}

	open := &Server{chain: proofchain.New(store.NewMemory())}
	rec := get(open, "https://anywhere.example")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	restricted := &Server{
		chain:   proofchain.New(store.NewMemory()),
		origins: []string{"https://console.example"},
	}
	rec = get(restricted, "https://console.example")
	assert.Equal(t, "https://console.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(restricted, "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusOK, rec.Code)
}
