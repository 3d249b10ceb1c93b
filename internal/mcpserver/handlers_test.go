package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentbattle/internal/config"
	"github.com/mbd888/agentbattle/internal/logging"
	"github.com/mbd888/agentbattle/internal/retry"
	"github.com/mbd888/agentbattle/internal/server"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewBattleClient(Config{APIURL: ts.URL, Role: "requester", Retry: fastRetry})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

const snapshotJSON = `{
	"requesterWallet": {"role": "requester", "stableBalance": "955.000000"},
	"providerWallet": {"role": "provider", "stableBalance": "100.000000"},
	"escrow": "45.000000",
	"transaction": {"id": "0xabc", "state": "COMMITTED", "amount": "45.000000"},
	"negotiation": null,
	"version": 7
}`

// ============================================================
// Client tests
// ============================================================

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "session_not_found",
			"message": "No session with that id",
		})
	}))
	defer ts.Close()

	client := NewBattleClient(Config{APIURL: ts.URL, Retry: fastRetry})
	_, err := client.Actions(context.Background(), "bs_missing")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "session_not_found", apiErr.Code)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "No session with that id")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout\n"))
	}))
	defer ts.Close()

	client := NewBattleClient(Config{APIURL: ts.URL, Retry: fastRetry})
	_, err := client.Timeline(context.Background(), "bs_1", 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewBattleClient(Config{APIURL: "http://127.0.0.1:1", Retry: fastRetry})
	_, err := client.Summary(context.Background(), "bs_1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_RetriesBusySession(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"busy","message":"Session is busy, try again"}`))
			return
		}
		_, _ = w.Write([]byte(`{"intent":"CANCEL","version":2,"snapshot":{}}`))
	}))
	defer ts.Close()

	client := NewBattleClient(Config{APIURL: ts.URL, Retry: fastRetry})
	_, err := client.Dispatch(context.Background(), "bs_1", map[string]any{"type": "CANCEL", "actor": "requester"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"invalid_transition","message":"no"}`))
	}))
	defer ts.Close()

	client := NewBattleClient(Config{APIURL: ts.URL, Retry: fastRetry})
	raw, err := client.Dispatch(context.Background(), "bs_1", map[string]any{"type": "CANCEL", "actor": "requester"})
	require.Error(t, err)
	assert.NotEmpty(t, raw, "rejection body is returned")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_QueryParameters(t *testing.T) {
	var gotPath, gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"events":[]}`))
	}))
	defer ts.Close()

	client := NewBattleClient(Config{APIURL: ts.URL + "/", Retry: fastRetry})
	_, err := client.Timeline(context.Background(), "bs_1", 4, 10)
	require.NoError(t, err)
	assert.Equal(t, "/v1/sessions/bs_1/timeline", gotPath)
	assert.Equal(t, "limit=10&since=4", gotQuery)

	_, err = client.Summary(context.Background(), "bs_1", 3)
	require.NoError(t, err)
	assert.Equal(t, "/v1/sessions/bs_1/summary", gotPath)
	assert.Equal(t, "format=text&recent=3", gotQuery)
}

func TestClient_DispatchDefaultsActor(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewBattleClient(Config{APIURL: ts.URL, Role: "provider", Retry: fastRetry})
	_, err := client.Dispatch(context.Background(), "bs_1", map[string]any{"type": "START_WORK"})
	require.NoError(t, err)
	assert.Equal(t, "provider", got["actor"])

	_, err = client.Dispatch(context.Background(), "bs_1", map[string]any{"type": "CANCEL", "actor": "requester"})
	require.NoError(t, err)
	assert.Equal(t, "requester", got["actor"], "explicit actor wins")
}

// ============================================================
// Handler tests
// ============================================================

func TestHandlers_RequireSessionID(t *testing.T) {
	h := NewHandlers(NewBattleClient(Config{APIURL: "http://127.0.0.1:1", Retry: fastRetry}))
	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"summary":  h.HandleBattleSummary,
		"timeline": h.HandleBattleTimeline,
		"actions":  h.HandleAvailableActions,
		"submit":   h.HandleSubmitIntent,
	}
	for name, fn := range handlers {
		t.Run(name, func(t *testing.T) {
			result, err := fn(context.Background(), makeRequest(nil))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), "session_id is required")
		})
	}
}

func TestHandleSubmitIntent_RequiresType(t *testing.T) {
	h := NewHandlers(NewBattleClient(Config{APIURL: "http://127.0.0.1:1", Retry: fastRetry}))
	result, err := h.HandleSubmitIntent(context.Background(), makeRequest(map[string]any{"session_id": "bs_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "type is required")
}

func TestHandleSubmitIntent_Accepted(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/bs_1/intents", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"intent":"LINK_ESCROW","version":7,"snapshot":` + snapshotJSON + `}`))
	}))
	defer cleanup()

	result, err := h.HandleSubmitIntent(context.Background(), makeRequest(map[string]any{
		"session_id": "bs_1",
		"type":       "LINK_ESCROW",
		"approved":   true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "LINK_ESCROW accepted (version 7)")
	assert.Contains(t, text, "State: COMMITTED | Amount: 45.000000 USDC")
	assert.Contains(t, text, "Escrow: 45.000000 USDC")

	assert.Equal(t, "requester", body["actor"])
	assert.Equal(t, true, body["approved"])
}

func TestHandleSubmitIntent_MapsArguments(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"intent":"RAISE_DISPUTE","version":1,"snapshot":{}}`))
	}))
	defer cleanup()

	_, err := h.HandleSubmitIntent(context.Background(), makeRequest(map[string]any{
		"session_id":      "bs_1",
		"type":            "RAISE_DISPUTE",
		"reason":          "Output was empty",
		"evidence":        "ipfs://proof",
		"proof_reference": "ipfs://delivery",
	}))
	require.NoError(t, err)
	assert.Equal(t, "Output was empty", body["reason"])
	assert.Equal(t, "ipfs://proof", body["evidence"])
	assert.Equal(t, "ipfs://delivery", body["proofReference"])
	assert.NotContains(t, body, "amount")
	assert.NotContains(t, body, "approved")
}

func TestHandleSubmitIntent_RejectionIsNotAToolError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"not_your_turn","message":"it is the provider's turn","intent":"COUNTER_OFFER","snapshot":` + snapshotJSON + `}`))
	}))
	defer cleanup()

	result, err := h.HandleSubmitIntent(context.Background(), makeRequest(map[string]any{
		"session_id": "bs_1",
		"type":       "COUNTER_OFFER",
		"amount":     "40",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "COUNTER_OFFER rejected (not_your_turn): it is the provider's turn")
	assert.Contains(t, text, "The battle is unchanged.")
	assert.Contains(t, text, "Requester: 955.000000 USDC")
}

func TestHandleSubmitIntent_ServerFailure(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"invariant_violation","message":"discarded"}`))
	}))
	defer cleanup()

	result, err := h.HandleSubmitIntent(context.Background(), makeRequest(map[string]any{
		"session_id": "bs_1",
		"type":       "CANCEL",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Failed to submit CANCEL")
}

func TestHandleBattleTimeline_Format(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"events":[
			{"seq":1,"actor":"requester","title":"Transaction created","description":"Label images for 50 USDC","toState":"INITIATED"},
			{"seq":2,"actor":"provider","title":"Quote sent","fromState":"INITIATED","toState":"QUOTED"}
		],"count":2,"total":2}`))
	}))
	defer cleanup()

	result, err := h.HandleBattleTimeline(context.Background(), makeRequest(map[string]any{"session_id": "bs_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 of 2 event(s)")
	assert.Contains(t, text, "#1 [requester] Transaction created\n   Label images for 50 USDC")
	assert.Contains(t, text, "#2 [provider] Quote sent (INITIATED -> QUOTED)")
}

func TestHandleBattleTimeline_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"events":[],"count":0,"total":0}`))
	}))
	defer cleanup()

	result, err := h.HandleBattleTimeline(context.Background(), makeRequest(map[string]any{"session_id": "bs_1"}))
	require.NoError(t, err)
	assert.Equal(t, "No events yet.", resultText(t, result))
}

func TestHandleAvailableActions_GroupsByActor(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"actions":[
			{"type":"QUOTE","actor":"provider"},
			{"type":"CANCEL","actor":"requester"},
			{"type":"CANCEL","actor":"provider"}
		],"waitingOn":["provider","requester"]}`))
	}))
	defer cleanup()

	result, err := h.HandleAvailableActions(context.Background(), makeRequest(map[string]any{"session_id": "bs_1"}))
	require.NoError(t, err)
	assert.Equal(t, "Waiting on: provider, requester\nprovider: QUOTE, CANCEL\nrequester: CANCEL", resultText(t, result))
}

func TestHandleAvailableActions_Finished(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"actions":[],"waitingOn":[]}`))
	}))
	defer cleanup()

	result, err := h.HandleAvailableActions(context.Background(), makeRequest(map[string]any{"session_id": "bs_1"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No moves available")
}

func TestHandleBattleSummary_PassesText(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte("No transaction yet.\n"))
	}))
	defer cleanup()

	result, err := h.HandleBattleSummary(context.Background(), makeRequest(map[string]any{"session_id": "bs_1"}))
	require.NoError(t, err)
	assert.Equal(t, "No transaction yet.\n", resultText(t, result))
}

// ============================================================
// Against a live battle server
// ============================================================

func newLiveSetup(t *testing.T) (*Handlers, *BattleClient) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Port:                   "0",
		Env:                    "development",
		LogLevel:               "error",
		LogFormat:              "text",
		RequesterStableBalance: "1000",
		ProviderStableBalance:  "100",
		GasBalance:             "0.05",
		DefaultMaxRounds:       3,
		DefaultDeadline:        24 * time.Hour,
		DefaultDisputeWindow:   72 * time.Hour,
		SessionTTL:             30 * time.Minute,
		MaxSessions:            10,
		JanitorPeriod:          time.Minute,
		RateLimitRPS:           1000,
	}
	s, err := server.New(cfg, server.WithLogger(logging.NewWithWriter(io.Discard, "error", "text")))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Shutdown()
	})

	client := NewBattleClient(Config{APIURL: ts.URL, Retry: fastRetry})
	return NewHandlers(client), client
}

func TestLive_PlayToCommitted(t *testing.T) {
	h, client := newLiveSetup(t)
	ctx := context.Background()

	raw, err := client.CreateSession(ctx, "", "", 0)
	require.NoError(t, err)
	var sess struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &sess))

	submit := func(args map[string]any) string {
		args["session_id"] = sess.ID
		result, err := h.HandleSubmitIntent(ctx, makeRequest(args))
		require.NoError(t, err)
		require.False(t, result.IsError, resultText(t, result))
		return resultText(t, result)
	}

	text := submit(map[string]any{"type": "CREATE_TRANSACTION", "actor": "requester", "amount": "50", "description": "Label images"})
	assert.Contains(t, text, "State: INITIATED")

	text = submit(map[string]any{"type": "COUNTER_OFFER", "actor": "provider", "amount": "60"})
	assert.Contains(t, text, "rejected")
	assert.Contains(t, text, "The battle is unchanged.")

	text = submit(map[string]any{"type": "LINK_ESCROW", "actor": "requester", "approved": true})
	assert.Contains(t, text, "State: COMMITTED")
	assert.Contains(t, text, "Requester: 950.000000 USDC")
	assert.Contains(t, text, "Escrow: 50.000000 USDC")

	summary, err := h.HandleBattleSummary(ctx, makeRequest(map[string]any{"session_id": sess.ID}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, summary), "COMMITTED")

	timeline, err := h.HandleBattleTimeline(ctx, makeRequest(map[string]any{"session_id": sess.ID}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, timeline), "#1 [requester]")

	actions, err := h.HandleAvailableActions(ctx, makeRequest(map[string]any{"session_id": sess.ID}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, actions), "START_WORK")
}

func TestLive_CreateBattle(t *testing.T) {
	h, _ := newLiveSetup(t)

	result, err := h.HandleCreateBattle(context.Background(), makeRequest(map[string]any{
		"requester_balance": "250",
		"max_rounds":        2,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	text := resultText(t, result)
	assert.Contains(t, text, "Session ID: bs_")
	assert.Contains(t, text, "State: no transaction")
	assert.Contains(t, text, "Requester: 250.000000 USDC")
}

func TestLive_UnknownSession(t *testing.T) {
	h, _ := newLiveSetup(t)

	result, err := h.HandleAvailableActions(context.Background(), makeRequest(map[string]any{
		"session_id": "bs_000000000000000000000000",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "404")
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
	tools := s.ListTools()
	for _, name := range []string{"create_battle", "battle_summary", "battle_timeline", "battle_available_actions", "submit_intent"} {
		assert.Contains(t, tools, name)
	}
}
