package coordinator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remoteshell/remoteshell/internal/policy"
	"github.com/remoteshell/remoteshell/internal/protocol"
)

func testServerConfig() *Config {
	return &Config{
		ListenAddr:   ":0",
		AgentTokens:  map[string]string{"web01": "tok-web01", "db01": "tok-db01"},
		PingInterval: time.Second,
		ResultGrace:  5 * time.Second,
		MaxQueueSize: 10,
		MaxInFlight:  2,
		Policy:       policy.Default(),
	}
}

type testServer struct {
	server *Server
	http   *httptest.Server
}

func newTestServer(t *testing.T, cfg *Config) *testServer {
	t.Helper()
	store := newTestStore(t)
	server, err := New(cfg, store, zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		ts.Close()
		server.registry.Shutdown()
		server.engine.Shutdown()
	})
	return &testServer{server: server, http: ts}
}

func (ts *testServer) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/agent?token=" + token
}

// connectAgent dials the agent endpoint and consumes the welcome frame.
func (ts *testServer) connectAgent(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	frame := readFrame(t, conn)
	require.Equal(t, protocol.TypeWelcome, frame.Type)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return &frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	frame, err := protocol.NewFrame(frameType, payload)
	require.NoError(t, err)
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.WriteJSON(frame))
}

func (ts *testServer) doJSON(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func closeCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return 0
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	resp, body := ts.doJSON(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, Version, health.Version)
	assert.Equal(t, 0, health.AgentsOnline)
}

func TestAgentAuthRejected(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL("wrong-token"), nil)
	require.NoError(t, err, "upgrade succeeds so the close code can be delivered")
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Equal(t, websocket.ClosePolicyViolation, closeCode(err))
}

func TestAgentConnectAndWelcome(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	conn := ts.connectAgent(t, "tok-web01")
	defer conn.Close()

	// The store reflects the connection.
	resp, body := ts.doJSON(t, http.MethodGet, "/agents/web01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail agentDetail
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Equal(t, "online", detail.Status)
	assert.True(t, detail.Queue.Online)
}

func TestSubmitDispatchAndResult(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	conn := ts.connectAgent(t, "tok-web01")

	resp, body := ts.doJSON(t, http.MethodPost, "/agents/web01/commands",
		map[string]any{"command": "uptime", "timeout_seconds": 60})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var submitted Command
	require.NoError(t, json.Unmarshal(body, &submitted))
	require.NotEmpty(t, submitted.CommandID)
	assert.Equal(t, 60, submitted.TimeoutSeconds)

	// The agent receives the dispatch.
	frame := readFrame(t, conn)
	require.Equal(t, protocol.TypeCommand, frame.Type)
	var cmdPayload protocol.CommandPayload
	require.NoError(t, frame.ParsePayload(&cmdPayload))
	assert.Equal(t, submitted.CommandID, cmdPayload.CommandID)
	assert.Equal(t, "uptime", cmdPayload.Command)

	// The agent reports the result.
	writeFrame(t, conn, protocol.TypeResult, protocol.ResultPayload{
		CommandID:     cmdPayload.CommandID,
		Stdout:        "up 4 days",
		ExitCode:      0,
		ExecutionTime: 0.2,
	})

	got := waitForStatus(t, ts.server.store, submitted.CommandID, StatusCompleted)
	assert.Equal(t, "up 4 days", got.Stdout)
}

func TestSubmitValidationRejected(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	resp, body := ts.doJSON(t, http.MethodPost, "/agents/web01/commands",
		map[string]any{"command": "ls; reboot"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, string(policy.RejectShellOperator), errResp.Kind)
}

func TestSubmitUnknownAgent(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	resp, _ := ts.doJSON(t, http.MethodPost, "/agents/ghost/commands",
		map[string]any{"command": "uptime"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitTimeoutClamped(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	resp, body := ts.doJSON(t, http.MethodPost, "/agents/web01/commands",
		map[string]any{"command": "uptime", "timeout_seconds": 9999})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var submitted Command
	require.NoError(t, json.Unmarshal(body, &submitted))
	assert.Equal(t, 300, submitted.TimeoutSeconds)
}

func TestOfflineQueueingThenDelivery(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	// db01 has a token but no session: the command queues.
	resp, body := ts.doJSON(t, http.MethodPost, "/agents/db01/commands",
		map[string]any{"command": "hostname"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var submitted Command
	require.NoError(t, json.Unmarshal(body, &submitted))

	resp, body = ts.doJSON(t, http.MethodGet, "/commands/"+submitted.CommandID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stored Command
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, StatusPending, stored.Status)

	// On connect the queued command is delivered.
	conn := ts.connectAgent(t, "tok-db01")
	frame := readFrame(t, conn)
	require.Equal(t, protocol.TypeCommand, frame.Type)
	var cmdPayload protocol.CommandPayload
	require.NoError(t, frame.ParsePayload(&cmdPayload))
	assert.Equal(t, submitted.CommandID, cmdPayload.CommandID)
}

func TestQueueFullReturns429(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxQueueSize = 2
	ts := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		resp, _ := ts.doJSON(t, http.MethodPost, "/agents/db01/commands",
			map[string]any{"command": "uptime"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := ts.doJSON(t, http.MethodPost, "/agents/db01/commands",
		map[string]any{"command": "uptime"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestCancelCommand(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	resp, body := ts.doJSON(t, http.MethodPost, "/agents/db01/commands",
		map[string]any{"command": "uptime"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var submitted Command
	require.NoError(t, json.Unmarshal(body, &submitted))

	resp, _ = ts.doJSON(t, http.MethodDelete, "/commands/"+submitted.CommandID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.doJSON(t, http.MethodGet, "/commands/"+submitted.CommandID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stored Command
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, StatusCancelled, stored.Status)

	// Cancelling again conflicts.
	resp, _ = ts.doJSON(t, http.MethodDelete, "/commands/"+submitted.CommandID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = ts.doJSON(t, http.MethodDelete, "/commands/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSupersession(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	first := ts.connectAgent(t, "tok-web01")
	second := ts.connectAgent(t, "tok-web01")

	// The first session is closed with the supersession code.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Equal(t, protocol.CloseSuperseded, closeCode(err))

	// Dispatch flows to the second session.
	resp, _ := ts.doJSON(t, http.MethodPost, "/agents/web01/commands",
		map[string]any{"command": "uptime"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frame := readFrame(t, second)
	assert.Equal(t, protocol.TypeCommand, frame.Type)
}

func TestAgentErrorFrameFailsCommand(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	conn := ts.connectAgent(t, "tok-web01")

	resp, body := ts.doJSON(t, http.MethodPost, "/agents/web01/commands",
		map[string]any{"command": "uptime"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var submitted Command
	require.NoError(t, json.Unmarshal(body, &submitted))

	frame := readFrame(t, conn)
	require.Equal(t, protocol.TypeCommand, frame.Type)

	writeFrame(t, conn, protocol.TypeError, protocol.ErrorPayload{
		CommandID: submitted.CommandID,
		Error:     "command rejected (denied): local policy",
	})

	got := waitForStatus(t, ts.server.store, submitted.CommandID, StatusFailed)
	assert.Contains(t, got.ErrorMessage, "denied")
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, -1, *got.ExitCode)
}

func TestDisconnectFailsInFlight(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	conn := ts.connectAgent(t, "tok-web01")

	resp, body := ts.doJSON(t, http.MethodPost, "/agents/web01/commands",
		map[string]any{"command": "uptime"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var submitted Command
	require.NoError(t, json.Unmarshal(body, &submitted))

	frame := readFrame(t, conn)
	require.Equal(t, protocol.TypeCommand, frame.Type)

	// The agent vanishes mid-execution.
	conn.Close()

	got := waitForStatus(t, ts.server.store, submitted.CommandID, StatusFailed)
	assert.Equal(t, "session lost", got.ErrorMessage)
}

func TestAppLevelPingPong(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	conn := ts.connectAgent(t, "tok-web01")

	writeFrame(t, conn, protocol.TypePing, protocol.PingPayload{Timestamp: "now"})
	frame := readFrame(t, conn)
	assert.Equal(t, protocol.TypePong, frame.Type)
}

func TestLivenessClose(t *testing.T) {
	cfg := testServerConfig()
	cfg.PingInterval = 50 * time.Millisecond
	ts := newTestServer(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL("tok-web01"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Never read (so no automatic pongs) until the liveness window of
	// 2×ping has passed.
	time.Sleep(200 * time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sawClose int
	for i := 0; i < 10; i++ {
		_, _, err := conn.ReadMessage()
		if err != nil {
			sawClose = closeCode(err)
			break
		}
	}
	assert.Equal(t, protocol.CloseLivenessLost, sawClose)
}

func TestBulkSubmit(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	resp, body := ts.doJSON(t, http.MethodPost, "/commands/bulk", map[string]any{
		"agent_ids": []string{"web01", "db01", "ghost"},
		"command":   "uptime",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed struct {
		Results []bulkResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(body, &parsed))
	require.Len(t, parsed.Results, 3)
	assert.NotEmpty(t, parsed.Results[0].CommandID)
	assert.NotEmpty(t, parsed.Results[1].CommandID)
	assert.Empty(t, parsed.Results[2].CommandID)
	assert.Equal(t, "unknown agent", parsed.Results[2].Error)
}

func TestStatisticsEndpoint(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	conn := ts.connectAgent(t, "tok-web01")

	resp, body := ts.doJSON(t, http.MethodPost, "/agents/web01/commands",
		map[string]any{"command": "uptime"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var submitted Command
	require.NoError(t, json.Unmarshal(body, &submitted))

	frame := readFrame(t, conn)
	var cmdPayload protocol.CommandPayload
	require.NoError(t, frame.ParsePayload(&cmdPayload))
	writeFrame(t, conn, protocol.TypeResult, protocol.ResultPayload{
		CommandID: cmdPayload.CommandID, ExitCode: 0, ExecutionTime: 1.5,
	})
	waitForStatus(t, ts.server.store, submitted.CommandID, StatusCompleted)

	resp, body = ts.doJSON(t, http.MethodGet, "/statistics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats Statistics
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats.TotalCommands)
	assert.Equal(t, 1, stats.Completed)
	assert.InDelta(t, 1.5, stats.AvgExecutionTime, 1e-9)
}

func TestHistoryExportCSV(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	resp, _ := ts.doJSON(t, http.MethodPost, "/agents/db01/commands",
		map[string]any{"command": "uptime"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.doJSON(t, http.MethodGet, "/history/export?format=csv", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, strings.Join(exportColumns, ","), lines[0])
	assert.Contains(t, lines[1], "db01")

	resp, _ = ts.doJSON(t, http.MethodGet, "/history/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryCleanup(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	resp, body := ts.doJSON(t, http.MethodPost, "/history/cleanup",
		map[string]any{"older_than_days": 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed map[string]int64
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, int64(0), parsed["purged"])

	resp, _ = ts.doJSON(t, http.MethodPost, "/history/cleanup",
		map[string]any{"older_than_days": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListEndpoints(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	for i := 0; i < 3; i++ {
		resp, _ := ts.doJSON(t, http.MethodPost, "/agents/db01/commands",
			map[string]any{"command": fmt.Sprintf("echo %d", i)})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := ts.doJSON(t, http.MethodGet, "/commands?agent_id=db01&status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cmds []Command
	require.NoError(t, json.Unmarshal(body, &cmds))
	assert.Len(t, cmds, 3)

	resp, body = ts.doJSON(t, http.MethodGet, "/agents/db01/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap QueueSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, 3, snap.Pending)
	assert.False(t, snap.Online)

	resp, _ = ts.doJSON(t, http.MethodGet, "/agents/ghost/queue", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = ts.doJSON(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPolicyEndpoint(t *testing.T) {
	ts := newTestServer(t, testServerConfig())

	resp, body := ts.doJSON(t, http.MethodGet, "/policy", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.EqualValues(t, 1000, parsed["max_length"])
	assert.NotEmpty(t, parsed["rejection_kinds"])
}
