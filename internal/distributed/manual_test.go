package distributed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func controlFixture() *controlState {
	cfg := sessionConfig()
	cfg.ControlListen = "127.0.0.1:0"
	return &controlState{cfg: cfg, agents: make(map[string]*idleAgent)}
}

// roundTrip drives one control-plane request through handleControlConn
// and parses the HTTP response.
func roundTrip(t *testing.T, state *controlState, request string) (int, map[string]any) {
	t.Helper()
	client, server := net.Pipe()
	defer client.Close()

	go state.handleControlConn(server)

	_, err := client.Write([]byte(request))
	require.NoError(t, err)

	reader := bufio.NewReader(client)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	require.GreaterOrEqual(t, len(parts), 2)
	status, err := strconv.Atoi(parts[1])
	require.NoError(t, err)

	contentLength := 0
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if value, found := strings.CutPrefix(strings.ToLower(line), "content-length:"); found {
			contentLength, err = strconv.Atoi(strings.TrimSpace(value))
			require.NoError(t, err)
		}
	}
	body := make([]byte, contentLength)
	_, err = io.ReadFull(reader, body)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	return status, payload
}

func TestControlPlaneListsAgents(t *testing.T) {
	state := controlFixture()
	state.agents["a1"] = &idleAgent{
		agent:    &AgentConn{ID: "a1", Hostname: "h1", CPUCores: 4, Weight: 2},
		claimed:  make(chan struct{}),
		released: make(chan struct{}),
	}

	status, payload := roundTrip(t, state, "GET /agents HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 200, status)
	agents, ok := payload["agents"].([]any)
	require.True(t, ok)
	require.Len(t, agents, 1)
	first := agents[0].(map[string]any)
	assert.Equal(t, "a1", first["agent_id"])
	assert.EqualValues(t, 2, first["weight"])
}

func TestControlPlaneStartWithoutAgentsConflicts(t *testing.T) {
	state := controlFixture()
	status, payload := roundTrip(t, state,
		"POST /runs HTTP/1.1\r\nHost: x\r\nContent-Length: 2\r\n\r\n{}")
	assert.Equal(t, 409, status)
	assert.NotEmpty(t, payload["error"])
}

func TestControlPlaneStartDuringActiveRunConflicts(t *testing.T) {
	state := controlFixture()
	state.runActive = true
	state.runID = "busy"
	status, _ := roundTrip(t, state,
		"POST /runs HTTP/1.1\r\nHost: x\r\nContent-Length: 2\r\n\r\n{}")
	assert.Equal(t, 409, status)
}

func TestControlPlaneStopUnknownRun(t *testing.T) {
	state := controlFixture()
	status, _ := roundTrip(t, state, "POST /runs/nope/stop HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 404, status)
}

func TestControlPlaneStopActiveRun(t *testing.T) {
	state := controlFixture()
	state.runActive = true
	state.runID = "r42"
	state.stopCh = make(chan struct{})

	status, payload := roundTrip(t, state, "POST /runs/r42/stop HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 200, status)
	assert.Equal(t, "stopping", payload["status"])
	select {
	case <-state.stopCh:
	case <-time.After(time.Second):
		t.Fatal("stop channel not closed")
	}
}

func TestControlPlaneRejectsBadToken(t *testing.T) {
	state := controlFixture()
	state.cfg.ControlAuthToken = "secret"

	status, _ := roundTrip(t, state,
		"GET /agents HTTP/1.1\r\nHost: x\r\nAuthorization: Bearer wrong\r\n\r\n")
	assert.Equal(t, 401, status)

	status, _ = roundTrip(t, state,
		"GET /agents HTTP/1.1\r\nHost: x\r\nAuthorization: Bearer secret\r\n\r\n")
	assert.Equal(t, 200, status)
}

func TestControlPlaneRejectsMalformedRequestLine(t *testing.T) {
	state := controlFixture()
	status, _ := roundTrip(t, state, "NONSENSE\r\n\r\n")
	assert.Equal(t, 400, status)
}

func TestReadControlRequestEnforcesBodyCap(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		header := fmt.Sprintf("POST /runs HTTP/1.1\r\nContent-Length: %d\r\n\r\n",
			maxControlRequestBytes+1)
		_, _ = client.Write([]byte(header))
	}()

	_ = server.SetReadDeadline(time.Now().Add(time.Second))
	_, err := readControlRequest(server)
	require.Error(t, err)
}

func TestControlStateTracksRunLifecycle(t *testing.T) {
	state := controlFixture()

	claimed := state.claimAgents(1, "r1")
	assert.Nil(t, claimed, "no agents available yet")

	idle := &idleAgent{
		agent:    &AgentConn{ID: "a1", Weight: 1},
		claimed:  make(chan struct{}),
		released: make(chan struct{}),
	}
	close(idle.released)
	state.agents["a1"] = idle

	claimed = state.claimAgents(1, "r1")
	require.Len(t, claimed, 1)
	assert.True(t, state.runActive)
	assert.Equal(t, "r1", state.runID)

	state.finishRun(SessionResult{RunID: "r1"})
	assert.False(t, state.runActive)
	assert.Empty(t, state.runID)
	require.NotNil(t, state.lastRun)
}
