package distributed

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/metric"
)

func sessionConfig() *config.Config {
	return &config.Config{
		URL:                 "http://127.0.0.1:9/ok",
		Protocol:            "http",
		LoadMode:            "arrival",
		Duration:            time.Second,
		ExpectedStatus:      200,
		MaxTasks:            2,
		SpawnRate:           2,
		SpawnInterval:       10 * time.Millisecond,
		LogShards:           1,
		HeartbeatIntervalMs: 100,
		HeartbeatTimeoutMs:  300,
		MinAgents:           1,
	}
}

// fakeAgent drives the agent half of the wire protocol in-process.
type fakeAgent struct {
	id   string
	conn *FrameConn
}

func dialFakeAgent(t *testing.T, addr, id string, weight uint64) *fakeAgent {
	t.Helper()
	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn := NewFrameConn(raw)
	require.NoError(t, conn.WriteFrame(TypeHello, &HelloMsg{
		AgentID: id, Hostname: "test", CPUCores: 2, Weight: weight,
	}))
	return &fakeAgent{id: id, conn: conn}
}

// awaitStart consumes frames until Start, returning the run id and the
// received args.
func (a *fakeAgent) awaitStart(t *testing.T) (string, WireArgs) {
	t.Helper()
	var args WireArgs
	runID := ""
	deadline := time.Now().Add(5 * time.Second)
	for {
		frame, err := a.conn.ReadFrameDeadline(deadline)
		require.NoError(t, err)
		switch msg := frame.(type) {
		case *ConfigMsg:
			runID = msg.RunID
			args = msg.Args
		case *StartMsg:
			require.Equal(t, runID, msg.RunID)
			return runID, args
		case *HeartbeatMsg:
		default:
			t.Fatalf("unexpected frame %T before start", frame)
		}
	}
}

func (a *fakeAgent) report(t *testing.T, runID string, total uint64, latencies []uint64) {
	t.Helper()
	histogram := metric.NewLatencyHistogram()
	var sum metric.WideSum
	var maxLatency uint64
	minLatency := ^uint64(0)
	for _, ms := range latencies {
		require.NoError(t, histogram.Record(ms))
		sum.Add(ms)
		if ms > maxLatency {
			maxLatency = ms
		}
		if ms < minLatency {
			minLatency = ms
		}
	}
	encoded, err := histogram.EncodeBase64()
	require.NoError(t, err)
	require.NoError(t, a.conn.WriteFrame(TypeReport, &ReportMsg{
		RunID:   runID,
		AgentID: a.id,
		Summary: WireSummary{
			DurationMs:         1000,
			TotalRequests:      total,
			SuccessfulRequests: total,
			MinLatencyMs:       minLatency,
			MaxLatencyMs:       maxLatency,
			LatencySumMs:       sum,
		},
		HistogramB64: encoded,
	}))
}

func startSession(t *testing.T, cfg *config.Config, agentCount int, weights []uint64) ([]*fakeAgent, <-chan SessionResult) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	agentsCh := make(chan []*AgentConn, 1)
	go func() {
		var agents []*AgentConn
		for len(agents) < agentCount {
			raw, err := listener.Accept()
			if err != nil {
				return
			}
			agent, err := acceptAgent(raw, cfg.AuthToken)
			if err != nil {
				continue
			}
			agents = append(agents, agent)
		}
		agentsCh <- agents
	}()

	fakes := make([]*fakeAgent, agentCount)
	for i := 0; i < agentCount; i++ {
		fakes[i] = dialFakeAgent(t, listener.Addr().String(), agentID(i), weights[i])
	}
	agents := <-agentsCh
	listener.Close()

	resultCh := make(chan SessionResult, 1)
	go func() {
		resultCh <- runSession(cfg, "run-under-test", agents, nil)
	}()
	return fakes, resultCh
}

func agentID(i int) string {
	return string(rune('a'+i)) + "gent"
}

// Scenario: two agents with weights 1 and 3 share a 400 rps rate and
// their reports aggregate into one summary.
func TestSessionSplitsRateAndAggregatesReports(t *testing.T) {
	cfg := sessionConfig()
	cfg.Rate = 400

	fakes, resultCh := startSession(t, cfg, 2, []uint64{1, 3})

	var shares []uint64
	runIDs := make([]string, 2)
	for i, fake := range fakes {
		runID, args := fake.awaitStart(t)
		runIDs[i] = runID
		require.NotNil(t, args.RateLimit)
		shares = append(shares, *args.RateLimit)
	}
	assert.ElementsMatch(t, []uint64{100, 300}, shares)

	fakes[0].report(t, runIDs[0], 100, []uint64{10, 20})
	fakes[1].report(t, runIDs[1], 300, []uint64{30, 40})

	select {
	case result := <-resultCh:
		assert.Empty(t, result.RuntimeErrors)
		require.Len(t, result.AgentStates, 2)
		summary, _, _ := AggregateSnapshots(result.AgentStates)
		assert.Equal(t, uint64(400), summary.TotalRequests)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
	for _, fake := range fakes {
		fake.conn.Close()
	}
}

// Scenario: an agent that goes silent mid-run is evicted on heartbeat
// timeout and the surviving agent's report still produces a summary.
func TestSessionEvictsSilentAgent(t *testing.T) {
	cfg := sessionConfig()

	fakes, resultCh := startSession(t, cfg, 2, []uint64{1, 1})

	runID0, _ := fakes[0].awaitStart(t)
	_, _ = fakes[1].awaitStart(t)

	// The healthy agent heartbeats then reports; the other goes silent
	// without closing, which only the heartbeat sweep can catch.
	healthyDone := make(chan struct{})
	go func() {
		defer close(healthyDone)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			<-ticker.C
			_ = fakes[0].conn.WriteFrame(TypeHeartbeat, &HeartbeatMsg{SentAtMs: uint64(time.Now().UnixMilli())})
		}
		fakes[0].report(t, runID0, 50, []uint64{5, 15})
	}()

	select {
	case result := <-resultCh:
		<-healthyDone
		require.Len(t, result.AgentStates, 1, "only the surviving agent reports")
		found := false
		for _, message := range result.RuntimeErrors {
			if strings.Contains(message, fakes[1].id) {
				found = true
			}
		}
		assert.True(t, found, "runtime errors must name the dead agent: %v", result.RuntimeErrors)
		summary, _, _ := AggregateSnapshots(result.AgentStates)
		assert.Equal(t, uint64(50), summary.TotalRequests)
	case <-time.After(15 * time.Second):
		t.Fatal("session did not finish after agent eviction")
	}
}

func TestSessionRejectsMismatchedRunID(t *testing.T) {
	cfg := sessionConfig()

	fakes, resultCh := startSession(t, cfg, 1, []uint64{1})
	_, _ = fakes[0].awaitStart(t)

	fakes[0].report(t, "some-other-run", 10, []uint64{5})
	// The mismatched report is discarded; the controller stops reading
	// after any report, so the agent stays pending until the heartbeat
	// sweep evicts it.
	fakes[0].conn.Close()

	select {
	case result := <-resultCh:
		assert.Empty(t, result.AgentStates)
		assert.NotEmpty(t, result.RuntimeErrors)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestAcceptAgentEnforcesAuthToken(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	errCh := make(chan error, 1)
	go func() {
		raw, err := listener.Accept()
		if err != nil {
			errCh <- err
			return
		}
		_, err = acceptAgent(raw, "secret")
		errCh <- err
	}()

	raw, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	conn := NewFrameConn(raw)
	require.NoError(t, conn.WriteFrame(TypeHello, &HelloMsg{AgentID: "a1", AuthToken: "wrong"}))

	require.Error(t, <-errCh)

	// The rejected agent receives a terminal error frame.
	frame, err := conn.ReadFrameDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, err)
	_, isError := frame.(*ErrorMsg)
	assert.True(t, isError)
	conn.Close()
}

func TestHeartbeatCheckIntervalBounds(t *testing.T) {
	assert.Equal(t, 150*time.Millisecond, heartbeatCheckInterval(300*time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, heartbeatCheckInterval(10*time.Millisecond))
	assert.Equal(t, time.Second, heartbeatCheckInterval(time.Minute))
}
