package distributed

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/log"
	"github.com/strest-io/strest/internal/metric"
	"github.com/strest-io/strest/internal/obs"
	"github.com/strest-io/strest/internal/run"
)

const (
	// An agent must Hello within this long of its TCP accept.
	helloTimeout = 10 * time.Second
	// Agents all delay this long after Start so their run clocks align.
	defaultStartAfterMs = 500
	// Extra time past the run deadline to wait for final reports.
	reportGraceSecs = 30
)

// ErrRunCompletedWithErrors marks a run that finished but accumulated
// runtime errors; callers exit non-zero.
var ErrRunCompletedWithErrors = errors.New("run completed with errors")

// ErrAgentWaitTimeout is returned when too few agents register in time.
var ErrAgentWaitTimeout = errors.New("timed out waiting for agents")

// AgentConn is one registered agent connection.
type AgentConn struct {
	ID       string
	Hostname string
	CPUCores int
	Weight   uint64
	conn     *FrameConn
}

// acceptAgent performs the Hello handshake on a fresh connection,
// enforcing the hello deadline and the auth token when one is set.
func acceptAgent(raw net.Conn, authToken string) (*AgentConn, error) {
	fc := NewFrameConn(raw)
	frame, err := fc.ReadFrameDeadline(time.Now().Add(helloTimeout))
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("await hello from %s: %w", raw.RemoteAddr(), err)
	}
	hello, ok := frame.(*HelloMsg)
	if !ok {
		_ = fc.WriteFrame(TypeError, &ErrorMsg{Message: "expected hello"})
		fc.Close()
		return nil, fmt.Errorf("unexpected first frame from %s", raw.RemoteAddr())
	}
	if authToken != "" && hello.AuthToken != authToken {
		_ = fc.WriteFrame(TypeError, &ErrorMsg{Message: "auth token mismatch"})
		fc.Close()
		return nil, fmt.Errorf("auth token mismatch from %s", raw.RemoteAddr())
	}
	if hello.AgentID == "" {
		_ = fc.WriteFrame(TypeError, &ErrorMsg{Message: "missing agent id"})
		fc.Close()
		return nil, fmt.Errorf("missing agent id from %s", raw.RemoteAddr())
	}
	weight := hello.Weight
	if weight == 0 {
		weight = 1
	}
	return &AgentConn{
		ID:       hello.AgentID,
		Hostname: hello.Hostname,
		CPUCores: hello.CPUCores,
		Weight:   weight,
		conn:     fc,
	}, nil
}

// RunController dispatches on the configured controller mode.
func RunController(cfg *config.Config) error {
	if cfg.ControllerMode == "manual" {
		return runManual(cfg)
	}
	return runAuto(cfg)
}

func runAuto(cfg *config.Config) error {
	listener, err := net.Listen("tcp", cfg.ControllerListen)
	if err != nil {
		return fmt.Errorf("bind controller listener %s: %w", cfg.ControllerListen, err)
	}
	defer listener.Close()
	logger := log.GetLogger()
	logger.Infof("controller listening on %s (auto mode, min_agents=%d)",
		cfg.ControllerListen, cfg.MinAgents)

	agents, err := collectAgents(listener, cfg)
	if err != nil {
		return err
	}

	result := runSession(cfg, uuid.NewString(), agents, nil)

	if len(result.AgentStates) == 0 {
		result.RuntimeErrors = append(result.RuntimeErrors, "no successful agent reports received")
		reportControllerErrors(result.RuntimeErrors)
		return ErrRunCompletedWithErrors
	}

	summary, histogram, successHistogram := AggregateSnapshots(result.AgentStates)
	printAggregated(cfg, &summary, histogram, successHistogram)

	reportControllerErrors(result.RuntimeErrors)
	if len(result.RuntimeErrors) > 0 {
		return ErrRunCompletedWithErrors
	}
	return nil
}

// collectAgents accepts connections until min_agents have said Hello or
// the wait timeout elapses.
func collectAgents(listener net.Listener, cfg *config.Config) ([]*AgentConn, error) {
	logger := log.GetLogger()
	var deadline time.Time
	if cfg.AgentWaitTimeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(cfg.AgentWaitTimeoutMs) * time.Millisecond)
		logger.Infof("waiting up to %dms for %d agent(s)", cfg.AgentWaitTimeoutMs, cfg.MinAgents)
	}

	var agents []*AgentConn
	for len(agents) < cfg.MinAgents {
		if !deadline.IsZero() {
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("%w: wanted %d, have %d",
					ErrAgentWaitTimeout, cfg.MinAgents, len(agents))
			}
			if tcp, ok := listener.(*net.TCPListener); ok {
				_ = tcp.SetDeadline(deadline)
			}
		}
		raw, err := listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("%w: wanted %d, have %d",
					ErrAgentWaitTimeout, cfg.MinAgents, len(agents))
			}
			return nil, fmt.Errorf("accept agent: %w", err)
		}
		agent, err := acceptAgent(raw, cfg.AuthToken)
		if err != nil {
			logger.WithError(err).Warn("agent rejected")
			continue
		}
		logger.Infof("agent %s registered (host=%s, weight=%d)",
			agent.ID, agent.Hostname, agent.Weight)
		agents = append(agents, agent)
		obs.AgentsConnected.Set(float64(len(agents)))
	}
	return agents, nil
}

type agentEventKind int

const (
	evHeartbeat agentEventKind = iota
	evStream
	evReport
	evError
	evDisconnected
)

type agentEvent struct {
	agentID string
	kind    agentEventKind
	stream  *StreamMsg
	report  *ReportMsg
	message string
}

// SessionResult is the controller-side outcome of one distributed run.
type SessionResult struct {
	RunID         string
	AgentStates   map[string]*AgentSnapshot
	RuntimeErrors []string
}

// runSession owns one distributed run: it sends Config and Start to every
// agent, then aggregates Stream and Report frames until all pending
// agents report, the deadline passes, or everyone disconnects. stopCh,
// when non-nil, broadcasts Stop to all agents (manual mode).
func runSession(cfg *config.Config, runID string, agents []*AgentConn, stopCh <-chan struct{}) SessionResult {
	logger := log.GetLogger()
	result := SessionResult{
		RunID:       runID,
		AgentStates: make(map[string]*AgentSnapshot),
	}
	logger.Infof("starting distributed run %s with %d agent(s)", runID, len(agents))

	weights := make([]uint64, len(agents))
	for i, agent := range agents {
		weights[i] = agent.Weight
	}
	baseArgs := BuildWireArgs(cfg)

	live := make([]*AgentConn, 0, len(agents))
	for idx, agent := range agents {
		args := baseArgs
		ApplyLoadShare(&args, weights, idx)
		if err := agent.conn.WriteFrame(TypeConfig, &ConfigMsg{RunID: runID, Args: args}); err != nil {
			result.RuntimeErrors = append(result.RuntimeErrors,
				fmt.Sprintf("send config to agent %s: %v", agent.ID, err))
			agent.conn.Close()
			continue
		}
		live = append(live, agent)
	}
	for _, agent := range live {
		if err := agent.conn.WriteFrame(TypeStart, &StartMsg{RunID: runID, StartAfterMs: defaultStartAfterMs}); err != nil {
			result.RuntimeErrors = append(result.RuntimeErrors,
				fmt.Sprintf("send start to agent %s: %v", agent.ID, err))
		}
	}

	sessionDone := make(chan struct{})
	defer close(sessionDone)

	events := make(chan agentEvent, 64)
	pending := make(map[string]bool, len(live))
	lastSeen := make(map[string]time.Time, len(live))
	disconnected := make(map[string]bool)
	for _, agent := range live {
		pending[agent.ID] = true
		lastSeen[agent.ID] = time.Now()
		go readAgentFrames(agent, events, sessionDone)
		go sendHeartbeats(agent.conn, cfg.HeartbeatInterval(), sessionDone)
	}

	heartbeatTimeout := cfg.HeartbeatTimeout()
	sweep := time.NewTicker(heartbeatCheckInterval(heartbeatTimeout))
	defer sweep.Stop()
	sinkInterval := cfg.SinkInterval
	if sinkInterval <= 0 {
		sinkInterval = time.Second
	}
	sinkTicker := time.NewTicker(sinkInterval)
	defer sinkTicker.Stop()
	sinkDirty := false
	deadline := time.NewTimer(cfg.Duration + reportGraceSecs*time.Second)
	defer deadline.Stop()

	evict := func(agentID, message string) {
		if disconnected[agentID] {
			return
		}
		disconnected[agentID] = true
		delete(pending, agentID)
		delete(lastSeen, agentID)
		result.RuntimeErrors = append(result.RuntimeErrors,
			fmt.Sprintf("agent %s: %s", agentID, message))
		obs.AgentsConnected.Dec()
	}

	for len(pending) > 0 {
		select {
		case <-deadline.C:
			for agentID := range pending {
				result.RuntimeErrors = append(result.RuntimeErrors,
					fmt.Sprintf("timed out waiting for report from agent %s", agentID))
			}
			return result
		case <-stopCh:
			stopCh = nil
			for _, agent := range live {
				if !disconnected[agent.ID] {
					_ = agent.conn.WriteFrame(TypeStop, &StopMsg{RunID: runID})
				}
			}
		case event := <-events:
			if disconnected[event.agentID] {
				continue
			}
			lastSeen[event.agentID] = time.Now()
			switch event.kind {
			case evHeartbeat:
			case evStream:
				if event.stream.RunID != runID {
					result.RuntimeErrors = append(result.RuntimeErrors,
						fmt.Sprintf("agent %s streamed mismatched run id %q", event.agentID, event.stream.RunID))
					continue
				}
				snapshot, err := snapshotFromWire(event.stream.Summary,
					event.stream.HistogramB64, event.stream.SuccessHistogramB64)
				if err != nil {
					result.RuntimeErrors = append(result.RuntimeErrors,
						fmt.Sprintf("agent %s stream decode: %v", event.agentID, err))
					continue
				}
				result.AgentStates[event.agentID] = snapshot
				sinkDirty = true
			case evReport:
				if event.report.RunID != runID {
					result.RuntimeErrors = append(result.RuntimeErrors,
						fmt.Sprintf("agent %s reported mismatched run id %q", event.agentID, event.report.RunID))
					continue
				}
				snapshot, err := snapshotFromWire(event.report.Summary,
					event.report.HistogramB64, event.report.SuccessHistogramB64)
				if err != nil {
					result.RuntimeErrors = append(result.RuntimeErrors,
						fmt.Sprintf("agent %s report decode: %v", event.agentID, err))
					continue
				}
				result.AgentStates[event.agentID] = snapshot
				for _, message := range event.report.RuntimeErrors {
					result.RuntimeErrors = append(result.RuntimeErrors,
						fmt.Sprintf("agent %s: %s", event.agentID, message))
				}
				delete(pending, event.agentID)
				sinkDirty = true
			case evError:
				evict(event.agentID, event.message)
			case evDisconnected:
				evict(event.agentID, event.message)
			}
		case <-sinkTicker.C:
			if sinkDirty {
				sinkDirty = false
				aggregated, _, _ := AggregateSnapshots(result.AgentStates)
				obs.RunRPS.Set(runningRPS(&aggregated))
				logger.Debugf("run %s aggregate: total=%d success=%d errors=%d",
					runID, aggregated.TotalRequests, aggregated.SuccessfulRequests,
					aggregated.ErrorRequests)
			}
		case <-sweep.C:
			now := time.Now()
			for agentID, seen := range lastSeen {
				if now.Sub(seen) > heartbeatTimeout {
					evict(agentID, fmt.Sprintf("heartbeat timed out after %dms", heartbeatTimeout.Milliseconds()))
				}
			}
		}
	}
	return result
}

// readAgentFrames pumps one agent's frames into the session event
// channel until the connection drops or a terminal frame arrives.
func readAgentFrames(agent *AgentConn, events chan<- agentEvent, done <-chan struct{}) {
	defer agent.conn.Close()
	for {
		frame, err := agent.conn.ReadFrame()
		if err != nil {
			sendEvent(events, done, agentEvent{
				agentID: agent.ID, kind: evDisconnected, message: err.Error()})
			return
		}
		switch msg := frame.(type) {
		case *HeartbeatMsg:
			if !sendEvent(events, done, agentEvent{agentID: agent.ID, kind: evHeartbeat}) {
				return
			}
		case *StreamMsg:
			if !sendEvent(events, done, agentEvent{agentID: agent.ID, kind: evStream, stream: msg}) {
				return
			}
		case *ReportMsg:
			sendEvent(events, done, agentEvent{agentID: agent.ID, kind: evReport, report: msg})
			return
		case *ErrorMsg:
			sendEvent(events, done, agentEvent{agentID: agent.ID, kind: evError, message: msg.Message})
			return
		default:
			sendEvent(events, done, agentEvent{
				agentID: agent.ID, kind: evError, message: "unexpected message from agent"})
			return
		}
	}
}

func sendEvent(events chan<- agentEvent, done <-chan struct{}, event agentEvent) bool {
	select {
	case events <- event:
		return true
	case <-done:
		return false
	}
}

// sendHeartbeats keeps the controller observably alive from the agent's
// perspective.
func sendHeartbeats(conn *FrameConn, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteFrame(TypeHeartbeat, &HeartbeatMsg{
				SentAtMs: uint64(time.Now().UnixMilli()),
			}); err != nil {
				return
			}
		}
	}
}

func runningRPS(summary *metric.Summary) float64 {
	seconds := summary.Duration.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(summary.TotalRequests) / seconds
}

// heartbeatCheckInterval sweeps at half the timeout, bounded to stay
// responsive without spinning.
func heartbeatCheckInterval(timeout time.Duration) time.Duration {
	interval := timeout / 2
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	return interval
}

func printAggregated(cfg *config.Config, summary *metric.Summary, histogram, successHistogram *metric.LatencyHistogram) {
	outcome := &run.Outcome{
		Summary:          *summary,
		Histogram:        histogram,
		SuccessHistogram: successHistogram,
	}
	run.PrintSummary(outcome, cfg)
}

func reportControllerErrors(errors []string) {
	run.ReportRuntimeErrors(errors)
}
