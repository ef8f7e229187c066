package distributed

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/log"
	"github.com/strest-io/strest/internal/obs"
)

const (
	// Control-plane requests are small; anything larger is rejected.
	maxControlRequestBytes = 1 * 1024 * 1024
	// Reads on the control plane carry a deadline so a stalled client
	// cannot pin a handler goroutine.
	controlReadTimeout = 5 * time.Second
)

// controlState is the manual controller's registry: idle agents plus at
// most one active run. All mutation happens under the mutex; session
// lifecycles run in their own goroutine with claimed agents.
type controlState struct {
	mu        sync.Mutex
	cfg       *config.Config
	agents    map[string]*idleAgent
	runActive bool
	runID     string
	stopCh    chan struct{}
	lastRun   *SessionResult
}

type idleAgent struct {
	agent   *AgentConn
	claimed chan struct{}
	// released is closed once the idle supervisor has stopped reading, so
	// a session never shares the connection with it.
	released chan struct{}
}

// runManual serves the manual control plane: agents register and idle
// until an operator starts a run over HTTP.
func runManual(cfg *config.Config) error {
	logger := log.GetLogger()

	agentListener, err := net.Listen("tcp", cfg.ControllerListen)
	if err != nil {
		return fmt.Errorf("bind controller listener %s: %w", cfg.ControllerListen, err)
	}
	defer agentListener.Close()

	controlListener, err := net.Listen("tcp", cfg.ControlListen)
	if err != nil {
		return fmt.Errorf("bind control listener %s: %w", cfg.ControlListen, err)
	}
	defer controlListener.Close()

	logger.Infof("controller listening on %s (manual mode), control plane on %s",
		cfg.ControllerListen, cfg.ControlListen)

	state := &controlState{cfg: cfg, agents: make(map[string]*idleAgent)}

	go func() {
		for {
			raw, err := agentListener.Accept()
			if err != nil {
				return
			}
			go func() {
				agent, err := acceptAgent(raw, cfg.AuthToken)
				if err != nil {
					logger.WithError(err).Warn("agent rejected")
					return
				}
				state.addAgent(agent)
			}()
		}
	}()

	for {
		conn, err := controlListener.Accept()
		if err != nil {
			return fmt.Errorf("accept control connection: %w", err)
		}
		go state.handleControlConn(conn)
	}
}

func (s *controlState) addAgent(agent *AgentConn) {
	idle := &idleAgent{
		agent:    agent,
		claimed:  make(chan struct{}),
		released: make(chan struct{}),
	}
	s.mu.Lock()
	if previous, ok := s.agents[agent.ID]; ok {
		// Latest registration wins; the stale connection is dropped.
		previous.agent.conn.Close()
	}
	s.agents[agent.ID] = idle
	count := len(s.agents)
	s.mu.Unlock()
	obs.AgentsConnected.Set(float64(count))
	log.GetLogger().Infof("agent %s registered (host=%s, weight=%d)",
		agent.ID, agent.Hostname, agent.Weight)

	go s.superviseIdleAgent(idle)
}

// superviseIdleAgent consumes heartbeats from a parked agent and detects
// disconnects; it hands the connection over untouched once claimed for a
// run.
func (s *controlState) superviseIdleAgent(idle *idleAgent) {
	defer close(idle.released)
	conn := idle.agent.conn
	for {
		select {
		case <-idle.claimed:
			return
		default:
		}
		frame, err := conn.ReadFrameDeadline(time.Now().Add(200 * time.Millisecond))
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-idle.claimed:
				return
			default:
			}
			s.removeAgent(idle.agent.ID)
			conn.Close()
			return
		}
		if _, ok := frame.(*HeartbeatMsg); !ok {
			log.GetLogger().Warnf("idle agent %s sent unexpected frame", idle.agent.ID)
		}
	}
}

func (s *controlState) removeAgent(agentID string) {
	s.mu.Lock()
	delete(s.agents, agentID)
	count := len(s.agents)
	s.mu.Unlock()
	obs.AgentsConnected.Set(float64(count))
	log.GetLogger().Infof("agent %s disconnected", agentID)
}

// startRequest is the POST /runs payload.
type startRequest struct {
	WaitTimeoutMs *uint64 `json:"wait_timeout_ms,omitempty"`
}

// claimAgents atomically takes every idle agent for a run and records the
// given run id as active. Returns nil when a run is already active or
// fewer than min agents are available. It blocks
// briefly until each idle supervisor has released its connection.
func (s *controlState) claimAgents(min int, runID string) []*AgentConn {
	s.mu.Lock()
	if s.runActive || len(s.agents) < min {
		s.mu.Unlock()
		return nil
	}
	idles := make([]*idleAgent, 0, len(s.agents))
	for id, idle := range s.agents {
		close(idle.claimed)
		idles = append(idles, idle)
		delete(s.agents, id)
	}
	s.runActive = true
	s.runID = runID
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	claimed := make([]*AgentConn, 0, len(idles))
	for _, idle := range idles {
		<-idle.released
		claimed = append(claimed, idle.agent)
	}
	return claimed
}

func (s *controlState) finishRun(result SessionResult) {
	s.mu.Lock()
	s.runActive = false
	s.runID = ""
	s.stopCh = nil
	s.lastRun = &result
	s.mu.Unlock()
	reportControllerErrors(result.RuntimeErrors)
	if len(result.AgentStates) > 0 {
		summary, histogram, successHistogram := AggregateSnapshots(result.AgentStates)
		printAggregated(s.cfg, &summary, histogram, successHistogram)
	}
}

func (s *controlState) handleControlConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(controlReadTimeout))

	request, err := readControlRequest(conn)
	if err != nil {
		writeControlResponse(conn, 400, map[string]string{"error": err.Error()})
		return
	}

	if s.cfg.ControlAuthToken != "" {
		token := strings.TrimPrefix(request.headers["authorization"], "Bearer ")
		if token != s.cfg.ControlAuthToken {
			writeControlResponse(conn, 401, map[string]string{"error": "unauthorized"})
			return
		}
	}

	switch {
	case request.method == "GET" && request.path == "/agents":
		s.serveAgentList(conn)
	case request.method == "POST" && request.path == "/runs":
		s.serveStartRun(conn, request.body)
	case request.method == "POST" && strings.HasPrefix(request.path, "/runs/") && strings.HasSuffix(request.path, "/stop"):
		runID := strings.TrimSuffix(strings.TrimPrefix(request.path, "/runs/"), "/stop")
		s.serveStopRun(conn, runID)
	default:
		writeControlResponse(conn, 404, map[string]string{"error": "not found"})
	}
}

func (s *controlState) serveAgentList(conn net.Conn) {
	type agentInfo struct {
		AgentID  string `json:"agent_id"`
		Hostname string `json:"hostname"`
		CPUCores int    `json:"cpu_cores"`
		Weight   uint64 `json:"weight"`
	}
	s.mu.Lock()
	list := make([]agentInfo, 0, len(s.agents))
	for _, idle := range s.agents {
		list = append(list, agentInfo{
			AgentID:  idle.agent.ID,
			Hostname: idle.agent.Hostname,
			CPUCores: idle.agent.CPUCores,
			Weight:   idle.agent.Weight,
		})
	}
	s.mu.Unlock()
	writeControlResponse(conn, 200, map[string]any{"agents": list})
}

func (s *controlState) serveStartRun(conn net.Conn, body []byte) {
	var request startRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &request); err != nil {
			writeControlResponse(conn, 400, map[string]string{"error": "invalid start request"})
			return
		}
	}

	s.mu.Lock()
	active := s.runActive
	s.mu.Unlock()
	if active {
		writeControlResponse(conn, 409, map[string]string{"error": "run in progress"})
		return
	}

	runID := uuid.NewString()
	claimed := s.claimAgents(s.cfg.MinAgents, runID)
	if claimed == nil && request.WaitTimeoutMs != nil {
		waitDeadline := time.Now().Add(time.Duration(*request.WaitTimeoutMs) * time.Millisecond)
		for claimed == nil && time.Now().Before(waitDeadline) {
			time.Sleep(100 * time.Millisecond)
			claimed = s.claimAgents(s.cfg.MinAgents, runID)
		}
	}
	if claimed == nil {
		writeControlResponse(conn, 409, map[string]string{"error": "not enough agents"})
		return
	}

	stopCh := s.currentStopCh()
	go func() {
		s.finishRun(runSession(s.cfg, runID, claimed, stopCh))
	}()
	writeControlResponse(conn, 200, map[string]string{"status": "started", "run_id": runID})
}

func (s *controlState) currentStopCh() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh
}

func (s *controlState) serveStopRun(conn net.Conn, runID string) {
	s.mu.Lock()
	match := s.runActive && (runID == s.runID || s.runID == "")
	stopCh := s.stopCh
	s.mu.Unlock()
	if !match || stopCh == nil {
		writeControlResponse(conn, 404, map[string]string{"error": "no such run"})
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	writeControlResponse(conn, 200, map[string]string{"status": "stopping"})
}

type controlRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

// readControlRequest hand-parses one HTTP/1.1 request with hard caps on
// total size.
func readControlRequest(conn net.Conn) (*controlRequest, error) {
	reader := bufio.NewReaderSize(conn, 8*1024)
	total := 0

	readLine := func() (string, error) {
		line, err := reader.ReadString('\n')
		total += len(line)
		if total > maxControlRequestBytes {
			return "", fmt.Errorf("request too large")
		}
		if err != nil {
			return "", fmt.Errorf("read request: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	requestLine, err := readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.Split(requestLine, " ")
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return nil, fmt.Errorf("malformed request line")
	}

	request := &controlRequest{
		method:  parts[0],
		path:    parts[1],
		headers: make(map[string]string),
	}
	for {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		request.headers[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	if lengthValue, ok := request.headers["content-length"]; ok {
		length, err := strconv.Atoi(lengthValue)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("invalid content length")
		}
		if length > maxControlRequestBytes-total {
			return nil, fmt.Errorf("request too large")
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(reader, body); err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		request.body = body
	}
	return request, nil
}

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	401: "Unauthorized",
	404: "Not Found",
	409: "Conflict",
}

func writeControlResponse(conn net.Conn, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(`{"error":"encoding failure"}`)
		status = 500
	}
	text, ok := statusText[status]
	if !ok {
		text = "Internal Server Error"
	}
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, text, len(body), body)
}
