package distributed

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/envutil"
	"github.com/strest-io/strest/internal/log"
	"github.com/strest-io/strest/internal/pipeline"
	"github.com/strest-io/strest/internal/run"
	"github.com/strest-io/strest/internal/shutdown"
)

const agentDialTimeout = 10 * time.Second

// RunAgent joins a controller, executes sharded runs it is handed, and
// reports results. With standby enabled it reconnects after the
// controller goes away; otherwise it exits after one run.
func RunAgent(cfg *config.Config, env *envutil.Env) error {
	logger := log.GetLogger()
	agentID := cfg.AgentID
	if agentID == "" {
		hostname, _ := os.Hostname()
		agentID = fmt.Sprintf("%s-%d", hostname, env.PID())
	}

	reconnectDelay := time.Duration(cfg.AgentReconnectMs) * time.Millisecond
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}

	for {
		err := runAgentOnce(cfg, env, agentID)
		if err == nil && !cfg.AgentStandby {
			return nil
		}
		if err != nil {
			logger.WithError(err).Warn("agent session ended")
			if !cfg.AgentStandby {
				return err
			}
		}
		logger.Infof("reconnecting to controller in %s", reconnectDelay)
		time.Sleep(reconnectDelay)
	}
}

// runAgentOnce performs one full controller session: hello, config,
// start, local run, report.
func runAgentOnce(cfg *config.Config, env *envutil.Env, agentID string) error {
	logger := log.GetLogger()

	raw, err := net.DialTimeout("tcp", cfg.AgentJoin, agentDialTimeout)
	if err != nil {
		return fmt.Errorf("connect to controller %s: %w", cfg.AgentJoin, err)
	}
	conn := NewFrameConn(raw)
	defer conn.Close()

	hostname, _ := os.Hostname()
	hello := &HelloMsg{
		AgentID:  agentID,
		Hostname: hostname,
		CPUCores: runtime.NumCPU(),
		Weight:   cfg.AgentWeight,
	}
	if cfg.AuthToken != "" {
		hello.AuthToken = cfg.AuthToken
	}
	if err := conn.WriteFrame(TypeHello, hello); err != nil {
		return err
	}
	logger.Infof("registered with controller %s as %s", cfg.AgentJoin, agentID)

	runID, args, startAfter, err := awaitRunAssignment(conn)
	if err != nil {
		return err
	}
	logger.Infof("received run %s (start after %s)", runID, startAfter)

	localCfg := *cfg
	ApplyWireArgs(&localCfg, args)

	stop := shutdown.NewBus()
	var lastSeenMs atomic.Int64
	lastSeenMs.Store(time.Now().UnixMilli())

	var readerWG sync.WaitGroup
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				stop.Stop("controller connection lost: " + err.Error())
				return
			}
			lastSeenMs.Store(time.Now().UnixMilli())
			switch msg := frame.(type) {
			case *HeartbeatMsg:
			case *StopMsg:
				if msg.RunID == runID {
					stop.Stop("controller sent stop")
				}
				return
			case *ErrorMsg:
				stop.Stop("controller error: " + msg.Message)
				return
			default:
				logger.Warn("unexpected frame from controller during run")
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval())
		defer ticker.Stop()
		timeoutMs := cfg.HeartbeatTimeout().Milliseconds()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-stop.Done():
				return
			case <-ticker.C:
				if err := conn.WriteFrame(TypeHeartbeat, &HeartbeatMsg{
					SentAtMs: uint64(time.Now().UnixMilli()),
				}); err != nil {
					stop.Stop("controller connection lost: " + err.Error())
					return
				}
				if timeoutMs > 0 && time.Now().UnixMilli()-lastSeenMs.Load() > timeoutMs {
					stop.Stop("controller heartbeat timed out")
					return
				}
			}
		}
	}()

	// Heartbeats are already flowing; the start delay aligns run clocks
	// across agents without going silent.
	select {
	case <-time.After(startAfter):
	case <-stop.Done():
	}

	var streamFn func(pipeline.StreamSnapshot)
	if args.StreamSummaries {
		streamFn = func(snapshot pipeline.StreamSnapshot) {
			stream := &StreamMsg{
				RunID:        runID,
				AgentID:      agentID,
				Summary:      SummaryToWire(&snapshot.Summary, snapshot.LatencySum, snapshot.SuccessLatencySum),
				HistogramB64: snapshot.HistogramB64,
			}
			if snapshot.SuccessHistogramB64 != "" {
				success := snapshot.SuccessHistogramB64
				stream.SuccessHistogramB64 = &success
			}
			if err := conn.WriteFrame(TypeStream, stream); err != nil {
				logger.WithError(err).Debug("stream frame failed")
			}
		}
	}

	outcome, runErr := run.RunLocal(run.Options{
		Config:       &localCfg,
		Env:          env,
		StreamFn:     streamFn,
		ExternalStop: stop.Done(),
		Silent:       true,
	})
	close(heartbeatDone)

	if runErr != nil {
		_ = conn.WriteFrame(TypeError, &ErrorMsg{Message: runErr.Error()})
		conn.Close()
		readerWG.Wait()
		return fmt.Errorf("local run failed: %w", runErr)
	}

	histogramB64, err := outcome.Histogram.EncodeBase64()
	if err != nil {
		histogramB64 = ""
		outcome.RuntimeErrors = append(outcome.RuntimeErrors,
			fmt.Sprintf("encode histogram: %v", err))
	}
	report := &ReportMsg{
		RunID:         runID,
		AgentID:       agentID,
		Summary:       SummaryToWire(&outcome.Summary, outcome.LatencySum, outcome.SuccessLatencySum),
		HistogramB64:  histogramB64,
		RuntimeErrors: outcome.RuntimeErrors,
	}
	if outcome.SuccessHistogram != nil {
		if encoded, err := outcome.SuccessHistogram.EncodeBase64(); err == nil {
			report.SuccessHistogramB64 = &encoded
		}
	}
	if err := conn.WriteFrame(TypeReport, report); err != nil {
		conn.Close()
		readerWG.Wait()
		return fmt.Errorf("send report: %w", err)
	}
	logger.Infof("report for run %s delivered", runID)

	conn.Close()
	readerWG.Wait()
	return nil
}

// awaitRunAssignment reads frames until Config then Start arrive.
// Heartbeats are consumed; Stop and Error end the session.
func awaitRunAssignment(conn *FrameConn) (string, *WireArgs, time.Duration, error) {
	var (
		runID string
		args  *WireArgs
	)
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return "", nil, 0, fmt.Errorf("await run assignment: %w", err)
		}
		switch msg := frame.(type) {
		case *HeartbeatMsg:
		case *ConfigMsg:
			runID = msg.RunID
			argsCopy := msg.Args
			args = &argsCopy
		case *StartMsg:
			if args == nil {
				return "", nil, 0, fmt.Errorf("start received before config")
			}
			if msg.RunID != runID {
				return "", nil, 0, fmt.Errorf("start run id %q does not match config run id %q",
					msg.RunID, runID)
			}
			return runID, args, time.Duration(msg.StartAfterMs) * time.Millisecond, nil
		case *StopMsg:
			return "", nil, 0, fmt.Errorf("controller stopped the run before start")
		case *ErrorMsg:
			return "", nil, 0, fmt.Errorf("controller error: %s", msg.Message)
		default:
			return "", nil, 0, fmt.Errorf("unexpected frame while awaiting run assignment")
		}
	}
}
