// Package distributed implements the controller/agent protocol: wire
// framing, load sharing, report aggregation, and both controller modes.
package distributed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/metric"
)

// Frame type discriminators.
const (
	TypeHello     = "hello"
	TypeConfig    = "config"
	TypeStart     = "start"
	TypeStop      = "stop"
	TypeHeartbeat = "heartbeat"
	TypeStream    = "stream"
	TypeReport    = "report"
	TypeError     = "error"
)

// HelloMsg registers an agent with the controller. It must arrive within
// the hello deadline of the accept.
type HelloMsg struct {
	AgentID   string `json:"agent_id"`
	Hostname  string `json:"hostname"`
	CPUCores  int    `json:"cpu_cores"`
	Weight    uint64 `json:"weight"`
	AuthToken string `json:"auth_token,omitempty"`
}

// ConfigMsg carries the sharded run arguments for one agent.
type ConfigMsg struct {
	RunID string   `json:"run_id"`
	Args  WireArgs `json:"args"`
}

// StartMsg tells the agent to begin after the given delay.
type StartMsg struct {
	RunID        string `json:"run_id"`
	StartAfterMs uint64 `json:"start_after_ms"`
}

// StopMsg aborts a run; either side may send it.
type StopMsg struct {
	RunID string `json:"run_id"`
}

// HeartbeatMsg keeps the connection observably alive.
type HeartbeatMsg struct {
	SentAtMs uint64 `json:"sent_at_ms"`
}

// StreamMsg is a periodic summary snapshot from a running agent.
type StreamMsg struct {
	RunID               string      `json:"run_id"`
	AgentID             string      `json:"agent_id"`
	Summary             WireSummary `json:"summary"`
	HistogramB64        string      `json:"histogram_b64"`
	SuccessHistogramB64 *string     `json:"success_histogram_b64,omitempty"`
}

// ReportMsg is the agent's single final report for a run.
type ReportMsg struct {
	RunID               string      `json:"run_id"`
	AgentID             string      `json:"agent_id"`
	Summary             WireSummary `json:"summary"`
	HistogramB64        string      `json:"histogram_b64"`
	SuccessHistogramB64 *string     `json:"success_histogram_b64,omitempty"`
	RuntimeErrors       []string    `json:"runtime_errors"`
}

// ErrorMsg is terminal for the connection that carries it.
type ErrorMsg struct {
	Message string `json:"message"`
}

// WireSummary is a summary in transport form. Latency sums ride as
// strings so JSON number precision never truncates them.
type WireSummary struct {
	DurationMs         uint64 `json:"duration_ms"`
	TotalRequests      uint64 `json:"total_requests"`
	SuccessfulRequests uint64 `json:"successful_requests"`
	ErrorRequests      uint64 `json:"error_requests"`
	TimeoutRequests    uint64 `json:"timeout_requests,omitempty"`
	TransportErrors    uint64 `json:"transport_errors,omitempty"`
	NonExpectedStatus  uint64 `json:"non_expected_status,omitempty"`

	MinLatencyMs uint64         `json:"min_latency_ms"`
	MaxLatencyMs uint64         `json:"max_latency_ms"`
	LatencySumMs metric.WideSum `json:"latency_sum_ms"`

	SuccessMinLatencyMs uint64         `json:"success_min_latency_ms,omitempty"`
	SuccessMaxLatencyMs uint64         `json:"success_max_latency_ms,omitempty"`
	SuccessLatencySumMs metric.WideSum `json:"success_latency_sum_ms"`
}

// WireArgs is the portion of the run configuration the controller shards
// out to agents.
type WireArgs struct {
	URL                string   `json:"url"`
	Protocol           string   `json:"protocol"`
	LoadMode           string   `json:"load_mode"`
	Method             string   `json:"method"`
	Headers            []string `json:"headers"`
	Data               string   `json:"data"`
	TargetDurationSecs uint64   `json:"target_duration"`
	ExpectedStatusCode uint16   `json:"expected_status_code"`
	RequestTimeoutMs   uint64   `json:"request_timeout_ms"`
	ConnectTimeoutMs   uint64   `json:"connect_timeout_ms"`
	TmpPath            string   `json:"tmp_path"`
	KeepTmp            bool     `json:"keep_tmp"`
	WarmupMs           uint64   `json:"warmup_ms,omitempty"`
	LogShards          int      `json:"log_shards"`
	Summary            bool     `json:"summary"`
	MaxTasks           int      `json:"max_tasks"`
	SpawnRatePerTick   int      `json:"spawn_rate_per_tick"`
	TickIntervalMs     uint64   `json:"tick_interval"`
	RateLimit          *uint64  `json:"rate_limit,omitempty"`
	LoadProfile        *WireLoadProfile `json:"load_profile,omitempty"`
	MetricsMax         int      `json:"metrics_max"`
	MetricsRange       string   `json:"metrics_range,omitempty"`
	StreamSummaries    bool     `json:"stream_summaries"`
	StreamIntervalMs   uint64   `json:"stream_interval_ms,omitempty"`
}

// WireLoadProfile is a load profile in transport form.
type WireLoadProfile struct {
	InitialRPM uint64          `json:"initial_rpm"`
	Stages     []WireLoadStage `json:"stages"`
}

// WireLoadStage is one profile stage in transport form.
type WireLoadStage struct {
	DurationSecs uint64 `json:"duration_secs"`
	TargetRPM    uint64 `json:"target_rpm"`
}

// EncodeFrame serializes a message with its type discriminator spliced
// into the envelope.
func EncodeFrame(msgType string, msg any) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msgType, err)
	}
	if len(payload) < 2 || payload[0] != '{' {
		return nil, fmt.Errorf("encode %s frame: message must be a JSON object", msgType)
	}
	head := []byte(`{"type":"` + msgType + `"`)
	if len(payload) == 2 { // "{}"
		return append(head, '}'), nil
	}
	head = append(head, ',')
	return append(head, payload[1:]...), nil
}

// DecodeFrame parses one newline-stripped frame into its concrete message
// type.
func DecodeFrame(line []byte) (any, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("malformed wire frame: %w", err)
	}
	decode := func(msg any) (any, error) {
		if err := json.Unmarshal(line, msg); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", probe.Type, err)
		}
		return msg, nil
	}
	switch probe.Type {
	case TypeHello:
		return decode(&HelloMsg{})
	case TypeConfig:
		return decode(&ConfigMsg{})
	case TypeStart:
		return decode(&StartMsg{})
	case TypeStop:
		return decode(&StopMsg{})
	case TypeHeartbeat:
		return decode(&HeartbeatMsg{})
	case TypeStream:
		return decode(&StreamMsg{})
	case TypeReport:
		return decode(&ReportMsg{})
	case TypeError:
		return decode(&ErrorMsg{})
	default:
		return nil, fmt.Errorf("unexpected wire frame type %q", probe.Type)
	}
}

// BuildWireArgs projects the controller's configuration into the shape
// sent to agents. Load shares are applied per agent afterwards.
func BuildWireArgs(cfg *config.Config) WireArgs {
	args := WireArgs{
		URL:                cfg.URL,
		Protocol:           cfg.Protocol,
		LoadMode:           cfg.LoadMode,
		Method:             cfg.Method,
		Headers:            cfg.Headers,
		Data:               cfg.Data,
		TargetDurationSecs: uint64(cfg.Duration.Seconds()),
		ExpectedStatusCode: cfg.ExpectedStatus,
		RequestTimeoutMs:   uint64(cfg.RequestTimeout.Milliseconds()),
		ConnectTimeoutMs:   uint64(cfg.ConnectTimeout.Milliseconds()),
		TmpPath:            cfg.TmpPath,
		KeepTmp:            cfg.KeepTmp,
		WarmupMs:           uint64(cfg.Warmup.Milliseconds()),
		LogShards:          cfg.LogShards,
		Summary:            cfg.Summary,
		MaxTasks:           cfg.MaxTasks,
		SpawnRatePerTick:   cfg.SpawnRate,
		TickIntervalMs:     uint64(cfg.SpawnInterval.Milliseconds()),
		MetricsMax:         cfg.MetricsMax,
		MetricsRange:       cfg.MetricsRange,
		StreamSummaries:    cfg.StreamSummaries,
		StreamIntervalMs:   cfg.StreamIntervalMs,
	}
	if cfg.Rate > 0 {
		rate := cfg.Rate
		args.RateLimit = &rate
	}
	if cfg.LoadProfile != nil {
		args.LoadProfile = profileToWire(cfg.LoadProfile)
	}
	return args
}

// ApplyWireArgs folds received run arguments into the agent's local
// configuration, keeping agent-side knobs (identity, standby, paths the
// controller did not set).
func ApplyWireArgs(cfg *config.Config, args *WireArgs) {
	cfg.URL = args.URL
	cfg.Protocol = args.Protocol
	cfg.LoadMode = args.LoadMode
	cfg.Method = args.Method
	cfg.Headers = args.Headers
	cfg.Data = args.Data
	cfg.Duration = time.Duration(args.TargetDurationSecs) * time.Second
	cfg.ExpectedStatus = args.ExpectedStatusCode
	cfg.RequestTimeout = time.Duration(args.RequestTimeoutMs) * time.Millisecond
	cfg.ConnectTimeout = time.Duration(args.ConnectTimeoutMs) * time.Millisecond
	if args.TmpPath != "" {
		cfg.TmpPath = args.TmpPath
	}
	cfg.KeepTmp = args.KeepTmp
	cfg.Warmup = time.Duration(args.WarmupMs) * time.Millisecond
	if args.LogShards > 0 {
		cfg.LogShards = args.LogShards
	}
	cfg.Summary = args.Summary
	cfg.MaxTasks = args.MaxTasks
	cfg.SpawnRate = args.SpawnRatePerTick
	cfg.SpawnInterval = time.Duration(args.TickIntervalMs) * time.Millisecond
	cfg.MetricsMax = args.MetricsMax
	cfg.MetricsRange = args.MetricsRange
	if args.RateLimit != nil {
		cfg.Rate = *args.RateLimit
	} else {
		cfg.Rate = 0
	}
	cfg.LoadProfile = profileFromWire(args.LoadProfile)
	cfg.StreamSummaries = args.StreamSummaries
	cfg.StreamIntervalMs = args.StreamIntervalMs
}

func profileToWire(profile *config.LoadProfile) *WireLoadProfile {
	wire := &WireLoadProfile{InitialRPM: profile.InitialRPM}
	for _, stage := range profile.Stages {
		wire.Stages = append(wire.Stages, WireLoadStage{
			DurationSecs: uint64(stage.Duration.Seconds()),
			TargetRPM:    stage.TargetRPM,
		})
	}
	return wire
}

func profileFromWire(wire *WireLoadProfile) *config.LoadProfile {
	if wire == nil {
		return nil
	}
	profile := &config.LoadProfile{InitialRPM: wire.InitialRPM}
	for _, stage := range wire.Stages {
		profile.Stages = append(profile.Stages, config.LoadStage{
			Duration:  time.Duration(stage.DurationSecs) * time.Second,
			TargetRPM: stage.TargetRPM,
		})
	}
	return profile
}

// SummaryToWire converts a run summary plus its wide sums to transport
// form.
func SummaryToWire(s *metric.Summary, latencySum, successLatencySum metric.WideSum) WireSummary {
	return WireSummary{
		DurationMs:          uint64(s.Duration.Milliseconds()),
		TotalRequests:       s.TotalRequests,
		SuccessfulRequests:  s.SuccessfulRequests,
		ErrorRequests:       s.ErrorRequests,
		TimeoutRequests:     s.TimeoutRequests,
		TransportErrors:     s.TransportErrors,
		NonExpectedStatus:   s.NonExpectedStatus,
		MinLatencyMs:        s.MinLatencyMs,
		MaxLatencyMs:        s.MaxLatencyMs,
		LatencySumMs:        latencySum,
		SuccessMinLatencyMs: s.SuccessMinLatencyMs,
		SuccessMaxLatencyMs: s.SuccessMaxLatencyMs,
		SuccessLatencySumMs: successLatencySum,
	}
}
