package config

import (
	"errors"
	"fmt"

	"github.com/strest-io/strest/internal/log"
)

var supportedProtocols = map[string]bool{
	"http":           true,
	"grpc-unary":     true,
	"grpc-streaming": true,
	"websocket":      true,
	"tcp":            true,
	"udp":            true,
	"quic":           true,
	"mqtt":           true,
	"enet":           true,
	"kcp":            true,
	"raknet":         true,
}

var supportedLoadModes = map[string]bool{
	"arrival": true,
	"step":    true,
	"ramp":    true,
	"jitter":  true,
	"burst":   true,
	"soak":    true,
}

// Validation failures surfaced before any run starts.
var (
	ErrMissingURL          = errors.New("a target --url is required")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrUnsupportedLoadMode = errors.New("unsupported load mode")
	ErrDBWithShards        = errors.New("--db-url requires --log-shards 1")
	ErrBadLoadProfile      = errors.New("invalid load profile")
	ErrExportConflict      = errors.New("at most one of --export-csv/--export-json/--export-jsonl may be used as a replay source")
)

// Validate checks flag combinations before any run starts. It also emits
// the handful of non-fatal warnings (ignored burst options, latency
// correction without a rate).
func (c *Config) Validate() error {
	logger := log.GetLogger()

	if !supportedProtocols[c.Protocol] {
		return fmt.Errorf("%w: %q", ErrUnsupportedProtocol, c.Protocol)
	}
	if !supportedLoadModes[c.LoadMode] {
		return fmt.Errorf("%w: %q", ErrUnsupportedLoadMode, c.LoadMode)
	}

	mode := c.Mode()
	if (mode == ModeLocal || mode == ModeController) && c.URL == "" {
		return ErrMissingURL
	}

	if c.MaxTasks <= 0 {
		return fmt.Errorf("--max-tasks must be positive, got %d", c.MaxTasks)
	}
	if c.SpawnRate <= 0 {
		return fmt.Errorf("--spawn-rate must be positive, got %d", c.SpawnRate)
	}
	if c.SpawnInterval <= 0 {
		return fmt.Errorf("--spawn-interval must be positive, got %v", c.SpawnInterval)
	}
	if c.LogShards <= 0 {
		return fmt.Errorf("--log-shards must be positive, got %d", c.LogShards)
	}
	if c.DBURL != "" && c.LogShards > 1 {
		return ErrDBWithShards
	}
	if c.Duration <= 0 {
		return fmt.Errorf("--duration must be positive, got %v", c.Duration)
	}

	if _, err := c.ParsedMetricsRange(); err != nil {
		return err
	}

	if profile := c.LoadProfile; profile != nil {
		if len(profile.Stages) == 0 {
			return fmt.Errorf("%w: no stages", ErrBadLoadProfile)
		}
		for i, stage := range profile.Stages {
			if stage.Duration <= 0 {
				return fmt.Errorf("%w: stage %d has non-positive duration", ErrBadLoadProfile, i)
			}
		}
	}

	if c.BurstDelay > 0 {
		if c.Rate > 0 {
			log.GetLogger().Warn("--burst-delay/--burst-rate are ignored when --rate is set")
		} else if c.LoadProfile != nil {
			log.GetLogger().Warn("--burst-delay/--burst-rate are ignored when a load profile is set")
		} else if c.BurstRate <= 0 {
			return fmt.Errorf("--burst-rate must be positive when --burst-delay is set")
		}
	}
	if c.LatencyCorrection && c.Rate == 0 && c.LoadProfile == nil {
		logger.Warn("--latency-correction is ignored unless --rate or a load profile is set")
	}

	switch mode {
	case ModeController:
		if c.ControllerMode != "auto" && c.ControllerMode != "manual" {
			return fmt.Errorf("--controller-mode must be auto or manual, got %q", c.ControllerMode)
		}
		if c.ControllerMode == "manual" && c.ControlListen == "" {
			return fmt.Errorf("--control-listen is required in manual controller mode")
		}
		if c.MinAgents <= 0 {
			return fmt.Errorf("--min-agents must be positive, got %d", c.MinAgents)
		}
	case ModeReplay:
		sources := 0
		for _, path := range []string{c.ExportCSV, c.ExportJSON, c.ExportJSONL} {
			if path != "" {
				sources++
			}
		}
		if sources > 1 {
			return ErrExportConflict
		}
	}

	if c.HeartbeatTimeoutMs <= c.HeartbeatIntervalMs {
		logger.Warnf("heartbeat timeout %dms is not above interval %dms; peers may flap",
			c.HeartbeatTimeoutMs, c.HeartbeatIntervalMs)
	}

	return nil
}
