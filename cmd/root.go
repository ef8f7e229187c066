// Package cmd implements the CLI using cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/distributed"
	"github.com/strest-io/strest/internal/envutil"
	"github.com/strest-io/strest/internal/log"
	"github.com/strest-io/strest/internal/obs"
	"github.com/strest-io/strest/internal/replay"
	"github.com/strest-io/strest/internal/run"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "strest",
	Short: "strest - distributed multi-protocol load generator",
	Long: `strest drives a configured workload against a target endpoint, captures
per-request latency and outcome metrics, and produces statistically
correct end-of-run summaries plus replay/compare/snapshot artifacts.

One binary covers every role:
  strest --url http://host/path --rate 100 --duration 30s      local run
  strest --controller-listen :7777 --min-agents 2 ...          controller
  strest --agent-join controller:7777                          agent
  strest --replay --export-csv run.csv --no-ui                 replay
  strest compare left.csv right.csv                            compare`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		env := envutil.System()
		cfg, err := config.Load(cmd.Flags(), configFile, env)
		if err != nil {
			return err
		}
		if err := log.Init(log.Config{
			Level:   cfg.LogLevel,
			File:    cfg.LogFile,
			NoColor: cfg.NoColor,
		}); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if cfg.MetricsListen != "" {
			obs.NewServer(cfg.MetricsListen, "").Start()
		}

		switch cfg.Mode() {
		case config.ModeController:
			return distributed.RunController(cfg)
		case config.ModeAgent:
			return distributed.RunAgent(cfg, env)
		case config.ModeReplay:
			return replay.RunHeadless(cfg, env)
		default:
			outcome, err := run.RunLocal(run.Options{
				Config:               cfg,
				Env:                  env,
				InstallSignalHandler: true,
			})
			if err != nil {
				return err
			}
			if len(outcome.RuntimeErrors) > 0 {
				return distributed.ErrRunCompletedWithErrors
			}
			return nil
		}
	},
}

// Execute runs the CLI. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")

	flags := rootCmd.Flags()

	// Target and workload shape.
	flags.String("url", "", "target endpoint URL")
	flags.String("protocol", "http", "protocol adapter (http|grpc-unary|grpc-streaming|websocket|tcp|udp|quic|mqtt|enet|kcp|raknet)")
	flags.String("load-mode", "arrival", "load mode (arrival|step|ramp|jitter|burst|soak)")
	flags.StringP("method", "X", "GET", "HTTP method")
	flags.StringArrayP("header", "H", nil, "request header ('Name: value'), repeatable")
	flags.StringP("data", "d", "", "request body")
	flags.Uint16("status", 200, "expected status code")
	flags.Duration("duration", 0, "run duration (e.g. 30s, 5m)")
	flags.Uint64("requests", 0, "stop after this many requests (0 = unlimited)")
	flags.Duration("timeout", 0, "per-request timeout")
	flags.Duration("connect-timeout", 0, "connection setup timeout")

	// Concurrency and rate.
	flags.Int("max-tasks", 0, "maximum concurrent workers")
	flags.Int("spawn-rate", 0, "workers released per spawn interval")
	flags.Duration("spawn-interval", 0, "interval between worker spawn batches")
	flags.Uint64("rate", 0, "target requests per second (0 = uncapped)")
	flags.Duration("burst-delay", 0, "delay between request bursts")
	flags.Int("burst-rate", 0, "requests per burst")
	flags.Bool("latency-correction", false, "start the latency clock before rate token acquisition")
	flags.Bool("wait-ongoing", false, "let in-flight requests finish after the deadline")

	// Metrics pipeline.
	flags.Duration("warmup", 0, "discard metrics captured during this initial window")
	flags.Int("metrics-max", 0, "in-memory record cap for exports and fallbacks")
	flags.String("metrics-range", "", "collect records only in this A-B window (seconds)")
	flags.String("export-csv", "", "write records to a CSV file (or read in replay mode)")
	flags.String("export-json", "", "write summary+records to a JSON file (or read in replay mode)")
	flags.String("export-jsonl", "", "write summary+records to a JSONL file (or read in replay mode)")
	flags.String("tmp-path", "", "directory for shard metrics logs")
	flags.Bool("keep-tmp", false, "keep shard metrics logs after the run")
	flags.Int("log-shards", 0, "number of parallel metrics log shards")
	flags.String("db-url", "", "SQLite file for the metrics sink (requires --log-shards 1)")

	// Output.
	flags.Uint64("ui-window-ms", 0, "live chart window in milliseconds")
	flags.Int("ui-fps", 0, "live view refresh rate")
	flags.Duration("sink-interval", 0, "streaming sink update interval")
	flags.Bool("no-ui", false, "disable the live view")
	flags.Bool("no-charts", false, "disable chart artifacts")
	flags.Bool("summary", false, "print the end-of-run summary")
	flags.Bool("no-color", false, "disable ANSI colors")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-file", "", "also log to this file (rotated)")
	flags.String("metrics-listen", "", "expose Prometheus metrics on this address")

	// Replay.
	flags.Bool("replay", false, "replay a past run from logs")
	flags.String("replay-start", "", "replay window start (min|max|duration)")
	flags.String("replay-end", "", "replay window end (min|max|duration)")
	flags.Duration("replay-step", 0, "cursor step size")
	flags.Duration("replay-snapshot-interval", 0, "emit a snapshot per stride of this length")
	flags.String("replay-snapshot-start", "", "snapshot window start (min|max|duration)")
	flags.String("replay-snapshot-end", "", "snapshot window end (min|max|duration)")
	flags.String("replay-snapshot-out", "", "snapshot output directory")
	flags.String("replay-snapshot-format", "", "snapshot format (json|jsonl|csv)")

	// Distributed.
	flags.String("controller-listen", "", "run as controller, listening for agents on this address")
	flags.String("controller-mode", "", "controller mode (auto|manual)")
	flags.String("control-listen", "", "manual control plane listen address")
	flags.String("control-auth-token", "", "bearer token required on the control plane")
	flags.String("agent-join", "", "run as agent, joining the controller at this address")
	flags.String("auth-token", "", "shared token agents present in their hello")
	flags.String("agent-id", "", "agent identity (default hostname-pid)")
	flags.Uint64("agent-weight", 0, "relative share of the load this agent takes")
	flags.Int("min-agents", 0, "agents required before a run starts")
	flags.Uint64("agent-wait-timeout-ms", 0, "fail if agents do not register in time (0 = wait forever)")
	flags.Bool("agent-standby", false, "reconnect and wait for more runs after the controller goes away")
	flags.Uint64("agent-reconnect-ms", 0, "reconnect backoff in standby mode")
	flags.Uint64("agent-heartbeat-interval-ms", 0, "heartbeat send interval")
	flags.Uint64("agent-heartbeat-timeout-ms", 0, "declare a peer dead after this silence")
	flags.Bool("stream-summaries", false, "agents stream periodic summaries during the run")
	flags.Uint64("stream-interval-ms", 0, "streaming summary interval")

	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(compareCmd)
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
