package cmd

import (
	"testing"
)

func TestRootFlagSurface(t *testing.T) {
	for _, name := range []string{
		"url", "protocol", "load-mode", "duration", "requests", "status",
		"timeout", "connect-timeout", "max-tasks", "spawn-rate", "spawn-interval",
		"rate", "warmup", "metrics-max", "metrics-range",
		"export-csv", "export-json", "export-jsonl",
		"tmp-path", "keep-tmp", "log-shards", "db-url",
		"ui-window-ms", "no-ui", "no-charts", "summary", "no-color",
		"replay", "replay-start", "replay-end", "replay-step",
		"replay-snapshot-interval", "replay-snapshot-start", "replay-snapshot-end",
		"replay-snapshot-out", "replay-snapshot-format",
		"controller-listen", "controller-mode", "control-listen", "control-auth-token",
		"agent-join", "auth-token", "agent-id", "agent-weight",
		"min-agents", "agent-wait-timeout-ms", "agent-standby", "agent-reconnect-ms",
		"agent-heartbeat-interval-ms", "agent-heartbeat-timeout-ms",
		"stream-summaries", "stream-interval-ms",
	} {
		if rootCmd.Flags().Lookup(name) == nil {
			t.Errorf("missing flag --%s", name)
		}
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, sub := range rootCmd.Commands() {
		names[sub.Name()] = true
	}
	if !names["cleanup"] {
		t.Error("cleanup subcommand missing")
	}
	if !names["compare"] {
		t.Error("compare subcommand missing")
	}
}

func TestCompareRequiresTwoArgs(t *testing.T) {
	if err := compareCmd.Args(compareCmd, []string{"only-one"}); err == nil {
		t.Error("compare accepted a single argument")
	}
	if err := compareCmd.Args(compareCmd, []string{"left.csv", "right.csv"}); err != nil {
		t.Errorf("compare rejected two arguments: %v", err)
	}
}
