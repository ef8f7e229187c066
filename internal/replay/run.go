package replay

import (
	"fmt"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/envutil"
	"github.com/strest-io/strest/internal/log"
)

// RunHeadless evaluates the replay window once at the configured bounds,
// prints the windowed summary and emits any requested snapshots. The CLI
// runs it for every replay, with or without --no-ui; no interactive
// terminal renderer is included.
func RunHeadless(cfg *config.Config, env *envutil.Env) error {
	records, err := LoadRecords(cfg)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("replay input contains no records")
	}

	minMs := records[0].ElapsedMs
	maxMs := records[len(records)-1].ElapsedMs

	startMs, err := ResolveBound(cfg.ReplayStart, minMs, maxMs, BoundDefaultMin)
	if err != nil {
		return err
	}
	endMs, err := ResolveBound(cfg.ReplayEnd, minMs, maxMs, BoundDefaultMax)
	if err != nil {
		return err
	}
	if startMs > endMs {
		return fmt.Errorf("replay start %dms is after end %dms", startMs, endMs)
	}

	state := NewPlaybackState(startMs, endMs)
	state.End()

	slice := WindowSlice(records, state.StartMs, state.CursorMs)
	summary := Summarize(slice, cfg.ExpectedStatus, state.StartMs, state.CursorMs)
	printWindowSummary(&summary, state.StartMs, state.CursorMs)

	format, err := ParseSnapshotFormat(cfg.ReplaySnapshotFormat)
	if err != nil {
		return err
	}
	opts := SnapshotOptions{
		ExpectedStatus: cfg.ExpectedStatus,
		OutPath:        cfg.ReplaySnapshotOut,
		Env:            env,
	}

	switch {
	case cfg.ReplaySnapshotInterval > 0:
		snapStart, snapEnd, err := ResolveSnapshotWindow(
			cfg.ReplaySnapshotStart, cfg.ReplaySnapshotEnd, minMs, maxMs, startMs, endMs)
		if err != nil {
			return err
		}
		interval, err := NewIntervalState(cfg.ReplaySnapshotInterval, snapStart, snapEnd)
		if err != nil {
			return err
		}
		written, err := interval.Emit(records, opts, format, snapEnd, true)
		if err != nil {
			return err
		}
		for _, path := range written {
			log.GetLogger().Infof("snapshot written: %s", path)
		}
	case cfg.ReplaySnapshotStart != "" || cfg.ReplaySnapshotEnd != "":
		snapStart, snapEnd, err := ResolveSnapshotWindow(
			cfg.ReplaySnapshotStart, cfg.ReplaySnapshotEnd, minMs, maxMs, startMs, endMs)
		if err != nil {
			return err
		}
		path, err := WriteSnapshot(records, opts, format, snapStart, snapEnd, false)
		if err != nil {
			return err
		}
		log.GetLogger().Infof("snapshot written: %s", path)
	}

	return nil
}

func printWindowSummary(summary *WindowSummary, startMs, endMs uint64) {
	s := &summary.Summary
	fmt.Printf("Window: %dms..%dms\n", startMs, endMs)
	fmt.Printf("Total Requests: %d\n", s.TotalRequests)
	fmt.Printf("Successful: %d\n", s.SuccessfulRequests)
	fmt.Printf("Errors: %d\n", s.ErrorRequests)
	fmt.Printf("Avg Latency: %dms\n", s.AvgLatencyMs)
	fmt.Printf("Min/Max Latency: %dms / %dms\n", s.MinLatencyMs, s.MaxLatencyMs)
	fmt.Printf("P50/P90/P99 Latency: %dms / %dms / %dms\n",
		summary.All.P50, summary.All.P90, summary.All.P99)
}
