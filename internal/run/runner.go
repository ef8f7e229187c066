// Package run wires the local execution path: shutdown bus, workload
// scheduler, metrics pipeline, post-run reducer, exports and the summary.
package run

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/envutil"
	"github.com/strest-io/strest/internal/export"
	"github.com/strest-io/strest/internal/log"
	"github.com/strest-io/strest/internal/metric"
	"github.com/strest-io/strest/internal/obs"
	"github.com/strest-io/strest/internal/pipeline"
	"github.com/strest-io/strest/internal/protocol"
	"github.com/strest-io/strest/internal/sched"
	"github.com/strest-io/strest/internal/shutdown"
)

// Sized for bursty ingress; overflow drops fall back on the shard logs.
const aggregatorQueueDepth = 10_000

// Outcome is the result of one local run.
type Outcome struct {
	Summary           metric.Summary
	Histogram         *metric.LatencyHistogram
	SuccessHistogram  *metric.LatencyHistogram
	LatencySum        metric.WideSum
	SuccessLatencySum metric.WideSum
	Records           []metric.Record
	RuntimeErrors     []string
}

// Options control a local run beyond the user configuration.
type Options struct {
	Config *config.Config
	Env    *envutil.Env
	// StreamFn, when set, receives periodic stream snapshots (agent mode).
	StreamFn func(pipeline.StreamSnapshot)
	// ExternalStop aborts the run when closed (agent mode stop frames).
	ExternalStop <-chan struct{}
	// Silent suppresses the human-readable summary (agent mode).
	Silent bool
	// InstallSignalHandler stops the run on SIGINT/SIGTERM.
	InstallSignalHandler bool
}

// RunLocal drives one complete workload and returns its outcome. Setup
// failures return an error; per-task failures during the run are folded
// into Outcome.RuntimeErrors.
func RunLocal(opts Options) (*Outcome, error) {
	cfg := opts.Config
	logger := log.GetLogger()

	adapter, err := protocol.Lookup(protocol.Kind(cfg.Protocol))
	if err != nil {
		return nil, err
	}
	if !adapter.ExecutesTraffic() {
		return nil, protocol.UnsupportedError(adapter.Kind())
	}
	if !protocol.SupportsLoadMode(adapter, protocol.LoadMode(cfg.LoadMode)) {
		return nil, fmt.Errorf("protocol %s does not support load mode %s", cfg.Protocol, cfg.LoadMode)
	}

	requestFn, err := adapter.NewRequestFunc(protocol.Target{
		URL:            cfg.URL,
		Method:         cfg.Method,
		Headers:        cfg.Headers,
		Body:           []byte(cfg.Data),
		ExpectedStatus: cfg.ExpectedStatus,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("set up %s request sender: %w", cfg.Protocol, err)
	}

	metricsRange, err := cfg.ParsedMetricsRange()
	if err != nil {
		return nil, err
	}

	bus := shutdown.NewBus()
	if opts.InstallSignalHandler {
		bus.StopOnSignals()
	}
	if opts.ExternalStop != nil {
		go func() {
			select {
			case <-opts.ExternalStop:
				bus.Stop("external stop")
			case <-bus.Done():
			}
		}()
	}

	runStart := time.Now()
	logPaths, err := shardLogPaths(cfg, opts.Env, runStart)
	if err != nil {
		return nil, err
	}

	sink := pipeline.NewLogSink(bus, cfg.LogShards)
	loggerCfg := pipeline.LoggerConfig{
		RunStart:       runStart,
		Warmup:         cfg.Warmup,
		ExpectedStatus: cfg.ExpectedStatus,
		MetricsMax:     cfg.MetricsMax,
		MetricsRange:   metricsRange,
	}

	type shardOutcome struct {
		result pipeline.LogResult
		err    error
	}
	shardOutcomes := make([]shardOutcome, cfg.LogShards)
	var shardWG sync.WaitGroup
	for i := 0; i < cfg.LogShards; i++ {
		shardCfg := loggerCfg
		if i == 0 && cfg.DBURL != "" {
			shardCfg.DBPath = cfg.DBURL
		}
		shardWG.Add(1)
		go func(shard int, shardCfg pipeline.LoggerConfig) {
			defer shardWG.Done()
			result, err := pipeline.RunShardLogger(logPaths[shard], shard, shardCfg, sink.Shard(shard))
			shardOutcomes[shard] = shardOutcome{result: result, err: err}
		}(i, shardCfg)
	}

	aggCh := make(chan metric.Metric, aggregatorQueueDepth)
	ui := &pipeline.Watch[pipeline.UiData]{}
	var streamCh chan pipeline.StreamSnapshot
	var streamWG sync.WaitGroup
	if opts.StreamFn != nil {
		streamCh = make(chan pipeline.StreamSnapshot, 16)
		streamWG.Add(1)
		go func() {
			defer streamWG.Done()
			for snapshot := range streamCh {
				opts.StreamFn(snapshot)
			}
		}()
	}

	aggOpts := pipeline.AggregatorOptions{
		RunStart:       runStart,
		TargetDuration: cfg.Duration,
		UIWindow:       time.Duration(cfg.UIWindowMs) * time.Millisecond,
		UIFPS:          cfg.UIFPS,
		ExpectedStatus: cfg.ExpectedStatus,
		SinkInterval:   cfg.SinkInterval,
		StreamInterval: cfg.StreamInterval(),
	}

	sinkFn := func(stats pipeline.SinkStats) {
		obs.RunRPS.Set(float64(stats.RPS))
	}

	var aggWG sync.WaitGroup
	var aggReport pipeline.Report
	aggWG.Add(1)
	go func() {
		defer aggWG.Done()
		aggReport = pipeline.RunAggregator(bus, aggOpts, aggCh, ui, sinkFn, streamCh)
	}()

	progressDone := make(chan struct{})
	if !opts.Silent && cfg.NoUI {
		go reportProgress(bus, ui, progressDone)
	} else {
		close(progressDone)
	}

	schedErr := sched.Run(bus, sched.Options{
		MaxTasks:          cfg.MaxTasks,
		SpawnRate:         cfg.SpawnRate,
		TickInterval:      cfg.SpawnInterval,
		RequestTimeout:    cfg.RequestTimeout,
		ExpectedStatus:    cfg.ExpectedStatus,
		Requests:          cfg.Requests,
		Rate:              cfg.Rate,
		Profile:           cfg.LoadProfile,
		BurstDelay:        cfg.BurstDelay,
		BurstRate:         cfg.BurstRate,
		LatencyCorrection: cfg.LatencyCorrection,
		WaitOngoing:       cfg.WaitOngoing,
		SkipPreflight:     protocol.Kind(cfg.Protocol) == protocol.KindGRPCUnary ||
			protocol.Kind(cfg.Protocol) == protocol.KindGRPCStreaming,
	}, requestFn, sink, aggCh)

	// All workers are done: EOF both pipelines and join them.
	close(aggCh)
	sink.Close()
	aggWG.Wait()
	shardWG.Wait()
	if streamCh != nil {
		close(streamCh)
		streamWG.Wait()
	}
	<-progressDone

	outcome := &Outcome{}
	if schedErr != nil {
		return nil, schedErr
	}

	var logResults []pipeline.LogResult
	for shard, so := range shardOutcomes {
		if so.err != nil {
			outcome.RuntimeErrors = append(outcome.RuntimeErrors,
				fmt.Sprintf("metrics log shard %d failed: %v", shard, so.err))
			continue
		}
		logResults = append(logResults, so.result)
	}

	if len(logResults) > 0 {
		merged := pipeline.MergeLogResults(logResults, cfg.MetricsMax)
		outcome.Summary = merged.Summary
		outcome.Histogram = merged.Histogram
		outcome.SuccessHistogram = merged.SuccessHistogram
		outcome.LatencySum = merged.LatencySum
		outcome.SuccessLatencySum = merged.SuccessLatencySum
		outcome.Records = merged.Records
	} else {
		// Every shard failed; the live aggregator is the fallback.
		outcome.Summary = aggReport.Summary
		outcome.Histogram = metric.NewLatencyHistogram()
		outcome.SuccessHistogram = metric.NewLatencyHistogram()
	}

	writeExports(cfg, outcome)

	if !opts.Silent {
		PrintSummary(outcome, cfg)
	}
	ReportRuntimeErrors(outcome.RuntimeErrors)

	if !cfg.KeepTmp {
		removeRunLogs(logPaths)
	} else {
		logger.Infof("metrics logs kept under %s", cfg.TmpPath)
	}

	return outcome, nil
}

// shardLogPaths creates the tmp directory and names one log per shard.
func shardLogPaths(cfg *config.Config, env *envutil.Env, runStart time.Time) ([]string, error) {
	if err := os.MkdirAll(cfg.TmpPath, 0o755); err != nil {
		return nil, fmt.Errorf("create tmp directory %s: %w", cfg.TmpPath, err)
	}
	pid := env.PID()
	epochMs := runStart.UnixMilli()
	paths := make([]string, cfg.LogShards)
	for i := range paths {
		paths[i] = filepath.Join(cfg.TmpPath,
			fmt.Sprintf("metrics-%d-%d-%d.log", pid, epochMs, i))
	}
	return paths, nil
}

func writeExports(cfg *config.Config, outcome *Outcome) {
	if cfg.ExportCSV != "" {
		if err := export.WriteCSV(cfg.ExportCSV, outcome.Records); err != nil {
			outcome.RuntimeErrors = append(outcome.RuntimeErrors, fmt.Sprintf("export CSV: %v", err))
		}
	}
	if cfg.ExportJSON != "" {
		if err := export.WriteJSON(cfg.ExportJSON, &outcome.Summary, outcome.Records); err != nil {
			outcome.RuntimeErrors = append(outcome.RuntimeErrors, fmt.Sprintf("export JSON: %v", err))
		}
	}
	if cfg.ExportJSONL != "" {
		if err := export.WriteJSONL(cfg.ExportJSONL, &outcome.Summary, outcome.Records); err != nil {
			outcome.RuntimeErrors = append(outcome.RuntimeErrors, fmt.Sprintf("export JSONL: %v", err))
		}
	}
}

func removeRunLogs(paths []string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.GetLogger().WithError(err).Warnf("failed to remove %s", path)
		}
	}
}

// reportProgress prints a coarse one-line status each second while the
// run is headless.
func reportProgress(bus *shutdown.Bus, ui *pipeline.Watch[pipeline.UiData], done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-bus.Done():
			return
		case <-ticker.C:
			data := ui.Load()
			if data == nil {
				continue
			}
			fmt.Fprintf(os.Stderr, "\relapsed=%s requests=%d rps=%d errors=%d   ",
				data.ElapsedTime.Truncate(time.Second), data.CurrentRequests,
				data.RPS, data.CurrentRequests-data.SuccessfulRequests)
		}
	}
}

// ReportRuntimeErrors prints runtime errors as a stderr bullet list.
func ReportRuntimeErrors(errors []string) {
	if len(errors) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr, "Runtime errors:")
	for _, message := range errors {
		fmt.Fprintf(os.Stderr, "  - %s\n", message)
	}
}
