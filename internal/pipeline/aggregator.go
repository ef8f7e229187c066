package pipeline

import (
	"time"

	"github.com/strest-io/strest/internal/log"
	"github.com/strest-io/strest/internal/metric"
	"github.com/strest-io/strest/internal/shutdown"
)

// How long the aggregator keeps draining already-queued metrics after the
// stop signal before finalizing its summary.
const drainGrace = 200 * time.Millisecond

// UiData is one live snapshot published at UI frame rate. Renderers read
// the latest value; intermediate snapshots may be skipped.
type UiData struct {
	ElapsedTime    time.Duration
	TargetDuration time.Duration

	CurrentRequests    uint64
	SuccessfulRequests uint64
	TimeoutRequests    uint64
	TransportErrors    uint64
	NonExpectedStatus  uint64
	InFlightOps        uint64

	UIWindowMs uint64
	NoColor    bool

	// Series are (msSinceRunStart, value) pairs bounded by the UI window.
	Latencies   [][2]uint64
	RPSSeries   [][2]uint64
	BytesSeries [][2]uint64

	StatusCounts StatusCounts
	TotalBytes   uint64
	BytesPerSec  uint64

	P50, P90, P99       uint64
	P50OK, P90OK, P99OK uint64
	RPS, RPM            uint64
}

// SinkStats is the periodic digest handed to streaming sinks.
type SinkStats struct {
	Duration           time.Duration
	TotalRequests      uint64
	SuccessfulRequests uint64
	ErrorRequests      uint64
	TimeoutRequests    uint64
	MinLatencyMs       uint64
	MaxLatencyMs       uint64
	AvgLatencyMs       uint64
	P50LatencyMs       uint64
	P90LatencyMs       uint64
	P99LatencyMs       uint64
	RPS                uint64
}

// StreamSnapshot is the distributed-mode periodic digest: the running
// summary plus wire-encoded histograms.
type StreamSnapshot struct {
	Summary             metric.Summary
	LatencySum          metric.WideSum
	SuccessLatencySum   metric.WideSum
	HistogramB64        string
	SuccessHistogramB64 string
}

// Report is what the aggregator task returns on exit.
type Report struct {
	Summary metric.Summary
}

// AggregatorOptions is the aggregator's slice of the run configuration.
type AggregatorOptions struct {
	RunStart       time.Time
	TargetDuration time.Duration
	UIWindow       time.Duration
	UIFPS          int
	ExpectedStatus uint16
	SinkInterval   time.Duration
	StreamInterval time.Duration
}

type aggState struct {
	expectedStatus uint16
	uiWindow       time.Duration

	currentRequests    uint64
	successfulRequests uint64
	timeoutRequests    uint64
	transportErrors    uint64
	nonExpectedStatus  uint64
	inFlightOps        uint64

	latencySum        metric.WideSum
	successLatencySum metric.WideSum
	minLatencyMs      uint64
	maxLatencyMs      uint64
	successMinMs      uint64
	successMaxMs      uint64

	latencyWindow   pointWindow
	latencyWindowOK pointWindow
	rpsWindow       pointWindow
	rpsSamples      pointWindow
	statusWindow    statusWindow
	bytesWindow     pointWindow
	bytesSamples    pointWindow
	totalBytes      uint64

	histogram        *metric.LatencyHistogram
	successHistogram *metric.LatencyHistogram
}

func newAggState(expectedStatus uint16, uiWindow time.Duration) *aggState {
	return &aggState{
		expectedStatus:   expectedStatus,
		uiWindow:         uiWindow,
		minLatencyMs:     ^uint64(0),
		successMinMs:     ^uint64(0),
		histogram:        metric.NewLatencyHistogram(),
		successHistogram: metric.NewLatencyHistogram(),
	}
}

// RunAggregator owns every windowed series and histogram for the run. It
// consumes the worker ingress channel and periodically publishes UiData,
// sink stats and stream snapshots. Returns when the channel closes, the
// bus stops or the deadline fires; on channel close and on deadline it
// stops the bus itself.
func RunAggregator(
	bus *shutdown.Bus,
	opts AggregatorOptions,
	metrics <-chan metric.Metric,
	ui *Watch[UiData],
	sinkFn func(SinkStats),
	streamCh chan<- StreamSnapshot,
) Report {
	state := newAggState(opts.ExpectedStatus, opts.UIWindow)

	fps := opts.UIFPS
	if fps < 1 {
		fps = 1
	}
	uiTicker := time.NewTicker(time.Second / time.Duration(fps))
	defer uiTicker.Stop()

	sinkInterval := opts.SinkInterval
	if sinkInterval <= 0 {
		sinkInterval = time.Second
	}
	sinkTicker := time.NewTicker(sinkInterval)
	defer sinkTicker.Stop()

	streamInterval := opts.StreamInterval
	if streamInterval <= 0 {
		streamInterval = time.Second
	}
	streamTicker := time.NewTicker(streamInterval)
	defer streamTicker.Stop()

	deadline := time.NewTimer(opts.TargetDuration)
	defer deadline.Stop()

	ui.Store(&UiData{TargetDuration: opts.TargetDuration, UIWindowMs: uint64(opts.UIWindow.Milliseconds())})

loop:
	for {
		select {
		case <-deadline.C:
			bus.Stop("deadline reached")
			break loop
		case <-bus.Done():
			break loop
		case m, ok := <-metrics:
			if !ok {
				// All workers are gone; EOF on ingress ends the run.
				bus.Stop("metrics channel closed")
				break loop
			}
			state.processMetric(m, time.Now())
		case <-uiTicker.C:
			now := time.Now()
			state.pruneAll(now)
			ui.Store(state.buildUiData(now, opts))
		case <-sinkTicker.C:
			if sinkFn != nil {
				sinkFn(state.buildSinkStats(time.Since(opts.RunStart), time.Now()))
			}
		case <-streamTicker.C:
			if streamCh != nil {
				if snapshot, ok := state.buildStreamSnapshot(time.Since(opts.RunStart)); ok {
					select {
					case streamCh <- snapshot:
					default:
					}
				}
			}
		}
	}

	// Grab whatever the workers already queued before they saw the stop.
	drainDeadline := time.Now().Add(drainGrace)
	for time.Now().Before(drainDeadline) {
		select {
		case m, ok := <-metrics:
			if !ok {
				return Report{Summary: state.finalize(time.Since(opts.RunStart))}
			}
			state.processMetric(m, time.Now())
		default:
			return Report{Summary: state.finalize(time.Since(opts.RunStart))}
		}
	}
	return Report{Summary: state.finalize(time.Since(opts.RunStart))}
}

func (s *aggState) processMetric(m metric.Metric, now time.Time) {
	latencyMs := m.LatencyMs()

	s.currentRequests++
	s.inFlightOps = m.InFlight
	s.latencySum.Add(latencyMs)
	if latencyMs < s.minLatencyMs {
		s.minLatencyMs = latencyMs
	}
	if latencyMs > s.maxLatencyMs {
		s.maxLatencyMs = latencyMs
	}
	success := m.IsSuccess(s.expectedStatus)
	if success {
		s.successfulRequests++
		s.successLatencySum.Add(latencyMs)
		if latencyMs < s.successMinMs {
			s.successMinMs = latencyMs
		}
		if latencyMs > s.successMaxMs {
			s.successMaxMs = latencyMs
		}
	}
	switch {
	case m.TimedOut:
		s.timeoutRequests++
	case m.TransportError:
		s.transportErrors++
	case m.StatusCode != s.expectedStatus:
		s.nonExpectedStatus++
	}

	_ = s.histogram.Record(latencyMs)
	if success && s.successHistogram != nil {
		if err := s.successHistogram.Record(latencyMs); err != nil {
			log.GetLogger().WithError(err).Warn("live success histogram disabled")
			s.successHistogram = nil
		}
	}

	s.latencyWindow.push(now, latencyMs)
	if success {
		s.latencyWindowOK.push(now, latencyMs)
	}
	s.rpsWindow.pushBucketed(now, 1)
	s.statusWindow.push(now, metric.BucketOf(m.StatusCode))
	s.bytesWindow.pushBucketed(now, m.ResponseBytes)
	s.totalBytes += m.ResponseBytes

	s.latencyWindow.prune(now, s.uiWindow)
	s.latencyWindowOK.prune(now, s.uiWindow)
	s.rpsWindow.prune(now, s.uiWindow)
	s.statusWindow.prune(now, s.uiWindow)
	s.bytesWindow.prune(now, s.uiWindow)
}

func (s *aggState) pruneAll(now time.Time) {
	s.latencyWindow.prune(now, s.uiWindow)
	s.latencyWindowOK.prune(now, s.uiWindow)
	s.rpsWindow.prune(now, s.uiWindow)
	s.statusWindow.prune(now, s.uiWindow)
	s.bytesWindow.prune(now, s.uiWindow)
	s.rpsSamples.prune(now, s.uiWindow)
	s.bytesSamples.prune(now, s.uiWindow)
}

func (s *aggState) buildUiData(now time.Time, opts AggregatorOptions) *UiData {
	p50, p90, p99 := windowPercentiles(&s.latencyWindow)
	p50OK, p90OK, p99OK := windowPercentiles(&s.latencyWindowOK)

	rps := s.rpsWindow.sumSince(now, time.Second)
	s.rpsSamples.push(now, rps)
	bytesPerSec := s.bytesWindow.sumSince(now, time.Second)
	s.bytesSamples.push(now, bytesPerSec)

	return &UiData{
		ElapsedTime:        now.Sub(opts.RunStart),
		TargetDuration:     opts.TargetDuration,
		CurrentRequests:    s.currentRequests,
		SuccessfulRequests: s.successfulRequests,
		TimeoutRequests:    s.timeoutRequests,
		TransportErrors:    s.transportErrors,
		NonExpectedStatus:  s.nonExpectedStatus,
		InFlightOps:        s.inFlightOps,
		UIWindowMs:         uint64(s.uiWindow.Milliseconds()),
		Latencies:          s.latencyWindow.series(opts.RunStart),
		RPSSeries:          s.rpsSamples.series(opts.RunStart),
		BytesSeries:        s.bytesSamples.series(opts.RunStart),
		StatusCounts:       s.statusWindow.counts(),
		TotalBytes:         s.totalBytes,
		BytesPerSec:        bytesPerSec,
		P50:                p50,
		P90:                p90,
		P99:                p99,
		P50OK:              p50OK,
		P90OK:              p90OK,
		P99OK:              p99OK,
		RPS:                rps,
		RPM:                rps * 60,
	}
}

func (s *aggState) buildSinkStats(duration time.Duration, now time.Time) SinkStats {
	p50, p90, p99 := uint64(0), uint64(0), uint64(0)
	if s.histogram != nil && s.histogram.Count() > 0 {
		p50, p90, p99 = s.histogram.Percentiles()
	}
	stats := SinkStats{
		Duration:           duration,
		TotalRequests:      s.currentRequests,
		SuccessfulRequests: s.successfulRequests,
		ErrorRequests:      s.currentRequests - s.successfulRequests,
		TimeoutRequests:    s.timeoutRequests,
		MaxLatencyMs:       s.maxLatencyMs,
		AvgLatencyMs:       s.latencySum.DivUint64(s.currentRequests),
		P50LatencyMs:       p50,
		P90LatencyMs:       p90,
		P99LatencyMs:       p99,
		RPS:                s.rpsWindow.sumSince(now, time.Second),
	}
	if s.currentRequests > 0 {
		stats.MinLatencyMs = s.minLatencyMs
	}
	return stats
}

func (s *aggState) buildStreamSnapshot(duration time.Duration) (StreamSnapshot, bool) {
	histB64, err := s.histogram.EncodeBase64()
	if err != nil {
		log.GetLogger().WithError(err).Warn("failed to encode stream histogram")
		return StreamSnapshot{}, false
	}
	successB64 := ""
	if s.successHistogram != nil {
		if encoded, err := s.successHistogram.EncodeBase64(); err == nil {
			successB64 = encoded
		}
	}
	snapshot := StreamSnapshot{
		Summary:             s.finalize(duration),
		HistogramB64:        histB64,
		SuccessHistogramB64: successB64,
	}
	snapshot.LatencySum.AddSum(s.latencySum)
	snapshot.SuccessLatencySum.AddSum(s.successLatencySum)
	return snapshot, true
}

func (s *aggState) finalize(duration time.Duration) metric.Summary {
	summary := metric.Summary{
		Duration:           duration,
		TotalRequests:      s.currentRequests,
		SuccessfulRequests: s.successfulRequests,
		ErrorRequests:      s.currentRequests - s.successfulRequests,
		TimeoutRequests:    s.timeoutRequests,
		TransportErrors:    s.transportErrors,
		NonExpectedStatus:  s.nonExpectedStatus,
		MaxLatencyMs:       s.maxLatencyMs,
	}
	if s.currentRequests > 0 {
		summary.MinLatencyMs = s.minLatencyMs
		summary.AvgLatencyMs = s.latencySum.DivUint64(s.currentRequests)
	}
	if s.successfulRequests > 0 {
		summary.SuccessMinLatencyMs = s.successMinMs
		summary.SuccessMaxLatencyMs = s.successMaxMs
		summary.SuccessAvgLatencyMs = s.successLatencySum.DivUint64(s.successfulRequests)
	}
	return summary
}

func windowPercentiles(w *pointWindow) (p50, p90, p99 uint64) {
	values := w.values()
	if len(values) == 0 {
		return 0, 0, 0
	}
	p50 = metric.NearestRank(append([]uint64(nil), values...), 50)
	p90 = metric.NearestRank(append([]uint64(nil), values...), 90)
	p99 = metric.NearestRank(values, 99)
	return p50, p90, p99
}
