package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strest-io/strest/internal/metric"
	"github.com/strest-io/strest/internal/shutdown"
)

func TestAggregatorSummarizesMetrics(t *testing.T) {
	bus := shutdown.NewBus()
	metrics := make(chan metric.Metric, 100)
	ui := &Watch[UiData]{}

	runStart := time.Now()
	opts := AggregatorOptions{
		RunStart:       runStart,
		TargetDuration: 10 * time.Second,
		UIWindow:       10 * time.Second,
		UIFPS:          50,
		ExpectedStatus: 200,
	}

	for i := 0; i < 20; i++ {
		metrics <- metric.Metric{
			Start:         runStart,
			Latency:       time.Duration(i+1) * time.Millisecond,
			StatusCode:    200,
			ResponseBytes: 100,
		}
	}
	metrics <- metric.Metric{Start: runStart, Latency: 50 * time.Millisecond, StatusCode: 500, TimedOut: true}
	close(metrics)

	report := RunAggregator(bus, opts, metrics, ui, nil, nil)

	s := report.Summary
	assert.Equal(t, uint64(21), s.TotalRequests)
	assert.Equal(t, uint64(20), s.SuccessfulRequests)
	assert.Equal(t, uint64(1), s.ErrorRequests)
	assert.Equal(t, uint64(1), s.TimeoutRequests)
	assert.Equal(t, uint64(1), s.MinLatencyMs)
	assert.Equal(t, uint64(50), s.MaxLatencyMs)
	assert.True(t, bus.Stopped(), "ingress EOF must stop the run")

	// Counter identities.
	assert.Equal(t, s.TotalRequests, s.SuccessfulRequests+s.ErrorRequests)
	assert.Equal(t, s.ErrorRequests, s.TimeoutRequests+s.TransportErrors+s.NonExpectedStatus)
}

func TestAggregatorDeadlineStopsBus(t *testing.T) {
	bus := shutdown.NewBus()
	metrics := make(chan metric.Metric)
	ui := &Watch[UiData]{}

	opts := AggregatorOptions{
		RunStart:       time.Now(),
		TargetDuration: 30 * time.Millisecond,
		UIWindow:       time.Second,
		UIFPS:          10,
		ExpectedStatus: 200,
	}

	done := make(chan Report, 1)
	go func() { done <- RunAggregator(bus, opts, metrics, ui, nil, nil) }()

	select {
	case <-done:
		assert.True(t, bus.Stopped())
		assert.Equal(t, "deadline reached", bus.Reason())
	case <-time.After(2 * time.Second):
		t.Fatal("aggregator did not observe its deadline")
	}
}

func TestAggregatorPublishesUiSnapshots(t *testing.T) {
	bus := shutdown.NewBus()
	metrics := make(chan metric.Metric, 10)
	ui := &Watch[UiData]{}

	opts := AggregatorOptions{
		RunStart:       time.Now(),
		TargetDuration: time.Second,
		UIWindow:       time.Second,
		UIFPS:          100,
		ExpectedStatus: 200,
	}

	done := make(chan Report, 1)
	go func() { done <- RunAggregator(bus, opts, metrics, ui, nil, nil) }()

	metrics <- metric.Metric{Start: opts.RunStart, Latency: 5 * time.Millisecond, StatusCode: 200, ResponseBytes: 7}
	require.Eventually(t, func() bool {
		data := ui.Load()
		return data != nil && data.CurrentRequests == 1
	}, time.Second, 5*time.Millisecond, "UI snapshot never reflected the metric")

	data := ui.Load()
	assert.Equal(t, uint64(1), data.StatusCounts.S2xx)
	assert.Equal(t, uint64(7), data.TotalBytes)

	close(metrics)
	<-done
}

func TestAggregatorEmitsStreamSnapshots(t *testing.T) {
	bus := shutdown.NewBus()
	metrics := make(chan metric.Metric, 10)
	ui := &Watch[UiData]{}
	streamCh := make(chan StreamSnapshot, 10)

	opts := AggregatorOptions{
		RunStart:       time.Now(),
		TargetDuration: 5 * time.Second,
		UIWindow:       time.Second,
		UIFPS:          10,
		ExpectedStatus: 200,
		StreamInterval: 20 * time.Millisecond,
	}

	done := make(chan Report, 1)
	go func() { done <- RunAggregator(bus, opts, metrics, ui, nil, streamCh) }()

	metrics <- metric.Metric{Start: opts.RunStart, Latency: 12 * time.Millisecond, StatusCode: 200}

	select {
	case snapshot := <-streamCh:
		assert.NotEmpty(t, snapshot.HistogramB64)
		decoded, err := metric.DecodeHistogramBase64(snapshot.HistogramB64)
		require.NoError(t, err)
		assert.LessOrEqual(t, uint64(0), decoded.Count())
	case <-time.After(2 * time.Second):
		t.Fatal("no stream snapshot emitted")
	}

	close(metrics)
	<-done
}

// After pruning, the latency window holds nothing older than the UI
// window.
func TestWindowPruneInvariant(t *testing.T) {
	var w pointWindow
	now := time.Now()
	width := time.Second
	for i := 0; i < 50; i++ {
		w.push(now.Add(time.Duration(i-40)*100*time.Millisecond), uint64(i))
	}
	w.prune(now, width)
	cutoff := now.Add(-width)
	for _, p := range w.points {
		if p.ts.Before(cutoff) {
			t.Fatalf("window holds point older than cutoff: %v < %v", p.ts, cutoff)
		}
	}
	if len(w.points) == 0 {
		t.Fatal("prune removed in-window points")
	}
}

func TestBucketedWindowAccumulates(t *testing.T) {
	var w pointWindow
	base := time.Now()
	w.pushBucketed(base, 1)
	w.pushBucketed(base.Add(10*time.Millisecond), 2)
	w.pushBucketed(base.Add(150*time.Millisecond), 4)
	require.Len(t, w.points, 2)
	assert.Equal(t, uint64(3), w.points[0].value)
	assert.Equal(t, uint64(4), w.points[1].value)
	assert.Equal(t, uint64(7), w.sumSince(base.Add(150*time.Millisecond), time.Second))
}

func TestStatusWindowCounts(t *testing.T) {
	var w statusWindow
	now := time.Now()
	w.push(now, metric.Status2xx)
	w.push(now, metric.Status2xx)
	w.push(now, metric.Status5xx)
	w.push(now, metric.StatusOther)
	counts := w.counts()
	assert.Equal(t, uint64(2), counts.S2xx)
	assert.Equal(t, uint64(1), counts.S5xx)
	assert.Equal(t, uint64(1), counts.Other)
}
