package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/log"
	"github.com/strest-io/strest/internal/metric"
	"github.com/strest-io/strest/internal/obs"
	"github.com/strest-io/strest/internal/protocol"
	"github.com/strest-io/strest/internal/shutdown"
)

// MetricSink receives every metric; warmup filtering happens downstream in
// the shard loggers. Send blocks while the sink
// is saturated and returns false once the run is stopping.
type MetricSink interface {
	Send(m metric.Metric) bool
}

// Options is the scheduler's slice of the run configuration.
type Options struct {
	MaxTasks       int
	SpawnRate      int
	TickInterval   time.Duration
	RequestTimeout time.Duration
	ExpectedStatus uint16
	// Requests caps total issuance; 0 means unlimited.
	Requests uint64

	Rate       uint64
	Profile    *config.LoadProfile
	BurstDelay time.Duration
	BurstRate  int

	LatencyCorrection bool
	WaitOngoing       bool
	SkipPreflight     bool
}

// ErrPreflight is returned when the initial probe request fails; setup
// failures abort the run.
var ErrPreflight = errors.New("preflight request failed")

// Run drives the configured workload until the bus stops or the request
// cap is hit. It blocks until every worker has exited. The caller owns the
// sinks and closes them afterwards.
func Run(bus *shutdown.Bus, opts Options, requestFn protocol.RequestFunc, sink MetricSink, aggCh chan<- metric.Metric) error {
	logger := log.GetLogger()

	if !opts.SkipPreflight {
		ctx, cancel := context.WithTimeout(context.Background(), opts.RequestTimeout)
		outcome := requestFn(ctx)
		cancel()
		if outcome.TimedOut || outcome.TransportError {
			bus.Stop("preflight failed")
			return ErrPreflight
		}
	}

	// Cancelled when the bus stops, so token waits and in-flight requests
	// unblock promptly.
	busCtx, cancelBusCtx := context.WithCancel(context.Background())
	go func() {
		<-bus.Done()
		cancelBusCtx()
	}()
	defer cancelBusCtx()

	latencyCorrection := opts.LatencyCorrection && (opts.Rate > 0 || opts.Profile != nil)
	rateLimiter := BuildLimiter(opts.Rate, opts.Profile, opts.BurstDelay, opts.BurstRate, bus.Done())
	requestLimiter := NewRequestLimiter(opts.Requests)
	inFlight := &InFlight{}

	worker := workerContext{
		bus:               bus,
		busCtx:            busCtx,
		opts:              opts,
		latencyCorrection: latencyCorrection,
		rateLimiter:       rateLimiter,
		requestLimiter:    requestLimiter,
		inFlight:          inFlight,
		requestFn:         requestFn,
		sink:              sink,
		aggCh:             aggCh,
	}

	// Workers start gated: the supervisor releases spawnRate permits every
	// tick, producing a deterministic ramp independent of request latency.
	permits := make(chan struct{}, opts.MaxTasks)
	var wg sync.WaitGroup
	wg.Add(opts.MaxTasks)
	for i := 0; i < opts.MaxTasks; i++ {
		go func() {
			defer wg.Done()
			select {
			case <-bus.Done():
				return
			case <-permits:
			}
			worker.loop()
		}()
	}

	go superviseRamp(bus, permits, opts.MaxTasks, opts.SpawnRate, opts.TickInterval)

	wg.Wait()
	logger.Debug("all workers exited")
	return nil
}

func superviseRamp(bus *shutdown.Bus, permits chan<- struct{}, maxTasks, spawnRate int, tickInterval time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	spawned := 0
	for spawned < maxTasks {
		select {
		case <-bus.Done():
			return
		case <-ticker.C:
			toSpawn := spawnRate
			if remaining := maxTasks - spawned; toSpawn > remaining {
				toSpawn = remaining
			}
			for i := 0; i < toSpawn; i++ {
				permits <- struct{}{}
			}
			spawned += toSpawn
		}
	}
}

type workerContext struct {
	bus               *shutdown.Bus
	busCtx            context.Context
	opts              Options
	latencyCorrection bool
	rateLimiter       Limiter
	requestLimiter    *RequestLimiter
	inFlight          *InFlight
	requestFn         protocol.RequestFunc
	sink              MetricSink
	aggCh             chan<- metric.Metric
}

func (w *workerContext) loop() {
	for {
		if w.iterate() {
			return
		}
	}
}

// iterate runs one request cycle; true means the worker should stop.
func (w *workerContext) iterate() bool {
	if !w.opts.WaitOngoing && w.bus.Stopped() {
		return true
	}
	// A reserved slot is a commitment: once it is claimed, this iteration
	// always produces a metric, so a capped run measures exactly its cap.
	committed := false
	if w.requestLimiter != nil {
		if !w.requestLimiter.TryReserve(w.bus) {
			return true
		}
		committed = true
	}

	// With coordinated-omission correction the latency clock starts before
	// the token wait, so backlog under overload shows up in the tail.
	var latencyStart time.Time
	if w.latencyCorrection && w.rateLimiter != nil {
		latencyStart = time.Now()
	}

	if w.rateLimiter != nil {
		if err := w.rateLimiter.Acquire(w.busCtx); err != nil && !committed {
			return true
		}
	}
	if latencyStart.IsZero() {
		latencyStart = time.Now()
	}

	reqCtx := context.Background()
	if !w.opts.WaitOngoing && !committed {
		reqCtx = w.busCtx
	}
	reqCtx, cancel := context.WithTimeout(reqCtx, w.opts.RequestTimeout)
	release := w.inFlight.Enter()
	obs.InFlightOps.Inc()
	outcome := w.requestFn(reqCtx)
	release()
	obs.InFlightOps.Dec()
	interrupted := !w.opts.WaitOngoing && w.bus.Stopped() && reqCtx.Err() == context.Canceled
	cancel()
	if interrupted {
		// The request was cut short by shutdown, not by its own timeout;
		// its measurement is meaningless.
		return true
	}

	inFlightNow := w.inFlight.Load()
	status := outcome.StatusCode
	if status == 0 && (outcome.TimedOut || outcome.TransportError) {
		status = 500
	}
	m := metric.Metric{
		Start:          latencyStart,
		Latency:        time.Since(latencyStart),
		StatusCode:     status,
		TimedOut:       outcome.TimedOut,
		TransportError: outcome.TransportError,
		ResponseBytes:  outcome.ResponseBytes,
		InFlight:       inFlightNow,
	}
	recordOutcome(m, w.opts.ExpectedStatus)

	if w.sink != nil && !w.sink.Send(m) {
		return true
	}
	select {
	case w.aggCh <- m:
	default:
		// The shard log is authoritative; the live view may skip samples.
		obs.AggregatorDropsTotal.Inc()
	}
	return false
}

func recordOutcome(m metric.Metric, expectedStatus uint16) {
	switch {
	case m.TimedOut:
		obs.RequestsTotal.WithLabelValues(obs.OutcomeTimeout).Inc()
	case m.TransportError:
		obs.RequestsTotal.WithLabelValues(obs.OutcomeTransportError).Inc()
	case m.StatusCode != expectedStatus:
		obs.RequestsTotal.WithLabelValues(obs.OutcomeBadStatus).Inc()
	default:
		obs.RequestsTotal.WithLabelValues(obs.OutcomeSuccess).Inc()
	}
}
