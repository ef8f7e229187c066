// Package pipeline implements the metrics path between workers and the
// run summary: the sharded log sink, the live aggregator and the post-run
// reducer.
package pipeline

import (
	"sync/atomic"

	"github.com/strest-io/strest/internal/metric"
	"github.com/strest-io/strest/internal/shutdown"
)

// Per-shard queue depth. When a shard is full the sending worker blocks,
// which is the intended backpressure toward request emission.
const shardQueueDepth = 10_000

// LogSink fans metrics out to the per-shard logger channels. Sends are
// blocking-bounded: a metric that fits a shard queue is never lost.
type LogSink struct {
	shards []chan metric.Metric
	next   atomic.Uint64
	done   <-chan struct{}
}

// NewLogSink creates the sink and its shard channels.
func NewLogSink(bus *shutdown.Bus, shardCount int) *LogSink {
	shards := make([]chan metric.Metric, shardCount)
	for i := range shards {
		shards[i] = make(chan metric.Metric, shardQueueDepth)
	}
	return &LogSink{shards: shards, done: bus.Done()}
}

// Send routes a metric to the next shard round-robin, blocking while that
// shard is full. Returns false once the run is stopping and the shard
// cannot accept the metric.
func (s *LogSink) Send(m metric.Metric) bool {
	shard := s.shards[s.next.Add(1)%uint64(len(s.shards))]
	select {
	case shard <- m:
		return true
	default:
	}
	// Shard saturated: stall the worker rather than drop, unless the run
	// is already stopping.
	select {
	case shard <- m:
		return true
	case <-s.done:
		return false
	}
}

// Shard exposes one shard's receive side to its logger task.
func (s *LogSink) Shard(i int) <-chan metric.Metric {
	return s.shards[i]
}

// ShardCount returns the number of shards.
func (s *LogSink) ShardCount() int {
	return len(s.shards)
}

// QueuedPerShard reports the current queue depth of each shard.
func (s *LogSink) QueuedPerShard() []int {
	depths := make([]int, len(s.shards))
	for i, shard := range s.shards {
		depths[i] = len(shard)
	}
	return depths
}

// Close signals EOF to every shard logger. Call only after all senders
// have finished.
func (s *LogSink) Close() {
	for _, shard := range s.shards {
		close(shard)
	}
}
