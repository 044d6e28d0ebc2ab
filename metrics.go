package hashsift

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/hashsift/engine"
	"github.com/hupe1980/hashsift/keyspace"
)

// MetricsCollector receives pipeline measurements. Implementations must be
// safe for concurrent use and must not block.
type MetricsCollector = engine.MetricsCollector

// NoopMetrics discards all measurements.
type NoopMetrics = engine.NoopMetrics

// BasicMetrics is a MetricsCollector backed by atomic counters. Suitable
// for reading after a run or scraping from another goroutine.
type BasicMetrics struct {
	ShardLoads     atomic.Int64
	ShardLoadErrs  atomic.Int64
	ShardFlushes   atomic.Int64
	ShardFlushErrs atomic.Int64
	Partitions     atomic.Int64
	Matched        atomic.Int64
	Candidates     atomic.Int64
	Skipped        atomic.Int64
	BatchFlushes   atomic.Int64
	BatchFlushErrs atomic.Int64
	BatchKeys      atomic.Int64
}

// NewBasicMetrics creates a BasicMetrics collector.
func NewBasicMetrics() *BasicMetrics {
	return &BasicMetrics{}
}

func (m *BasicMetrics) RecordShardLoad(_ keyspace.ShardID, _ int, _ time.Duration, err error) {
	m.ShardLoads.Add(1)
	if err != nil {
		m.ShardLoadErrs.Add(1)
	}
}

func (m *BasicMetrics) RecordShardFlush(_ keyspace.ShardID, _ time.Duration, err error) {
	m.ShardFlushes.Add(1)
	if err != nil {
		m.ShardFlushErrs.Add(1)
	}
}

func (m *BasicMetrics) RecordPartition(matched, candidates, skipped int) {
	m.Partitions.Add(1)
	m.Matched.Add(int64(matched))
	m.Candidates.Add(int64(candidates))
	m.Skipped.Add(int64(skipped))
}

func (m *BasicMetrics) RecordBatchFlush(candidates int, _ time.Duration, err error) {
	m.BatchFlushes.Add(1)
	m.BatchKeys.Add(int64(candidates))
	if err != nil {
		m.BatchFlushErrs.Add(1)
	}
}
