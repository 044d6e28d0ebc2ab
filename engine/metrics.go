package engine

import (
	"time"

	"github.com/hupe1980/hashsift/keyspace"
)

// MetricsCollector receives pipeline measurements. Implementations must be
// safe for concurrent use and must not block.
type MetricsCollector interface {
	// RecordShardLoad is called once per shard container read attempt.
	RecordShardLoad(id keyspace.ShardID, partitions int, elapsed time.Duration, err error)

	// RecordShardFlush is called when a shard container is written back.
	RecordShardFlush(id keyspace.ShardID, elapsed time.Duration, err error)

	// RecordPartition is called after each classified partition.
	RecordPartition(matched, candidates, skipped int)

	// RecordBatchFlush is called for every emitted batch file.
	RecordBatchFlush(candidates int, elapsed time.Duration, err error)
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

func (NoopMetrics) RecordShardLoad(keyspace.ShardID, int, time.Duration, error) {}
func (NoopMetrics) RecordShardFlush(keyspace.ShardID, time.Duration, error)    {}
func (NoopMetrics) RecordPartition(int, int, int)                              {}
func (NoopMetrics) RecordBatchFlush(int, time.Duration, error)                 {}
