package hashsift

import (
	"time"

	"github.com/hupe1980/hashsift/blobstore"
	"github.com/hupe1980/hashsift/codec"
)

type options struct {
	logger             *Logger
	metrics            MetricsCollector
	codec              codec.Codec
	batchSize          int
	gzipOutput         bool
	reset              bool
	corpusPath         string
	snapshotPath       string
	checkpointInterval time.Duration
	flushInterval      time.Duration
	countsIndex        bool
	mirror             blobstore.Store
}

// Option configures Pipeline constructor behavior.
type Option func(*options)

// WithLogger sets the logger. If nil is passed, logging is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetrics sets the metrics collector.
//
// If nil is passed, measurements are discarded.
func WithMetrics(m MetricsCollector) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetrics{}
		}
		o.metrics = m
	}
}

// WithCodec configures the codec used for shard containers and state.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithBatchSize sets the candidate count per output batch. Values above
// the internal maximum are clamped; zero selects the default (500k).
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithGzipOutput compresses batch files.
func WithGzipOutput(enabled bool) Option {
	return func(o *options) { o.gzipOutput = enabled }
}

// WithReset discards all prior progress at the start of the next Run.
// Archive contents and already-emitted batches are untouched.
func WithReset(enabled bool) Option {
	return func(o *options) { o.reset = enabled }
}

// WithCorpusPath points at the newline-delimited reference corpus text.
func WithCorpusPath(path string) Option {
	return func(o *options) { o.corpusPath = path }
}

// WithSnapshotPath enables the binary reference snapshot cache at path.
// A usable snapshot skips the corpus hashing pass on startup; it is
// rewritten whenever the index is rebuilt from the corpus.
func WithSnapshotPath(path string) Option {
	return func(o *options) { o.snapshotPath = path }
}

// WithCheckpointInterval sets how often aggregate counters are persisted
// during a run. Default: 30s.
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *options) { o.checkpointInterval = d }
}

// WithFlushInterval sets the background bitmap flush cadence. Default: 5s.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) { o.flushInterval = d }
}

// WithCountsIndex additionally emits "DIGEST:COUNT" lines to counts.txt
// for every candidate, so downstream tooling can prioritize by occurrence
// weight.
func WithCountsIndex(enabled bool) Option {
	return func(o *options) { o.countsIndex = enabled }
}

// WithBlobStore mirrors run artifacts (batches, counts, state, snapshot)
// to the given store after every successful Run.
func WithBlobStore(s blobstore.Store) Option {
	return func(o *options) { o.mirror = s }
}
