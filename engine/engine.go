// Package engine drives the streaming set-difference pass over the shard
// archive.
//
// The engine walks all 256 shards in ascending order, holding at most one
// decoded shard and the reference index in memory. Every partition is
// classified exactly once across all runs: the progress bitmap records
// completion per partition, and a crashed or cancelled run simply resumes
// where the bitmap says it left off. Record keys absent from the reference
// index are emitted as fixed-size candidate batch files for downstream
// consumers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/hashsift/archive"
	"github.com/hupe1980/hashsift/codec"
	"github.com/hupe1980/hashsift/internal/fs"
	"github.com/hupe1980/hashsift/keyspace"
	"github.com/hupe1980/hashsift/progress"
	"github.com/hupe1980/hashsift/refindex"
)

const (
	// DefaultCheckpointInterval bounds how often aggregate counters are
	// persisted. Checkpointing per partition would mean a million small
	// writes per full pass.
	DefaultCheckpointInterval = 30 * time.Second

	// DefaultFlushInterval is the background bitmap flush cadence.
	DefaultFlushInterval = 5 * time.Second
)

// ErrNoReferenceSource is returned when neither a corpus path nor a usable
// snapshot path is configured.
var ErrNoReferenceSource = errors.New("engine: no reference corpus or snapshot configured")

// ErrCorpusNotFound is returned when the configured corpus path does not
// exist.
var ErrCorpusNotFound = errors.New("engine: reference corpus not found")

// Config carries the file layout and tuning knobs for a run.
type Config struct {
	// ArchiveDir holds the 256 shard containers.
	ArchiveDir string

	// OutputDir receives batch files, the counts index and state.json.
	OutputDir string

	// BitmapPath is the progress bitmap file.
	BitmapPath string

	// CorpusPath points at the newline-delimited reference corpus text.
	CorpusPath string

	// SnapshotPath, if set, is tried before CorpusPath and refreshed after
	// a corpus build. Snapshots are a cache of the hashed corpus.
	SnapshotPath string

	// BatchSize is the candidate count per batch file, clamped to
	// [1, MaxBatchSize]. Zero selects DefaultBatchSize.
	BatchSize int

	// GzipOutput compresses batch files.
	GzipOutput bool

	// Reset discards prior progress before the run.
	Reset bool

	// CountsIndex additionally emits "DIGEST:COUNT" lines to counts.txt.
	CountsIndex bool

	CheckpointInterval time.Duration
	FlushInterval      time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to discard.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics collector. Defaults to NoopMetrics.
func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithFS overrides the file system (testing).
func WithFS(fsys fs.FileSystem) Option {
	return func(e *Engine) { e.fsys = fsys }
}

// WithCodec sets the codec used for containers and state.
func WithCodec(c codec.Codec) Option {
	return func(e *Engine) {
		if c != nil {
			e.codec = c
		}
	}
}

// WithIndex injects a pre-built reference index, bypassing corpus and
// snapshot loading.
func WithIndex(idx *refindex.Index) Option {
	return func(e *Engine) { e.index = idx }
}

// Engine is the set-difference pass. Construct with New, run with Run.
// An Engine is single-use per Run call but holds no open resources between
// runs.
type Engine struct {
	cfg     Config
	fsys    fs.FileSystem
	codec   codec.Codec
	logger  *slog.Logger
	metrics MetricsCollector
	index   *refindex.Index
}

// New validates cfg and returns an Engine.
func New(cfg Config, optFns ...Option) (*Engine, error) {
	if cfg.ArchiveDir == "" || cfg.OutputDir == "" || cfg.BitmapPath == "" {
		return nil, errors.New("engine: archive dir, output dir and bitmap path are required")
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	e := &Engine{
		cfg:     cfg,
		fsys:    fs.Default,
		codec:   codec.Default,
		logger:  slog.New(slog.DiscardHandler),
		metrics: NoopMetrics{},
	}
	for _, fn := range optFns {
		fn(e)
	}
	return e, nil
}

// RunStats summarizes a single Run.
type RunStats struct {
	Records           int64
	Matched           int64
	Candidates        int64
	Skipped           int64
	Partitions        int64 // classified during this run
	SkippedPartitions int64 // already marked done before this run
	Batches           int   // batch files written during this run
	Elapsed           time.Duration
}

// Run executes one full pass: init, shard loop, drain. Cancelling ctx stops
// the loop at the next partition boundary; everything processed so far is
// drained and persisted, and ctx's error is returned alongside the stats.
// A subsequent Run resumes from the bitmap.
func (e *Engine) Run(ctx context.Context) (RunStats, error) {
	start := time.Now()
	var stats RunStats

	if err := e.fsys.MkdirAll(e.cfg.OutputDir, 0o750); err != nil {
		return stats, fmt.Errorf("engine: create output dir: %w", err)
	}

	bitmap, err := progress.Open(e.cfg.BitmapPath,
		progress.WithFS(e.fsys), progress.WithLogger(e.logger))
	if err != nil {
		return stats, err
	}
	defer bitmap.Close()

	if e.cfg.Reset {
		if err := bitmap.Reset(); err != nil {
			return stats, err
		}
		e.logger.Info("progress reset, starting from scratch")
	}

	idx, err := e.reference()
	if err != nil {
		return stats, err
	}

	store, err := archive.New(e.cfg.ArchiveDir,
		archive.WithFS(e.fsys), archive.WithCodec(e.codec), archive.WithLogger(e.logger))
	if err != nil {
		return stats, err
	}

	statePath := fs.Join(e.cfg.OutputDir, "state.json")
	st := LoadState(e.fsys, e.codec, statePath)
	st.touchStarted()
	base := st

	bw := newBatchWriter(e.fsys, e.cfg.OutputDir, e.cfg.BatchSize, e.cfg.GzipOutput, e.logger)

	var cw *countsWriter
	if e.cfg.CountsIndex {
		cw, err = newCountsWriter(e.fsys, fs.Join(e.cfg.OutputDir, "counts.txt"))
		if err != nil {
			return stats, err
		}
		defer cw.Close()
	}

	flusher := progress.NewFlusher(bitmap, e.cfg.FlushInterval, e.logger)
	flusher.Start()
	defer flusher.Stop()

	checkpoint := rate.Sometimes{Interval: e.cfg.CheckpointInterval}
	saveCheckpoint := func() {
		st = base
		st.TotalRecords += stats.Records
		st.TotalMatched += stats.Matched
		st.TotalCandidates += stats.Candidates
		st.TotalSkipped += stats.Skipped
		st.PartitionsProcessed += stats.Partitions
		st.BatchesWritten += bw.written
		if err := SaveState(e.fsys, e.codec, statePath, &st); err != nil {
			e.logger.Warn("state checkpoint failed", "error", err)
		}
	}

	e.logger.Info("run starting",
		"done", bitmap.Count(), "total", keyspace.KeyspaceSize,
		"reference", idx.Size(), "batchSize", bw.threshold)

	cancelled := false

shards:
	for s := 0; s < keyspace.NumShards; s++ {
		id := keyspace.ShardID(s)

		loadStart := time.Now()
		entries, err := store.LoadShard(id)
		e.metrics.RecordShardLoad(id, len(entries), time.Since(loadStart), err)
		if err != nil {
			// Bits stay unmarked, so the shard is retried next run.
			e.logger.Warn("shard unreadable, skipping", "shard", id.String(), "error", err)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		keys := make([]keyspace.Key, 0, len(entries))
		for key := range entries {
			keys = append(keys, key)
		}
		slices.Sort(keys)

		for _, key := range keys {
			if ctx.Err() != nil {
				cancelled = true
				break shards
			}
			if bitmap.Has(key) {
				stats.SkippedPartitions++
				continue
			}

			matched, candidates, skipped := e.classify(key, entries[key].Data, idx, bw, cw)
			stats.Records += matched + candidates + skipped
			stats.Matched += matched
			stats.Candidates += candidates
			stats.Skipped += skipped
			stats.Partitions++
			e.metrics.RecordPartition(int(matched), int(candidates), int(skipped))

			// A single partition can overflow the threshold; flush
			// repeatedly so no batch file exceeds the bound.
			for bw.full() {
				if err := e.flushBatch(bw, &stats); err != nil {
					return stats, err
				}
			}

			bitmap.Set(key)
			checkpoint.Do(saveCheckpoint)
		}

		if cw != nil {
			if err := cw.sync(); err != nil {
				e.logger.Warn("counts sync failed", "shard", id.String(), "error", err)
			}
		}
		e.logger.Debug("shard done",
			"shard", id.String(), "partitions", len(keys), "pending", bw.pendingCount())
	}

	// Drain. The trailing batch may be undersized.
	for bw.pendingCount() > 0 {
		if err := e.flushBatch(bw, &stats); err != nil {
			return stats, err
		}
	}
	if err := bitmap.Flush(); err != nil {
		return stats, err
	}
	saveCheckpoint()

	stats.Elapsed = time.Since(start)
	e.logger.Info("run finished",
		"partitions", stats.Partitions, "matched", stats.Matched,
		"candidates", stats.Candidates, "skipped", stats.Skipped,
		"batches", stats.Batches, "elapsed", stats.Elapsed)

	if cancelled {
		return stats, ctx.Err()
	}
	return stats, nil
}

// reference resolves the reference index: injected > snapshot > corpus.
// A stale or unreadable snapshot falls back to the corpus and is then
// rewritten from the fresh build.
func (e *Engine) reference() (*refindex.Index, error) {
	if e.index != nil {
		return e.index, nil
	}

	if e.cfg.SnapshotPath != "" && fs.Exists(e.fsys, e.cfg.SnapshotPath) {
		idx, err := refindex.LoadSnapshotFile(e.fsys, e.cfg.SnapshotPath, 0)
		if err == nil {
			e.logger.Info("reference index loaded from snapshot",
				"path", e.cfg.SnapshotPath, "size", idx.Size())
			return idx, nil
		}
		e.logger.Warn("snapshot unusable, rebuilding from corpus",
			"path", e.cfg.SnapshotPath, "error", err)
	}

	if e.cfg.CorpusPath == "" {
		return nil, ErrNoReferenceSource
	}
	if !fs.Exists(e.fsys, e.cfg.CorpusPath) {
		return nil, fmt.Errorf("%w: %s", ErrCorpusNotFound, e.cfg.CorpusPath)
	}

	idx, bs, err := refindex.BuildFromFile(e.fsys, e.cfg.CorpusPath,
		refindex.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	e.logger.Info("reference index built",
		"lines", bs.Lines, "unique", bs.Unique, "elapsed", bs.Elapsed)

	if e.cfg.SnapshotPath != "" {
		if err := idx.SaveSnapshotFile(e.fsys, e.cfg.SnapshotPath); err != nil {
			e.logger.Warn("snapshot write failed", "path", e.cfg.SnapshotPath, "error", err)
		}
	}
	return idx, nil
}

// classify parses one partition payload and routes every record to exactly
// one of matched, candidate or skipped. A panic while classifying is
// absorbed so a poisoned payload cannot wedge the pipeline in a retry loop;
// the partition is still marked done by the caller.
func (e *Engine) classify(key keyspace.Key, data string, idx *refindex.Index, bw *batchWriter, cw *countsWriter) (matched, candidates, skipped int64) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("partition classification panicked",
				"key", key.String(), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	for len(data) > 0 {
		line := data
		if i := strings.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = ""
		}
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}

		suffix, countStr, hasCount := strings.Cut(line, ":")
		count := int64(1)
		if hasCount {
			n, err := strconv.ParseInt(countStr, 10, 64)
			if err != nil || n < 0 {
				skipped++
				e.logger.Debug("malformed count, skipping line",
					"key", key.String(), "count", countStr)
				continue
			}
			count = n
		}
		if len(suffix) != keyspace.SuffixHexLen {
			skipped++
			e.logger.Debug("malformed suffix, skipping line",
				"key", key.String(), "len", len(suffix))
			continue
		}

		d, err := keyspace.DigestFromParts(key, suffix)
		if err != nil {
			skipped++
			e.logger.Debug("undecodable suffix, skipping line",
				"key", key.String(), "error", err)
			continue
		}

		if idx.Exists(d) {
			matched++
			continue
		}
		candidates++
		bw.add(d)
		if cw != nil {
			if err := cw.record(d, count); err != nil {
				e.logger.Warn("counts append failed", "key", key.String(), "error", err)
			}
		}
	}
	return matched, candidates, skipped
}

func (e *Engine) flushBatch(bw *batchWriter, stats *RunStats) error {
	flushStart := time.Now()
	_, count, err := bw.flush()
	if count > 0 || err != nil {
		e.metrics.RecordBatchFlush(count, time.Since(flushStart), err)
	}
	if err != nil {
		return err
	}
	if count > 0 {
		stats.Batches++
	}
	return nil
}
