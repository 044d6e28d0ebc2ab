package hashsift

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hupe1980/hashsift/archive"
	"github.com/hupe1980/hashsift/blobstore"
	"github.com/hupe1980/hashsift/codec"
	"github.com/hupe1980/hashsift/engine"
	"github.com/hupe1980/hashsift/internal/fs"
	"github.com/hupe1980/hashsift/keyspace"
	"github.com/hupe1980/hashsift/verify"
)

// RunStats summarizes a single engine pass.
type RunStats = engine.RunStats

// Report carries the results of a verification pass.
type Report = verify.Report

// Pipeline bundles the archive, progress bitmap, reference index and
// engine under one data directory:
//
//	<dataDir>/archive/         shard containers (shard-XX.json.gz)
//	<dataDir>/out/             batch files, counts.txt, state.json
//	<dataDir>/progress.bitmap  per-partition completion bitmap
//
// The fetch layer feeds Archive().PutEntry; Run performs the streaming
// set-difference pass; Verify cross-checks the output from first
// principles. A Pipeline is safe for one Run at a time.
type Pipeline struct {
	dataDir string
	opts    options
	store   *archive.Store
}

// New creates a Pipeline rooted at dataDir.
func New(dataDir string, optFns ...Option) (*Pipeline, error) {
	opts := options{
		logger:  NoopLogger(),
		metrics: NoopMetrics{},
		codec:   codec.Default,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	store, err := archive.New(filepath.Join(dataDir, "archive"),
		archive.WithCodec(opts.codec),
		archive.WithLogger(opts.logger.Logger))
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		dataDir: dataDir,
		opts:    opts,
		store:   store,
	}, nil
}

// Archive returns the shard archive, the write seam for the external
// fetch layer.
func (p *Pipeline) Archive() *archive.Store {
	return p.store
}

// OutputDir returns the directory batch files are written to.
func (p *Pipeline) OutputDir() string {
	return filepath.Join(p.dataDir, "out")
}

// BitmapPath returns the progress bitmap file path.
func (p *Pipeline) BitmapPath() string {
	return filepath.Join(p.dataDir, "progress.bitmap")
}

func (p *Pipeline) engineConfig() engine.Config {
	return engine.Config{
		ArchiveDir:         filepath.Join(p.dataDir, "archive"),
		OutputDir:          p.OutputDir(),
		BitmapPath:         p.BitmapPath(),
		CorpusPath:         p.opts.corpusPath,
		SnapshotPath:       p.opts.snapshotPath,
		BatchSize:          p.opts.batchSize,
		GzipOutput:         p.opts.gzipOutput,
		Reset:              p.opts.reset,
		CountsIndex:        p.opts.countsIndex,
		CheckpointInterval: p.opts.checkpointInterval,
		FlushInterval:      p.opts.flushInterval,
	}
}

// Run flushes any entries buffered by the producer, executes one full
// set-difference pass and, if a blob store is configured, mirrors the run
// artifacts. A reset requested via WithReset applies to the first Run only.
func (p *Pipeline) Run(ctx context.Context) (RunStats, error) {
	if err := p.Flush(); err != nil {
		return RunStats{}, err
	}

	e, err := engine.New(p.engineConfig(),
		engine.WithLogger(p.opts.logger.Logger),
		engine.WithMetrics(p.opts.metrics),
		engine.WithCodec(p.opts.codec))
	if err != nil {
		return RunStats{}, err
	}

	stats, err := e.Run(ctx)
	p.opts.reset = false
	if err != nil {
		return stats, err
	}

	if p.opts.mirror != nil {
		var extra []string
		if p.opts.snapshotPath != "" && fs.Exists(fs.Default, p.opts.snapshotPath) {
			extra = append(extra, p.opts.snapshotPath)
		}
		res, merr := blobstore.MirrorRun(ctx, p.opts.mirror, p.OutputDir(), extra...)
		if merr != nil {
			return stats, merr
		}
		p.opts.logger.Info("run artifacts mirrored",
			"files", len(res.Uploaded), "bytes", res.Bytes)
	}

	return stats, nil
}

// Verify cross-checks emitted batches and archive/bitmap coverage. The
// reference set is rebuilt straight from the corpus text, never from the
// snapshot cache.
func (p *Pipeline) Verify(ctx context.Context) (*Report, error) {
	v, err := verify.New(verify.Config{
		OutputDir:  p.OutputDir(),
		ArchiveDir: filepath.Join(p.dataDir, "archive"),
		BitmapPath: p.BitmapPath(),
		CorpusPath: p.opts.corpusPath,
		BatchSize:  p.opts.batchSize,
	}, verify.WithLogger(p.opts.logger.Logger))
	if err != nil {
		return nil, err
	}
	return v.Verify(ctx)
}

// Flush writes all resident shards back to disk and records their
// checksums in the pipeline state. Shards are flushed one at a time so the
// metrics carry per-shard latency.
func (p *Pipeline) Flush() error {
	resident := p.store.ResidentShards()

	sums := make(map[keyspace.ShardID]uint32, len(resident))
	for _, id := range resident {
		shardStart := time.Now()
		sum, err := p.store.FlushShard(id)
		p.opts.metrics.RecordShardFlush(id, time.Since(shardStart), err)
		if err != nil {
			return err
		}
		sums[id] = sum
	}
	if len(sums) == 0 {
		return nil
	}

	statePath := filepath.Join(p.OutputDir(), "state.json")
	if err := fs.Default.MkdirAll(p.OutputDir(), 0o750); err != nil {
		return err
	}
	st := engine.LoadState(fs.Default, p.opts.codec, statePath)
	for id, sum := range sums {
		st.ShardChecksums[id.String()] = fmtChecksum(sum)
	}
	if err := engine.SaveState(fs.Default, p.opts.codec, statePath, &st); err != nil {
		return err
	}

	p.opts.logger.Debug("producer shards flushed",
		"resident", len(resident), "flushed", len(sums))
	return nil
}

// Close flushes buffered producer state. The engine holds no resources
// between runs, so Close is only about the archive.
func (p *Pipeline) Close() error {
	return p.Flush()
}

func fmtChecksum(sum uint32) string {
	return fmt.Sprintf("%08x", sum)
}
