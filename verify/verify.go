// Package verify cross-checks pipeline output against first principles.
//
// The verifier deliberately shares as little machinery with the engine as
// possible: the reference set is rebuilt straight from corpus text (never
// from a snapshot), and batch files are re-parsed from disk. A bug that
// corrupts both the engine and its snapshot cache still cannot slip past
// a verification pass.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/hashsift/archive"
	"github.com/hupe1980/hashsift/engine"
	"github.com/hupe1980/hashsift/internal/fs"
	"github.com/hupe1980/hashsift/keyspace"
	"github.com/hupe1980/hashsift/progress"
	"github.com/hupe1980/hashsift/refindex"
)

// ErrVerificationFailed is wrapped around any report with violations.
var ErrVerificationFailed = errors.New("verify: verification failed")

// Config locates the artifacts to verify.
type Config struct {
	OutputDir  string
	ArchiveDir string
	BitmapPath string

	// CorpusPath is the reference corpus text. Required for VerifyBatches.
	CorpusPath string

	// BatchSize is the engine's configured threshold, used for the batch
	// size bound. Zero selects engine.DefaultBatchSize.
	BatchSize int

	// Parallelism bounds concurrent batch/shard checks. Zero selects
	// GOMAXPROCS.
	Parallelism int
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger. Defaults to discard.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithFS overrides the file system (testing).
func WithFS(fsys fs.FileSystem) Option {
	return func(v *Verifier) { v.fsys = fsys }
}

// Verifier checks emitted batches and archive/bitmap coverage.
type Verifier struct {
	cfg    Config
	fsys   fs.FileSystem
	logger *slog.Logger
}

// New returns a Verifier for the given artifact layout.
func New(cfg Config, optFns ...Option) (*Verifier, error) {
	if cfg.OutputDir == "" {
		return nil, errors.New("verify: output dir is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = engine.DefaultBatchSize
	}
	if cfg.BatchSize > engine.MaxBatchSize {
		cfg.BatchSize = engine.MaxBatchSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.GOMAXPROCS(0)
	}

	v := &Verifier{
		cfg:    cfg,
		fsys:   fs.Default,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(v)
	}
	return v, nil
}

// Report carries per-check results. Violations returns non-zero when any
// invariant was broken.
type Report struct {
	Batches        int
	BatchKeys      int64
	InvalidKeys    int64 // lines that are not 40-char hex digests
	ReferenceHits  int64 // candidates that are in the reference set
	OversizedBatch int   // batches above the threshold
	MisSizedBatch  int   // non-final batches below the threshold (run boundaries)

	MarkedKeys    uint64 // partitions marked done in the bitmap
	ArchivedKeys  uint64 // partitions present in the archive
	MarkedMissing uint64 // marked done but absent from the archive
	Unprocessed   uint64 // archived but not yet marked done
}

// Violations returns the total number of broken invariants. MisSizedBatch
// and Unprocessed are informational: every resumed run leaves an undersized
// trailing batch behind, and archived-but-unmarked partitions are simply
// pending work.
func (r *Report) Violations() int64 {
	return r.InvalidKeys + r.ReferenceHits +
		int64(r.OversizedBatch) + int64(r.MarkedMissing)
}

// Verify runs VerifyBatches and VerifyCoverage and folds the results. Any
// violation yields an error wrapping ErrVerificationFailed.
func (v *Verifier) Verify(ctx context.Context) (*Report, error) {
	report := &Report{}

	if err := v.VerifyBatches(ctx, report); err != nil {
		return report, err
	}
	if err := v.VerifyCoverage(ctx, report); err != nil {
		return report, err
	}

	if n := report.Violations(); n > 0 {
		return report, fmt.Errorf("%w: %d violation(s): invalid=%d refHits=%d oversized=%d markedMissing=%d",
			ErrVerificationFailed, n, report.InvalidKeys, report.ReferenceHits,
			report.OversizedBatch, report.MarkedMissing)
	}
	return report, nil
}

var batchFilePattern = regexp.MustCompile(`^batch-(\d{4,})\.txt(\.gz)?$`)

type batchFile struct {
	name string
	num  int
}

// VerifyBatches checks every emitted batch file: each line must be a valid
// digest, absent from the reference set, and no batch may hold more than
// the configured threshold of keys. Undersized non-final batches are
// counted but not flagged; numbering is monotonic across runs and each
// run's trailing batch drains short. Batch files are checked in parallel,
// bounded by Parallelism.
func (v *Verifier) VerifyBatches(ctx context.Context, report *Report) error {
	if v.cfg.CorpusPath == "" {
		return errors.New("verify: corpus path is required for batch verification")
	}

	idx, bs, err := refindex.BuildFromFile(v.fsys, v.cfg.CorpusPath, refindex.WithLogger(v.logger))
	if err != nil {
		return fmt.Errorf("verify: rebuild reference: %w", err)
	}
	v.logger.Info("reference rebuilt from corpus", "unique", bs.Unique, "elapsed", bs.Elapsed)

	batches, err := v.listBatches()
	if err != nil {
		return err
	}
	report.Batches = len(batches)
	if len(batches) == 0 {
		return nil
	}
	final := batches[len(batches)-1].num

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Parallelism)

	for _, bf := range batches {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys, invalid, hits, err := v.checkBatch(bf.name, idx)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			report.BatchKeys += keys
			report.InvalidKeys += invalid
			report.ReferenceHits += hits
			if keys > int64(v.cfg.BatchSize) {
				report.OversizedBatch++
			} else if bf.num != final && keys != int64(v.cfg.BatchSize) {
				report.MisSizedBatch++
			}
			return nil
		})
	}
	return g.Wait()
}

func (v *Verifier) listBatches() ([]batchFile, error) {
	des, err := v.fsys.ReadDir(v.cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("verify: list output dir: %w", err)
	}

	var out []batchFile
	for _, de := range des {
		m := batchFilePattern.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, batchFile{name: de.Name(), num: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].num < out[j].num })
	return out, nil
}

func (v *Verifier) checkBatch(name string, idx *refindex.Index) (keys, invalid, hits int64, err error) {
	raw, err := fs.ReadFile(v.fsys, fs.Join(v.cfg.OutputDir, name))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("verify: read batch %s: %w", name, err)
	}

	if strings.HasSuffix(name, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return 0, 0, 0, fmt.Errorf("verify: batch %s: %w", name, err)
		}
		raw, err = io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return 0, 0, 0, fmt.Errorf("verify: batch %s: %w", name, err)
		}
	}

	for len(raw) > 0 {
		line := raw
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			line, raw = raw[:i], raw[i+1:]
		} else {
			raw = nil
		}
		if len(line) == 0 {
			continue
		}
		keys++

		d, perr := keyspace.ParseDigest(string(line))
		if perr != nil {
			invalid++
			v.logger.Warn("invalid key in batch", "batch", name, "line", string(line))
			continue
		}
		if idx.Exists(d) {
			hits++
			v.logger.Warn("reference digest leaked into batch", "batch", name, "key", d.String())
		}
	}
	return keys, invalid, hits, nil
}

// VerifyCoverage cross-checks the progress bitmap against the archive:
// every partition marked done must exist in the archive. Partitions present
// in the archive but not yet marked are reported, not flagged; they are
// simply pending work. Shards are scanned in parallel.
func (v *Verifier) VerifyCoverage(ctx context.Context, report *Report) error {
	if v.cfg.ArchiveDir == "" || v.cfg.BitmapPath == "" {
		return errors.New("verify: archive dir and bitmap path are required for coverage verification")
	}

	bitmap, err := progress.Open(v.cfg.BitmapPath,
		progress.WithFS(v.fsys), progress.WithLogger(v.logger))
	if err != nil {
		return err
	}
	marked := bitmap.Snapshot()
	_ = bitmap.Close()

	store, err := archive.New(v.cfg.ArchiveDir,
		archive.WithFS(v.fsys), archive.WithLogger(v.logger))
	if err != nil {
		return err
	}

	archived := roaring.New()
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Parallelism)

	for s := 0; s < keyspace.NumShards; s++ {
		id := keyspace.ShardID(s)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			entries, err := store.LoadShard(id)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}

			local := roaring.New()
			for key := range entries {
				local.Add(uint32(key))
			}
			mu.Lock()
			archived.Or(local)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	report.MarkedKeys = marked.GetCardinality()
	report.ArchivedKeys = archived.GetCardinality()
	report.MarkedMissing = roaring.AndNot(marked, archived).GetCardinality()
	report.Unprocessed = roaring.AndNot(archived, marked).GetCardinality()
	return nil
}
