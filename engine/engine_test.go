package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hashsift/archive"
	"github.com/hupe1980/hashsift/internal/fs"
	"github.com/hupe1980/hashsift/keyspace"
	"github.com/hupe1980/hashsift/progress"
	"github.com/hupe1980/hashsift/refindex"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		ArchiveDir: filepath.Join(dir, "archive"),
		OutputDir:  filepath.Join(dir, "out"),
		BitmapPath: filepath.Join(dir, "progress.bitmap"),
	}
}

// seedArchive writes one payload line per word into the partition owning its
// digest and flushes all containers.
func seedArchive(t *testing.T, dir string, words ...string) {
	t.Helper()
	s, err := archive.New(dir)
	require.NoError(t, err)

	byKey := map[keyspace.Key][]string{}
	for _, w := range words {
		d := keyspace.DigestOf([]byte(w))
		hex := d.String()
		byKey[d.Prefix()] = append(byKey[d.Prefix()], hex[keyspace.KeyHexLen:]+":1")
	}
	for key, lines := range byKey {
		_, err := s.PutEntry(key, strings.Join(lines, "\r\n"), "")
		require.NoError(t, err)
	}
	_, err = s.FlushAll()
	require.NoError(t, err)
}

func buildIndex(t *testing.T, words ...string) *refindex.Index {
	t.Helper()
	idx, _, err := refindex.Build(strings.NewReader(strings.Join(words, "\n") + "\n"))
	require.NoError(t, err)
	return idx
}

func TestRunClassifies(t *testing.T) {
	cfg := testConfig(t)
	cfg.CountsIndex = true
	seedArchive(t, cfg.ArchiveDir, "password", "letmein", "qwerty123", "hunter2")

	e, err := New(cfg, WithIndex(buildIndex(t, "password", "letmein")))
	require.NoError(t, err)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 2, stats.Matched)
	require.EqualValues(t, 2, stats.Candidates)
	require.EqualValues(t, 0, stats.Skipped)
	require.EqualValues(t, 4, stats.Records)
	require.Equal(t, 1, stats.Batches)

	raw, err := os.ReadFile(filepath.Join(cfg.OutputDir, "batch-0001.txt"))
	require.NoError(t, err)
	keys := strings.Fields(string(raw))
	require.Len(t, keys, 2)
	require.Contains(t, keys, keyspace.DigestOf([]byte("qwerty123")).String())
	require.Contains(t, keys, keyspace.DigestOf([]byte("hunter2")).String())

	counts, err := os.ReadFile(filepath.Join(cfg.OutputDir, "counts.txt"))
	require.NoError(t, err)
	require.Contains(t, string(counts), keyspace.DigestOf([]byte("hunter2")).String()+":1\n")

	require.FileExists(t, filepath.Join(cfg.OutputDir, "state.json"))
}

func TestRunBuildsIndexFromCorpus(t *testing.T) {
	cfg := testConfig(t)
	cfg.CorpusPath = filepath.Join(t.TempDir(), "corpus.txt")
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "reference.idx")
	require.NoError(t, os.WriteFile(cfg.CorpusPath, []byte("password\nletmein\n"), 0o600))
	seedArchive(t, cfg.ArchiveDir, "password", "qwerty123")

	e, err := New(cfg)
	require.NoError(t, err)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Matched)
	require.EqualValues(t, 1, stats.Candidates)

	// The build refreshed the snapshot; a second engine must load it even
	// without the corpus.
	require.FileExists(t, cfg.SnapshotPath)
	cfg2 := cfg
	cfg2.CorpusPath = filepath.Join(t.TempDir(), "gone.txt")
	cfg2.Reset = true
	e2, err := New(cfg2)
	require.NoError(t, err)
	stats2, err := e2.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, stats2.Matched)
}

func TestRunWithoutReferenceSource(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg)
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.ErrorIs(t, err, ErrNoReferenceSource)
}

func TestRunMissingCorpus(t *testing.T) {
	cfg := testConfig(t)
	cfg.CorpusPath = filepath.Join(t.TempDir(), "nope.txt")
	e, err := New(cfg)
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.ErrorIs(t, err, ErrCorpusNotFound)
}

func TestRunIdempotent(t *testing.T) {
	cfg := testConfig(t)
	seedArchive(t, cfg.ArchiveDir, "password", "qwerty123")
	idx := buildIndex(t, "password")

	e, err := New(cfg, WithIndex(idx))
	require.NoError(t, err)

	first, err := e.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, first.Partitions)

	second, err := e.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0, second.Partitions)
	require.EqualValues(t, 2, second.SkippedPartitions)
	require.EqualValues(t, 0, second.Candidates)
	require.Equal(t, 0, second.Batches)
}

func TestRunResumesFromBitmap(t *testing.T) {
	cfg := testConfig(t)
	seedArchive(t, cfg.ArchiveDir, "password", "qwerty123")

	// Pre-mark the partition owning qwerty123 as already done.
	pre := keyspace.DigestOf([]byte("qwerty123")).Prefix()
	b, err := progress.Open(cfg.BitmapPath)
	require.NoError(t, err)
	b.Set(pre)
	require.NoError(t, b.Close())

	e, err := New(cfg, WithIndex(buildIndex(t, "password")))
	require.NoError(t, err)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Partitions)
	require.EqualValues(t, 1, stats.SkippedPartitions)
	require.EqualValues(t, 0, stats.Candidates)
	require.EqualValues(t, 1, stats.Matched)
}

func TestRunReset(t *testing.T) {
	cfg := testConfig(t)
	seedArchive(t, cfg.ArchiveDir, "qwerty123")

	pre := keyspace.DigestOf([]byte("qwerty123")).Prefix()
	b, err := progress.Open(cfg.BitmapPath)
	require.NoError(t, err)
	b.Set(pre)
	require.NoError(t, b.Close())

	cfg.Reset = true
	e, err := New(cfg, WithIndex(buildIndex(t, "password")))
	require.NoError(t, err)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Partitions)
	require.EqualValues(t, 1, stats.Candidates)
}

func TestMalformedLinesSkipped(t *testing.T) {
	cfg := testConfig(t)

	s, err := archive.New(cfg.ArchiveDir)
	require.NoError(t, err)

	good := keyspace.DigestOf([]byte("qwerty123"))
	key := good.Prefix()
	suffix := good.String()[keyspace.KeyHexLen:]
	payload := strings.Join([]string{
		suffix + ":7",              // valid candidate
		"TOOSHORT:3",               // suffix wrong width
		suffix + ":x",              // non-numeric count
		"ZZ" + suffix[2:] + ":1",   // non-hex suffix
		"",                         // blank
	}, "\n")
	_, err = s.PutEntry(key, payload, "")
	require.NoError(t, err)
	_, err = s.FlushAll()
	require.NoError(t, err)

	e, err := New(cfg, WithIndex(buildIndex(t, "password")))
	require.NoError(t, err)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Candidates)
	require.EqualValues(t, 0, stats.Matched)
	require.EqualValues(t, 3, stats.Skipped)
	require.Equal(t, stats.Records, stats.Matched+stats.Candidates+stats.Skipped)

	// The partition is still marked done despite malformed lines.
	b, err := progress.Open(cfg.BitmapPath)
	require.NoError(t, err)
	require.True(t, b.Has(key))
	require.NoError(t, b.Close())
}

func TestMissingCountDefaultsToOne(t *testing.T) {
	cfg := testConfig(t)
	cfg.CountsIndex = true

	s, err := archive.New(cfg.ArchiveDir)
	require.NoError(t, err)
	d := keyspace.DigestOf([]byte("hunter2"))
	_, err = s.PutEntry(d.Prefix(), d.String()[keyspace.KeyHexLen:], "")
	require.NoError(t, err)
	_, err = s.FlushAll()
	require.NoError(t, err)

	e, err := New(cfg, WithIndex(buildIndex(t, "password")))
	require.NoError(t, err)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Candidates)

	counts, err := os.ReadFile(filepath.Join(cfg.OutputDir, "counts.txt"))
	require.NoError(t, err)
	require.Equal(t, d.String()+":1\n", string(counts))
}

func TestBatchThreshold(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 2
	seedArchive(t, cfg.ArchiveDir, "alpha", "bravo", "charlie")

	e, err := New(cfg, WithIndex(buildIndex(t, "password")))
	require.NoError(t, err)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.Candidates)
	require.Equal(t, 2, stats.Batches)

	full, err := os.ReadFile(filepath.Join(cfg.OutputDir, "batch-0001.txt"))
	require.NoError(t, err)
	require.Len(t, strings.Fields(string(full)), 2)

	trailing, err := os.ReadFile(filepath.Join(cfg.OutputDir, "batch-0002.txt"))
	require.NoError(t, err)
	require.Len(t, strings.Fields(string(trailing)), 1)
}

func TestBatchBoundWithinPartition(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 2

	// Five candidates in a single partition: the threshold must bound every
	// batch file even when one partition overflows it.
	s, err := archive.New(cfg.ArchiveDir)
	require.NoError(t, err)
	key := keyspace.MustKey("AB000")
	lines := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		suffix := strings.Repeat("0", keyspace.SuffixHexLen-1) + strconv.Itoa(i)
		lines = append(lines, suffix+":1")
	}
	_, err = s.PutEntry(key, strings.Join(lines, "\n"), "")
	require.NoError(t, err)
	_, err = s.FlushAll()
	require.NoError(t, err)

	e, err := New(cfg, WithIndex(buildIndex(t, "password")))
	require.NoError(t, err)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 5, stats.Candidates)
	require.Equal(t, 3, stats.Batches)

	for i, want := range []int{2, 2, 1} {
		raw, err := os.ReadFile(filepath.Join(cfg.OutputDir, fmt.Sprintf("batch-%04d.txt", i+1)))
		require.NoError(t, err)
		got := strings.Fields(string(raw))
		require.Len(t, got, want)
		require.LessOrEqual(t, len(got), cfg.BatchSize)
	}
}

func TestBatchNumberingMonotonicAcrossRuns(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.OutputDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.OutputDir, "batch-0007.txt"), []byte("x\n"), 0o600))

	seedArchive(t, cfg.ArchiveDir, "qwerty123")
	e, err := New(cfg, WithIndex(buildIndex(t, "password")))
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(cfg.OutputDir, "batch-0008.txt"))
}

func TestGzipOutput(t *testing.T) {
	cfg := testConfig(t)
	cfg.GzipOutput = true
	seedArchive(t, cfg.ArchiveDir, "qwerty123")

	e, err := New(cfg, WithIndex(buildIndex(t, "password")))
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(cfg.OutputDir, "batch-0001.txt.gz"))
	require.NoError(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	text, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, keyspace.DigestOf([]byte("qwerty123")).String()+"\n", string(text))
}

func TestRunHonorsCancellation(t *testing.T) {
	cfg := testConfig(t)
	seedArchive(t, cfg.ArchiveDir, "qwerty123")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := New(cfg, WithIndex(buildIndex(t, "password")))
	require.NoError(t, err)

	stats, err := e.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 0, stats.Partitions)
}

func TestStateAccumulatesAcrossRuns(t *testing.T) {
	cfg := testConfig(t)
	seedArchive(t, cfg.ArchiveDir, "password", "qwerty123")
	idx := buildIndex(t, "password")

	e, err := New(cfg, WithIndex(idx))
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	require.NoError(t, err)

	// Add fresh data and run again; state totals cover both runs.
	seedArchive(t, cfg.ArchiveDir, "hunter2")
	_, err = e.Run(context.Background())
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(cfg.OutputDir, "state.json"))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"totalCandidates":2`)
	require.Contains(t, string(raw), `"totalMatched":1`)
}

func TestNextBatchNumber(t *testing.T) {
	dir := t.TempDir()

	require.Equal(t, 1, NextBatchNumber(fs.Default, dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "batch-0002.txt"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "batch-0005.txt.gz"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "counts.txt"), nil, 0o600))

	require.Equal(t, 6, NextBatchNumber(fs.Default, dir))
}
