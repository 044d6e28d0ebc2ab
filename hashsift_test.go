package hashsift

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hashsift/blobstore"
	"github.com/hupe1980/hashsift/keyspace"
)

func writeCorpus(t *testing.T, words ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.txt")
	var data []byte
	for _, w := range words {
		data = append(data, w...)
		data = append(data, '\n')
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func putWords(t *testing.T, p *Pipeline, words ...string) {
	t.Helper()
	for _, w := range words {
		d := keyspace.DigestOf([]byte(w))
		_, err := p.Archive().PutEntry(d.Prefix(), d.String()[keyspace.KeyHexLen:]+":1", "")
		require.NoError(t, err)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	corpus := writeCorpus(t, "password", "letmein")

	metrics := NewBasicMetrics()
	p, err := New(dataDir,
		WithCorpusPath(corpus),
		WithCountsIndex(true),
		WithMetrics(metrics),
	)
	require.NoError(t, err)
	defer p.Close()

	putWords(t, p, "password", "letmein", "qwerty123", "hunter2")

	stats, err := p.Run(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Matched)
	require.EqualValues(t, 2, stats.Candidates)
	require.Equal(t, 1, stats.Batches)

	require.FileExists(t, filepath.Join(p.OutputDir(), "batch-0001.txt"))
	require.FileExists(t, filepath.Join(p.OutputDir(), "counts.txt"))
	require.FileExists(t, p.BitmapPath())

	require.EqualValues(t, 4, metrics.Partitions.Load())
	require.EqualValues(t, 2, metrics.Candidates.Load())
	require.Positive(t, metrics.ShardFlushes.Load())

	report, err := p.Verify(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, report.Violations())
	require.EqualValues(t, 2, report.BatchKeys)
}

func TestPipelineRunFlushesProducerBuffer(t *testing.T) {
	ctx := context.Background()
	p, err := New(t.TempDir(), WithCorpusPath(writeCorpus(t, "password")))
	require.NoError(t, err)

	// Entries are still resident when Run is called; Run must flush them
	// before the engine pass or it would see an empty archive.
	putWords(t, p, "qwerty123")
	require.NotEmpty(t, p.Archive().ResidentShards())

	stats, err := p.Run(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Candidates)
	require.Empty(t, p.Archive().ResidentShards())
}

func TestPipelineFlushRecordsChecksums(t *testing.T) {
	p, err := New(t.TempDir(), WithCorpusPath(writeCorpus(t, "password")))
	require.NoError(t, err)

	putWords(t, p, "qwerty123")
	require.NoError(t, p.Close())

	raw, err := os.ReadFile(filepath.Join(p.OutputDir(), "state.json"))
	require.NoError(t, err)
	shard := keyspace.DigestOf([]byte("qwerty123")).Prefix().Shard()
	require.Contains(t, string(raw), `"`+shard.String()+`"`)
}

func TestPipelineMirrors(t *testing.T) {
	ctx := context.Background()
	dst := blobstore.NewMemoryStore()

	p, err := New(t.TempDir(),
		WithCorpusPath(writeCorpus(t, "password")),
		WithBlobStore(dst),
	)
	require.NoError(t, err)
	putWords(t, p, "qwerty123")

	_, err = p.Run(ctx)
	require.NoError(t, err)

	names, err := dst.List(ctx, "")
	require.NoError(t, err)
	require.Contains(t, names, "batch-0001.txt")
	require.Contains(t, names, "state.json")
}

func TestPipelineResetAppliesOnce(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	corpus := writeCorpus(t, "password")

	p, err := New(dataDir, WithCorpusPath(corpus))
	require.NoError(t, err)
	putWords(t, p, "qwerty123")

	_, err = p.Run(ctx)
	require.NoError(t, err)

	// Same data dir with reset: the partition is reprocessed once, then
	// progress sticks again.
	p2, err := New(dataDir, WithCorpusPath(corpus), WithReset(true))
	require.NoError(t, err)

	first, err := p2.Run(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, first.Partitions)

	second, err := p2.Run(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, second.Partitions)
	require.EqualValues(t, 1, second.SkippedPartitions)
}

func TestPipelineRunWithoutReferenceFails(t *testing.T) {
	p, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.ErrorIs(t, err, ErrNoReferenceSource)
}

func TestLoggerHelpers(t *testing.T) {
	l := NoopLogger()
	require.NotNil(t, l.WithShard(keyspace.ShardID(0xAB)))
	require.NotNil(t, l.WithPartition(keyspace.MustKey("AB000")))
	require.NotNil(t, l.WithBatch(7))
}
