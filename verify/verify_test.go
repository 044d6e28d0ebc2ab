package verify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hashsift/archive"
	"github.com/hupe1980/hashsift/engine"
	"github.com/hupe1980/hashsift/keyspace"
	"github.com/hupe1980/hashsift/progress"
)

type pipelineDirs struct {
	archiveDir string
	outputDir  string
	bitmapPath string
	corpusPath string
}

// runPipeline seeds the archive with one payload line per word, writes the
// corpus and executes a full engine pass.
func runPipeline(t *testing.T, reference []string, words ...string) pipelineDirs {
	t.Helper()
	dir := t.TempDir()
	p := pipelineDirs{
		archiveDir: filepath.Join(dir, "archive"),
		outputDir:  filepath.Join(dir, "out"),
		bitmapPath: filepath.Join(dir, "progress.bitmap"),
		corpusPath: filepath.Join(dir, "corpus.txt"),
	}
	require.NoError(t, os.WriteFile(p.corpusPath, []byte(strings.Join(reference, "\n")+"\n"), 0o600))

	s, err := archive.New(p.archiveDir)
	require.NoError(t, err)
	for _, w := range words {
		d := keyspace.DigestOf([]byte(w))
		_, err := s.PutEntry(d.Prefix(), d.String()[keyspace.KeyHexLen:]+":1", "")
		require.NoError(t, err)
	}
	_, err = s.FlushAll()
	require.NoError(t, err)

	e, err := engine.New(engine.Config{
		ArchiveDir: p.archiveDir,
		OutputDir:  p.outputDir,
		BitmapPath: p.bitmapPath,
		CorpusPath: p.corpusPath,
	})
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	require.NoError(t, err)
	return p
}

func (p pipelineDirs) config() Config {
	return Config{
		OutputDir:  p.outputDir,
		ArchiveDir: p.archiveDir,
		BitmapPath: p.bitmapPath,
		CorpusPath: p.corpusPath,
	}
}

func TestVerifyCleanRun(t *testing.T) {
	p := runPipeline(t, []string{"password", "letmein"},
		"password", "letmein", "qwerty123", "hunter2")

	v, err := New(p.config())
	require.NoError(t, err)

	report, err := v.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Batches)
	require.EqualValues(t, 2, report.BatchKeys)
	require.EqualValues(t, 0, report.Violations())
	require.EqualValues(t, 4, report.MarkedKeys)
	require.EqualValues(t, 4, report.ArchivedKeys)
}

func TestVerifyCatchesPlantedReferenceDigest(t *testing.T) {
	p := runPipeline(t, []string{"password"}, "password", "qwerty123")

	// Append a reference digest to the batch file, as a buggy engine would.
	name := filepath.Join(p.outputDir, "batch-0001.txt")
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(keyspace.DigestOf([]byte("password")).String() + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	v, err := New(p.config())
	require.NoError(t, err)

	report, err := v.Verify(context.Background())
	require.ErrorIs(t, err, ErrVerificationFailed)
	require.EqualValues(t, 1, report.ReferenceHits)
}

func TestVerifyCatchesInvalidKey(t *testing.T) {
	p := runPipeline(t, []string{"password"}, "qwerty123")

	name := filepath.Join(p.outputDir, "batch-0001.txt")
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("definitely-not-a-digest\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	v, err := New(p.config())
	require.NoError(t, err)

	report, err := v.Verify(context.Background())
	require.ErrorIs(t, err, ErrVerificationFailed)
	require.EqualValues(t, 1, report.InvalidKeys)
}

func TestVerifyCatchesMarkedButUnarchivedKey(t *testing.T) {
	p := runPipeline(t, []string{"password"}, "qwerty123")

	// Mark a partition whose shard has no container at all.
	b, err := progress.Open(p.bitmapPath)
	require.NoError(t, err)
	b.Set(keyspace.MustKey("FFFFF"))
	require.NoError(t, b.Close())

	v, err := New(p.config())
	require.NoError(t, err)

	report, err := v.Verify(context.Background())
	require.ErrorIs(t, err, ErrVerificationFailed)
	require.EqualValues(t, 1, report.MarkedMissing)
}

func TestVerifyReportsUnprocessedKeys(t *testing.T) {
	p := runPipeline(t, []string{"password"}, "qwerty123")

	// New data arrives after the run: archived but not yet processed.
	s, err := archive.New(p.archiveDir)
	require.NoError(t, err)
	d := keyspace.DigestOf([]byte("hunter2"))
	_, err = s.PutEntry(d.Prefix(), d.String()[keyspace.KeyHexLen:]+":1", "")
	require.NoError(t, err)
	_, err = s.FlushAll()
	require.NoError(t, err)

	v, err := New(p.config())
	require.NoError(t, err)

	report, err := v.Verify(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, report.Unprocessed)
}

func TestVerifyCleanAfterResumedRuns(t *testing.T) {
	p := runPipeline(t, []string{"password"}, "alpha", "bravo")

	// A second run over fresh data leaves the first run's undersized
	// trailing batch in place. That is normal resumed output, not a
	// violation.
	s, err := archive.New(p.archiveDir)
	require.NoError(t, err)
	d := keyspace.DigestOf([]byte("charlie"))
	_, err = s.PutEntry(d.Prefix(), d.String()[keyspace.KeyHexLen:]+":1", "")
	require.NoError(t, err)
	_, err = s.FlushAll()
	require.NoError(t, err)

	e, err := engine.New(engine.Config{
		ArchiveDir: p.archiveDir,
		OutputDir:  p.outputDir,
		BitmapPath: p.bitmapPath,
		CorpusPath: p.corpusPath,
	})
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	require.NoError(t, err)

	v, err := New(p.config())
	require.NoError(t, err)

	report, err := v.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Batches)
	require.Equal(t, 1, report.MisSizedBatch)
	require.EqualValues(t, 0, report.Violations())
}

func TestVerifyBatchSizeBound(t *testing.T) {
	p := runPipeline(t, []string{"password"}, "alpha", "bravo", "charlie")

	// Verifier configured with a smaller threshold than the engine used:
	// the single batch of 3 keys is now oversized.
	cfg := p.config()
	cfg.BatchSize = 2
	v, err := New(cfg)
	require.NoError(t, err)

	report := &Report{}
	require.NoError(t, v.VerifyBatches(context.Background(), report))
	require.Equal(t, 1, report.OversizedBatch)
}

func TestVerifyRequiresCorpus(t *testing.T) {
	p := runPipeline(t, []string{"password"}, "qwerty123")

	cfg := p.config()
	cfg.CorpusPath = ""
	v, err := New(cfg)
	require.NoError(t, err)

	require.Error(t, v.VerifyBatches(context.Background(), &Report{}))
}
