package engine

import (
	"bytes"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/hupe1980/hashsift/internal/fs"
	"github.com/hupe1980/hashsift/keyspace"
)

const (
	// DefaultBatchSize is the number of candidate digests per output batch.
	DefaultBatchSize = 500_000

	// MaxBatchSize caps the configurable batch size. Downstream consumers
	// size their own buffers around this bound.
	MaxBatchSize = 1_000_000
)

var batchNamePattern = regexp.MustCompile(`^batch-(\d{4,})\.txt(\.gz)?$`)

// NextBatchNumber scans dir for existing batch files and returns the number
// the next batch should carry. Numbering is monotonic across runs so a
// resumed pipeline never overwrites output a consumer may already have
// picked up.
func NextBatchNumber(fsys fs.FileSystem, dir string) int {
	next := 1

	des, err := fsys.ReadDir(dir)
	if err != nil {
		return next
	}
	for _, de := range des {
		m := batchNamePattern.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= next {
			next = n + 1
		}
	}
	return next
}

// batchWriter accumulates candidate digests and writes them out as numbered
// newline-delimited text files once the threshold is reached.
type batchWriter struct {
	fsys      fs.FileSystem
	dir       string
	threshold int
	gzip      bool
	next      int
	logger    *slog.Logger

	pending []keyspace.Digest
	written int
}

func newBatchWriter(fsys fs.FileSystem, dir string, threshold int, gzipOut bool, logger *slog.Logger) *batchWriter {
	if threshold <= 0 {
		threshold = DefaultBatchSize
	}
	if threshold > MaxBatchSize {
		threshold = MaxBatchSize
	}
	return &batchWriter{
		fsys:      fsys,
		dir:       dir,
		threshold: threshold,
		gzip:      gzipOut,
		next:      NextBatchNumber(fsys, dir),
		logger:    logger,
		pending:   make([]keyspace.Digest, 0, threshold),
	}
}

func (b *batchWriter) add(d keyspace.Digest) {
	b.pending = append(b.pending, d)
}

func (b *batchWriter) full() bool {
	return len(b.pending) >= b.threshold
}

func (b *batchWriter) pendingCount() int {
	return len(b.pending)
}

// flush writes up to threshold pending digests as the next numbered batch
// file. Digests beyond the threshold stay pending so no batch file ever
// exceeds the bound; callers flush in a loop to drain a large backlog.
// Flushing an empty accumulator is a no-op.
func (b *batchWriter) flush() (string, int, error) {
	count := len(b.pending)
	if count == 0 {
		return "", 0, nil
	}
	if count > b.threshold {
		count = b.threshold
	}

	name := fmt.Sprintf("batch-%04d.txt", b.next)
	if b.gzip {
		name += ".gz"
	}
	path := fs.Join(b.dir, name)

	start := time.Now()

	var buf bytes.Buffer
	buf.Grow(count * (keyspace.DigestHexLen + 1))
	line := make([]byte, 0, keyspace.DigestHexLen+1)
	for _, d := range b.pending[:count] {
		line = d.AppendHex(line[:0])
		line = append(line, '\n')
		buf.Write(line)
	}

	data := buf.Bytes()
	if b.gzip {
		var zbuf bytes.Buffer
		zw := gzip.NewWriter(&zbuf)
		if _, err := zw.Write(data); err != nil {
			return "", 0, fmt.Errorf("engine: compress batch %s: %w", name, err)
		}
		if err := zw.Close(); err != nil {
			return "", 0, fmt.Errorf("engine: compress batch %s: %w", name, err)
		}
		data = zbuf.Bytes()
	}

	if err := fs.WriteFileAtomic(b.fsys, path, data, 0o600); err != nil {
		return "", 0, fmt.Errorf("engine: write batch %s: %w", name, err)
	}

	b.pending = b.pending[:copy(b.pending, b.pending[count:])]
	b.next++
	b.written++

	b.logger.Info("batch written",
		"batch", name, "candidates", count, "elapsed", time.Since(start))

	return name, count, nil
}
