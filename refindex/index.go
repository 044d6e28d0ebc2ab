// Package refindex builds the in-memory membership index over the reference
// corpus: one SHA-1 digest per non-empty corpus line, with set semantics.
//
// The index is immutable for the duration of an engine run. Memory is
// proportional to the unique digest count, not the corpus line count, since
// duplicate lines are common in real corpora.
package refindex

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/hashsift/internal/fs"
	"github.com/hupe1980/hashsift/keyspace"
)

// MaxCapacityHint caps the derived pre-sizing of the digest set, a little
// above the 14.3M-entry reference deployment.
const MaxCapacityHint = 16_000_000

// Index is an immutable membership set of reference digests.
type Index struct {
	set map[keyspace.Digest]struct{}
}

// BuildStats reports what a Build consumed and produced.
type BuildStats struct {
	Lines      int
	Unique     int
	Duplicates int
	Skipped    int // empty lines
	Elapsed    time.Duration
}

type buildConfig struct {
	logger   *slog.Logger
	capacity int
}

// BuildOption configures Build.
type BuildOption func(*buildConfig)

// WithLogger sets the build progress logger. Defaults to discard.
func WithLogger(l *slog.Logger) BuildOption {
	return func(c *buildConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCapacityHint pre-sizes the digest set.
func WithCapacityHint(n int) BuildOption {
	return func(c *buildConfig) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// Build hashes every non-empty line of r (trailing carriage returns
// stripped, raw bytes otherwise) into the membership set. Duplicate digests
// collapse.
func Build(r io.Reader, optFns ...BuildOption) (*Index, BuildStats, error) {
	cfg := buildConfig{
		logger: slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(&cfg)
	}

	idx := &Index{set: make(map[keyspace.Digest]struct{}, cfg.capacity)}
	stats := BuildStats{}
	start := time.Now()

	// Corpus lines can be long junk; give the scanner headroom.
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	progress := rate.Sometimes{Interval: 5 * time.Second}

	for sc.Scan() {
		line := sc.Bytes()
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			stats.Skipped++
			continue
		}
		stats.Lines++

		d := keyspace.DigestOf(line)
		if _, dup := idx.set[d]; dup {
			stats.Duplicates++
		} else {
			idx.set[d] = struct{}{}
		}

		progress.Do(func() {
			cfg.logger.Info("building reference index",
				"lines", stats.Lines,
				"unique", len(idx.set),
				"elapsed", time.Since(start).Round(time.Second))
		})
	}
	if err := sc.Err(); err != nil {
		return nil, stats, err
	}

	stats.Unique = len(idx.set)
	stats.Elapsed = time.Since(start)

	cfg.logger.Info("reference index built",
		"lines", stats.Lines,
		"unique", stats.Unique,
		"duplicates", stats.Duplicates,
		"skipped", stats.Skipped,
		"elapsed", stats.Elapsed.Round(time.Millisecond))

	return idx, stats, nil
}

// BuildFromFile builds the index from the corpus file at path. The digest
// set is pre-sized from the file size (assuming short lines) so a large
// corpus avoids incremental map growth; an explicit WithCapacityHint wins.
func BuildFromFile(fsys fs.FileSystem, path string, optFns ...BuildOption) (*Index, BuildStats, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, BuildStats{}, err
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil && fi.Size() > 0 {
		hint := int(fi.Size() / 8)
		if hint > MaxCapacityHint {
			hint = MaxCapacityHint
		}
		optFns = append([]BuildOption{WithCapacityHint(hint)}, optFns...)
	}
	return Build(f, optFns...)
}

// Exists reports membership of the digest. O(1).
func (i *Index) Exists(d keyspace.Digest) bool {
	_, ok := i.set[d]
	return ok
}

// ExistsHex tests membership of a hex-encoded digest. Case-insensitive;
// malformed input is simply absent.
func (i *Index) ExistsHex(s string) bool {
	d, err := keyspace.ParseDigest(s)
	if err != nil {
		return false
	}
	return i.Exists(d)
}

// Size returns the cardinality of the set.
func (i *Index) Size() int {
	return len(i.set)
}
