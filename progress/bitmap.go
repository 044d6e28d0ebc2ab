// Package progress tracks per-partition completion for the set-difference
// pipeline as one bit per partition key, persisted as a raw fixed-size file.
//
// The on-disk format is a headerless 128 KiB byte array (ceil(2^20/8)).
// A file whose size does not match is treated as "no prior progress":
// callers rely on this for forward compatibility, and corruption degrades
// to reprocessing rather than failure. Bits are monotonic; nothing clears
// them except an explicit Reset.
package progress

import (
	"log/slog"
	"math/bits"
	"os"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/hashsift/internal/fs"
	"github.com/hupe1980/hashsift/keyspace"
)

// Size is the exact byte length of the bitmap file.
const Size = keyspace.KeyspaceSize / 8

// Bitmap is the persisted completion tracker. One writer; Has, Count and
// Flush may be called concurrently with Set from the same process.
type Bitmap struct {
	mu     sync.Mutex
	fsys   fs.FileSystem
	path   string
	buf    []byte
	dirty  bool
	logger *slog.Logger
}

// Option configures a Bitmap.
type Option func(*Bitmap)

// WithFS overrides the file system (testing).
func WithFS(fsys fs.FileSystem) Option {
	return func(b *Bitmap) { b.fsys = fsys }
}

// WithLogger sets the logger. Defaults to discard.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bitmap) {
		if l != nil {
			b.logger = l
		}
	}
}

// Open loads the bitmap at path. A missing file, or a file whose size is
// not exactly Size bytes, yields a zeroed bitmap (logged, not fatal).
func Open(path string, optFns ...Option) (*Bitmap, error) {
	b := &Bitmap{
		fsys:   fs.Default,
		path:   path,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(b)
	}

	data, err := fs.ReadFile(b.fsys, path)
	switch {
	case err != nil:
		if !os.IsNotExist(err) {
			b.logger.Warn("bitmap unreadable, starting fresh", "path", path, "error", err)
		}
		b.buf = make([]byte, Size)
	case len(data) != Size:
		b.logger.Warn("bitmap size mismatch, starting fresh",
			"path", path, "size", len(data), "want", Size)
		b.buf = make([]byte, Size)
	default:
		b.buf = data
	}
	return b, nil
}

// Has reports whether the partition key is marked complete.
func (b *Bitmap) Has(key keyspace.Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf[key>>3]&(1<<(key&7)) != 0
}

// Set marks the partition key complete and flags the bitmap dirty.
func (b *Bitmap) Set(key keyspace.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mask := byte(1 << (key & 7))
	if b.buf[key>>3]&mask == 0 {
		b.buf[key>>3] |= mask
		b.dirty = true
	}
}

// Count returns the number of completed partitions.
func (b *Bitmap) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, v := range b.buf {
		n += bits.OnesCount8(v)
	}
	return n
}

// Dirty reports whether there are unflushed changes.
func (b *Bitmap) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// Snapshot returns the completed key set as a roaring bitmap. Used by the
// verifier for coverage cross-checks and by reporting.
func (b *Bitmap) Snapshot() *roaring.Bitmap {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := roaring.New()
	for i, v := range b.buf {
		for v != 0 {
			bit := bits.TrailingZeros8(v)
			out.Add(uint32(i*8 + bit))
			v &= v - 1
		}
	}
	return out
}

// Flush writes the full bitmap to disk atomically and clears the dirty
// flag. On error the dirty flag stays set so a later flush retries.
func (b *Bitmap) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *Bitmap) flushLocked() error {
	if err := fs.WriteFileAtomic(b.fsys, b.path, b.buf, 0o600); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

// Reset zeroes all bits and flushes immediately. Forces full reprocessing.
func (b *Bitmap) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.buf)
	b.dirty = true
	return b.flushLocked()
}

// Close flushes if dirty.
func (b *Bitmap) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return nil
	}
	return b.flushLocked()
}
