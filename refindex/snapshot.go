package refindex

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/hashsift/internal/fs"
	"github.com/hupe1980/hashsift/keyspace"
)

// Snapshot format: an lz4 frame whose payload is
//
//	magic   [4]byte  "HSRI"
//	version uint16   little-endian
//	count   uint64   little-endian
//	digests count x 20 bytes
//
// Snapshots amortize the corpus hashing cost across runs. They are a cache,
// never a source of truth; the verifier always rebuilds from corpus text.

const (
	snapshotMagic   = "HSRI"
	snapshotVersion = 1
)

// DefaultMaxSnapshotEntries bounds how large a snapshot the loader will
// trust. Anything past this is treated as corrupt rather than allocated.
const DefaultMaxSnapshotEntries = 1 << 26 // ~67M, 4x the reference corpus

// SnapshotTooLargeError is returned when a snapshot declares more entries
// than the caller-supplied bound.
type SnapshotTooLargeError struct {
	Count uint64
	Max   uint64
}

func (e *SnapshotTooLargeError) Error() string {
	return fmt.Sprintf("refindex: snapshot declares %d entries, max %d", e.Count, e.Max)
}

// WriteSnapshot writes the index in compact binary form.
func (i *Index) WriteSnapshot(w io.Writer) error {
	zw := lz4.NewWriter(w)

	var header [14]byte
	copy(header[:4], snapshotMagic)
	binary.LittleEndian.PutUint16(header[4:6], snapshotVersion)
	binary.LittleEndian.PutUint64(header[6:14], uint64(len(i.set)))
	if _, err := zw.Write(header[:]); err != nil {
		return err
	}

	for d := range i.set {
		if _, err := zw.Write(d[:]); err != nil {
			return err
		}
	}
	return zw.Close()
}

// ReadSnapshot loads an index from its binary form. maxEntries <= 0 selects
// DefaultMaxSnapshotEntries.
func ReadSnapshot(r io.Reader, maxEntries uint64) (*Index, error) {
	if maxEntries == 0 {
		maxEntries = DefaultMaxSnapshotEntries
	}
	zr := lz4.NewReader(r)

	var header [14]byte
	if _, err := io.ReadFull(zr, header[:]); err != nil {
		return nil, fmt.Errorf("refindex: snapshot header: %w", err)
	}
	if string(header[:4]) != snapshotMagic {
		return nil, fmt.Errorf("refindex: bad snapshot magic %q", header[:4])
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != snapshotVersion {
		return nil, fmt.Errorf("refindex: unsupported snapshot version %d", v)
	}

	count := binary.LittleEndian.Uint64(header[6:14])
	if count > maxEntries {
		return nil, &SnapshotTooLargeError{Count: count, Max: maxEntries}
	}

	idx := &Index{set: make(map[keyspace.Digest]struct{}, count)}
	var d keyspace.Digest
	for n := uint64(0); n < count; n++ {
		if _, err := io.ReadFull(zr, d[:]); err != nil {
			return nil, fmt.Errorf("refindex: snapshot truncated at entry %d: %w", n, err)
		}
		idx.set[d] = struct{}{}
	}
	return idx, nil
}

// SaveSnapshotFile writes the snapshot atomically to path.
func (i *Index) SaveSnapshotFile(fsys fs.FileSystem, path string) error {
	if fsys == nil {
		fsys = fs.Default
	}
	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := i.WriteSnapshot(f); err != nil {
		_ = f.Close()
		_ = fsys.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fsys.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	return fsys.Rename(tmp, path)
}

// LoadSnapshotFile loads a snapshot from path.
func LoadSnapshotFile(fsys fs.FileSystem, path string, maxEntries uint64) (*Index, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSnapshot(f, maxEntries)
}
