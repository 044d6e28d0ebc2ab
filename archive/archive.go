// Package archive persists partition payloads in 256 compressed shard
// containers, one per high byte of the partition key.
//
// Each container is a gzip-compressed JSON object mapping 5-character hex
// partition keys to entries. Containers are created lazily, loaded fully
// into memory for access, rewritten in full on flush and evicted from
// memory afterwards. Holding at most one decoded shard (plus the reference
// index) is what keeps the pipeline's footprint independent of total
// dataset size.
//
// Corrupt or truncated containers load as empty with a logged warning; the
// data is externally sourced and re-fetchable, so completeness-over-time
// beats per-run strictness.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/hupe1980/hashsift/codec"
	"github.com/hupe1980/hashsift/internal/fs"
	"github.com/hupe1980/hashsift/internal/hash"
	"github.com/hupe1980/hashsift/keyspace"
)

// Entry is one partition's archived payload.
//
// Data holds the raw newline-delimited "SUFFIX:COUNT" payload exactly as
// produced by the fetch layer. ETag is the opaque cache validator used to
// detect unmodified upstream content. Unknown container fields are ignored
// and missing ones default, so containers written by newer producers keep
// loading.
type Entry struct {
	Prefix    string `json:"prefix"`
	Data      string `json:"data"`
	ETag      string `json:"etag,omitempty"`
	FetchedAt string `json:"fetchedAt,omitempty"`
}

type shard struct {
	entries  map[keyspace.Key]Entry
	modified bool
}

// Store is the batched shard archive. The mutation path (PutEntry, flushes)
// is safe for concurrent producer workers; the read path (LoadShard) is
// meant for the single-threaded engine phase.
type Store struct {
	mu        sync.Mutex
	fsys      fs.FileSystem
	dir       string
	codec     codec.Codec
	logger    *slog.Logger
	gzipLevel int
	resident  map[keyspace.ShardID]*shard
}

// Option configures a Store.
type Option func(*Store)

// WithFS overrides the file system (testing).
func WithFS(fsys fs.FileSystem) Option {
	return func(s *Store) { s.fsys = fsys }
}

// WithCodec sets the container codec. Defaults to codec.Default.
func WithCodec(c codec.Codec) Option {
	return func(s *Store) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithLogger sets the logger. Defaults to discard.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGzipLevel sets the container compression level.
func WithGzipLevel(level int) Option {
	return func(s *Store) { s.gzipLevel = level }
}

// New opens (creating if needed) the shard archive rooted at dir.
func New(dir string, optFns ...Option) (*Store, error) {
	s := &Store{
		fsys:      fs.Default,
		dir:       dir,
		codec:     codec.Default,
		logger:    slog.New(slog.DiscardHandler),
		gzipLevel: gzip.DefaultCompression,
		resident:  make(map[keyspace.ShardID]*shard),
	}
	for _, fn := range optFns {
		fn(s)
	}
	if err := s.fsys.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}
	return s, nil
}

// ContainerPath returns the container file path for a shard.
func (s *Store) ContainerPath(id keyspace.ShardID) string {
	return fs.Join(s.dir, "shard-"+id.String()+".json.gz")
}

// GetEntry returns the archived entry for key, loading the owning shard if
// it is not resident.
func (s *Store) GetEntry(key keyspace.Key) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, err := s.residentShard(key.Shard())
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := sh.entries[key]
	return e, ok, nil
}

// PutEntry inserts or replaces the entry for key and marks the owning shard
// modified. If etag is non-empty and matches the stored validator the call
// is a no-op and returns false; the caller treats this as "unmodified".
func (s *Store) PutEntry(key keyspace.Key, data, etag string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, err := s.residentShard(key.Shard())
	if err != nil {
		return false, err
	}

	if etag != "" {
		if prev, ok := sh.entries[key]; ok && prev.ETag == etag {
			return false, nil
		}
	}

	sh.entries[key] = Entry{
		Prefix:    key.String(),
		Data:      data,
		ETag:      etag,
		FetchedAt: time.Now().UTC().Format(time.RFC3339),
	}
	sh.modified = true
	return true, nil
}

// FlushShard serializes, compresses and writes the named shard's container,
// evicts its decoded form and returns the CRC32C checksum of the
// uncompressed serialized bytes. Flushing a non-resident shard is a no-op
// returning 0. On error the shard stays resident so the caller can retry.
func (s *Store) FlushShard(id keyspace.ShardID) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushShardLocked(id)
}

func (s *Store) flushShardLocked(id keyspace.ShardID) (uint32, error) {
	sh, ok := s.resident[id]
	if !ok {
		return 0, nil
	}

	sum, err := s.writeContainer(id, sh.entries)
	if err != nil {
		return 0, fmt.Errorf("archive: flush shard %s: %w", id, err)
	}

	delete(s.resident, id)
	return sum, nil
}

// FlushAll flushes every resident shard and returns their checksums.
// Used once at the end of an ingestion run where eviction no longer
// matters. Stops at the first failing shard.
func (s *Store) FlushAll() (map[keyspace.ShardID]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sums := make(map[keyspace.ShardID]uint32, len(s.resident))
	for id := range s.resident {
		sum, err := s.flushShardLocked(id)
		if err != nil {
			return sums, err
		}
		sums[id] = sum
	}
	return sums, nil
}

// LoadShard reads one shard's partitions for processing, bypassing the
// residency cache used by the put path. A missing, empty or corrupt
// container yields an empty mapping (logged, not fatal). A genuine I/O
// error is returned so the caller can skip the shard and retry next run.
func (s *Store) LoadShard(id keyspace.ShardID) (map[keyspace.Key]Entry, error) {
	return s.loadContainer(id)
}

// ResidentShards returns the shards currently decoded in memory.
func (s *Store) ResidentShards() []keyspace.ShardID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]keyspace.ShardID, 0, len(s.resident))
	for id := range s.resident {
		out = append(out, id)
	}
	return out
}

// ModifiedShards returns the resident shards with unflushed changes. The
// producer's periodic flush-with-eviction loop drains this set.
func (s *Store) ModifiedShards() []keyspace.ShardID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]keyspace.ShardID, 0, len(s.resident))
	for id, sh := range s.resident {
		if sh.modified {
			out = append(out, id)
		}
	}
	return out
}

func (s *Store) residentShard(id keyspace.ShardID) (*shard, error) {
	if sh, ok := s.resident[id]; ok {
		return sh, nil
	}
	entries, err := s.loadContainer(id)
	if err != nil {
		return nil, err
	}
	sh := &shard{entries: entries}
	s.resident[id] = sh
	return sh, nil
}

func (s *Store) loadContainer(id keyspace.ShardID) (map[keyspace.Key]Entry, error) {
	path := s.ContainerPath(id)

	raw, err := fs.ReadFile(s.fsys, path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[keyspace.Key]Entry{}, nil
		}
		return nil, fmt.Errorf("%w: container %s: %w", ErrShardUnreadable, id, err)
	}
	if len(raw) == 0 {
		return map[keyspace.Key]Entry{}, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		s.logger.Warn("corrupt shard container, treating as empty",
			"shard", id.String(), "error", err)
		return map[keyspace.Key]Entry{}, nil
	}
	decompressed, err := io.ReadAll(zr)
	if cerr := zr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.logger.Warn("truncated shard container, treating as empty",
			"shard", id.String(), "error", err)
		return map[keyspace.Key]Entry{}, nil
	}

	var wire map[string]Entry
	if err := s.codec.Unmarshal(decompressed, &wire); err != nil {
		s.logger.Warn("undecodable shard container, treating as empty",
			"shard", id.String(), "error", err)
		return map[keyspace.Key]Entry{}, nil
	}

	entries := make(map[keyspace.Key]Entry, len(wire))
	for ks, e := range wire {
		key, err := keyspace.ParseKey(ks)
		if err != nil || key.Shard() != id {
			s.logger.Warn("dropping foreign key in shard container",
				"shard", id.String(), "key", ks)
			continue
		}
		entries[key] = e
	}
	return entries, nil
}

// writeContainer serializes entries, writes the compressed container
// atomically and returns the checksum of the uncompressed bytes.
func (s *Store) writeContainer(id keyspace.ShardID, entries map[keyspace.Key]Entry) (uint32, error) {
	wire := make(map[string]Entry, len(entries))
	for key, e := range entries {
		wire[key.String()] = e
	}

	serialized, err := s.codec.Marshal(wire)
	if err != nil {
		return 0, err
	}
	sum := hash.CRC32C(serialized)

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, s.gzipLevel)
	if err != nil {
		return 0, err
	}
	if _, err := zw.Write(serialized); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}

	if err := fs.WriteFileAtomic(s.fsys, s.ContainerPath(id), buf.Bytes(), 0o600); err != nil {
		return 0, err
	}
	return sum, nil
}

// ErrShardUnreadable wraps genuine I/O failures on container reads so
// callers can distinguish them from the absent/corrupt-means-empty path.
var ErrShardUnreadable = errors.New("archive: shard unreadable")
