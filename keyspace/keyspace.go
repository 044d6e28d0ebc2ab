// Package keyspace defines the fixed 2^20-entry partition keyspace and the
// typed identifiers used throughout hashsift.
//
// Partition keys are 20-bit unsigned integers internally. The canonical text
// form (5-character uppercase hex) exists only at the system boundary:
// payload parsing, container keys and file names. Internal logic never does
// string comparison for keyspace arithmetic.
package keyspace

import (
	"crypto/sha1" //nolint:gosec // G505: the external data format is SHA-1
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeyBits is the width of a partition key.
	KeyBits = 20

	// KeyspaceSize is the total number of partitions.
	KeyspaceSize = 1 << KeyBits

	// NumShards is the fixed number of archive containers. One shard owns a
	// contiguous run of PartitionsPerShard keys, identified by the key's
	// high byte.
	NumShards = 256

	// PartitionsPerShard is the number of partition keys per shard.
	PartitionsPerShard = KeyspaceSize / NumShards

	// KeyHexLen is the length of the canonical text form of a Key.
	KeyHexLen = 5

	// SuffixHexLen is the length of a record suffix within a partition
	// payload. Prefix plus suffix reconstructs a full digest.
	SuffixHexLen = DigestHexLen - KeyHexLen

	// DigestLen is the byte length of a record digest (SHA-1).
	DigestLen = sha1.Size

	// DigestHexLen is the hex length of a record digest.
	DigestHexLen = DigestLen * 2
)

// Key is a partition key in [0, KeyspaceSize).
type Key uint32

// Valid reports whether the key is within the keyspace.
func (k Key) Valid() bool {
	return k < KeyspaceSize
}

// Shard returns the owning shard of the key.
func (k Key) Shard() ShardID {
	return ShardID(k >> (KeyBits - 8))
}

// String renders the canonical 5-character uppercase hex form.
func (k Key) String() string {
	const digits = "0123456789ABCDEF"
	var b [KeyHexLen]byte
	v := uint32(k)
	for i := KeyHexLen - 1; i >= 0; i-- {
		b[i] = digits[v&0xF]
		v >>= 4
	}
	return string(b[:])
}

// ParseKey parses a 5-character hex partition key. Case-insensitive.
func ParseKey(s string) (Key, error) {
	if len(s) != KeyHexLen {
		return 0, fmt.Errorf("keyspace: key %q: want %d hex chars, got %d", s, KeyHexLen, len(s))
	}
	var v uint32
	for i := 0; i < KeyHexLen; i++ {
		d, ok := hexVal(s[i])
		if !ok {
			return 0, fmt.Errorf("keyspace: key %q: invalid hex char %q", s, s[i])
		}
		v = v<<4 | uint32(d)
	}
	return Key(v), nil
}

// MustKey parses a key and panics on error. For constants in tests.
func MustKey(s string) Key {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// ShardID identifies one of the NumShards archive containers. The full
// uint8 range is valid, which makes out-of-range shard ids unrepresentable.
type ShardID uint8

// String renders the canonical 2-character uppercase hex form.
func (s ShardID) String() string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[s>>4], digits[s&0xF]})
}

// ParseShardID parses a 2-character hex shard id. Case-insensitive.
func ParseShardID(s string) (ShardID, error) {
	if len(s) != 2 {
		return 0, fmt.Errorf("keyspace: shard id %q: want 2 hex chars", s)
	}
	hi, ok1 := hexVal(s[0])
	lo, ok2 := hexVal(s[1])
	if !ok1 || !ok2 {
		return 0, fmt.Errorf("keyspace: shard id %q: invalid hex", s)
	}
	return ShardID(hi<<4 | lo), nil
}

// Keys returns the first and last partition key owned by the shard.
func (s ShardID) Keys() (first, last Key) {
	first = Key(uint32(s) << (KeyBits - 8))
	return first, first + PartitionsPerShard - 1
}

// Digest is a raw record digest. Digests are compared as raw bytes;
// hex appears only at the text boundary.
type Digest [DigestLen]byte

// DigestOf computes the digest of raw record bytes.
func DigestOf(b []byte) Digest {
	return sha1.Sum(b) //nolint:gosec // G401: fixed by the external data format
}

// String renders the canonical uppercase hex form.
func (d Digest) String() string {
	return strings.ToUpper(hex.EncodeToString(d[:]))
}

// AppendHex appends the canonical uppercase hex form to dst.
func (d Digest) AppendHex(dst []byte) []byte {
	const digits = "0123456789ABCDEF"
	for _, b := range d {
		dst = append(dst, digits[b>>4], digits[b&0xF])
	}
	return dst
}

// ParseDigest parses a 40-character hex digest. Case-insensitive.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != DigestHexLen {
		return d, fmt.Errorf("keyspace: digest %q: want %d hex chars, got %d", s, DigestHexLen, len(s))
	}
	for i := 0; i < DigestLen; i++ {
		hi, ok1 := hexVal(s[2*i])
		lo, ok2 := hexVal(s[2*i+1])
		if !ok1 || !ok2 {
			return d, fmt.Errorf("keyspace: digest %q: invalid hex", s)
		}
		d[i] = hi<<4 | lo
	}
	return d, nil
}

// DigestFromParts reconstructs a full digest from a partition key and the
// 35-character hex suffix of a payload line. The suffix must be exactly
// SuffixHexLen hex characters; case-insensitive.
func DigestFromParts(key Key, suffix string) (Digest, error) {
	var d Digest
	if len(suffix) != SuffixHexLen {
		return d, fmt.Errorf("keyspace: suffix length %d, want %d", len(suffix), SuffixHexLen)
	}

	// The 20-bit prefix covers the first two bytes and the high nibble of
	// the third. The low nibble of the third byte comes from suffix[0].
	v := uint32(key)
	d[0] = byte(v >> 12)
	d[1] = byte(v >> 4)

	n0, ok := hexVal(suffix[0])
	if !ok {
		return d, fmt.Errorf("keyspace: suffix %q: invalid hex char %q", suffix, suffix[0])
	}
	d[2] = byte(v&0xF)<<4 | n0

	for i := 1; i < SuffixHexLen; i += 2 {
		hi, ok1 := hexVal(suffix[i])
		lo, ok2 := hexVal(suffix[i+1])
		if !ok1 || !ok2 {
			return d, fmt.Errorf("keyspace: suffix %q: invalid hex", suffix)
		}
		d[2+(i+1)/2] = hi<<4 | lo
	}
	return d, nil
}

// Prefix returns the partition key embedded in the digest's first 20 bits.
func (d Digest) Prefix() Key {
	return Key(uint32(d[0])<<12 | uint32(d[1])<<4 | uint32(d[2])>>4)
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
