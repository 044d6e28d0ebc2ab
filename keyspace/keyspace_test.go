package keyspace

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	for _, s := range []string{"00000", "00001", "ABCDE", "FFFFF", "1a2b3"} {
		k, err := ParseKey(s)
		require.NoError(t, err)
		require.Equal(t, strings.ToUpper(s), k.String())
		require.True(t, k.Valid())
	}
}

func TestParseKeyErrors(t *testing.T) {
	for _, s := range []string{"", "ABCD", "ABCDEF", "ABCDG", "ABCD "} {
		_, err := ParseKey(s)
		require.Error(t, err, "input %q", s)
	}
}

func TestShardOwnership(t *testing.T) {
	require.Equal(t, ShardID(0x00), MustKey("00000").Shard())
	require.Equal(t, ShardID(0x00), MustKey("00FFF").Shard())
	require.Equal(t, ShardID(0x01), MustKey("01000").Shard())
	require.Equal(t, ShardID(0xFF), MustKey("FFFFF").Shard())

	first, last := ShardID(0x1A).Keys()
	require.Equal(t, MustKey("1A000"), first)
	require.Equal(t, MustKey("1AFFF"), last)
	require.Equal(t, Key(PartitionsPerShard-1), last-first)
}

func TestShardIDString(t *testing.T) {
	require.Equal(t, "00", ShardID(0).String())
	require.Equal(t, "0A", ShardID(10).String())
	require.Equal(t, "FF", ShardID(255).String())

	id, err := ParseShardID("ff")
	require.NoError(t, err)
	require.Equal(t, ShardID(255), id)

	_, err = ParseShardID("GG")
	require.Error(t, err)
}

func TestDigestOf(t *testing.T) {
	// SHA-1("password")
	d := DigestOf([]byte("password"))
	require.Equal(t, "5BAA61E4C9B93F3F0682250B6CF8331B7EE68FD8", d.String())
}

func TestDigestFromParts(t *testing.T) {
	want := DigestOf([]byte("password"))
	hex := want.String()

	key, err := ParseKey(hex[:KeyHexLen])
	require.NoError(t, err)

	got, err := DigestFromParts(key, hex[KeyHexLen:])
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, key, got.Prefix())

	// Lowercase suffix must agree with uppercase.
	got2, err := DigestFromParts(key, strings.ToLower(hex[KeyHexLen:]))
	require.NoError(t, err)
	require.Equal(t, want, got2)
}

func TestDigestFromPartsErrors(t *testing.T) {
	_, err := DigestFromParts(0, "ABC")
	require.Error(t, err)

	bad := strings.Repeat("G", SuffixHexLen)
	_, err = DigestFromParts(0, bad)
	require.Error(t, err)
}

func TestParseDigestRoundTrip(t *testing.T) {
	d := DigestOf([]byte("letmein"))
	got, err := ParseDigest(strings.ToLower(d.String()))
	require.NoError(t, err)
	require.Equal(t, d, got)

	require.Equal(t, []byte(d.String()), d.AppendHex(nil))
}
