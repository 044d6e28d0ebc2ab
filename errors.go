package hashsift

import (
	"github.com/hupe1980/hashsift/archive"
	"github.com/hupe1980/hashsift/engine"
	"github.com/hupe1980/hashsift/refindex"
	"github.com/hupe1980/hashsift/verify"
)

// Sentinel errors from the component packages, re-exported so callers of
// the facade only need this import for errors.Is checks.
var (
	// ErrCorpusNotFound: the configured reference corpus path does not exist.
	ErrCorpusNotFound = engine.ErrCorpusNotFound

	// ErrNoReferenceSource: neither a corpus nor a snapshot is configured.
	ErrNoReferenceSource = engine.ErrNoReferenceSource

	// ErrVerificationFailed: a verification pass found at least one
	// broken invariant.
	ErrVerificationFailed = verify.ErrVerificationFailed

	// ErrShardUnreadable: a shard container exists but cannot be read.
	ErrShardUnreadable = archive.ErrShardUnreadable
)

// SnapshotTooLargeError is returned when a reference snapshot declares more
// entries than the loader is willing to trust.
type SnapshotTooLargeError = refindex.SnapshotTooLargeError
