// Package hashsift implements a resumable, constant-memory streaming
// set-difference pipeline over a sharded 20-bit hash keyspace.
//
// The pipeline separates a large archived dataset of hashed records into
// two classes: records that appear in a known reference corpus (matched)
// and records that do not (candidates). Candidates are emitted as
// fixed-size batch files for downstream consumers.
//
//   - Partition payloads land in a 256-shard compressed archive
//     (one gzip JSON container per high byte of the partition key).
//   - A progress bitmap records per-partition completion, so a crashed or
//     cancelled run resumes exactly where it stopped and no partition is
//     ever classified twice.
//   - The reference corpus is hashed into an in-memory membership set,
//     with an optional binary snapshot cache to amortize the hashing cost
//     across runs.
//   - A companion verifier rebuilds the reference set straight from corpus
//     text and cross-checks every emitted batch and the bitmap/archive
//     coverage.
//
// # Quick Start
//
//	ctx := context.Background()
//	p, err := hashsift.New("./data",
//	    hashsift.WithCorpusPath("./reference.txt"),
//	    hashsift.WithSnapshotPath("./data/reference.idx"),
//	    hashsift.WithCountsIndex(true),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer p.Close()
//
//	// Fetch layer stores raw partition payloads:
//	changed, err := p.Archive().PutEntry(key, payload, etag)
//
//	// Streaming set-difference pass (resumable, cancellable):
//	stats, err := p.Run(ctx)
//
//	// Independent cross-check of all emitted output:
//	report, err := p.Verify(ctx)
//
// Run artifacts can be mirrored to object storage (S3, MinIO, local) via
// WithBlobStore and the blobstore package.
package hashsift
