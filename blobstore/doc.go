// Package blobstore provides storage abstraction for mirroring pipeline
// artifacts to durable storage.
//
// Store is the interface for reading and writing artifacts (batch files,
// the counts index, state, reference snapshots). Implementations must be
// safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem with mmap-backed reads
//   - MemoryStore: in-memory, for tests
//   - minio.Store: any S3-compatible endpoint via the MinIO client
//   - s3.Store: Amazon S3 with parallel multipart uploads
//
// MirrorRun copies a finished run's output directory into any Store.
package blobstore
