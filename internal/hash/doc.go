// Package hash provides the checksum used for shard container integrity.
// Shard checksums are CRC32-Castagnoli over the uncompressed serialized
// container bytes, recorded in the pipeline state for drift detection.
package hash
