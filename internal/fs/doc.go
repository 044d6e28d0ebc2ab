// Package fs abstracts file system access so that persistence code
// (bitmap, shard containers, pipeline state) can be tested against
// injected write, sync and close failures.
package fs
