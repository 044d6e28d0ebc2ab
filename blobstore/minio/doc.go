// Package minio implements blobstore.Store for MinIO and any
// S3-compatible object storage endpoint.
package minio
