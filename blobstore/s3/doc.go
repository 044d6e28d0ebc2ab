// Package s3 implements blobstore.Store for Amazon S3 using the AWS SDK
// v2, with parallel multipart uploads and CRC32C integrity checks.
//
// Construct the client with the standard SDK config loader:
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "hashsift/")
package s3
