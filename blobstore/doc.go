// Package blobstore stores the immutable files of a database: segment files,
// tombstone bitmaps, HNSW index files and catalog versions.
//
// # Implementations
//
//   - LocalStore: a local directory, memory-mapped reads, atomic rename on Put
//   - MemoryStore: in-process map, used by tests
//   - minio.Store: any S3-compatible endpoint through minio-go
//   - s3.Store: Amazon S3 through aws-sdk-go-v2, with s3.DDBCommitStore for
//     conditional catalog commits in DynamoDB
//
// Blobs are written once with Put and never modified in place.
package blobstore
