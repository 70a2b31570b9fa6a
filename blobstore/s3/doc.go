// Package s3 provides an Amazon S3 blobstore.BlobStore.
//
//	store, err := s3.New(ctx, s3.Config{
//	    Bucket:      "my-bucket",
//	    Prefix:      "vectors",
//	    Region:      "us-east-1",
//	    CommitTable: "vecdb-commits", // optional
//	})
//	db, err := vecdb.Open(dir, vecdb.WithBlobStore(store))
//
// Reads use ranged GetObject calls, writes go through the multipart uploader
// and listings follow ListObjectsV2 pagination. With CommitTable set, the
// catalog pointer is committed with DynamoDB conditional writes so that two
// processes cannot both advance the same catalog version.
package s3
