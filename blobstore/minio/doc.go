// Package minio provides a blobstore.BlobStore backed by the MinIO client.
//
// Works with MinIO and other S3-compatible systems (Ceph, SeaweedFS, Garage).
//
//	store, err := minio.Dial(ctx, minio.Config{
//	    Endpoint:  "localhost:9000",
//	    AccessKey: "minioadmin",
//	    SecretKey: "minioadmin",
//	    Bucket:    "vecdb",
//	    Prefix:    "prod",
//	})
//	db, err := vecdb.Open(dir, vecdb.WithBlobStore(store))
//
// Segment, index and catalog files live in the bucket. WALs stay local.
package minio
