// Package vecdb provides an embedded, single-node vector similarity database.
//
// A database holds named collections of fixed-dimension float32 vectors with
// metadata. Writes go to a write-ahead log and an in-memory growing segment;
// full growing segments are sealed into immutable segment files that get an
// HNSW index built in the background. Queries fan out over every segment of a
// snapshot and merge the per-segment top-k.
//
// # Quick Start
//
//	db, _ := vecdb.Open("./data")
//	defer db.Close()
//
//	_ = db.CreateCollection(ctx, "docs", 384, vecdb.MetricCosine)
//	id, _ := db.Insert(ctx, "docs", vec, metadata.Document{"lang": metadata.String("en")})
//
//	res, _ := db.Search(ctx, "docs", query, 10,
//	    vecdb.WithFilter(metadata.NewFilterSet(metadata.Filter{Key: "lang", Operator: metadata.OpEqual, Value: metadata.String("en")})),
//	    vecdb.WithTimeout(50*time.Millisecond),
//	    vecdb.WithTimeoutPolicy(vecdb.TimeoutPolicyPartial),
//	)
//
// # Durability Model
//
// With the default DurabilitySync an Insert or Delete returns only after its
// WAL record is fsynced. Sealed segments, indexes and tombstones live in a
// BlobStore (a local directory by default, or MinIO/S3) and are referenced by
// a versioned catalog. Open recovers sealed segments from the catalog and
// replays the WAL tail into a fresh growing segment.
//
// # Consistency
//
//   - ConsistencyStrong waits for in-flight writes and segment swaps.
//   - ConsistencyBounded (default) sees every acknowledged write.
//   - ConsistencyEventual may miss the newest growing rows.
//
// # Errors
//
// Errors fall into categories matched with errors.Is: ErrValidation,
// ErrNotFound, ErrDurability, ErrIndexBuild, ErrResourceExhausted, ErrTimeout
// and ErrClosed. Use errors.As with *ValidationError, *NotFoundError,
// *DurabilityError or *ErrDimensionMismatch for details.
package vecdb
