// Package fs provides the file system abstraction used by the write-ahead log.
//
//   - [LocalFS]: production implementation on top of the os package
//   - [FaultyFS]: test wrapper that injects write and sync failures
//
// Tests arm faults by file name pattern:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".wal", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
//
// Segment, index and catalog files are not written through this package;
// they go through a blobstore.BlobStore.
package fs
