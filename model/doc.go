// Package model defines core types shared by the storage, index and query layers.
//
// # Identity Types
//
//   - ID: user-facing record identifier (uint64)
//   - SegmentID: monotonically allocated segment identifier (uint64)
//   - RowID: segment-local row number (uint32)
//   - Location: (SegmentID, RowID) pair
//
// # Data Types
//
//   - Record: vector with scalar metadata
//   - Candidate: a scored match produced by one segment probe
package model
