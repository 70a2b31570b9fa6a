// Package segment implements the two storage states of a collection.
//
// A Growing segment takes appends and is scanned exactly. Once it is handed
// off it is frozen, encoded into a segment file and reopened as a Sealed
// segment, which carries an HNSW index once the builder publishes one.
//
// Deletes never rewrite a segment: they flip a bit in its tombstone set.
// Sealed tombstones are persisted separately as roaring bitmaps.
package segment
