// Package bitset provides the concurrent tombstone bitset used by segments.
//
// Bits live in 64Ki-bit chunks of atomic words. Readers never lock, and
// growing the set publishes a new chunk table through an atomic pointer.
package bitset
