// Package searcher provides the pooled scratch state used by graph traversal:
// a value-based priority queue and a resettable visited bitset.
package searcher
