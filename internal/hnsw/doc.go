// Package hnsw implements the Hierarchical Navigable Small World graph used
// to index sealed segments.
//
// A graph is built once over an immutable vector set and is read-only
// afterwards, so any number of goroutines may search it concurrently.
// Vectors are not owned by the graph: they are supplied by a [Vectors]
// source at build and load time, and only the topology is serialized.
//
// # Parameters
//
//   - M: maximum neighbors per node on upper layers (2*M on layer 0)
//   - EFConstruction: candidate list size while linking a new node
//   - ef (search): candidate list size at query time; higher means better recall
//
// Search is approximate: it returns the true top-k with high, not absolute,
// probability.
package hnsw
