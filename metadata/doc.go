// Package metadata provides typed scalar metadata and filter predicates.
//
// # Metadata Types
//
//   - String: metadata.String("tech")
//   - Int: metadata.Int(2024)
//   - Float: metadata.Float(3.14)
//   - Bool: metadata.Bool(true)
//   - Array: metadata.Array([]metadata.Value{...})
//
// Example:
//
//	doc := metadata.Document{
//	    "category": metadata.String("tech"),
//	    "year":     metadata.Int(2024),
//	}
//
// # Filters
//
// A [FilterSet] is a conjunction of [Filter] conditions. Numeric comparisons
// treat ints and floats as one domain; a missing field never matches.
//
//	fs := metadata.NewFilterSet(
//	    metadata.Filter{Key: "year", Operator: metadata.OpGreaterEqual, Value: metadata.Int(2020)},
//	)
//	ok := fs.Matches(doc)
//
// Documents encode to a compact binary format ([AppendDocument], [ReadDocument])
// used by the write-ahead log and segment files.
package metadata
