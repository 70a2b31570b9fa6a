// Package distance provides vector distance calculations.
//
// # Supported Metrics
//
//   - MetricL2: squared Euclidean distance (default)
//   - MetricCosine: cosine distance, 1 - cos(a, b)
//   - MetricDot: negated inner product
//
// Every function returned by [Provider] orders results so that smaller
// values are closer.
//
// # Usage
//
//	d := distance.SquaredL2(a, b)
//	fn, _ := distance.Provider(distance.MetricCosine)
package distance
