// Package resource enforces the memory, background concurrency and IO limits
// of a database.
//
// Memory reservations never block: callers get ErrMemoryLimitExceeded and
// surface it as ResourceExhausted. Background slots bound the number of
// seal, index build and compaction jobs so they cannot starve foreground
// inserts and queries. The IO limiter paces segment writes.
package resource
