package vecdb

import (
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/vecdb/model"
)

// Logger wraps slog.Logger with vecdb-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithCollection adds a collection field to the logger.
func (l *Logger) WithCollection(name string) *Logger {
	return &Logger{Logger: l.Logger.With("collection", name)}
}

// LogOpen logs the outcome of opening a database directory.
func (l *Logger) LogOpen(dir string, collections int, duration time.Duration, err error) {
	if err != nil {
		l.Error("open failed", "dir", dir, "duration", duration, "error", err)
		return
	}
	l.Info("database opened", "dir", dir, "collections", collections, "duration", duration)
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(collection string, id model.ID, duration time.Duration, err error) {
	if err != nil {
		l.Error("insert failed", "collection", collection, "id", id, "duration", duration, "error", err)
		return
	}
	l.Debug("insert", "collection", collection, "id", id, "duration", duration)
}

// LogInsertBatch logs a batch insert.
func (l *Logger) LogInsertBatch(collection string, items int, duration time.Duration, err error) {
	if err != nil {
		l.Error("batch insert failed", "collection", collection, "items", items, "duration", duration, "error", err)
		return
	}
	l.Debug("batch insert", "collection", collection, "items", items, "duration", duration)
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(collection string, id model.ID, duration time.Duration, err error) {
	if err != nil {
		l.Warn("delete failed", "collection", collection, "id", id, "duration", duration, "error", err)
		return
	}
	l.Debug("delete", "collection", collection, "id", id, "duration", duration)
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(collection string, k, hits int, partial bool, duration time.Duration, err error) {
	if err != nil {
		l.Warn("search failed", "collection", collection, "k", k, "duration", duration, "error", err)
		return
	}
	l.Debug("search", "collection", collection, "k", k, "hits", hits, "partial", partial, "duration", duration)
}

// LogFlush logs a forced seal.
func (l *Logger) LogFlush(collection string, duration time.Duration, err error) {
	if err != nil {
		l.Error("flush failed", "collection", collection, "duration", duration, "error", err)
		return
	}
	l.Info("flushed", "collection", collection, "duration", duration)
}

// LogCompaction logs a compaction request.
func (l *Logger) LogCompaction(collection string, segments, rows, removed int, duration time.Duration, err error) {
	if err != nil {
		l.Error("compaction failed", "collection", collection, "duration", duration, "error", err)
		return
	}
	l.Info("compacted",
		"collection", collection,
		"segments", segments,
		"rows", rows,
		"removed", removed,
		"duration", duration,
	)
}
