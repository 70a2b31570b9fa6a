package engine

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// GoSafe runs fn in a goroutine tracked by wg and recovers from panics.
// A panic is logged with its stack trace instead of crashing the process.
func GoSafe(logger *slog.Logger, wg *sync.WaitGroup, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered in background task",
					"task", name,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
