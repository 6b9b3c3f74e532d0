package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/jardiscore/messaging/internal/pkg/stacktrace"
)

// dispatch invokes one delivery callback with panic protection. A panicking
// handler is reported like a failing one, and the loop keeps running.
func dispatch(ctx context.Context, kind Kind, log *slog.Logger, fn func() (bool, error)) (next bool, err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			stack := debug.Stack()
			paths := stacktrace.InternalPaths(stack)
			if len(paths) == 0 {
				log.ErrorContext(ctx, "panic in messaging handler", "kind", kind, "panic", rvr, "stack", string(stack))
			} else {
				log.ErrorContext(ctx, "panic in messaging handler", "kind", kind, "panic", rvr, "stack", paths)
			}
			next = true
			err = fmt.Errorf("pkgmessage: panic in %s handler: %v", kind, rvr)
		}
	}()

	return fn()
}
