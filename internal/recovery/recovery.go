// Package recovery keeps a panicking goroutine from taking the relay process down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers a panic and logs it together with the stack.
// It must be deferred directly by the goroutine it protects:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "relay.readLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback is RecoverWithLog plus a hook that runs after logging,
// typically used to count the panic or release resources held by the goroutine.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprint(r),
		"stack", string(debug.Stack()))
}
