// Package async launches background goroutines that must never take the
// process down with them.
package async

import "runtime/debug"

// PanicLogger is the slice of the logging contract needed to report a
// recovered panic.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go starts fn on its own goroutine. A panic inside fn is logged with its
// stack and swallowed; executor runs and transport loops are launched through
// here so one bad run cannot crash the server.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, also usable directly in goroutines not
// started through it.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	label := name
	if label == "" {
		label = "goroutine"
	}
	logger.Error("panic in %s: %v\n%s", label, r, debug.Stack())
}
