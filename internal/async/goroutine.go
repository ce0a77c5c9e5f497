package async

import "runtime/debug"

// Logger receives panic reports from background goroutines.
type Logger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine that turns panics into log entries instead of
// crashing the process. The name labels the report; the executor and replica
// workers use it to identify which loop died.
func Go(logger Logger, name string, fn func()) {
	go func() {
		defer func() {
			if v := recover(); v != nil {
				report(logger, name, v)
			}
		}()
		fn()
	}()
}

func report(logger Logger, name string, v any) {
	if logger == nil {
		return
	}
	if name == "" {
		name = "unnamed"
	}
	logger.Error("panic in %s goroutine: %v\n%s", name, v, debug.Stack())
}
