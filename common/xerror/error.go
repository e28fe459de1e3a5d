// Package xerror holds small error-handling helpers shared across the
// engine. The fast path (Write, Flush) never returns an error, so
// precondition violations by the host are reported by panicking with a
// descriptive message instead.
package xerror

import "fmt"

// Unwrap panics if e is non-nil, otherwise returns t. Used to collapse
// setup code that "can't actually fail" in context (e.g. a freshly
// constructed fixed-size buffer write) without silently swallowing a bug.
func Unwrap[T any](t T, e error) T {
	if e != nil {
		panic(e)
	}
	return t
}

// Fail panics with a formatted message. It marks a precondition violation
// by the caller: there is no recovery, so the caller gets a descriptive
// crash instead of corrupted queue state.
func Fail(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
