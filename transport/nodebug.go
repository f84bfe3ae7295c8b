// +build !quicdebug

package transport

// debug is a no-op unless the binary is built with `-tags quicdebug`.
// Keeping it as a plain function value (not a call to a conditionally
// compiled logger) avoids the variadic arguments escaping to the heap
// on the hot path when debugging is disabled.
func debug(format string, args ...interface{}) {}
