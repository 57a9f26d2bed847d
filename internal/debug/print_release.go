//go:build !debug

package debug

// Print is a no-op unless built with -tags debug.
func Print(string, ...interface{}) {}
