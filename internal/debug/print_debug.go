//go:build debug

package debug

import (
	"fmt"
	"os"
)

// Print writes a debug line to stderr. Only compiled with -tags debug.
func Print(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "HEIRLOOM DEBUG: "+format, args...)
}
