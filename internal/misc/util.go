package misc

import (
	"errors"
	"os"
	"strings"
)

// IsNotFoundError reports whether err means the requested object is absent,
// whichever backend produced it.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "no such key")
}
