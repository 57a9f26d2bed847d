//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package mem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func lockPlatform() (Level, error) {
	err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
	switch {
	case err == nil:
		return Full, nil
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.ENOSYS), errors.Is(err, unix.ENOMEM):
		// unprivileged or rlimit bound; memguard still guards key buffers
		return Partial, nil
	default:
		return None, fmt.Errorf("mlockall: %w", err)
	}
}

func unlockPlatform() error {
	if err := unix.Munlockall(); err != nil {
		return fmt.Errorf("munlockall: %w", err)
	}
	return nil
}
