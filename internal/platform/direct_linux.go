//go:build linux

package platform

import "golang.org/x/sys/unix"

// DirectSupported reports whether O_DIRECT handles are available.
func DirectSupported() bool { return true }

func directFlag(direct bool) int {
	if direct {
		return unix.O_DIRECT
	}
	return 0
}
