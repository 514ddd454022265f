//go:build !linux

package platform

// DirectSupported reports whether O_DIRECT handles are available.
func DirectSupported() bool { return false }

func directFlag(bool) int { return 0 }
