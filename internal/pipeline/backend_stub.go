//go:build !linux

package pipeline

import "fmt"

// The uring, aio, and poll backends are Linux-only; other platforms get
// the sync fallback.

func newURingBackend(_ int, _ *Pool) (Backend, error) {
	return nil, fmt.Errorf("uring backend: %w", ErrUnsupported)
}

func newAIOBackend(_ int) (Backend, error) {
	return nil, fmt.Errorf("aio backend: %w", ErrUnsupported)
}

func newPollBackend(_ int) (Backend, error) {
	return nil, fmt.Errorf("poll backend: %w", ErrUnsupported)
}
