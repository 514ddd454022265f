// Package platform owns the file lifecycle around a copy: opening and
// sizing the source, creating and pre-allocating the destination, and
// fixing the destination's exact size afterwards. The pipeline itself
// only ever sees file descriptors.
package platform

import (
	"fmt"
	"os"
)

// Source is an open, sized source file.
type Source struct {
	File *os.File
	Size int64
}

// OpenSource opens path read-only and determines its exact byte size.
// With direct set (Linux), the handle bypasses the page cache and
// requires block-aligned buffers and lengths.
func OpenSource(path string, direct bool) (*Source, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|directFlag(direct), 0)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat source %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("source %s is not a regular file", path)
	}

	return &Source{File: f, Size: info.Size()}, nil
}

// CreateDest creates (or truncates) the destination and, when prealloc
// is set, reserves disk space for the full logical size up front so a
// full disk fails before the copy starts rather than midway.
func CreateDest(path string, size int64, prealloc, direct bool) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|directFlag(direct), 0644)
	if err != nil {
		return nil, fmt.Errorf("create destination %s: %w", path, err)
	}

	if prealloc && size > 0 {
		if err := preallocate(f, size); err != nil {
			f.Close()
			return nil, fmt.Errorf("preallocate %s (%d bytes): %w", path, size, err)
		}
	}
	return f, nil
}

// Finalize truncates the destination to the exact logical size (undoing
// any block rounding the pipeline did) and forces its data durable.
func Finalize(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s: %w", f.Name(), err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", f.Name(), err)
	}
	return nil
}
