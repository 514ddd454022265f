package pipeline

import (
	"errors"
	"fmt"
	"syscall"
)

// Backend abstracts an OS asynchronous submission/completion facility.
//
// SubmitRead and SubmitWrite enqueue positional operations; an
// implementation may defer the actual kernel submission until the next
// Wait. Wait flushes anything pending, blocks until at least one
// enqueued operation has finished, then returns every completion that is
// ready without blocking further, in delivery order. Negative completion
// results carry the negated errno verbatim.
//
// A Backend is owned by a single driver goroutine and need not be safe
// for concurrent use.
type Backend interface {
	SubmitRead(slot int, fd int, buf []byte, off int64) error
	SubmitWrite(slot int, fd int, buf []byte, off int64) error
	Wait() ([]Completion, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendAuto  = "auto"
	BackendURing = "uring"
	BackendAIO   = "aio"
	BackendPoll  = "poll"
	BackendSync  = "sync"
)

// ErrUnsupported reports that a backend cannot run on this platform or
// kernel.
var ErrUnsupported = errors.New("backend not supported on this platform")

var errNoInflight = errors.New("wait called with no operations in flight")

// Open creates the named backend sized for depth outstanding operations
// and returns the resolved name. BackendAuto probes uring, then aio,
// then settles for sync. The pool is used by the uring backend to
// pre-register fixed buffers; other backends ignore it.
//
//nolint:ireturn // factory returns the Backend interface by design
func Open(name string, depth int, pool *Pool) (Backend, string, error) {
	switch name {
	case BackendAuto:
		if be, err := newURingBackend(depth, pool); err == nil {
			return be, BackendURing, nil
		}
		if be, err := newAIOBackend(depth); err == nil {
			return be, BackendAIO, nil
		}
		return newSyncBackend(depth), BackendSync, nil
	case BackendURing:
		be, err := newURingBackend(depth, pool)
		if err != nil {
			return nil, name, err
		}
		return be, name, nil
	case BackendAIO:
		be, err := newAIOBackend(depth)
		if err != nil {
			return nil, name, err
		}
		return be, name, nil
	case BackendPoll:
		be, err := newPollBackend(depth)
		if err != nil {
			return nil, name, err
		}
		return be, name, nil
	case BackendSync:
		return newSyncBackend(depth), name, nil
	default:
		return nil, name, fmt.Errorf("unknown backend %q", name)
	}
}

// errnoResult converts a syscall outcome into a signed completion result.
func errnoResult(n int, err error) int {
	if err == nil {
		return n
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -int(syscall.EIO)
}

// userData packs a slot index and operation kind into a completion tag.
func userData(slotIdx int, op Op) uint64 {
	return uint64(slotIdx)<<1 | uint64(op&1)
}

func fromUserData(ud uint64) (slotIdx int, op Op) {
	return int(ud >> 1), Op(ud & 1)
}
