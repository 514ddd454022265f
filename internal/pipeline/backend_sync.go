package pipeline

import (
	"golang.org/x/sys/unix"
)

// syncBackend executes every operation inline with pread/pwrite at
// submit time; the completion is immediately ready and handed back by
// the next Wait. It exists for platforms without an async facility and
// for deterministic tests: delivery order equals submission order.
type syncBackend struct {
	ready []Completion
}

func newSyncBackend(depth int) *syncBackend {
	return &syncBackend{ready: make([]Completion, 0, depth)}
}

func (b *syncBackend) SubmitRead(slotIdx, fd int, buf []byte, off int64) error {
	n, err := unix.Pread(fd, buf, off)
	b.ready = append(b.ready, Completion{Slot: slotIdx, Op: OpRead, Result: errnoResult(n, err)})
	return nil
}

func (b *syncBackend) SubmitWrite(slotIdx, fd int, buf []byte, off int64) error {
	n, err := unix.Pwrite(fd, buf, off)
	b.ready = append(b.ready, Completion{Slot: slotIdx, Op: OpWrite, Result: errnoResult(n, err)})
	return nil
}

func (b *syncBackend) Wait() ([]Completion, error) {
	if len(b.ready) == 0 {
		return nil, errNoInflight
	}
	out := b.ready
	b.ready = make([]Completion, 0, cap(out))
	return out, nil
}

func (b *syncBackend) Close() error { return nil }
