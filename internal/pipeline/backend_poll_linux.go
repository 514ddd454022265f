//go:build linux

package pipeline

import (
	"fmt"

	"github.com/iceber/iouring-go"
)

// opInfo travels with each request so the completion can be mapped back
// to its slot without inspecting opcodes.
type opInfo struct {
	slotIdx int
	op      Op
}

// pollBackend is the notification-driven realization: iouring-go posts
// finished operations onto a channel, Wait blocks on one receive and
// then probes the channel until it would block again.
type pollBackend struct {
	ring     *iouring.IOURing
	ch       chan iouring.Result
	queue    []iouring.PrepRequest
	inflight int
}

func newPollBackend(depth int) (*pollBackend, error) {
	if !kernelSupportsIOURing() {
		return nil, fmt.Errorf("io_uring requires kernel 5.6 or newer: %w", ErrUnsupported)
	}
	ring, err := iouring.New(uint(depth))
	if err != nil {
		return nil, fmt.Errorf("iouring init: %w", err)
	}
	return &pollBackend{
		ring: ring,
		ch:   make(chan iouring.Result, depth),
	}, nil
}

func (b *pollBackend) SubmitRead(slotIdx, fd int, buf []byte, off int64) error {
	req := iouring.Pread(fd, buf, uint64(off)).WithInfo(opInfo{slotIdx, OpRead})
	b.queue = append(b.queue, req)
	b.inflight++
	return nil
}

func (b *pollBackend) SubmitWrite(slotIdx, fd int, buf []byte, off int64) error {
	req := iouring.Pwrite(fd, buf, uint64(off)).WithInfo(opInfo{slotIdx, OpWrite})
	b.queue = append(b.queue, req)
	b.inflight++
	return nil
}

func (b *pollBackend) flush() error {
	if len(b.queue) == 0 {
		return nil
	}
	if _, err := b.ring.SubmitRequests(b.queue, b.ch); err != nil {
		return fmt.Errorf("iouring submit: %w", err)
	}
	b.queue = nil
	return nil
}

func (b *pollBackend) Wait() ([]Completion, error) {
	if b.inflight == 0 {
		return nil, errNoInflight
	}
	if err := b.flush(); err != nil {
		return nil, err
	}

	out := []Completion{b.completion(<-b.ch)}
	for {
		select {
		case res := <-b.ch:
			out = append(out, b.completion(res))
		default:
			return out, nil
		}
	}
}

func (b *pollBackend) completion(res iouring.Result) Completion {
	b.inflight--
	info := res.GetRequestInfo().(opInfo)
	n, err := res.ReturnInt()
	return Completion{Slot: info.slotIdx, Op: info.op, Result: errnoResult(n, err)}
}

func (b *pollBackend) Close() error {
	return b.ring.Close()
}
