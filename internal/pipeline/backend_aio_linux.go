//go:build linux

package pipeline

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux AIO command codes (linux/aio_abi.h).
const (
	iocbCmdPread  = 0
	iocbCmdPwrite = 1
)

// aioControlBlock mirrors struct iocb. One block per slot: the state
// machine guarantees a slot never has two operations outstanding, so a
// block is free for reuse the moment its event is reaped.
type aioControlBlock struct {
	data    uint64
	key     uint32
	rwFlags int32
	opcode  uint16
	reqprio int16
	fd      uint32
	buf     uint64
	nbytes  uint64
	offset  int64
	_       uint64
	flags   uint32
	resfd   uint32
}

// aioEvent mirrors struct io_event.
type aioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

// aioBackend drives the native async context: control blocks queued at
// submit time go to the kernel in one io_submit batch, and Wait blocks
// in io_getevents until at least one finishes.
type aioBackend struct {
	ctx      uint64 // aio_context_t
	cbs      []aioControlBlock
	queue    []*aioControlBlock // filled blocks awaiting io_submit
	events   []aioEvent
	inflight int
}

func newAIOBackend(depth int) (*aioBackend, error) {
	b := &aioBackend{
		cbs:    make([]aioControlBlock, depth),
		queue:  make([]*aioControlBlock, 0, depth),
		events: make([]aioEvent, depth),
	}
	_, _, errno := syscall.Syscall(
		unix.SYS_IO_SETUP,
		uintptr(depth),
		uintptr(unsafe.Pointer(&b.ctx)),
		0,
	)
	if errno != 0 {
		if errno == syscall.ENOSYS {
			return nil, fmt.Errorf("io_setup: %w", ErrUnsupported)
		}
		return nil, fmt.Errorf("io_setup: %w", errno)
	}
	return b, nil
}

func (b *aioBackend) SubmitRead(slotIdx, fd int, buf []byte, off int64) error {
	b.prep(slotIdx, iocbCmdPread, fd, buf, off, OpRead)
	return nil
}

func (b *aioBackend) SubmitWrite(slotIdx, fd int, buf []byte, off int64) error {
	b.prep(slotIdx, iocbCmdPwrite, fd, buf, off, OpWrite)
	return nil
}

func (b *aioBackend) prep(slotIdx int, cmd uint16, fd int, buf []byte, off int64, kind Op) {
	cb := &b.cbs[slotIdx]
	*cb = aioControlBlock{
		data:   userData(slotIdx, kind),
		opcode: cmd,
		fd:     uint32(fd),
		buf:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
		nbytes: uint64(len(buf)),
		offset: off,
	}
	b.queue = append(b.queue, cb)
	b.inflight++
}

// flush hands every queued control block to the kernel. io_submit may
// accept fewer than asked, so loop over the remainder.
func (b *aioBackend) flush() error {
	for len(b.queue) > 0 {
		n, _, errno := syscall.Syscall(
			unix.SYS_IO_SUBMIT,
			uintptr(b.ctx),
			uintptr(len(b.queue)),
			uintptr(unsafe.Pointer(&b.queue[0])),
		)
		if errno != 0 {
			return fmt.Errorf("io_submit: %w", errno)
		}
		b.queue = b.queue[n:]
	}
	b.queue = b.queue[:0]
	return nil
}

func (b *aioBackend) Wait() ([]Completion, error) {
	if b.inflight == 0 {
		return nil, errNoInflight
	}
	if err := b.flush(); err != nil {
		return nil, err
	}

	var n uintptr
	for {
		var errno syscall.Errno
		n, _, errno = syscall.Syscall6(
			unix.SYS_IO_GETEVENTS,
			uintptr(b.ctx),
			1,
			uintptr(len(b.events)),
			uintptr(unsafe.Pointer(&b.events[0])),
			0, 0,
		)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return nil, fmt.Errorf("io_getevents: %w", errno)
		}
		break
	}

	out := make([]Completion, n)
	for i := range out {
		ev := &b.events[i]
		slotIdx, op := fromUserData(ev.data)
		out[i] = Completion{Slot: slotIdx, Op: op, Result: int(ev.res)}
	}
	b.inflight -= int(n)
	return out, nil
}

func (b *aioBackend) Close() error {
	_, _, errno := syscall.Syscall(unix.SYS_IO_DESTROY, uintptr(b.ctx), 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_destroy: %w", errno)
	}
	return nil
}
