//go:build linux

package pipeline

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring constants.
const (
	ioringOpReadFixed  = 4
	ioringOpWriteFixed = 5
	ioringOpRead       = 22
	ioringOpWrite      = 23

	ioringEnterGetevents  = 1 << 0
	ioringRegisterBuffers = 0

	ioringOffCQRing = 0x8000000
	ioringOffSQEs   = 0x10000000

	sqeSize = 64
	cqeSize = 16
)

// io_uring_sqe, a 64 byte submission queue entry.
type ioUringSQE struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opcodeFlags uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	_pad2       [2]uint64
}

// io_uring_cqe, a 16 byte completion queue entry.
type ioUringCQE struct {
	userData uint64
	res      int32
	flags    uint32
}

// io_uring_params, the io_uring_setup exchange struct.
type ioUringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        ioUringSQRingOffsets
	cqOff        ioUringCQRingOffsets
}

type ioUringSQRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type ioUringCQRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

// ring wraps the memory-mapped io_uring state.
type ring struct {
	fd        int
	sqEntries uint32
	cqEntries uint32

	// SQ ring pointers (into mmap'd memory).
	sqHead    *uint32
	sqTail    *uint32
	sqMask    *uint32
	sqArray   unsafe.Pointer
	sqes      unsafe.Pointer
	sqRingMem []byte

	// CQ ring pointers.
	cqHead    *uint32
	cqTail    *uint32
	cqMask    *uint32
	cqes      unsafe.Pointer
	cqRingMem []byte

	sqesMem []byte
}

// uringBackend batches SQEs into a shared ring and flushes them with a
// single io_uring_enter per Wait. When the pool's buffers could be
// registered with the kernel, reads and writes use the fixed-buffer
// opcodes, skipping per-call buffer validation.
type uringBackend struct {
	r        *ring
	fixed    bool
	pending  uint32 // SQEs queued since the last io_uring_enter
	inflight int
}

// newURingBackend sets up a ring sized for depth outstanding operations
// and tries to register the pool buffers. Registration failure (most
// commonly RLIMIT_MEMLOCK) downgrades to the plain read/write opcodes.
func newURingBackend(depth int, pool *Pool) (*uringBackend, error) {
	if !kernelSupportsIOURing() {
		return nil, fmt.Errorf("io_uring requires kernel 5.6 or newer: %w", ErrUnsupported)
	}

	r, err := setupRing(uint32(depth))
	if err != nil {
		return nil, err
	}

	b := &uringBackend{r: r}
	if pool != nil {
		if err := r.registerBuffers(pool); err != nil {
			slog.Debug("io_uring fixed buffers unavailable", "error", err)
		} else {
			b.fixed = true
		}
	}
	return b, nil
}

func (b *uringBackend) SubmitRead(slotIdx, fd int, buf []byte, off int64) error {
	op := uint8(ioringOpRead)
	if b.fixed {
		op = ioringOpReadFixed
	}
	return b.push(op, slotIdx, fd, buf, off, OpRead)
}

func (b *uringBackend) SubmitWrite(slotIdx, fd int, buf []byte, off int64) error {
	op := uint8(ioringOpWrite)
	if b.fixed {
		op = ioringOpWriteFixed
	}
	return b.push(op, slotIdx, fd, buf, off, OpWrite)
}

// push fills the next SQE. The kernel only sees it at the next flush.
func (b *uringBackend) push(op uint8, slotIdx, fd int, buf []byte, off int64, kind Op) error {
	if b.pending == b.r.sqEntries {
		// Ring full of unflushed entries: flush without waiting.
		if err := b.r.enter(b.pending, 0, 0); err != nil {
			return fmt.Errorf("io_uring_enter: %w", err)
		}
		b.pending = 0
	}

	tail := *b.r.sqTail
	idx := tail & *b.r.sqMask

	sqe := (*ioUringSQE)(unsafe.Add(b.r.sqes, uintptr(idx)*sqeSize))
	*sqe = ioUringSQE{}
	sqe.opcode = op
	sqe.fd = int32(fd)
	sqe.off = uint64(off)
	sqe.addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	sqe.len = uint32(len(buf))
	sqe.userData = userData(slotIdx, kind)
	if b.fixed {
		sqe.bufIndex = uint16(slotIdx)
	}

	// Publish the SQE index, then the new tail.
	sqArr := (*uint32)(unsafe.Add(b.r.sqArray, uintptr(idx)*4))
	*sqArr = idx
	atomic.StoreUint32(b.r.sqTail, tail+1)

	b.pending++
	b.inflight++
	return nil
}

func (b *uringBackend) Wait() ([]Completion, error) {
	if b.inflight == 0 {
		return nil, errNoInflight
	}
	if err := b.r.enter(b.pending, 1, ioringEnterGetevents); err != nil {
		return nil, fmt.Errorf("io_uring_enter: %w", err)
	}
	b.pending = 0

	out := b.r.drain()
	b.inflight -= len(out)
	return out, nil
}

func (b *uringBackend) Close() error {
	if b == nil || b.r == nil {
		return nil
	}
	return b.r.close()
}

// setupRing creates and maps an io_uring instance.
func setupRing(entries uint32) (*ring, error) {
	var params ioUringParams
	fd, _, errno := syscall.Syscall(
		unix.SYS_IO_URING_SETUP,
		uintptr(entries),
		uintptr(unsafe.Pointer(&params)),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &ring{
		fd:        int(fd),
		sqEntries: params.sqEntries,
		cqEntries: params.cqEntries,
	}

	if err := r.mmap(&params); err != nil {
		_ = syscall.Close(r.fd)
		return nil, err
	}

	return r, nil
}

func (r *ring) mmap(params *ioUringParams) error {
	// Map submission queue ring.
	sqRingSize := uintptr(params.sqOff.array) + uintptr(params.sqEntries)*4
	sqMem, err := syscall.Mmap(r.fd, 0, int(sqRingSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	r.sqRingMem = sqMem

	base := unsafe.Pointer(&sqMem[0])
	r.sqHead = (*uint32)(unsafe.Add(base, params.sqOff.head))
	r.sqTail = (*uint32)(unsafe.Add(base, params.sqOff.tail))
	r.sqMask = (*uint32)(unsafe.Add(base, params.sqOff.ringMask))
	r.sqArray = unsafe.Add(base, params.sqOff.array)

	// Map SQEs.
	sqesMem, err := syscall.Mmap(r.fd, ioringOffSQEs, int(uintptr(params.sqEntries)*sqeSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		_ = syscall.Munmap(r.sqRingMem)
		return fmt.Errorf("mmap sqes: %w", err)
	}
	r.sqesMem = sqesMem
	r.sqes = unsafe.Pointer(&sqesMem[0])

	// Map completion queue ring.
	cqRingSize := uintptr(params.cqOff.cqes) + uintptr(params.cqEntries)*cqeSize
	cqMem, err := syscall.Mmap(r.fd, ioringOffCQRing, int(cqRingSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		_ = syscall.Munmap(r.sqesMem)
		_ = syscall.Munmap(r.sqRingMem)
		return fmt.Errorf("mmap cq ring: %w", err)
	}
	r.cqRingMem = cqMem

	cqBase := unsafe.Pointer(&cqMem[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, params.cqOff.head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, params.cqOff.tail))
	r.cqMask = (*uint32)(unsafe.Add(cqBase, params.cqOff.ringMask))
	r.cqes = unsafe.Add(cqBase, params.cqOff.cqes)

	return nil
}

// registerBuffers pins the pool arena so the fixed-buffer opcodes can
// skip per-call page lookups.
func (r *ring) registerBuffers(pool *Pool) error {
	iovs := make([]unix.Iovec, pool.Len())
	for i := range iovs {
		buf := pool.Buf(i)
		iovs[i].Base = &buf[0]
		iovs[i].SetLen(len(buf))
	}
	_, _, errno := syscall.Syscall6(
		unix.SYS_IO_URING_REGISTER,
		uintptr(r.fd),
		ioringRegisterBuffers,
		uintptr(unsafe.Pointer(&iovs[0])),
		uintptr(len(iovs)),
		0, 0,
	)
	if errno != 0 {
		return fmt.Errorf("io_uring_register: %w", errno)
	}
	return nil
}

// enter flushes toSubmit queued SQEs and, with ioringEnterGetevents set,
// blocks until minComplete operations have finished.
func (r *ring) enter(toSubmit, minComplete uint32, flags uintptr) error {
	for {
		_, _, errno := syscall.Syscall6(
			unix.SYS_IO_URING_ENTER,
			uintptr(r.fd),
			uintptr(toSubmit),
			uintptr(minComplete),
			flags,
			0, 0,
		)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

// drain consumes every posted CQE without blocking. The kernel advances
// the CQ tail asynchronously, hence the atomic load.
func (r *ring) drain() []Completion {
	head := *r.cqHead
	tail := atomic.LoadUint32(r.cqTail)

	out := make([]Completion, 0, tail-head)
	for ; head != tail; head++ {
		cqe := (*ioUringCQE)(unsafe.Add(r.cqes, uintptr(head&*r.cqMask)*cqeSize))
		slotIdx, op := fromUserData(cqe.userData)
		out = append(out, Completion{Slot: slotIdx, Op: op, Result: int(cqe.res)})
	}
	atomic.StoreUint32(r.cqHead, head)
	return out
}

func (r *ring) close() error {
	var firstErr error
	if r.cqRingMem != nil {
		if err := syscall.Munmap(r.cqRingMem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.sqesMem != nil {
		if err := syscall.Munmap(r.sqesMem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.sqRingMem != nil {
		if err := syscall.Munmap(r.sqRingMem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := syscall.Close(r.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// kernelSupportsIOURing checks if the kernel version is >= 5.6.
func kernelSupportsIOURing() bool {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return false
	}

	release := unix.ByteSliceToString(uname.Release[:])
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return false
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}

	minorStr := parts[1]
	if idx := strings.IndexFunc(minorStr, func(r rune) bool { return r < '0' || r > '9' }); idx > 0 {
		minorStr = minorStr[:idx]
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		return false
	}

	return major > 5 || (major == 5 && minor >= 6)
}
