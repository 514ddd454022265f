package pipeline

import "fmt"

// SlotState is the lifecycle stage of one pool buffer.
type SlotState int

const (
	Idle SlotState = iota
	ReadPending
	WritePending
)

func (s SlotState) String() string {
	switch s {
	case Idle:
		return "idle"
	case ReadPending:
		return "read_pending"
	case WritePending:
		return "write_pending"
	default:
		return "unknown"
	}
}

// Op identifies the kind of a completed operation.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpRead {
		return "read"
	}
	return "write"
}

// Completion reports one finished asynchronous operation. Result follows
// the syscall convention: bytes transferred, or a negated errno.
type Completion struct {
	Slot   int
	Op     Op
	Result int
}

// slot tracks the per-buffer state machine. While state != Idle exactly
// one operation is outstanding on the buffer and the buffer is owned by
// that operation.
type slot struct {
	state  SlotState
	offset int64 // file offset of the current block
	length int   // requested length: read request size, then write size
	filled int   // bytes of the block read so far
}

// Task describes a single file copy. The read cursor advances as blocks
// are scheduled, never beyond ioSize, and never backwards.
type Task struct {
	SrcFd     int
	DstFd     int
	Size      int64 // exact logical size of the source
	BlockSize int
	Depth     int
	Direct    bool // O_DIRECT handles: block-aligned lengths only

	ioSize int64 // Size rounded up to BlockSize when Direct
	cursor int64 // bytes scheduled for read so far
}

// NewTask validates the copy parameters. With Direct set, I/O bookkeeping
// is rounded up to the next block boundary; the caller is expected to
// truncate the destination back to Size after a successful run.
func NewTask(srcFd, dstFd int, size int64, blockSize, depth int, direct bool) (*Task, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative source size %d", size)
	}
	if blockSize < 1 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if depth < 1 {
		return nil, fmt.Errorf("queue depth must be at least 1, got %d", depth)
	}

	t := &Task{
		SrcFd:     srcFd,
		DstFd:     dstFd,
		Size:      size,
		BlockSize: blockSize,
		Depth:     depth,
		Direct:    direct,
		ioSize:    size,
	}
	if direct {
		bs := int64(blockSize)
		t.ioSize = (size + bs - 1) / bs * bs
	}
	return t, nil
}

// Cursor returns how many bytes have been scheduled for read.
func (t *Task) Cursor() int64 { return t.cursor }

// IOSize returns the size used for I/O bookkeeping (Size, block-rounded
// when the task uses direct I/O).
func (t *Task) IOSize() int64 { return t.ioSize }
