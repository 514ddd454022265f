package pipeline

import (
	"fmt"
	"syscall"

	"github.com/bamsammich/blit/internal/stats"
)

// Driver runs the copy loop for one task: seed reads across the idle
// slots, block for completions, apply the per-slot transitions, retire.
// Everything happens on the calling goroutine; the only blocking call is
// Backend.Wait. Completions may arrive in any order across slots; every
// operation carries its own file offset, so correctness never depends on
// delivery order.
type Driver struct {
	task     *Task
	pool     *Pool
	be       Backend
	st       *stats.Collector
	slots    []slot
	inflight int
}

// NewDriver wires a task to its pool and backend. The pool must match
// the task's depth and block size.
func NewDriver(task *Task, pool *Pool, be Backend, st *stats.Collector) (*Driver, error) {
	if pool.Len() != task.Depth {
		return nil, fmt.Errorf("pool has %d slots, task wants depth %d", pool.Len(), task.Depth)
	}
	if pool.BlockSize() != task.BlockSize {
		return nil, fmt.Errorf("pool block size %d does not match task block size %d",
			pool.BlockSize(), task.BlockSize)
	}
	if st == nil {
		st = stats.NewCollector()
	}
	return &Driver{
		task:  task,
		pool:  pool,
		be:    be,
		st:    st,
		slots: make([]slot, task.Depth),
	}, nil
}

// Run copies the task to completion. Any failed completion aborts
// immediately; after an abort the destination's content is undefined.
func (d *Driver) Run() error {
	// Seed every slot with a read, in slot-index order, while bytes remain.
	for i := range d.slots {
		if d.task.cursor >= d.task.ioSize {
			break
		}
		if err := d.submitRead(i); err != nil {
			return err
		}
	}

	// Each iteration blocks exactly once. Events are applied in delivery
	// order, and the follow-up submission for a slot is issued before
	// the next event is looked at.
	for d.inflight > 0 {
		evs, err := d.be.Wait()
		if err != nil {
			return fmt.Errorf("wait for completions: %w", err)
		}
		for _, ev := range evs {
			if err := d.apply(ev); err != nil {
				return err
			}
		}
	}

	if d.task.cursor != d.task.ioSize {
		return fmt.Errorf("copy stalled at offset %d of %d", d.task.cursor, d.task.ioSize)
	}
	return nil
}

// submitRead moves an idle slot to ReadPending for the next unscheduled
// block and advances the task cursor.
func (d *Driver) submitRead(i int) error {
	s := &d.slots[i]
	length := int64(d.task.BlockSize)
	if remaining := d.task.ioSize - d.task.cursor; length > remaining {
		length = remaining
	}

	s.state = ReadPending
	s.offset = d.task.cursor
	s.length = int(length)
	s.filled = 0
	d.task.cursor += length
	d.inflight++
	d.st.SlotActivated()
	d.st.AddReadsSubmitted(1)

	if err := d.be.SubmitRead(i, d.task.SrcFd, d.pool.Buf(i)[:s.length], s.offset); err != nil {
		return fmt.Errorf("submit read at offset %d: %w", s.offset, err)
	}
	return nil
}

// resubmitRead continues filling a partially read block.
func (d *Driver) resubmitRead(i int) error {
	s := &d.slots[i]
	off := s.offset + int64(s.filled)
	d.st.AddReadsSubmitted(1)
	if err := d.be.SubmitRead(i, d.task.SrcFd, d.pool.Buf(i)[s.filled:s.length], off); err != nil {
		return fmt.Errorf("submit read at offset %d: %w", off, err)
	}
	return nil
}

// submitWrite turns a fully read block around at the same offset.
func (d *Driver) submitWrite(i int) error {
	s := &d.slots[i]
	s.state = WritePending
	if !d.task.Direct {
		// Write exactly what was read. Direct handles keep the
		// block-aligned length; truncation trims the tail afterwards.
		s.length = s.filled
	}
	d.st.AddWritesSubmitted(1)

	if err := d.be.SubmitWrite(i, d.task.DstFd, d.pool.Buf(i)[:s.length], s.offset); err != nil {
		return fmt.Errorf("submit write at offset %d: %w", s.offset, err)
	}
	return nil
}

func (d *Driver) apply(ev Completion) error {
	if ev.Slot < 0 || ev.Slot >= len(d.slots) {
		return fmt.Errorf("completion for unknown slot %d", ev.Slot)
	}
	s := &d.slots[ev.Slot]
	switch {
	case ev.Op == OpRead && s.state == ReadPending:
		return d.finishRead(ev.Slot, ev.Result)
	case ev.Op == OpWrite && s.state == WritePending:
		return d.finishWrite(ev.Slot, ev.Result)
	default:
		return fmt.Errorf("unexpected %s completion for slot %d (%s)", ev.Op, ev.Slot, s.state)
	}
}

func (d *Driver) finishRead(i, res int) error {
	s := &d.slots[i]
	d.st.AddReadsCompleted(1)

	if res < 0 {
		return fmt.Errorf("read at offset %d: %w", s.offset+int64(s.filled), syscall.Errno(-res))
	}

	if res == 0 {
		// Definitive end of file. With direct I/O the bookkeeping size
		// is block-rounded, so EOF inside (or at the start of) the
		// final block is expected; otherwise the source shrank.
		if d.task.Direct && s.filled > 0 {
			return d.submitWrite(i)
		}
		if d.task.Direct {
			d.retire(i)
			return nil
		}
		return fmt.Errorf("unexpected end of file at offset %d", s.offset+int64(s.filled))
	}

	d.st.AddBytesRead(int64(res))
	s.filled += res
	if s.filled < s.length {
		// Short read: keep filling this block before writing it out.
		return d.resubmitRead(i)
	}
	return d.submitWrite(i)
}

func (d *Driver) finishWrite(i, res int) error {
	s := &d.slots[i]
	d.st.AddWritesCompleted(1)

	if res < 0 {
		return fmt.Errorf("write at offset %d: %w", s.offset, syscall.Errno(-res))
	}
	if res != s.length {
		return fmt.Errorf("short write at offset %d: %d of %d bytes", s.offset, res, s.length)
	}
	d.st.AddBytesWritten(int64(res))

	d.retire(i)
	if d.task.cursor < d.task.ioSize {
		// Reuse the slot immediately for the next block.
		return d.submitRead(i)
	}
	return nil
}

func (d *Driver) retire(i int) {
	d.slots[i].state = Idle
	d.inflight--
	d.st.SlotRetired()
}
