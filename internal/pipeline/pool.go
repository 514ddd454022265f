package pipeline

import (
	"fmt"
	"unsafe"
)

// Pool is a fixed arena of aligned buffers addressed by slot index. It is
// allocated once per copy and leased in full to the driver; no other code
// touches a slot's memory while an operation on that slot is outstanding.
type Pool struct {
	blockSize int
	arena     []byte
	bufs      [][]byte
}

// NewPool allocates depth buffers of blockSize bytes each, every buffer
// aligned to blockSize. Alignment matters twice: O_DIRECT file handles
// reject unaligned buffers, and io_uring fixed-buffer registration pins
// the arena as-is. blockSize must be a power of two.
func NewPool(depth, blockSize int) (*Pool, error) {
	if depth < 1 {
		return nil, fmt.Errorf("pool depth must be at least 1, got %d", depth)
	}
	if blockSize < 1 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("block size must be a power of two, got %d", blockSize)
	}

	// Over-allocate by one block and slide to the first aligned address.
	arena := make([]byte, depth*blockSize+blockSize)
	pad := 0
	if rem := int(uintptr(unsafe.Pointer(&arena[0]))) & (blockSize - 1); rem != 0 {
		pad = blockSize - rem
	}

	bufs := make([][]byte, depth)
	for i := range bufs {
		lo := pad + i*blockSize
		hi := lo + blockSize
		bufs[i] = arena[lo:hi:hi]
	}

	return &Pool{blockSize: blockSize, arena: arena, bufs: bufs}, nil
}

// Len returns the number of slots.
func (p *Pool) Len() int { return len(p.bufs) }

// BlockSize returns the size of each slot buffer.
func (p *Pool) BlockSize() int { return p.blockSize }

// Buf returns the full buffer for slot i.
func (p *Pool) Buf(i int) []byte { return p.bufs[i] }
