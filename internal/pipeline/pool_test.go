package pipeline_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/blit/internal/pipeline"
)

func TestNewPoolAlignment(t *testing.T) {
	const depth, blockSize = 8, 4096
	pool, err := pipeline.NewPool(depth, blockSize)
	require.NoError(t, err)

	assert.Equal(t, depth, pool.Len())
	assert.Equal(t, blockSize, pool.BlockSize())

	for i := 0; i < depth; i++ {
		buf := pool.Buf(i)
		require.Len(t, buf, blockSize)
		addr := uintptr(unsafe.Pointer(&buf[0]))
		assert.Zerof(t, addr%blockSize, "slot %d not aligned", i)
	}
}

func TestNewPoolSlotsDoNotOverlap(t *testing.T) {
	pool, err := pipeline.NewPool(4, 512)
	require.NoError(t, err)

	for i := 0; i < pool.Len(); i++ {
		buf := pool.Buf(i)
		for j := range buf {
			buf[j] = byte(i + 1)
		}
	}
	for i := 0; i < pool.Len(); i++ {
		for _, b := range pool.Buf(i) {
			require.Equal(t, byte(i+1), b)
		}
	}
}

func TestNewPoolValidation(t *testing.T) {
	_, err := pipeline.NewPool(0, 512)
	assert.Error(t, err)

	_, err = pipeline.NewPool(4, 0)
	assert.Error(t, err)

	_, err = pipeline.NewPool(4, 3000)
	assert.Error(t, err, "non-power-of-two block size")

	pool, err := pipeline.NewPool(1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Len())
}
