package writer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocatorSequential(t *testing.T) {
	alloc := NewAllocator(10)
	require.Equal(t, uint64(10), alloc.Balloc())
	require.Equal(t, uint64(11), alloc.Balloc())
	require.Equal(t, uint64(12), alloc.NextFresh())
	require.Equal(t, uint64(2), alloc.Allocations())
}

func TestAllocatorReusesFreedBlocks(t *testing.T) {
	alloc := NewAllocator(1)
	a := alloc.Balloc()
	b := alloc.Balloc()
	c := alloc.Balloc()

	require.NoError(t, alloc.Free(b))
	require.NoError(t, alloc.Free(a))
	require.Equal(t, 2, alloc.FreeCount())
	require.Equal(t, []uint64{a, b}, alloc.FreeBlocks())

	// most recently freed first
	require.Equal(t, a, alloc.Balloc())
	require.Equal(t, b, alloc.Balloc())
	require.Equal(t, 0, alloc.FreeCount())

	// the free list drained, so fresh blocks resume
	next := alloc.Balloc()
	require.Greater(t, next, c)
}

func TestAllocatorRejectsBadFrees(t *testing.T) {
	alloc := NewAllocator(1)
	a := alloc.Balloc()

	require.Error(t, alloc.Free(a+100), "freeing an unallocated block")
	require.NoError(t, alloc.Free(a))
	require.Error(t, alloc.Free(a), "double free")
}
