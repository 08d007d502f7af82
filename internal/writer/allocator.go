// Package writer provides the block allocation infrastructure the index
// core draws on. The Allocator hands out free block numbers and takes
// freed ones back for reuse.
package writer

import (
	"fmt"
	"sort"
)

// Allocator manages block numbers for one volume.
//
// Strategy:
//   - Bump allocation: fresh blocks come from a monotonically increasing
//     next-block counter.
//   - Freed-block reuse: blocks returned by Free are handed out again,
//     most recently freed first.
//   - Double-free prevention: the free list is tracked as a set.
//
// Not thread-safe; the core's single-threaded model serializes callers.
type Allocator struct {
	next   uint64   // next never-allocated block number
	free   []uint64 // freed blocks, reused LIFO
	freed  map[uint64]bool
	allocs uint64 // total successful allocations, for accounting
}

// NewAllocator creates an allocator whose first fresh block is start.
// Blocks below start are reserved (superblock, atom side tables).
func NewAllocator(start uint64) *Allocator {
	return &Allocator{
		next:  start,
		freed: make(map[uint64]bool),
	}
}

// Balloc returns a free block number.
func (a *Allocator) Balloc() uint64 {
	a.allocs++
	if n := len(a.free); n > 0 {
		nr := a.free[n-1]
		a.free = a.free[:n-1]
		delete(a.freed, nr)
		return nr
	}
	nr := a.next
	a.next++
	return nr
}

// Free returns a block to the allocator.
func (a *Allocator) Free(nr uint64) error {
	if nr >= a.next {
		return fmt.Errorf("free of unallocated block %#x", nr)
	}
	if a.freed[nr] {
		return fmt.Errorf("double free of block %#x", nr)
	}
	a.freed[nr] = true
	a.free = append(a.free, nr)
	return nil
}

// NextFresh returns the next never-allocated block number. Volumes
// persist this in the superblock so allocation resumes after reopen.
func (a *Allocator) NextFresh() uint64 {
	return a.next
}

// FreeCount returns the number of blocks waiting for reuse.
func (a *Allocator) FreeCount() int {
	return len(a.free)
}

// Allocations returns the total number of successful allocations.
func (a *Allocator) Allocations() uint64 {
	return a.allocs
}

// FreeBlocks returns a sorted copy of the free list, for inspection and
// tests.
func (a *Allocator) FreeBlocks() []uint64 {
	blocks := make([]uint64, len(a.free))
	copy(blocks, a.free)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	return blocks
}
