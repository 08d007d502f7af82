package buffer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/scigolib/fsindex/internal/utils"
)

// Cache keeps buffers for the blocks of one device. Pinned buffers are
// guaranteed to stay resident; that is the only cross-call invariant the
// index core relies on.
//
// Not thread-safe: the core's scheduling model is single-threaded
// cooperative, so callers serialize access themselves.
type Cache struct {
	dev       Device
	blocksize int
	blocks    map[uint64]*Buffer
}

// NewCache creates a buffer cache over dev.
func NewCache(dev Device) *Cache {
	return &Cache{
		dev:       dev,
		blocksize: dev.BlockSize(),
		blocks:    make(map[uint64]*Buffer),
	}
}

// BlockSize returns the block size of the underlying device.
func (c *Cache) BlockSize() int {
	return c.blocksize
}

// Bread returns a pinned buffer holding block nr, reading it from the
// device on first touch.
func (c *Cache) Bread(nr uint64) (*Buffer, error) {
	if b, ok := c.blocks[nr]; ok {
		b.Pin()
		return b, nil
	}
	b := &Buffer{nr: nr, data: make([]byte, c.blocksize)}
	if err := c.dev.ReadBlock(nr, b.data); err != nil {
		return nil, utils.WrapError(fmt.Sprintf("read block %#x", nr),
			errors.Join(utils.ErrIO, err))
	}
	b.Pin()
	c.blocks[nr] = b
	return b, nil
}

// Getblk returns a pinned buffer for block nr without reading the device.
// A fresh buffer comes back zeroed; callers initialize it themselves.
func (c *Cache) Getblk(nr uint64) *Buffer {
	if b, ok := c.blocks[nr]; ok {
		b.Pin()
		return b
	}
	b := &Buffer{nr: nr, data: make([]byte, c.blocksize)}
	b.Pin()
	c.blocks[nr] = b
	return b
}

// Brelse releases one pin on b.
func (c *Cache) Brelse(b *Buffer) {
	b.Unpin()
}

// BrelseDirty marks b dirty and releases one pin.
func (c *Cache) BrelseDirty(b *Buffer) {
	b.MarkDirty()
	b.Unpin()
}

// Forget drops block nr from the cache. Used after a block is freed so a
// later reallocation observes a zeroed buffer.
func (c *Cache) Forget(nr uint64) {
	delete(c.blocks, nr)
}

// Flush writes every dirty buffer back to the device in block order and
// clears their dirty flags. Empty buffers are skipped.
func (c *Cache) Flush() error {
	nrs := make([]uint64, 0, len(c.blocks))
	for nr, b := range c.blocks {
		if b.dirty && !b.empty {
			nrs = append(nrs, nr)
		}
	}
	sort.Slice(nrs, func(i, j int) bool { return nrs[i] < nrs[j] })
	for _, nr := range nrs {
		b := c.blocks[nr]
		if err := c.dev.WriteBlock(nr, b.data); err != nil {
			return utils.WrapError(fmt.Sprintf("write block %#x", nr),
				errors.Join(utils.ErrIO, err))
		}
		b.dirty = false
	}
	return c.dev.Sync()
}

// PinnedCount returns the number of buffers with outstanding pins.
// Outside a live cursor or a mid-flight operation it should be zero.
func (c *Cache) PinnedCount() int {
	n := 0
	for _, b := range c.blocks {
		if b.pins > 0 {
			n++
		}
	}
	return n
}

// DirtyCount returns the number of dirty resident buffers.
func (c *Cache) DirtyCount() int {
	n := 0
	for _, b := range c.blocks {
		if b.dirty && !b.empty {
			n++
		}
	}
	return n
}
