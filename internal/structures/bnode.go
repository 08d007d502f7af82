// Package structures implements the on-disk index structures of the
// filesystem: the generic btree over block buffers, the inode-table leaf
// format, and the inline xattr cache with its atom side tables.
package structures

import (
	"encoding/binary"

	"github.com/scigolib/fsindex/internal/buffer"
)

// Index node layout: count:be32, unused:be32, then count entries of
// {key:be64, block:be64}. The first entry's key is never read: a node
// with n children carries n-1 separating keys, so keys lie between child
// pointers and entry 0 stands for minus infinity.
const (
	bnodeHeaderSize = 8
	indexEntrySize  = 16
)

// bnode is a typed view over one index block.
type bnode struct {
	data []byte
}

func (n bnode) count() int {
	return int(binary.BigEndian.Uint32(n.data[0:4]))
}

func (n bnode) setCount(c int) {
	binary.BigEndian.PutUint32(n.data[0:4], uint32(c))
}

func (n bnode) key(i int) uint64 {
	return binary.BigEndian.Uint64(n.data[bnodeHeaderSize+i*indexEntrySize:])
}

func (n bnode) setKey(i int, key uint64) {
	binary.BigEndian.PutUint64(n.data[bnodeHeaderSize+i*indexEntrySize:], key)
}

func (n bnode) block(i int) uint64 {
	return binary.BigEndian.Uint64(n.data[bnodeHeaderSize+i*indexEntrySize+8:])
}

func (n bnode) setEntry(i int, key, block uint64) {
	off := bnodeHeaderSize + i*indexEntrySize
	binary.BigEndian.PutUint64(n.data[off:], key)
	binary.BigEndian.PutUint64(n.data[off+8:], block)
}

// insertEntry opens a slot at position i and stores (key, block) there.
func (n bnode) insertEntry(i int, key, block uint64) {
	count := n.count()
	start := bnodeHeaderSize + i*indexEntrySize
	end := bnodeHeaderSize + count*indexEntrySize
	copy(n.data[start+indexEntrySize:end+indexEntrySize], n.data[start:end])
	n.setEntry(i, key, block)
	n.setCount(count + 1)
}

// removeEntry closes the slot at position i.
func (n bnode) removeEntry(i int) {
	count := n.count()
	start := bnodeHeaderSize + i*indexEntrySize
	end := bnodeHeaderSize + count*indexEntrySize
	copy(n.data[start:], n.data[start+indexEntrySize:end])
	n.setCount(count - 1)
}

// mergeBnodes appends src's entries after dst's.
func mergeBnodes(dst, src bnode) {
	dstEnd := bnodeHeaderSize + dst.count()*indexEntrySize
	srcEnd := bnodeHeaderSize + src.count()*indexEntrySize
	copy(dst.data[dstEnd:], src.data[bnodeHeaderSize:srcEnd])
	dst.setCount(dst.count() + src.count())
}

// cursorLevel records one step of a root-to-leaf descent: the pinned
// buffer and the index of the next entry a left-to-right traversal will
// load. The index, not a pointer, so splits that rewrite the node in
// place cannot invalidate it.
type cursorLevel struct {
	buf  *buffer.Buffer
	next int
}

// Cursor is the path of one traversal: levels[0..depth-1] point at index
// nodes, levels[depth] at the leaf (its next field is unused). Every
// buffer in a live cursor is pinned.
type Cursor struct {
	levels []cursorLevel
}

func (c *Cursor) node(level int) bnode {
	return bnode{c.levels[level].buf.Data()}
}

func (c *Cursor) levelFinished(level int) bool {
	return c.levels[level].next == c.node(level).count()
}

// Leaf returns the pinned leaf buffer at the bottom of the cursor.
func (c *Cursor) Leaf() *buffer.Buffer {
	return c.levels[len(c.levels)-1].buf
}

// Release unpins every buffer still held by the cursor.
func (c *Cursor) Release(cache *buffer.Cache) {
	for i := range c.levels {
		if c.levels[i].buf != nil {
			cache.Brelse(c.levels[i].buf)
			c.levels[i].buf = nil
		}
	}
}

// releaseTo unpins levels [0, limit], the range pinned so far on a
// partially built or partially advanced cursor.
func (c *Cursor) releaseTo(cache *buffer.Cache, limit int) {
	for i := 0; i <= limit && i < len(c.levels); i++ {
		if c.levels[i].buf != nil {
			cache.Brelse(c.levels[i].buf)
			c.levels[i].buf = nil
		}
	}
}
