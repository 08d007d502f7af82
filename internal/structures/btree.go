package structures

import (
	"fmt"
	"io"

	"github.com/scigolib/fsindex/internal/buffer"
	"github.com/scigolib/fsindex/internal/core"
	"github.com/scigolib/fsindex/internal/utils"
	"github.com/scigolib/fsindex/internal/writer"
)

// LeafOps is the capability set a leaf format supplies to the generic
// btree: the engine handles index nodes and the cursor, the leaf format
// handles everything inside a leaf block.
type LeafOps interface {
	// Init formats a zeroed block as an empty leaf.
	Init(leaf []byte)
	// Sniff reports whether the block carries the format's magic.
	Sniff(leaf []byte) bool
	// Dump writes a human-readable rendering of the leaf to w.
	Dump(w io.Writer, leaf []byte)
	// Need returns the bytes a merge of this leaf would consume.
	Need(leaf []byte) int
	// Free returns the bytes available in the leaf.
	Free(leaf []byte) int
	// Split moves the upper part of from into the empty leaf into and
	// returns the smallest key of into.
	Split(key uint64, from, into []byte) uint64
	// Merge appends src's contents to dst.
	Merge(dst, src []byte)
	// Resize grows, shrinks or creates the slot for key in place and
	// returns its bytes, or nil when the leaf cannot fit the new size.
	Resize(key uint64, leaf []byte, newsize int) []byte
	// Chop removes everything keyed at or above key; reports whether
	// the leaf changed.
	Chop(key uint64, leaf []byte) bool
}

// Root locates a btree: the block of its top index node and the count of
// index levels above the leaves. Depth is always at least 1; the root
// node of a one-level tree points directly at leaves.
type Root struct {
	Block uint64
	Depth int
}

// Btree drives keyed lookup, range traversal, insertion with node
// splitting and bulk deletion with merging over one tree. It owns no
// blocks itself: blocks belong to the buffer cache and stay pinned only
// while a cursor references them.
type Btree struct {
	SB    *core.Superblock
	Cache *buffer.Cache
	Alloc *writer.Allocator
	Ops   LeafOps
	Root  Root
}

// New creates a btree of depth one: a root index block pointing at a
// single empty leaf.
func New(sb *core.Superblock, cache *buffer.Cache, alloc *writer.Allocator, ops LeafOps) (*Btree, error) {
	t := &Btree{SB: sb, Cache: cache, Alloc: alloc, Ops: ops}
	rootbuf := t.newNode()
	leafbuf := t.newLeaf()
	root := bnode{rootbuf.Data()}
	root.setCount(1)
	root.setEntry(0, 0, leafbuf.BlockNr())
	t.Root = Root{Block: rootbuf.BlockNr(), Depth: 1}
	cache.BrelseDirty(rootbuf)
	cache.BrelseDirty(leafbuf)
	return t, nil
}

// Open attaches to an existing tree at root.
func Open(sb *core.Superblock, cache *buffer.Cache, alloc *writer.Allocator, ops LeafOps, root Root) *Btree {
	return &Btree{SB: sb, Cache: cache, Alloc: alloc, Ops: ops, Root: root}
}

func (t *Btree) newBlock() *buffer.Buffer {
	// Getblk hands back a zeroed buffer without touching the device.
	return t.Cache.Getblk(t.Alloc.Balloc())
}

func (t *Btree) newLeaf() *buffer.Buffer {
	buf := t.newBlock()
	t.Ops.Init(buf.Data())
	return buf
}

func (t *Btree) newNode() *buffer.Buffer {
	return t.newBlock()
}

// Probe descends from the root to the leaf covering key. At each index
// level the descent follows the last entry whose key is at most key, and
// the cursor records the entry after it: the next sibling a left-to-right
// traversal will visit. The caller owns the returned cursor and must
// release it; on failure every level pinned so far is released here.
func (t *Btree) Probe(key uint64) (*Cursor, error) {
	buf, err := t.Cache.Bread(t.Root.Block)
	if err != nil {
		return nil, err
	}
	depth := t.Root.Depth
	c := &Cursor{levels: make([]cursorLevel, 0, depth+1)}
	for i := 0; i < depth; i++ {
		node := bnode{buf.Data()}
		next := 1
		for next < node.count() && node.key(next) <= key {
			next++
		}
		c.levels = append(c.levels, cursorLevel{buf, next})
		buf, err = t.Cache.Bread(node.block(next - 1))
		if err != nil {
			c.releaseTo(t.Cache, i)
			return nil, err
		}
	}
	if !t.Ops.Sniff(buf.Data()) {
		t.Cache.Brelse(buf)
		c.releaseTo(t.Cache, depth-1)
		return nil, utils.WrapError(
			fmt.Sprintf("block %#x is not a leaf", buf.BlockNr()), utils.ErrCorrupt)
	}
	c.levels = append(c.levels, cursorLevel{buf, 0})
	return c, nil
}

// Advance moves the cursor to the next leaf in key order. It pops
// exhausted levels, then descends the next-sibling path back to leaf
// depth. Returns false when the traversal is complete; the cursor is
// fully released at that point.
func (t *Btree) Advance(c *Cursor) (bool, error) {
	depth := t.Root.Depth
	level := depth
	t.Cache.Brelse(c.levels[level].buf)
	c.levels[level].buf = nil
	for {
		if level == 0 {
			return false, nil
		}
		level--
		if !c.levelFinished(level) {
			break
		}
		t.Cache.Brelse(c.levels[level].buf)
		c.levels[level].buf = nil
	}
	for level < depth {
		node := c.node(level)
		child := node.block(c.levels[level].next)
		c.levels[level].next++
		buf, err := t.Cache.Bread(child)
		if err != nil {
			c.releaseTo(t.Cache, level)
			return false, err
		}
		level++
		c.levels[level] = cursorLevel{buf, 0}
	}
	return true, nil
}

// KeySentinel is returned by NextKey when no key lies beyond the
// cursor's leaf.
const KeySentinel = ^uint64(0)

// NextKey climbs the cursor to the first level that still has unvisited
// entries and returns the separating key there: the smallest key
// strictly greater than any key in the current leaf.
func (t *Btree) NextKey(c *Cursor) uint64 {
	for level := t.Root.Depth - 1; level >= 0; level-- {
		if !c.levelFinished(level) {
			return c.node(level).key(c.levels[level].next)
		}
	}
	return KeySentinel
}

// insertNode inserts a (childkey, childblock) entry at the cursor's
// position, splitting full index nodes on the way up. A split rewrites
// the cursor's level to point into whichever half now holds the
// insertion point. If the climb exits the root, a new root is allocated
// with the old root and the split-off node as its two children and the
// tree grows one level.
func (t *Btree) insertNode(childkey, childblock uint64, c *Cursor) error {
	depth := t.Root.Depth
	for level := depth - 1; level >= 0; level-- {
		next := c.levels[level].next
		parentbuf := c.levels[level].buf
		parent := bnode{parentbuf.Data()}

		// insert and exit if not full
		if parent.count() < t.SB.EntriesPerNode {
			parent.insertEntry(next, childkey, childblock)
			parentbuf.MarkDirty()
			return nil
		}

		// split a full index node at half its count
		newbuf := t.newNode()
		newnode := bnode{newbuf.Data()}
		half := parent.count() / 2
		newkey := parent.key(half)
		moved := parent.count() - half
		copy(newnode.data[bnodeHeaderSize:],
			parent.data[bnodeHeaderSize+half*indexEntrySize:bnodeHeaderSize+parent.count()*indexEntrySize])
		newnode.setCount(moved)
		parent.setCount(half)

		if next > half {
			// the insertion point moved into the new node; the cursor
			// level follows it
			next -= half
			newnode.insertEntry(next, childkey, childblock)
			newbuf.MarkDirty()
			c.levels[level] = cursorLevel{newbuf, next}
			t.Cache.BrelseDirty(parentbuf)
		} else {
			parent.insertEntry(next, childkey, childblock)
			parentbuf.MarkDirty()
			t.Cache.BrelseDirty(newbuf)
		}
		childkey = newkey
		childblock = newbuf.BlockNr()
	}

	// the root itself split: grow the tree by one level
	newbuf := t.newNode()
	newroot := bnode{newbuf.Data()}
	newroot.setCount(2)
	newroot.setEntry(0, 0, t.Root.Block)
	newroot.setEntry(1, childkey, childblock)
	next := 1
	if c.levels[0].buf.BlockNr() == childblock {
		next = 2
	}
	t.Root.Block = newbuf.BlockNr()
	t.Root.Depth++
	c.levels = append([]cursorLevel{{newbuf, next}}, c.levels...)
	newbuf.MarkDirty()
	return nil
}

// leafSplit splits the cursor's leaf once and registers the new leaf in
// the parent. When key lands in the upper half the cursor swaps over to
// the new leaf.
func (t *Btree) leafSplit(c *Cursor, key uint64) error {
	depth := t.Root.Depth
	leafbuf := c.levels[depth].buf
	newbuf := t.newLeaf()
	newkey := t.Ops.Split(key, leafbuf.Data(), newbuf.Data())
	childblock := newbuf.BlockNr()
	swapped := key >= newkey
	if swapped {
		c.levels[depth].buf = newbuf
		newbuf = leafbuf
	}
	c.levels[depth].buf.MarkDirty()
	t.Cache.BrelseDirty(newbuf)
	if err := t.insertNode(newkey, childblock, c); err != nil {
		return err
	}
	if swapped {
		// the parent entry just inserted is the cursor's own leaf, so
		// the next sibling lies one entry further right
		c.levels[t.Root.Depth-1].next++
	}
	return nil
}

// Expand resizes (or creates) the slot for key in the cursor's leaf. If
// the leaf cannot fit, the leaf is split exactly once and the resize is
// retried in whichever half now covers key. Persistent failure means the
// volume is out of leaf space.
func (t *Btree) Expand(c *Cursor, key uint64, newsize int) ([]byte, error) {
	for i := 0; i < 2; i++ {
		leafbuf := c.levels[t.Root.Depth].buf
		if space := t.Ops.Resize(key, leafbuf.Data(), newsize); space != nil {
			leafbuf.MarkDirty()
			return space, nil
		}
		if i == 1 {
			break
		}
		if err := t.leafSplit(c, key); err != nil {
			return nil, err
		}
	}
	return nil, utils.WrapError(fmt.Sprintf("no room for key %#x", key), utils.ErrNoSpace)
}

// ShowTreeRange dumps up to count leaves starting at the leaf covering
// start, using the leaf format's own rendering.
func (t *Btree) ShowTreeRange(w io.Writer, start uint64, count int) error {
	fmt.Fprintf(w, "%d level btree at %#x:\n", t.Root.Depth, t.Root.Block)
	c, err := t.Probe(start)
	if err != nil {
		return err
	}
	for {
		t.Ops.Dump(w, c.Leaf().Data())
		count--
		if count == 0 {
			c.Release(t.Cache)
			return nil
		}
		more, err := t.Advance(c)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// Free returns every block of the tree to the allocator. The tree is
// unusable afterwards.
func (t *Btree) Free() error {
	if err := t.freeSubtree(t.Root.Block, t.Root.Depth); err != nil {
		return err
	}
	t.Root = Root{}
	return nil
}

func (t *Btree) freeSubtree(block uint64, depth int) error {
	if depth == 0 {
		t.freeBlock(block)
		return nil
	}
	buf, err := t.Cache.Bread(block)
	if err != nil {
		return err
	}
	node := bnode{buf.Data()}
	for i := 0; i < node.count(); i++ {
		if err := t.freeSubtree(node.block(i), depth-1); err != nil {
			t.Cache.Brelse(buf)
			return err
		}
	}
	t.Cache.Brelse(buf)
	t.freeBlock(block)
	return nil
}

func (t *Btree) freeBlock(block uint64) {
	_ = t.Alloc.Free(block)
	t.Cache.Forget(block)
}

// brelseFree releases a buffer whose block is being freed. If another
// pin is still outstanding the buffer is marked empty and the block
// release is deferred; an empty buffer is never written back.
func (t *Btree) brelseFree(b *buffer.Buffer) {
	t.Cache.Brelse(b)
	if b.PinCount() > 0 {
		b.SetEmpty()
		return
	}
	t.freeBlock(b.BlockNr())
}
