package structures

import (
	"time"

	"github.com/scigolib/fsindex/internal/buffer"
)

// DeleteInfo carries the state of a restartable bulk delete. Key is the
// lower bound of the chop; Resume is where the walk continues after a
// suspension and starts equal to Key. A nonzero Blocks bounds the number
// of blocks freed before the walk yields.
type DeleteInfo struct {
	Key    uint64
	Resume uint64
	Blocks int64
	Freed  int64
}

// removeIndex deletes the entry the cursor last descended through at the
// given level. When the deleted entry was the node's leftmost, the
// separator for the whole subtree lives higher up: climb while each
// level sits at its leftmost position and rewrite the first separator
// found with the key now leftmost here, keeping every non-leftmost
// entry's key equal to the minimum key of its subtree. A climb that
// reaches the root at position zero has no separator to fix.
func (t *Btree) removeIndex(c *Cursor, level int) {
	node := c.node(level)
	p := c.levels[level].next - 1
	node.removeEntry(p)
	c.levels[level].next = p
	c.levels[level].buf.MarkDirty()

	// no separator for the last entry
	if c.levelFinished(level) {
		return
	}
	if p == 0 && level > 0 {
		sep := node.key(0)
		i := level - 1
		for c.levels[i].next == 1 {
			if i == 0 {
				return
			}
			i--
		}
		c.node(i).setKey(c.levels[i].next-1, sep)
		c.levels[i].buf.MarkDirty()
	}
}

// Chop deletes every key at or above info.Key, walking leaves left to
// right from info.Resume. Adjacent underfilled leaves merge when one
// fits inside the other's free space; the same predicate drives index
// node merges as each level's traversal completes, and a root left with
// a single child is replaced by that child, repeatedly, until the root
// has more than one child or the tree is at depth one. When the
// block budget is exhausted or the deadline passes, the walk records the
// leftmost unvisited separator in info.Resume and returns suspended =
// true; calling again with the same info continues where it left off.
func (t *Btree) Chop(info *DeleteInfo, deadline time.Time) (bool, error) {
	depth := t.Root.Depth
	level := depth - 1
	suspend := 0
	prev := make([]*buffer.Buffer, depth+1)
	var leafprev *buffer.Buffer

	c, err := t.Probe(info.Resume)
	if err != nil {
		return false, err
	}
	leafbuf := c.Leaf()

	releaseAll := func() {
		if leafprev != nil {
			t.Cache.Brelse(leafprev)
		}
		for i := 0; i <= level; i++ {
			if c.levels[i].buf != nil {
				t.Cache.Brelse(c.levels[i].buf)
				c.levels[i].buf = nil
			}
		}
		for _, b := range prev {
			if b != nil {
				t.Cache.Brelse(b)
			}
		}
	}

	for {
		if t.Ops.Chop(info.Key, leafbuf.Data()) {
			leafbuf.MarkDirty()
		}

		// try to merge this leaf into the previous one
		if leafprev != nil &&
			t.Ops.Need(leafbuf.Data()) <= t.Ops.Free(leafprev.Data()) {
			t.Ops.Merge(leafprev.Data(), leafbuf.Data())
			t.removeIndex(c, level)
			leafprev.MarkDirty()
			t.brelseFree(leafbuf)
			info.Freed++
		} else {
			if leafprev != nil {
				t.Cache.Brelse(leafprev)
			}
			leafprev = leafbuf
		}

		if info.Blocks != 0 && info.Freed >= info.Blocks {
			suspend = -1
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			suspend = -1
		}

		// pop and try to merge finished nodes
		for suspend != 0 || c.levelFinished(level) {
			// the deepest unvisited key in the cursor is the resume
			// address; record it once, before this node can merge away
			if suspend == -1 && !c.levelFinished(level) {
				suspend = 1
				info.Resume = c.node(level).key(c.levels[level].next)
			}
			if prev[level] != nil {
				// the leftmost node of a level never has a prev, so
				// this branch is unreachable at level 0 mid-walk
				this := c.node(level)
				that := bnode{prev[level].Data()}
				if this.count() <= t.SB.EntriesPerNode-that.count() {
					mergeBnodes(that, this)
					t.removeIndex(c, level-1)
					prev[level].MarkDirty()
					t.brelseFree(c.levels[level].buf)
					c.levels[level].buf = nil
					info.Freed++
				} else {
					t.Cache.Brelse(prev[level])
					prev[level] = c.levels[level].buf
					c.levels[level].buf = nil
				}
			} else {
				prev[level] = c.levels[level].buf
				c.levels[level].buf = nil
			}

			if level == 0 {
				// drop tree levels while the root has a single child
				for depth > 1 && (bnode{prev[0].Data()}).count() == 1 {
					t.Root.Block = prev[1].BlockNr()
					t.brelseFree(prev[0])
					t.Root.Depth--
					depth--
					copy(prev, prev[1:depth+1])
					prev[depth] = nil
				}
				t.Cache.Brelse(leafprev)
				for i := 0; i < depth; i++ {
					if prev[i] != nil {
						t.Cache.Brelse(prev[i])
					}
				}
				return suspend == 1, nil
			}
			level--
		}

		// push back down to leaf level
		for level < depth-1 {
			node := c.node(level)
			child := node.block(c.levels[level].next)
			c.levels[level].next++
			buf, err := t.Cache.Bread(child)
			if err != nil {
				releaseAll()
				return false, err
			}
			level++
			c.levels[level] = cursorLevel{buf, 0}
		}

		// go to the next leaf
		node := c.node(level)
		child := node.block(c.levels[level].next)
		c.levels[level].next++
		leafbuf, err = t.Cache.Bread(child)
		if err != nil {
			releaseAll()
			return false, err
		}
		c.levels[depth].buf = leafbuf
	}
}
