// Package fsindex implements the on-disk index core of a versioning
// filesystem: a generic btree engine over a buffered block device, the
// inode-table leaf format it indexes, and the inline extended-attribute
// store serialized into inode attribute records.
//
// A Volume ties the pieces together: block 0 carries the superblock, the
// inode table is a btree of slotted leaves keyed by inode number, and
// xattr names resolve through an atom table with on-disk refcount and
// reverse-map pages.
package fsindex

import (
	"io"
	"time"

	"github.com/scigolib/fsindex/internal/buffer"
	"github.com/scigolib/fsindex/internal/core"
	"github.com/scigolib/fsindex/internal/structures"
	"github.com/scigolib/fsindex/internal/utils"
	"github.com/scigolib/fsindex/internal/writer"
)

// Options configures a new volume.
type Options struct {
	BlockBits      uint // log2 of the block size, default 12 (4 KiB)
	EntriesPerLeaf int  // inum window per inode-table leaf, default 64
	AtomDir        structures.AtomDir
}

// Volume is an open index volume.
type Volume struct {
	SB     *core.Superblock
	Cache  *buffer.Cache
	Alloc  *writer.Allocator
	Itable *structures.Btree
	Atoms  *structures.AtomTable

	dev  buffer.Device
	iops *structures.IleafOps
}

func (o *Options) fill() {
	if o.BlockBits == 0 {
		o.BlockBits = 12
	}
	if o.EntriesPerLeaf == 0 {
		o.EntriesPerLeaf = 64
	}
	if o.AtomDir == nil {
		o.AtomDir = structures.NewMemAtomDir()
	}
}

// reservedBlocks returns the first block number free for general
// allocation: past the superblock, the refcount pages and the reverse
// map.
func reservedBlocks(sb *core.Superblock) uint64 {
	refPages := uint64((core.MaxAtom + 1) / (sb.BlockSize / 2))
	revPages := uint64((core.MaxAtom+1)*8) / uint64(sb.BlockSize)
	end := sb.AtomRevBase + revPages
	if top := sb.HighRefBase + refPages; top > end {
		end = top
	}
	return end + 1
}

// Create formats a fresh volume on dev and opens it.
func Create(dev buffer.Device, opts Options) (*Volume, error) {
	opts.fill()
	sb := core.NewSuperblock(opts.BlockBits, opts.EntriesPerLeaf)
	if sb.BlockSize != dev.BlockSize() {
		return nil, utils.WrapError("device block size mismatch", utils.ErrInvalid)
	}
	cache := buffer.NewCache(dev)
	alloc := writer.NewAllocator(reservedBlocks(sb))
	iops := &structures.IleafOps{SB: sb}
	itable, err := structures.New(sb, cache, alloc, iops)
	if err != nil {
		return nil, err
	}
	v := &Volume{
		SB:    sb,
		Cache: cache,
		Alloc: alloc,
		dev:   dev,
		iops:  iops,
	}
	v.Itable = itable
	v.Atoms = &structures.AtomTable{SB: sb, Cache: cache, Dir: opts.AtomDir}
	return v, v.Sync()
}

// Open attaches to an existing volume on dev.
func Open(dev buffer.Device, dir structures.AtomDir) (*Volume, error) {
	cache := buffer.NewCache(dev)
	buf, err := cache.Bread(0)
	if err != nil {
		return nil, err
	}
	sb, err := core.DecodeSuperblock(buf.Data())
	cache.Brelse(buf)
	if err != nil {
		return nil, err
	}
	if sb.BlockSize != dev.BlockSize() {
		return nil, utils.WrapError("device block size mismatch", utils.ErrInvalid)
	}
	if dir == nil {
		dir = structures.NewMemAtomDir()
	}
	alloc := writer.NewAllocator(sb.NextAlloc)
	iops := &structures.IleafOps{SB: sb}
	v := &Volume{
		SB:    sb,
		Cache: cache,
		Alloc: alloc,
		dev:   dev,
		iops:  iops,
	}
	v.Itable = structures.Open(sb, cache, alloc, iops,
		structures.Root{Block: sb.ItableBlock, Depth: int(sb.ItableDepth)})
	v.Atoms = &structures.AtomTable{SB: sb, Cache: cache, Dir: dir}
	return v, nil
}

// Sync writes the superblock and flushes every dirty buffer.
func (v *Volume) Sync() error {
	v.SB.ItableBlock = v.Itable.Root.Block
	v.SB.ItableDepth = uint16(v.Itable.Root.Depth)
	v.SB.NextAlloc = v.Alloc.NextFresh()
	buf := v.Cache.Getblk(0)
	if err := v.SB.Encode(buf.Data()); err != nil {
		v.Cache.Brelse(buf)
		return err
	}
	v.Cache.BrelseDirty(buf)
	return v.Cache.Flush()
}

// Close syncs and closes the backing device.
func (v *Volume) Close() error {
	if err := v.Sync(); err != nil {
		v.dev.Close()
		return err
	}
	return v.dev.Close()
}

// NewInode returns an in-memory inode bound to this volume's atom
// table, with no attributes yet.
func (v *Volume) NewInode() *structures.Inode {
	return &structures.Inode{SB: v.SB, Atoms: v.Atoms}
}

// InodeAttrs returns a copy of the raw attribute bytes stored for inum,
// or nil when the inode has none.
func (v *Volume) InodeAttrs(inum uint64) ([]byte, error) {
	c, err := v.Itable.Probe(inum)
	if err != nil {
		return nil, err
	}
	attrs, size := v.iops.Lookup(c.Leaf().Data(), inum)
	var out []byte
	if size > 0 {
		out = make([]byte, size)
		copy(out, attrs)
	}
	c.Release(v.Cache)
	return out, nil
}

// SaveInodeAttrs stores attrs as inum's attribute record, resizing its
// slot and splitting the covering leaf when needed.
func (v *Volume) SaveInodeAttrs(inum uint64, attrs []byte) error {
	c, err := v.Itable.Probe(inum)
	if err != nil {
		return err
	}
	space, err := v.Itable.Expand(c, inum, len(attrs))
	if err != nil {
		c.Release(v.Cache)
		return err
	}
	copy(space, attrs)
	c.Release(v.Cache)
	return nil
}

// SaveInode encodes the inode's xattr cache into its attribute record.
func (v *Volume) SaveInode(inum uint64, in *structures.Inode) error {
	size := structures.EncodeXsize(in)
	c, err := v.Itable.Probe(inum)
	if err != nil {
		return err
	}
	space, err := v.Itable.Expand(c, inum, size)
	if err != nil {
		c.Release(v.Cache)
		return err
	}
	structures.EncodeXattrs(in, space)
	c.Release(v.Cache)
	return nil
}

// LoadInode decodes inum's attribute record into a fresh in-memory
// inode.
func (v *Volume) LoadInode(inum uint64) (*structures.Inode, error) {
	attrs, err := v.InodeAttrs(inum)
	if err != nil {
		return nil, err
	}
	in := v.NewInode()
	if len(attrs) > 0 {
		if err := structures.DecodeAttrs(in, attrs); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// FindEmptyInode scans forward from goal for an unused inode number in
// goal's leaf. A result at the end of the leaf's populated region means
// the slot right after the last occupied one.
func (v *Volume) FindEmptyInode(goal uint64) (uint64, error) {
	c, err := v.Itable.Probe(goal)
	if err != nil {
		return 0, err
	}
	inum := v.iops.FindEmpty(c.Leaf().Data(), goal)
	c.Release(v.Cache)
	return inum, nil
}

// PurgeInode removes inum's attribute record.
func (v *Volume) PurgeInode(inum uint64) error {
	c, err := v.Itable.Probe(inum)
	if err != nil {
		return err
	}
	err = v.iops.Purge(c.Leaf().Data(), inum)
	if err == nil {
		c.Leaf().MarkDirty()
	}
	c.Release(v.Cache)
	return err
}

// ChopInodes deletes every inode record numbered at or above info.Key,
// merging underfilled leaves and nodes and collapsing tree depth. A zero
// deadline means the walk only suspends on the block budget. See
// Btree.Chop for the suspension contract.
func (v *Volume) ChopInodes(info *structures.DeleteInfo, deadline time.Time) (bool, error) {
	return v.Itable.Chop(info, deadline)
}

// DumpItable renders count leaves of the inode table starting at the
// leaf covering start.
func (v *Volume) DumpItable(w io.Writer, start uint64, count int) error {
	return v.Itable.ShowTreeRange(w, start, count)
}
