package structures

import (
	"fmt"

	"github.com/scigolib/fsindex/internal/buffer"
	"github.com/scigolib/fsindex/internal/core"
	"github.com/scigolib/fsindex/internal/utils"
)

// AtomDir is the directory-leaf store the atom table consults to map
// xattr names to atom ids. Creating an entry returns the byte offset at
// which the dirent was written, recorded in the reverse map so the name
// can be recovered from the id.
type AtomDir interface {
	FindAtom(name []byte) (atom uint32, found bool, err error)
	CreateAtom(name []byte, atom uint32) (offset uint64, err error)
}

// AtomTable manages atom ids and their side tables: per-atom refcounts
// split across a low and a high page region, and the reverse map from
// atom to dirent offset. Refcount pages hold blocksize/2 big-endian u16
// entries each; reverse-map pages hold blocksize/8 u64 entries.
type AtomTable struct {
	SB    *core.Superblock
	Cache *buffer.Cache
	Dir   AtomDir
}

// Find resolves a name to its atom without creating one.
func (t *AtomTable) Find(name []byte) (uint32, bool, error) {
	return t.Dir.FindAtom(name)
}

// Make resolves a name to its atom, allocating a fresh id when the name
// is new. A new atom gets a dirent, a reverse-map entry pointing back at
// the dirent, and a refcount of one.
func (t *AtomTable) Make(name []byte) (uint32, error) {
	atom, found, err := t.Dir.FindAtom(name)
	if err != nil {
		return 0, err
	}
	if found {
		return atom, nil
	}
	if t.SB.AtomGen > core.MaxAtom {
		return 0, utils.WrapError("atom ids exhausted", utils.ErrNoSpace)
	}
	atom = t.SB.AtomGen
	t.SB.AtomGen++
	offset, err := t.Dir.CreateAtom(name, atom)
	if err != nil {
		return 0, err
	}
	if err := t.setReverse(atom, offset); err != nil {
		return 0, err
	}
	if err := t.Use(atom, 1); err != nil {
		return 0, err
	}
	return atom, nil
}

// Use adds delta to atom's refcount. The low page holds the low 16 bits;
// when the addition overflows or borrows past bit 15, the carry is
// applied to the matching slot of the high page. A count of zero marks
// the atom's name dirent and reverse-map entry for eventual reclaim.
func (t *AtomTable) Use(atom uint32, delta int) error {
	shift := t.SB.BlockBits - 1
	index := int(atom & (1<<shift - 1))
	pageoff := uint64(atom >> shift)

	buf, err := t.Cache.Bread(t.SB.AtomRefBase + pageoff)
	if err != nil {
		return err
	}
	lo := int(utils.U16Slot(buf.Data(), index)) + delta
	utils.PutU16Slot(buf.Data(), index, uint16(lo))
	if lo>>16 != 0 {
		t.Cache.BrelseDirty(buf)
		buf, err = t.Cache.Bread(t.SB.HighRefBase + pageoff)
		if err != nil {
			return err
		}
		hi := int(utils.U16Slot(buf.Data(), index)) + lo>>16
		utils.PutU16Slot(buf.Data(), index, uint16(hi))
	}
	t.Cache.BrelseDirty(buf)
	return nil
}

// RefCount returns atom's total refcount, combining both pages.
func (t *AtomTable) RefCount(atom uint32) (int, error) {
	shift := t.SB.BlockBits - 1
	index := int(atom & (1<<shift - 1))
	pageoff := uint64(atom >> shift)

	buf, err := t.Cache.Bread(t.SB.AtomRefBase + pageoff)
	if err != nil {
		return 0, err
	}
	lo := int(utils.U16Slot(buf.Data(), index))
	t.Cache.Brelse(buf)
	buf, err = t.Cache.Bread(t.SB.HighRefBase + pageoff)
	if err != nil {
		return 0, err
	}
	hi := int(utils.U16Slot(buf.Data(), index))
	t.Cache.Brelse(buf)
	return hi<<16 + lo, nil
}

func (t *AtomTable) setReverse(atom uint32, offset uint64) error {
	perPage := uint32(t.SB.BlockSize / 8)
	buf, err := t.Cache.Bread(t.SB.AtomRevBase + uint64(atom/perPage))
	if err != nil {
		return err
	}
	utils.PutU64Slot(buf.Data(), int(atom%perPage), offset)
	t.Cache.BrelseDirty(buf)
	return nil
}

// Reverse returns the dirent offset recorded for atom.
func (t *AtomTable) Reverse(atom uint32) (uint64, error) {
	perPage := uint32(t.SB.BlockSize / 8)
	buf, err := t.Cache.Bread(t.SB.AtomRevBase + uint64(atom/perPage))
	if err != nil {
		return 0, err
	}
	offset := utils.U64Slot(buf.Data(), int(atom%perPage))
	t.Cache.Brelse(buf)
	return offset, nil
}

// MemAtomDir is an in-memory atom directory for tests and volumes that
// keep the name dictionary elsewhere.
type MemAtomDir struct {
	names   map[string]uint32
	offsets map[string]uint64
	next    uint64
}

// NewMemAtomDir creates an empty in-memory atom directory.
func NewMemAtomDir() *MemAtomDir {
	return &MemAtomDir{
		names:   make(map[string]uint32),
		offsets: make(map[string]uint64),
	}
}

// FindAtom looks a name up.
func (d *MemAtomDir) FindAtom(name []byte) (uint32, bool, error) {
	atom, ok := d.names[string(name)]
	return atom, ok, nil
}

// CreateAtom records a name to atom mapping and returns the offset the
// dirent would occupy in a directory file.
func (d *MemAtomDir) CreateAtom(name []byte, atom uint32) (uint64, error) {
	if _, ok := d.names[string(name)]; ok {
		return 0, utils.WrapError(fmt.Sprintf("atom %q exists", name), utils.ErrInvalid)
	}
	offset := d.next
	d.next += uint64(len(name)) + 8
	d.names[string(name)] = atom
	d.offsets[string(name)] = offset
	return offset, nil
}
