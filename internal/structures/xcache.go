package structures

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/scigolib/fsindex/internal/core"
	"github.com/scigolib/fsindex/internal/utils"
)

// In-memory xattr cache: a packed list of (atom:u16, size:u16, body)
// records owned by one inode. Records are unsorted; updating an
// attribute removes the old record and appends the new one. A zero size
// signals corruption, as does a record running past the cache limit.
const (
	xcacheHeaderSize = 4
	xattrHeaderSize  = 4
	xcacheFloor      = 1 << 7
)

// XCache is an inode's in-memory xattr list. Size counts bytes used
// including the header; the cache grows by at least its own max size so
// repeated updates amortize.
type XCache struct {
	size    int
	maxsize int
	data    []byte
}

// NewXCache creates an empty cache with the given capacity in bytes.
func NewXCache(maxsize int) *XCache {
	return &XCache{
		size:    xcacheHeaderSize,
		maxsize: maxsize,
		data:    make([]byte, 0, maxsize-xcacheHeaderSize),
	}
}

// Size returns the bytes used, including the header.
func (x *XCache) Size() int {
	return x.size
}

// MaxSize returns the cache capacity, including the header.
func (x *XCache) MaxSize() int {
	return x.maxsize
}

// Reset empties the cache without releasing its capacity.
func (x *XCache) Reset() {
	x.size = xcacheHeaderSize
	x.data = x.data[:0]
}

func (x *XCache) recordAtom(off int) uint32 {
	return uint32(binary.BigEndian.Uint16(x.data[off:]))
}

func (x *XCache) recordSize(off int) int {
	return int(binary.BigEndian.Uint16(x.data[off+2:]))
}

// walk calls fn with each record's offset and bounds, stopping early if
// fn returns false. Corruption is reported, never repaired.
func (x *XCache) walk(fn func(off, next int) bool) error {
	off := 0
	for off < len(x.data) {
		size := x.recordSize(off)
		if size == 0 {
			return utils.WrapError("zero length xattr", utils.ErrInvalid)
		}
		next := off + xattrHeaderSize + size
		if next > len(x.data) {
			return utils.WrapError("xattr past cache limit", utils.ErrCorrupt)
		}
		if !fn(off, next) {
			return nil
		}
		off = next
	}
	return nil
}

// Lookup returns the body of the first record carrying atom, or nil when
// the cache has none.
func (x *XCache) Lookup(atom uint32) ([]byte, error) {
	var body []byte
	err := x.walk(func(off, next int) bool {
		if x.recordAtom(off) == atom {
			body = x.data[off+xattrHeaderSize : next]
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// remove splices out the first record carrying atom and reports whether
// one was found.
func (x *XCache) remove(atom uint32) (bool, error) {
	found := false
	err := x.walk(func(off, next int) bool {
		if x.recordAtom(off) == atom {
			x.data = append(x.data[:off], x.data[next:]...)
			x.size -= next - off
			found = true
			return false
		}
		return true
	})
	return found, err
}

// push appends a record; the caller has ensured capacity.
func (x *XCache) push(atom uint32, body []byte) {
	var hdr [xattrHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(atom))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(body)))
	x.data = append(x.data, hdr[:]...)
	x.data = append(x.data, body...)
	x.size += xattrHeaderSize + len(body)
}

// Dump renders the cache's records, reporting corruption.
func (x *XCache) Dump(w io.Writer) error {
	return x.walk(func(off, next int) bool {
		fmt.Fprintf(w, "{%x} => %x\n", x.recordAtom(off), x.data[off+xattrHeaderSize:next])
		return true
	})
}

// Inode is the in-memory view the xattr layer works against: the
// superblock, the atom table for refcount bookkeeping, and the inode's
// own attribute cache. The cache is owned exclusively by its inode and
// dies with it.
type Inode struct {
	SB     *core.Superblock
	Atoms  *AtomTable
	XCache *XCache
}

// ensureRoom replaces the inode's cache with a larger one when more
// bytes would not fit, copying the packed records over.
func (in *Inode) ensureRoom(more int) {
	x := in.XCache
	if x != nil && x.size+more <= x.maxsize {
		return
	}
	oldsize := xcacheHeaderSize
	maxsize := xcacheFloor
	if x != nil {
		oldsize = x.size
		maxsize = x.maxsize
	}
	grow := maxsize
	if more > grow {
		grow = more
	}
	newcache := NewXCache(oldsize + grow)
	if x != nil {
		newcache.data = append(newcache.data, x.data...)
		newcache.size = oldsize
	}
	in.XCache = newcache
}

// UpdateXattr sets atom's value, replacing any existing record; a nil or
// empty value deletes the attribute. The net change in the number of
// records referencing atom is applied to the atom's on-disk refcount.
func (in *Inode) UpdateXattr(atom uint32, value []byte) error {
	use := 0
	if in.XCache != nil {
		found, err := in.XCache.remove(atom)
		if err != nil {
			return err
		}
		if found {
			use--
		}
	}
	if len(value) > 0 {
		in.ensureRoom(xattrHeaderSize + len(value))
		in.XCache.push(atom, value)
		use++
	}
	if use != 0 && in.Atoms != nil {
		return in.Atoms.Use(atom, use)
	}
	return nil
}

// GetXattr resolves name through the atom directory and returns the
// attribute's bytes from the cache.
func (in *Inode) GetXattr(name []byte) ([]byte, error) {
	if in.Atoms == nil || in.XCache == nil {
		return nil, utils.WrapError("no xattrs", utils.ErrNotFound)
	}
	atom, found, err := in.Atoms.Find(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, utils.WrapError(fmt.Sprintf("xattr %q", name), utils.ErrNotFound)
	}
	body, err := in.XCache.Lookup(atom)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, utils.WrapError(fmt.Sprintf("xattr %q", name), utils.ErrNotFound)
	}
	return body, nil
}

// SetXattr resolves (or creates) the atom for name and updates the
// attribute.
func (in *Inode) SetXattr(name, value []byte) error {
	if in.Atoms == nil {
		return utils.WrapError("no atom table", utils.ErrInvalid)
	}
	atom, err := in.Atoms.Make(name)
	if err != nil {
		return err
	}
	return in.UpdateXattr(atom, value)
}
