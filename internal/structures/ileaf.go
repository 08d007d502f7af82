package structures

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/scigolib/fsindex/internal/core"
	"github.com/scigolib/fsindex/internal/utils"
)

// Inode-table leaf format.
//
// A leaf has a small header followed by a table of attribute bytes. A
// vector of end offsets grows down from the top of the block towards the
// table, indexed by the difference between an inum and ibase, the base
// inum of the leaf. Slot i holds the attributes of inode ibase+i between
// end(i-1) and end(i), with end(-1) = 0, so the offsets are
// non-decreasing and an empty slot repeats its predecessor's end.
const (
	ileafMagic      = 0x90de
	ileafHeaderSize = 16
	dictEntrySize   = 2
)

// ileaf is a typed view over one inode-table block. Header layout:
// magic:u16, count:u16, pad:u32, ibase:u64, all big-endian.
type ileaf struct {
	data []byte
}

func (l ileaf) magic() uint16 {
	return binary.BigEndian.Uint16(l.data[0:2])
}

func (l ileaf) count() int {
	return int(binary.BigEndian.Uint16(l.data[2:4]))
}

func (l ileaf) setCount(c int) {
	binary.BigEndian.PutUint16(l.data[2:4], uint16(c))
}

func (l ileaf) ibase() uint64 {
	return binary.BigEndian.Uint64(l.data[8:16])
}

func (l ileaf) setIbase(ibase uint64) {
	binary.BigEndian.PutUint64(l.data[8:16], ibase)
}

func (l ileaf) table() []byte {
	return l.data[ileafHeaderSize:]
}

// dictEnd returns slot i's end offset; the dict entry for slot i sits
// dictEntrySize*(i+1) bytes below the block end.
func (l ileaf) dictEnd(i int) int {
	return int(binary.BigEndian.Uint16(l.data[len(l.data)-dictEntrySize*(i+1):]))
}

func (l ileaf) setDictEnd(i, end int) {
	binary.BigEndian.PutUint16(l.data[len(l.data)-dictEntrySize*(i+1):], uint16(end))
}

// atdict returns the byte offset where slot at begins: the end offset of
// the slot before it.
func (l ileaf) atdict(at int) int {
	if at > 0 {
		return l.dictEnd(at - 1)
	}
	return 0
}

// trim drops trailing empty slots.
func (l ileaf) trim() {
	count := l.count()
	for count > 1 && l.dictEnd(count-1) == l.dictEnd(count-2) {
		count--
	}
	if count == 1 && l.dictEnd(0) == 0 {
		count = 0
	}
	l.setCount(count)
}

// SplitPolicy selects where an inode-table leaf splits.
type SplitPolicy int

const (
	// SplitAtInum splits at the probed inum so the new leaf starts on
	// an aligned inum window where possible.
	SplitAtInum SplitPolicy = iota
	// SplitAtMidpoint splits near the byte midpoint of the block.
	SplitAtMidpoint
)

// IleafOps implements the btree leaf capability set for the inode table.
type IleafOps struct {
	SB     *core.Superblock
	Policy SplitPolicy
}

// Init formats a zeroed block as an empty inode-table leaf.
func (o *IleafOps) Init(leaf []byte) {
	binary.BigEndian.PutUint16(leaf[0:2], ileafMagic)
	binary.BigEndian.PutUint16(leaf[2:4], 0)
	binary.BigEndian.PutUint64(leaf[8:16], 0)
}

// Sniff reports whether the block carries the inode-table magic.
func (o *IleafOps) Sniff(leaf []byte) bool {
	return ileaf{leaf}.magic() == ileafMagic
}

// Need returns the bytes a merge of this leaf would consume: attribute
// bytes plus dict entries.
func (o *IleafOps) Need(leaf []byte) int {
	l := ileaf{leaf}
	return l.atdict(l.count()) + l.count()*dictEntrySize
}

// Free returns the bytes available between the table and the dict.
func (o *IleafOps) Free(leaf []byte) int {
	return o.SB.BlockSize - o.Need(leaf) - ileafHeaderSize
}

// Lookup returns the attribute bytes of inum, or (nil, 0) for an empty
// slot or an inum outside the populated region. inum must lie inside the
// leaf's window.
func (o *IleafOps) Lookup(leaf []byte, inum uint64) ([]byte, int) {
	l := ileaf{leaf}
	if inum < l.ibase() || inum >= l.ibase()+uint64(o.SB.EntriesPerLeaf) {
		return nil, 0
	}
	at := int(inum - l.ibase())
	if at >= l.count() {
		return nil, 0
	}
	offset := l.atdict(at)
	size := l.dictEnd(at) - offset
	if size == 0 {
		return nil, 0
	}
	return l.table()[offset : offset+size], size
}

// Resize grows, shrinks or creates the slot for inum and returns its
// bytes. Slots between the old count and inum materialize empty. Returns
// nil when the leaf cannot fit the extra dict entries plus the growth.
func (o *IleafOps) Resize(key uint64, leaf []byte, newsize int) []byte {
	l := ileaf{leaf}
	if key < l.ibase() {
		return nil
	}
	at := int(key - l.ibase())
	if at >= o.SB.EntriesPerLeaf {
		return nil
	}

	count := l.count()
	extendEmpty := 0
	if at >= count {
		extendEmpty = at - count + 1
	}
	offset := 0
	if at > 0 && count > 0 {
		offset = l.atdict(min(at, count))
	}
	size := 0
	if at < count {
		size = l.dictEnd(at) - offset
	}
	more := newsize - size
	if more > 0 && dictEntrySize*extendEmpty+more > o.Free(leaf) {
		return nil
	}
	for ; extendEmpty > 0; extendEmpty-- {
		l.setDictEnd(count, l.atdict(count))
		count++
		l.setCount(count)
	}
	itop := l.atdict(count)
	table := l.table()
	copy(table[offset+newsize:], table[offset+size:itop])
	for i := at; i < count; i++ {
		l.setDictEnd(i, l.dictEnd(i)+more)
	}
	return table[offset : offset+newsize]
}

// Split moves the slots at and above the split point from from into the
// empty leaf into and returns into's ibase, which becomes the separator
// key. Under SplitAtInum the new leaf starts at the probed inum's
// aligned window unless that collides with the range staying behind.
func (o *IleafOps) Split(key uint64, from, into []byte) uint64 {
	l := ileaf{from}
	dest := ileaf{into}
	count := l.count()

	var at int
	switch o.Policy {
	case SplitAtMidpoint:
		// binary search the slot whose end offset first clears the
		// byte midpoint of the block
		at = 1
		hi := count
		for at < hi {
			mid := (at + hi) / 2
			if l.dictEnd(mid-1) < o.SB.BlockSize/2 {
				at = mid + 1
			} else {
				hi = mid
			}
		}
	default:
		at = count
		if key-l.ibase() < uint64(count) {
			at = int(key - l.ibase())
		}
	}

	split := l.atdict(at)
	free := l.atdict(count)
	copy(dest.table(), l.table()[split:free])
	dest.setCount(count - at)
	for i := 0; i < count-at; i++ {
		dest.setDictEnd(i, l.dictEnd(at+i)-split)
	}

	if o.Policy == SplitAtMidpoint {
		dest.setIbase(l.ibase() + uint64(at))
	} else {
		// start the new leaf on an aligned inum window when the
		// boundary clears the slots staying behind
		epl := uint64(o.SB.EntriesPerLeaf)
		round := key &^ (epl - 1)
		if round > l.ibase()+uint64(count) {
			dest.setIbase(round)
		} else {
			dest.setIbase(key)
		}
	}
	l.setCount(at)
	zeroFrom := ileafHeaderSize + split
	zeroTo := len(from) - dictEntrySize*at
	for i := zeroFrom; i < zeroTo; i++ {
		from[i] = 0
	}
	l.trim()
	return dest.ibase()
}

// Merge appends src's table after dst's used region and rebases the
// copied dict entries by dst's prior byte usage.
func (o *IleafOps) Merge(dst, src []byte) {
	l := ileaf{dst}
	from := ileaf{src}
	if from.count() == 0 {
		return
	}
	at := l.count()
	free := l.atdict(at)
	size := from.atdict(from.count())
	copy(l.table()[free:], from.table()[:size])
	for i := 0; i < from.count(); i++ {
		end := from.dictEnd(i)
		if at > 0 {
			end += free
		}
		l.setDictEnd(at+i, end)
	}
	l.setCount(at + from.count())
}

// Chop removes every slot keyed at or above key and reports whether the
// leaf changed.
func (o *IleafOps) Chop(key uint64, leaf []byte) bool {
	l := ileaf{leaf}
	count := l.count()
	at := 0
	if key > l.ibase() {
		if key-l.ibase() >= uint64(count) {
			return false
		}
		at = int(key - l.ibase())
	}
	if count == at {
		return false
	}
	split := l.atdict(at)
	l.setCount(at)
	zeroFrom := ileafHeaderSize + split
	zeroTo := len(leaf) - dictEntrySize*at
	for i := zeroFrom; i < zeroTo; i++ {
		leaf[i] = 0
	}
	l.trim()
	return true
}

// Purge removes the attributes of a single inum, shifting the table tail
// down and rebasing the dict entries above it.
func (o *IleafOps) Purge(leaf []byte, inum uint64) error {
	l := ileaf{leaf}
	if inum < l.ibase() || inum-l.ibase() >= uint64(o.SB.EntriesPerLeaf) {
		return utils.WrapError(fmt.Sprintf("inum %#x outside leaf window", inum), utils.ErrInvalid)
	}
	at := int(inum - l.ibase())
	if at >= l.count() {
		return utils.WrapError(fmt.Sprintf("inode %#x is empty", inum), utils.ErrNotFound)
	}
	offset := l.atdict(at)
	size := l.dictEnd(at) - offset
	if size == 0 {
		return utils.WrapError(fmt.Sprintf("inode %#x is empty", inum), utils.ErrNotFound)
	}
	free := l.atdict(l.count())
	table := l.table()
	copy(table[offset:], table[offset+size:free])
	for i := at; i < l.count(); i++ {
		l.setDictEnd(i, l.dictEnd(i)-size)
	}
	l.trim()
	return nil
}

// FindEmpty scans forward from goal and returns the first inum whose
// slot is empty, never past ibase+count; a result at ibase+count tells
// the caller to move on to the next leaf.
func (o *IleafOps) FindEmpty(leaf []byte, goal uint64) uint64 {
	l := ileaf{leaf}
	count := l.count()
	if goal < l.ibase() {
		goal = l.ibase()
	}
	at := int(goal - l.ibase())
	if at >= count {
		return l.ibase() + uint64(count)
	}
	offset := 0
	if at > 0 {
		offset = l.atdict(at)
	}
	i := at
	for ; i < count; i++ {
		limit := l.dictEnd(i)
		if offset == limit {
			break
		}
		offset = limit
	}
	return l.ibase() + uint64(i)
}

// Check validates the leaf's magic, the dict's monotonicity and that the
// dict does not run into the table.
func (o *IleafOps) Check(leaf []byte) error {
	l := ileaf{leaf}
	if l.magic() != ileafMagic {
		return utils.WrapError("not an inode table leaf", utils.ErrInvalid)
	}
	offset := 0
	for i := 0; i < l.count(); i++ {
		limit := l.dictEnd(i)
		if limit < offset {
			return utils.WrapError("dict out of order", utils.ErrInvalid)
		}
		offset = limit
	}
	if l.count() > 0 &&
		l.dictEnd(l.count()-1)+dictEntrySize*l.count() > o.SB.BlockSize-ileafHeaderSize {
		return utils.WrapError("dict overlaps table", utils.ErrInvalid)
	}
	return nil
}

// Dump renders the leaf's occupied slots.
func (o *IleafOps) Dump(w io.Writer, leaf []byte) {
	l := ileaf{leaf}
	fmt.Fprintf(w, "inode table block %#x/%d (%#x bytes free)\n",
		l.ibase(), l.count(), o.Free(leaf))
	offset := 0
	for i := 0; i < l.count(); i++ {
		limit := l.dictEnd(i)
		size := limit - offset
		if size < 0 {
			fmt.Fprintf(w, "  %#x: <corrupt>\n", l.ibase()+uint64(i))
		} else if size > 0 {
			fmt.Fprintf(w, "  %#x: %x\n", l.ibase()+uint64(i), l.table()[offset:limit])
		}
		offset = limit
	}
}
