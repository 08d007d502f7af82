package structures

import (
	"encoding/binary"
	"fmt"

	"github.com/scigolib/fsindex/internal/utils"
)

// Attribute stream framing. Every record in an inode's attribute stream
// starts with a 16-bit header: the kind in the high 4 bits and the
// stream version in the low 12. Fixed-size kinds are followed by their
// payload; variable kinds carry a u16 byte count first. An xattr record
// is kind AttrXattr, bytes = body length + 2, then the 16-bit atom and
// the body.
const (
	AttrModeOwner = 1
	AttrCtimeSize = 2
	AttrDataBtree = 3
	AttrLinkCount = 4
	AttrMtime     = 5
	AttrIdata     = 6
	AttrXattr     = 7
)

// Payload bytes following the header for the fixed-size kinds.
var attrKindSize = map[int]int{
	AttrModeOwner: 12,
	AttrCtimeSize: 14,
	AttrDataBtree: 10,
	AttrLinkCount: 4,
	AttrMtime:     6,
}

// EncodeXattrs writes the inode's xattr records into attrs and returns
// the bytes produced. Records that would not fit are left out.
func EncodeXattrs(in *Inode, attrs []byte) int {
	if in.XCache == nil {
		return 0
	}
	x := in.XCache
	n := 0
	//nolint:errcheck // the cache was validated by the update that built it
	x.walk(func(off, next int) bool {
		body := x.data[off+xattrHeaderSize : next]
		if n+6+len(body) > len(attrs) {
			return true
		}
		binary.BigEndian.PutUint16(attrs[n:], uint16(AttrXattr)<<12|in.SB.Version&0xfff)
		binary.BigEndian.PutUint16(attrs[n+2:], uint16(len(body)+2))
		binary.BigEndian.PutUint16(attrs[n+4:], uint16(x.recordAtom(off)))
		copy(attrs[n+6:], body)
		n += 6 + len(body)
		return true
	})
	return n
}

// EncodeXsize returns the encoded size of the inode's xattr records:
// per record a header, a byte count, the atom and the body.
func EncodeXsize(in *Inode) int {
	if in.XCache == nil {
		return 0
	}
	size := 0
	//nolint:errcheck // the cache was validated by the update that built it
	in.XCache.walk(func(off, next int) bool {
		size += 6 + (next - off - xattrHeaderSize)
		return true
	})
	return size
}

// DecodeAttrs replays an attribute stream into the inode's cache. Only
// xattr records tagged with the superblock's current version are
// accepted; stale versions and other attribute kinds are skipped over
// but their bytes consumed. Refcounts are not touched: the counts on
// disk already account for encoded records.
func DecodeAttrs(in *Inode, attrs []byte) error {
	off := 0
	for off+2 <= len(attrs) {
		head := binary.BigEndian.Uint16(attrs[off:])
		off += 2
		kind := int(head >> 12)
		switch kind {
		case AttrXattr, AttrIdata:
			if off+2 > len(attrs) {
				return utils.WrapError("truncated attribute", utils.ErrInvalid)
			}
			bytes := int(binary.BigEndian.Uint16(attrs[off:]))
			off += 2
			if off+bytes > len(attrs) || bytes < 2 {
				return utils.WrapError("truncated attribute", utils.ErrInvalid)
			}
			if kind == AttrXattr && head&0xfff == in.SB.Version&0xfff {
				atom := uint32(binary.BigEndian.Uint16(attrs[off:]))
				body := attrs[off+2 : off+bytes]
				in.ensureRoom(xattrHeaderSize + len(body))
				in.XCache.push(atom, body)
			}
			off += bytes
		default:
			size, ok := attrKindSize[kind]
			if !ok {
				return utils.WrapError(fmt.Sprintf("unknown attribute kind %d", kind), utils.ErrInvalid)
			}
			off += size
		}
	}
	return nil
}

// DecodeXsize predicts the cache bytes DecodeAttrs would produce for an
// attribute stream, so callers can size the cache up front.
func DecodeXsize(in *Inode, attrs []byte) int {
	total := 0
	off := 0
	for off+2 <= len(attrs) {
		head := binary.BigEndian.Uint16(attrs[off:])
		off += 2
		kind := int(head >> 12)
		switch kind {
		case AttrXattr, AttrIdata:
			if off+2 > len(attrs) {
				return total + xcacheHeaderSize
			}
			bytes := int(binary.BigEndian.Uint16(attrs[off:]))
			off += 2 + bytes
			if kind == AttrXattr && head&0xfff == in.SB.Version&0xfff {
				total += xattrHeaderSize + bytes - 2
			}
		default:
			size, ok := attrKindSize[kind]
			if !ok {
				return total + xcacheHeaderSize
			}
			off += size
		}
	}
	return total + xcacheHeaderSize
}
