// Package core provides the superblock view shared by every component of
// the index core: geometry derived from the block size, the attribute
// stream version, and the block addresses of the atom side tables.
package core

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/scigolib/fsindex/internal/utils"
)

// Volume signature and current superblock layout version.
const (
	Signature = "\x89FSI\r\n\x1a\n"
	Layout1   = 1
)

// Superblock geometry limits. Attribute versions are 12-bit tags inside
// attribute record headers; atom ids are 16-bit on disk for now.
const (
	MaxVersion = 0xfff
	MaxAtom    = 0xffff
)

// Default block addresses of the atom side tables. The refcount tables sit
// at a high logical offset in the atom table so the dirent blocks below
// them can grow without colliding; the reverse map sits just above the
// refcount pages.
const (
	DefaultAtomRefBase = 1 << 10
	DefaultHighRefBase = 1 << 11
	DefaultAtomRevBase = 1 << 12
)

const sbEncodedSize = 72

// Superblock carries the volume geometry and the state every btree and
// atom-table operation consults. BlockSize is always 1<<BlockBits.
// EntriesPerNode is derived so an index node header plus entries fit one
// block; EntriesPerLeaf bounds the inum window of one inode-table leaf.
type Superblock struct {
	BlockBits      uint
	BlockSize      int
	EntriesPerNode int
	EntriesPerLeaf int

	Version uint16 // attribute stream version, 12 bits used
	AtomGen uint32 // next unassigned atom id

	AtomRefBase uint64
	HighRefBase uint64
	AtomRevBase uint64

	// Inode-table btree root, kept here so a volume can be reopened.
	ItableBlock uint64
	ItableDepth uint16

	// First block the allocator hands out after the last reserved region.
	NextAlloc uint64
}

// NewSuperblock derives a superblock for the given block geometry.
func NewSuperblock(blockbits uint, entriesPerLeaf int) *Superblock {
	blocksize := 1 << blockbits
	return &Superblock{
		BlockBits:      blockbits,
		BlockSize:      blocksize,
		EntriesPerNode: (blocksize - 8) / 16,
		EntriesPerLeaf: entriesPerLeaf,
		AtomRefBase:    DefaultAtomRefBase,
		HighRefBase:    DefaultHighRefBase,
		AtomRevBase:    DefaultAtomRevBase,
	}
}

// Encode serializes the superblock into block 0. Integer fields are
// big-endian, matching the index node format.
func (sb *Superblock) Encode(block []byte) error {
	if len(block) < sbEncodedSize {
		return errors.New("block too small for superblock")
	}
	buf := utils.GetBuffer(sbEncodedSize)
	defer utils.ReleaseBuffer(buf)

	copy(buf[0:8], Signature)
	buf[8] = Layout1
	buf[9] = byte(sb.BlockBits)
	binary.BigEndian.PutUint16(buf[10:12], sb.Version)
	binary.BigEndian.PutUint32(buf[12:16], uint32(sb.EntriesPerLeaf))
	binary.BigEndian.PutUint32(buf[16:20], sb.AtomGen)
	binary.BigEndian.PutUint64(buf[20:28], sb.AtomRefBase)
	binary.BigEndian.PutUint64(buf[28:36], sb.HighRefBase)
	binary.BigEndian.PutUint64(buf[36:44], sb.AtomRevBase)
	binary.BigEndian.PutUint64(buf[44:52], sb.ItableBlock)
	binary.BigEndian.PutUint16(buf[52:54], sb.ItableDepth)
	binary.BigEndian.PutUint64(buf[54:62], sb.NextAlloc)
	copy(block, buf)
	return nil
}

// DecodeSuperblock parses block 0 of a volume.
func DecodeSuperblock(block []byte) (*Superblock, error) {
	if len(block) < sbEncodedSize {
		return nil, errors.New("block too small to contain a superblock")
	}
	if string(block[0:8]) != Signature {
		return nil, utils.WrapError("superblock", utils.ErrInvalid)
	}
	if block[8] != Layout1 {
		return nil, fmt.Errorf("unsupported superblock layout: %d", block[8])
	}
	blockbits := uint(block[9])
	sb := NewSuperblock(blockbits, int(binary.BigEndian.Uint32(block[12:16])))
	sb.Version = binary.BigEndian.Uint16(block[10:12])
	sb.AtomGen = binary.BigEndian.Uint32(block[16:20])
	sb.AtomRefBase = binary.BigEndian.Uint64(block[20:28])
	sb.HighRefBase = binary.BigEndian.Uint64(block[28:36])
	sb.AtomRevBase = binary.BigEndian.Uint64(block[36:44])
	sb.ItableBlock = binary.BigEndian.Uint64(block[44:52])
	sb.ItableDepth = binary.BigEndian.Uint16(block[52:54])
	sb.NextAlloc = binary.BigEndian.Uint64(block[54:62])
	return sb, nil
}
