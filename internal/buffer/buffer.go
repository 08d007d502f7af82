// Package buffer provides the buffered block device the index core runs
// on: fixed-size blocks addressed by 64-bit numbers, handed out as pinned
// in-memory buffers with dirty tracking.
package buffer

// Buffer is an in-memory image of one disk block. A buffer stays resident
// while its pin count is nonzero; dirty buffers are written back on Flush.
type Buffer struct {
	nr    uint64
	data  []byte
	dirty bool
	pins  int
	empty bool
}

// BlockNr returns the block number this buffer images.
func (b *Buffer) BlockNr() uint64 {
	return b.nr
}

// Data returns the raw block bytes. The slice stays valid while the
// buffer is pinned.
func (b *Buffer) Data() []byte {
	return b.data
}

// Dirty reports whether the buffer has unwritten modifications.
func (b *Buffer) Dirty() bool {
	return b.dirty
}

// MarkDirty flags the buffer for writeback.
func (b *Buffer) MarkDirty() {
	b.dirty = true
}

// PinCount returns the buffer's reference count.
func (b *Buffer) PinCount() int {
	return b.pins
}

// Pin increments the reference count.
func (b *Buffer) Pin() {
	b.pins++
}

// Unpin decrements the reference count.
func (b *Buffer) Unpin() {
	if b.pins > 0 {
		b.pins--
	}
}

// SetEmpty marks a buffer whose block was freed while still pinned. An
// empty buffer is never written back; the block release itself is
// deferred to the owner of the free list.
func (b *Buffer) SetEmpty() {
	b.empty = true
	b.dirty = false
}

// Empty reports whether the buffer's block was freed out from under it.
func (b *Buffer) Empty() bool {
	return b.empty
}
