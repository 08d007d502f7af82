package buffer

import (
	"errors"
	"io"
	"os"
)

// Device is the backing store of a buffer cache. Reading a block that was
// never written yields zeroes, matching a sparse or freshly truncated
// volume image.
type Device interface {
	BlockSize() int
	ReadBlock(nr uint64, buf []byte) error
	WriteBlock(nr uint64, buf []byte) error
	Sync() error
	Close() error
}

// MemDevice is an in-memory device used by tests and throwaway volumes.
type MemDevice struct {
	blocksize int
	blocks    map[uint64][]byte
}

// NewMemDevice creates an in-memory device with the given block size.
func NewMemDevice(blocksize int) *MemDevice {
	return &MemDevice{
		blocksize: blocksize,
		blocks:    make(map[uint64][]byte),
	}
}

// BlockSize returns the device block size.
func (d *MemDevice) BlockSize() int {
	return d.blocksize
}

// ReadBlock copies block nr into buf; unwritten blocks read as zeroes.
func (d *MemDevice) ReadBlock(nr uint64, buf []byte) error {
	if blk, ok := d.blocks[nr]; ok {
		copy(buf, blk)
		return nil
	}
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

// WriteBlock stores a copy of buf as block nr.
func (d *MemDevice) WriteBlock(nr uint64, buf []byte) error {
	blk, ok := d.blocks[nr]
	if !ok {
		blk = make([]byte, d.blocksize)
		d.blocks[nr] = blk
	}
	copy(blk, buf)
	return nil
}

// Sync is a no-op for memory devices.
func (d *MemDevice) Sync() error {
	return nil
}

// Close is a no-op for memory devices.
func (d *MemDevice) Close() error {
	return nil
}

// FileDevice backs blocks with a plain file via positioned reads and
// writes. Portable everywhere; MmapDevice is the faster Unix variant.
type FileDevice struct {
	f         *os.File
	blocksize int
}

// OpenFileDevice opens or creates a volume image at path.
func OpenFileDevice(path string, blocksize int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &FileDevice{f: f, blocksize: blocksize}, nil
}

// BlockSize returns the device block size.
func (d *FileDevice) BlockSize() int {
	return d.blocksize
}

// ReadBlock reads block nr; reads past the current end of file come back
// zeroed.
func (d *FileDevice) ReadBlock(nr uint64, buf []byte) error {
	//nolint:gosec // G115: volume offsets fit in int64 for io.ReaderAt
	n, err := d.f.ReadAt(buf, int64(nr)*int64(d.blocksize))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// WriteBlock writes block nr, extending the file as needed.
func (d *FileDevice) WriteBlock(nr uint64, buf []byte) error {
	//nolint:gosec // G115: volume offsets fit in int64 for io.WriterAt
	_, err := d.f.WriteAt(buf, int64(nr)*int64(d.blocksize))
	return err
}

// Sync flushes the file to stable storage.
func (d *FileDevice) Sync() error {
	return d.f.Sync()
}

// Close closes the backing file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
