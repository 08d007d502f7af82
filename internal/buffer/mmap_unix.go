//go:build unix

package buffer

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// MmapDevice backs blocks with a memory-mapped volume image. The mapping
// grows by remapping when a write lands past the current end.
type MmapDevice struct {
	f         *os.File
	data      []byte
	size      int64
	blocksize int
}

// OpenMmapDevice opens or creates a memory-mapped volume image at path.
// The file is extended to at least one block so the initial map is valid.
func OpenMmapDevice(path string, blocksize int) (*MmapDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := stat.Size()
	if size < int64(blocksize) {
		if err := f.Truncate(int64(blocksize)); err != nil {
			f.Close()
			return nil, err
		}
		size = int64(blocksize)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &MmapDevice{f: f, data: data, size: size, blocksize: blocksize}, nil
}

// BlockSize returns the device block size.
func (d *MmapDevice) BlockSize() int {
	return d.blocksize
}

// ReadBlock copies block nr out of the mapping; blocks past the mapped
// size read as zeroes.
func (d *MmapDevice) ReadBlock(nr uint64, buf []byte) error {
	//nolint:gosec // G115: volume offsets fit in int64
	off := int64(nr) * int64(d.blocksize)
	if off >= d.size {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, d.data[off:off+int64(d.blocksize)])
	return nil
}

// WriteBlock copies block nr into the mapping, growing the file first if
// the block lies past the current end.
func (d *MmapDevice) WriteBlock(nr uint64, buf []byte) error {
	//nolint:gosec // G115: volume offsets fit in int64
	off := int64(nr) * int64(d.blocksize)
	if off+int64(d.blocksize) > d.size {
		if err := d.grow(off + int64(d.blocksize)); err != nil {
			return err
		}
	}
	copy(d.data[off:off+int64(d.blocksize)], buf)
	return nil
}

// grow extends the file and remaps. Dirty mapped pages are synced first:
// with MAP_SHARED they live in the page cache and must reach the file
// before the old mapping goes away.
func (d *MmapDevice) grow(required int64) error {
	newSize := d.size + d.size/2
	if newSize < required {
		newSize = required
	}
	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		return err
	}
	if err := unix.Munmap(d.data); err != nil {
		return err
	}
	d.data = nil
	if err := d.f.Truncate(newSize); err != nil {
		return err
	}
	data, err := unix.Mmap(int(d.f.Fd()), 0, int(newSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	d.data = data
	d.size = newSize
	return nil
}

// Sync flushes the mapping to stable storage.
func (d *MmapDevice) Sync() error {
	if d.data == nil {
		return errors.New("mmap device closed")
	}
	return unix.Msync(d.data, unix.MS_SYNC)
}

// Close unmaps and closes the image.
func (d *MmapDevice) Close() error {
	var firstErr error
	if d.data != nil {
		if err := unix.Munmap(d.data); err != nil {
			firstErr = err
		}
		d.data = nil
	}
	if d.f != nil {
		if err := d.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.f = nil
	}
	return firstErr
}
