// Package testing provides test utilities for fsindex library testing.
package testing

import "errors"

// MockDevice is a block device that starts failing reads after a set
// number of successes, for exercising error paths in the btree cursor
// machinery.
type MockDevice struct {
	blocksize int
	blocks    map[uint64][]byte
	readsLeft int
	failAll   bool
}

// NewMockDevice creates a mock device that allows readsLeft successful
// reads before every further read fails. A negative readsLeft never
// fails.
func NewMockDevice(blocksize, readsLeft int) *MockDevice {
	return &MockDevice{
		blocksize: blocksize,
		blocks:    make(map[uint64][]byte),
		readsLeft: readsLeft,
		failAll:   readsLeft == 0,
	}
}

// BlockSize returns the device block size.
func (d *MockDevice) BlockSize() int {
	return d.blocksize
}

// SetReadBudget rearms the failure countdown: n more reads succeed, a
// negative n disables failures again.
func (d *MockDevice) SetReadBudget(n int) {
	d.readsLeft = n
	d.failAll = n == 0
}

// ReadBlock fails once the read budget is exhausted; otherwise unwritten
// blocks read as zeroes.
func (d *MockDevice) ReadBlock(nr uint64, buf []byte) error {
	if d.failAll || d.readsLeft == 0 {
		return errors.New("injected read failure")
	}
	if d.readsLeft > 0 {
		d.readsLeft--
		if d.readsLeft == 0 {
			d.failAll = true
		}
	}
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
func (d *MockDevice) WriteBlock(nr uint64, buf []byte) error {
	blk, ok := d.blocks[nr]
	if !ok {
		blk = make([]byte, d.blocksize)
		d.blocks[nr] = blk
	}
	copy(blk, buf)
	return nil
}

// Sync is a no-op.
func (d *MockDevice) Sync() error {
	return nil
}

// Close is a no-op.
func (d *MockDevice) Close() error {
	return nil
}
