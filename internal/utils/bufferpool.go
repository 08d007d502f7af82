// Package utils provides utility functions for the fsindex library.
package utils

import "sync"

var scratchPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 0, 4096)
	},
}

// GetBuffer returns a zero-filled byte slice from the pool. The
// superblock codec uses these as scratch space so steady-state operation
// does not allocate.
func GetBuffer(size int) []byte {
	buf := scratchPool.Get().([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	buf = buf[:size]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// ReleaseBuffer returns a buffer to the pool.
func ReleaseBuffer(buf []byte) {
	//nolint:staticcheck // SA6002: slice descriptor copy is acceptable for sync.Pool
	scratchPool.Put(buf[:0])
}
