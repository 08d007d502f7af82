package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheBreadPinsAndCaches(t *testing.T) {
	dev := NewMemDevice(512)
	require.NoError(t, dev.WriteBlock(7, append([]byte("payload"), make([]byte, 505)...)))
	cache := NewCache(dev)

	b, err := cache.Bread(7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), b.BlockNr())
	require.Equal(t, []byte("payload"), b.Data()[:7])
	require.Equal(t, 1, b.PinCount())

	// a second read returns the same buffer with another pin
	b2, err := cache.Bread(7)
	require.NoError(t, err)
	require.Same(t, b, b2)
	require.Equal(t, 2, b.PinCount())

	cache.Brelse(b)
	cache.Brelse(b2)
	require.Equal(t, 0, cache.PinnedCount())
}

func TestCacheGetblkZeroed(t *testing.T) {
	dev := NewMemDevice(512)
	require.NoError(t, dev.WriteBlock(3, []byte{0xff, 0xff}))
	cache := NewCache(dev)

	b := cache.Getblk(3)
	for _, by := range b.Data() {
		require.Zero(t, by, "getblk must not read the device")
	}
	cache.Brelse(b)
}

func TestCacheFlushWritesDirty(t *testing.T) {
	dev := NewMemDevice(512)
	cache := NewCache(dev)

	b := cache.Getblk(5)
	copy(b.Data(), "dirty")
	cache.BrelseDirty(b)
	require.Equal(t, 1, cache.DirtyCount())
	require.NoError(t, cache.Flush())
	require.Equal(t, 0, cache.DirtyCount())

	out := make([]byte, 512)
	require.NoError(t, dev.ReadBlock(5, out))
	require.Equal(t, []byte("dirty"), out[:5])
}

func TestCacheEmptyBufferNotWritten(t *testing.T) {
	dev := NewMemDevice(512)
	cache := NewCache(dev)

	b := cache.Getblk(9)
	copy(b.Data(), "doomed")
	b.MarkDirty()
	b.SetEmpty()
	cache.Brelse(b)
	require.NoError(t, cache.Flush())

	out := make([]byte, 512)
	require.NoError(t, dev.ReadBlock(9, out))
	require.Zero(t, out[0], "an empty buffer must never reach the device")
}

func TestCacheForget(t *testing.T) {
	dev := NewMemDevice(512)
	cache := NewCache(dev)

	b := cache.Getblk(4)
	copy(b.Data(), "stale")
	cache.Brelse(b)
	cache.Forget(4)

	b2 := cache.Getblk(4)
	require.NotSame(t, b, b2)
	require.Zero(t, b2.Data()[0], "a forgotten block comes back zeroed")
	cache.Brelse(b2)
}

func TestFileDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")
	dev, err := OpenFileDevice(path, 512)
	require.NoError(t, err)

	in := make([]byte, 512)
	copy(in, "file-backed block")
	require.NoError(t, dev.WriteBlock(11, in))
	require.NoError(t, dev.Sync())

	out := make([]byte, 512)
	require.NoError(t, dev.ReadBlock(11, out))
	require.Equal(t, in, out)

	// reads past the end of file come back zeroed
	require.NoError(t, dev.ReadBlock(1000, out))
	for _, b := range out {
		require.Zero(t, b)
	}
	require.NoError(t, dev.Close())
}
