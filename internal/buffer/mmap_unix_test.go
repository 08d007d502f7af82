//go:build unix

package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMmapDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")
	dev, err := OpenMmapDevice(path, 512)
	require.NoError(t, err)

	in := make([]byte, 512)
	copy(in, "mapped block")
	require.NoError(t, dev.WriteBlock(0, in))

	// a write past the mapping grows and remaps the file
	far := make([]byte, 512)
	copy(far, "far block")
	require.NoError(t, dev.WriteBlock(64, far))

	out := make([]byte, 512)
	require.NoError(t, dev.ReadBlock(0, out))
	require.Equal(t, in, out)
	require.NoError(t, dev.ReadBlock(64, out))
	require.Equal(t, far, out)

	// blocks past the mapped size read as zeroes
	require.NoError(t, dev.ReadBlock(4096, out))
	for _, b := range out {
		require.Zero(t, b)
	}

	require.NoError(t, dev.Sync())
	require.NoError(t, dev.Close())
}

func TestMmapDevicePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")
	dev, err := OpenMmapDevice(path, 512)
	require.NoError(t, err)
	in := make([]byte, 512)
	copy(in, "survives reopen")
	require.NoError(t, dev.WriteBlock(2, in))
	require.NoError(t, dev.Close())

	dev, err = OpenMmapDevice(path, 512)
	require.NoError(t, err)
	out := make([]byte, 512)
	require.NoError(t, dev.ReadBlock(2, out))
	require.Equal(t, in, out)
	require.NoError(t, dev.Close())
}
