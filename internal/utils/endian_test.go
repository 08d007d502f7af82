package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestU16SlotRoundTrip(t *testing.T) {
	page := make([]byte, 64)
	PutU16Slot(page, 0, 0x1234)
	PutU16Slot(page, 5, 0xbeef)

	assert.Equal(t, uint16(0x1234), U16Slot(page, 0))
	assert.Equal(t, uint16(0xbeef), U16Slot(page, 5))
	assert.Equal(t, uint16(0), U16Slot(page, 1))

	// big-endian on the wire
	require.Equal(t, []byte{0x12, 0x34}, page[0:2])
	require.Equal(t, []byte{0xbe, 0xef}, page[10:12])
}

func TestU64SlotRoundTrip(t *testing.T) {
	page := make([]byte, 64)
	PutU64Slot(page, 2, 0xcaba1f00d)
	assert.Equal(t, uint64(0xcaba1f00d), U64Slot(page, 2))
	require.Equal(t, byte(0x0d), page[23], "big-endian low byte lands last")
}
