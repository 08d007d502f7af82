package structures

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scigolib/fsindex/internal/buffer"
	"github.com/scigolib/fsindex/internal/core"
	"github.com/scigolib/fsindex/internal/utils"
)

func testAtomTable(t *testing.T) *AtomTable {
	t.Helper()
	sb := core.NewSuperblock(12, 64)
	cache := buffer.NewCache(buffer.NewMemDevice(sb.BlockSize))
	return &AtomTable{SB: sb, Cache: cache, Dir: NewMemAtomDir()}
}

func testInode(t *testing.T) *Inode {
	t.Helper()
	atoms := testAtomTable(t)
	return &Inode{SB: atoms.SB, Atoms: atoms}
}

type xrec struct {
	Atom uint32
	Body string
}

// records flattens the cache into (atom, body) pairs in list order.
func records(t *testing.T, x *XCache) []xrec {
	t.Helper()
	var out []xrec
	err := x.walk(func(off, next int) bool {
		out = append(out, xrec{x.recordAtom(off), string(x.data[off+xattrHeaderSize : next])})
		return true
	})
	require.NoError(t, err)
	return out
}

func TestXcacheUpdateEncodeRoundTrip(t *testing.T) {
	in := testInode(t)

	require.NoError(t, in.UpdateXattr(0x666, []byte("hello")))
	require.NoError(t, in.UpdateXattr(0x777, []byte("world!")))
	require.NoError(t, in.UpdateXattr(0x111, []byte("class")))
	require.NoError(t, in.UpdateXattr(0x666, nil))
	require.NoError(t, in.UpdateXattr(0x222, []byte("boooyah")))

	want := []xrec{
		{0x777, "world!"},
		{0x111, "class"},
		{0x222, "boooyah"},
	}
	require.Empty(t, cmp.Diff(want, records(t, in.XCache)))

	// size invariant: header plus per-record header and body
	wantSize := xcacheHeaderSize
	for _, r := range want {
		wantSize += xattrHeaderSize + len(r.Body)
	}
	require.Equal(t, wantSize, in.XCache.Size())

	attrs := utils.GetBuffer(1000)
	defer utils.ReleaseBuffer(attrs)
	n := EncodeXattrs(in, attrs)
	require.Equal(t, EncodeXsize(in), n)

	in.XCache.Reset()
	require.Equal(t, xcacheHeaderSize, in.XCache.Size())
	require.NoError(t, DecodeAttrs(in, attrs[:n]))
	require.Equal(t, DecodeXsize(in, attrs[:n]), in.XCache.Size())
	require.Empty(t, cmp.Diff(want, records(t, in.XCache)))
}

func TestXcacheLookup(t *testing.T) {
	in := testInode(t)
	require.NoError(t, in.UpdateXattr(0x777, []byte("world!")))

	body, err := in.XCache.Lookup(0x777)
	require.NoError(t, err)
	require.Equal(t, []byte("world!"), body)

	body, err = in.XCache.Lookup(0x123)
	require.NoError(t, err)
	require.Nil(t, body)
}

func TestXcacheReplaceKeepsRefcount(t *testing.T) {
	in := testInode(t)
	require.NoError(t, in.UpdateXattr(0x42, []byte("one")))
	require.NoError(t, in.UpdateXattr(0x42, []byte("twotwo")))

	refs, err := in.Atoms.RefCount(0x42)
	require.NoError(t, err)
	require.Equal(t, 1, refs, "replace is a net zero refcount change")

	require.NoError(t, in.UpdateXattr(0x42, nil))
	refs, err = in.Atoms.RefCount(0x42)
	require.NoError(t, err)
	require.Equal(t, 0, refs)
}

func TestXcacheGrowth(t *testing.T) {
	in := testInode(t)
	// push well past the initial capacity floor
	body := bytes.Repeat([]byte{'v'}, 100)
	for atom := uint32(1); atom <= 20; atom++ {
		require.NoError(t, in.UpdateXattr(atom, body))
	}
	require.Equal(t, xcacheHeaderSize+20*(xattrHeaderSize+100), in.XCache.Size())
	require.LessOrEqual(t, in.XCache.Size(), in.XCache.MaxSize())
	for atom := uint32(1); atom <= 20; atom++ {
		got, err := in.XCache.Lookup(atom)
		require.NoError(t, err)
		require.Equal(t, body, got)
	}
}

func TestXcacheCorruption(t *testing.T) {
	in := testInode(t)
	require.NoError(t, in.UpdateXattr(7, []byte("abc")))

	zeroed := *in.XCache
	zeroed.data = append([]byte(nil), in.XCache.data...)
	zeroed.data[2] = 0
	zeroed.data[3] = 0
	_, err := zeroed.Lookup(7)
	assert.ErrorIs(t, err, utils.ErrInvalid)

	over := *in.XCache
	over.data = append([]byte(nil), in.XCache.data...)
	over.data[3] = 0xff // size far past the cache limit
	_, err = over.Lookup(7)
	assert.ErrorIs(t, err, utils.ErrCorrupt)
}

func TestDecodeAttrsSkipsForeignRecords(t *testing.T) {
	in := testInode(t)
	in.SB.Version = 2

	var stream bytes.Buffer
	// fixed-size attribute of another kind
	stream.Write([]byte{byte(AttrLinkCount<<4) | 0, 2}) // kind 4, version 2
	stream.Write([]byte{0, 0, 0, 1})
	// xattr with a stale version tag
	stream.Write([]byte{byte(AttrXattr<<4) | 0, 1, 0, 5, 0, 9, 'o', 'l', 'd'})
	// current xattr
	stream.Write([]byte{byte(AttrXattr<<4) | 0, 2, 0, 5, 0, 9, 'n', 'e', 'w'})

	require.NoError(t, DecodeAttrs(in, stream.Bytes()))
	body, err := in.XCache.Lookup(9)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), body)
	require.Equal(t, DecodeXsize(in, stream.Bytes()), in.XCache.Size())
}

func TestMakeAtom(t *testing.T) {
	atoms := testAtomTable(t)

	foo, err := atoms.Make([]byte("foo"))
	require.NoError(t, err)
	again, err := atoms.Make([]byte("foo"))
	require.NoError(t, err)
	require.Equal(t, foo, again)

	bar, err := atoms.Make([]byte("bar"))
	require.NoError(t, err)
	require.NotEqual(t, foo, bar)
	require.Equal(t, foo+1, bar, "atom ids are allocated in sequence")

	// a fresh atom starts with one reference
	refs, err := atoms.RefCount(foo)
	require.NoError(t, err)
	require.Equal(t, 1, refs)

	// the reverse map records where each dirent landed
	fooOff, err := atoms.Reverse(foo)
	require.NoError(t, err)
	barOff, err := atoms.Reverse(bar)
	require.NoError(t, err)
	require.NotEqual(t, fooOff, barOff)
}

func TestUseAtomCarry(t *testing.T) {
	atoms := testAtomTable(t)
	lo := func() int {
		buf, err := atoms.Cache.Bread(atoms.SB.AtomRefBase)
		require.NoError(t, err)
		defer atoms.Cache.Brelse(buf)
		return int(utils.U16Slot(buf.Data(), 0))
	}
	hi := func() int {
		buf, err := atoms.Cache.Bread(atoms.SB.HighRefBase)
		require.NoError(t, err)
		defer atoms.Cache.Brelse(buf)
		return int(utils.U16Slot(buf.Data(), 0))
	}

	require.NoError(t, atoms.Use(0, 0x8000))
	require.Equal(t, 0x8000, lo())
	require.Equal(t, 0, hi())

	require.NoError(t, atoms.Use(0, 0x8000))
	require.Equal(t, 0x0000, lo())
	require.Equal(t, 1, hi())

	require.NoError(t, atoms.Use(0, -0x8000))
	require.Equal(t, 0x8000, lo())
	require.Equal(t, 0, hi())

	refs, err := atoms.RefCount(0)
	require.NoError(t, err)
	require.Equal(t, 0x8000, refs)
}

func TestGetSetXattrByName(t *testing.T) {
	in := testInode(t)

	require.NoError(t, in.SetXattr([]byte("hello"), []byte("world!")))
	require.NoError(t, in.SetXattr([]byte("foo"), []byte("foobar")))

	body, err := in.GetXattr([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("world!"), body)

	_, err = in.GetXattr([]byte("world"))
	require.ErrorIs(t, err, utils.ErrNotFound)
}

func TestXcacheDump(t *testing.T) {
	in := testInode(t)
	require.NoError(t, in.UpdateXattr(0x666, []byte("hello")))
	var buf bytes.Buffer
	require.NoError(t, in.XCache.Dump(&buf))
	require.Contains(t, buf.String(), "{666}")
}
