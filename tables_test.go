package sqfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/sqfs/internal/testutil"
)

func TestExportTableRoundTrip(t *testing.T) {
	t.Parallel()

	a := openImage(t, basicTree(), []testutil.Option{testutil.WithExportTable()})
	defer a.Close()

	require.True(t, a.Superblock().HasExportTable())

	for _, path := range []string{".", "subdir", "subdir/short.file", "empty.file"} {
		want, err := a.Resolve(path)
		require.NoError(t, err)

		ref, err := a.InodeRefOf(want.Number)
		require.NoError(t, err)
		assert.Equal(t, want.Ref, ref, "path %q", path)

		got, err := a.Inode(ref)
		require.NoError(t, err)
		assert.Equal(t, want.Number, got.Number)
	}
}

func TestExportTableAbsent(t *testing.T) {
	t.Parallel()

	a := openImage(t, basicTree(), nil)
	defer a.Close()

	require.False(t, a.Superblock().HasExportTable())
	_, err := a.InodeRefOf(1)
	require.ErrorIs(t, err, ErrNoExportTable)
}

func TestExportTableNumberOutOfRange(t *testing.T) {
	t.Parallel()

	a := openImage(t, basicTree(), []testutil.Option{testutil.WithExportTable()})
	defer a.Close()

	_, err := a.InodeRefOf(0)
	require.Error(t, err)
	_, err = a.InodeRefOf(a.Superblock().InodeCount + 1)
	require.Error(t, err)
}

func TestIDTableDeduplicates(t *testing.T) {
	t.Parallel()

	root := testutil.Dir("",
		testutil.File("a", []byte("1")).WithOwner(1000, 1000),
		testutil.File("b", []byte("2")).WithOwner(1000, 2000),
		testutil.File("c", []byte("3")).WithOwner(1000, 1000),
	)
	a := openImage(t, root, nil)
	defer a.Close()

	// 0 (root), 1000 and 2000.
	assert.Equal(t, uint16(3), a.Superblock().IDCount)

	for path, want := range map[string][2]uint32{
		"a": {1000, 1000},
		"b": {1000, 2000},
		"c": {1000, 1000},
	} {
		ino, err := a.Resolve(path)
		require.NoError(t, err)
		assert.Equal(t, want[0], ino.UID, path)
		assert.Equal(t, want[1], ino.GID, path)
	}
}

func TestSpecialInodes(t *testing.T) {
	t.Parallel()

	root := testutil.Dir("",
		testutil.CharDev("null", 1<<8|3), // major 1, minor 3
		testutil.BlockDev("disk", 8<<8|1),
		testutil.Fifo("pipe"),
	)
	a := openImage(t, root, nil)
	defer a.Close()

	ino, err := a.Resolve("null")
	require.NoError(t, err)
	assert.Equal(t, KindCharDevice, ino.Kind)
	assert.Equal(t, uint32(1), ino.Device.Major())
	assert.Equal(t, uint32(3), ino.Device.Minor())

	ino, err = a.Resolve("disk")
	require.NoError(t, err)
	assert.Equal(t, KindBlockDevice, ino.Kind)
	assert.Equal(t, uint32(8), ino.Device.Major())
	assert.Equal(t, uint32(1), ino.Device.Minor())

	ino, err = a.Resolve("pipe")
	require.NoError(t, err)
	assert.Equal(t, KindFifo, ino.Kind)
	assert.Zero(t, ino.Size())
}
