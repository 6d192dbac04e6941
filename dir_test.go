package sqfs

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/sqfs/internal/testutil"
)

func collectNames(t *testing.T, a *Archive, path string) []string {
	t.Helper()
	ino, err := a.Resolve(path)
	require.NoError(t, err)
	it, err := a.Dir(ino)
	require.NoError(t, err)
	var names []string
	for it.Next() {
		names = append(names, it.Entry().Name())
	}
	require.NoError(t, it.Err())
	return names
}

func TestDirIteratesInDiskOrder(t *testing.T) {
	t.Parallel()

	a := openImage(t, basicTree(), nil)
	defer a.Close()

	assert.Equal(t, []string{"empty.file", "link", "subdir"}, collectNames(t, a, "."))
}

func TestDirEntryFields(t *testing.T) {
	t.Parallel()

	a := openImage(t, basicTree(), nil)
	defer a.Close()

	root, err := a.Resolve(".")
	require.NoError(t, err)
	it, err := a.Dir(root)
	require.NoError(t, err)

	byName := map[string]DirEntry{}
	for it.Next() {
		byName[it.Entry().Name()] = it.Entry()
	}
	require.NoError(t, it.Err())

	assert.Equal(t, KindFile, byName["empty.file"].Kind())
	assert.Equal(t, KindSymlink, byName["link"].Kind())
	assert.Equal(t, KindDirectory, byName["subdir"].Kind())

	// The ref must round-trip through inode decoding.
	ino, err := a.Inode(byName["subdir"].Ref())
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, ino.Kind)
	assert.Equal(t, byName["subdir"].InodeNumber(), ino.Number)
}

func TestDirEmpty(t *testing.T) {
	t.Parallel()

	a := openImage(t, testutil.Dir("", testutil.Dir("hollow")), nil)
	defer a.Close()

	assert.Empty(t, collectNames(t, a, "hollow"))
}

func TestDirExhaustionIsIdempotent(t *testing.T) {
	t.Parallel()

	a := openImage(t, basicTree(), nil)
	defer a.Close()

	ino, err := a.Resolve("subdir")
	require.NoError(t, err)
	it, err := a.Dir(ino)
	require.NoError(t, err)

	require.True(t, it.Next())
	require.False(t, it.Next())
	for range 3 {
		assert.False(t, it.Next())
		assert.NoError(t, it.Err())
	}
}

func TestDirOnFileFails(t *testing.T) {
	t.Parallel()

	a := openImage(t, basicTree(), nil)
	defer a.Close()

	ino, err := a.Resolve("empty.file")
	require.NoError(t, err)
	_, err = a.Dir(ino)
	require.ErrorIs(t, err, ErrNotADirectory)
}

func TestDirManyEntriesSpansRuns(t *testing.T) {
	t.Parallel()

	children := make([]*testutil.Node, 300)
	for i := range children {
		children[i] = testutil.File(fmt.Sprintf("f%03d", i), []byte{byte(i)})
	}
	a := openImage(t, testutil.Dir("", children...), nil)
	defer a.Close()

	names := collectNames(t, a, ".")
	require.Len(t, names, 300)
	for i, name := range names {
		assert.Equal(t, fmt.Sprintf("f%03d", i), name)
	}
}

func TestDirCorruptionPoisonsIterator(t *testing.T) {
	t.Parallel()

	img := testutil.New().Build(testutil.Dir("",
		testutil.File("alpha", []byte("1")),
		testutil.File("beta", []byte("2")),
	))
	// Zero the first entry's type tag inside the root listing, leaving
	// every other table intact. The field sits after the metadata block
	// header (2), the run header (12) and the entry's offset and delta
	// fields (4); tag zero is invalid.
	dirStart := binary.LittleEndian.Uint64(img[72:80])
	typeOff := dirStart + 2 + 12 + 4
	require.Equal(t, uint16(2), binary.LittleEndian.Uint16(img[typeOff:typeOff+2]))
	binary.LittleEndian.PutUint16(img[typeOff:typeOff+2], 0)

	a, err := Open(BytesSource(img))
	require.NoError(t, err)
	defer a.Close()

	root, err := a.Inode(a.Root())
	require.NoError(t, err)
	it, err := a.Dir(root)
	require.NoError(t, err)

	require.False(t, it.Next())
	require.ErrorIs(t, it.Err(), ErrCorruptData)

	// Poisoned for good: the error does not clear.
	for range 3 {
		assert.False(t, it.Next())
		assert.ErrorIs(t, it.Err(), ErrCorruptData)
	}
}
