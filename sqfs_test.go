package sqfs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/sqfs/internal/codec"
	"github.com/meigma/sqfs/internal/testutil"
)

// openImage builds an archive image and opens it.
func openImage(t *testing.T, root *testutil.Node, bopts []testutil.Option, opts ...Option) *Archive {
	t.Helper()
	img := testutil.New(bopts...).Build(root)
	a, err := Open(BytesSource(img), opts...)
	require.NoError(t, err)
	return a
}

func basicTree() *testutil.Node {
	return testutil.Dir("",
		testutil.Dir("subdir",
			testutil.File("short.file", []byte("hello squash")),
		),
		testutil.File("empty.file", nil),
		testutil.Symlink("link", "subdir/short.file"),
	)
}

func TestOpenReadsSuperblock(t *testing.T) {
	t.Parallel()

	a := openImage(t, basicTree(), []testutil.Option{
		testutil.WithBlockSize(4096),
		testutil.WithModTime(1700000000),
	})
	defer a.Close()

	sb := a.Superblock()
	assert.Equal(t, uint32(4096), sb.BlockSize)
	assert.Equal(t, uint32(5), sb.InodeCount)
	assert.Equal(t, codec.Gzip, sb.Compression)
	assert.Equal(t, int64(1700000000), sb.ModTime().Unix())
	assert.Equal(t, uint16(4), sb.Major)
	assert.Equal(t, uint16(0), sb.Minor)
}

func TestOpenBadMagic(t *testing.T) {
	t.Parallel()

	img := testutil.New().Build(basicTree())
	binary.LittleEndian.PutUint32(img[0:4], 0x12345678)
	_, err := Open(BytesSource(img))
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestOpenTruncatedHeader(t *testing.T) {
	t.Parallel()

	img := testutil.New().Build(basicTree())
	_, err := Open(BytesSource(img[:40]))
	require.ErrorIs(t, err, ErrTruncatedHeader)
}

func TestOpenUnsupportedVersion(t *testing.T) {
	t.Parallel()

	img := testutil.New().Build(basicTree())
	binary.LittleEndian.PutUint16(img[28:30], 3)
	binary.LittleEndian.PutUint16(img[30:32], 1)
	_, err := Open(BytesSource(img))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestOpenBadBlockSize(t *testing.T) {
	t.Parallel()

	img := testutil.New().Build(basicTree())
	// Not a power of two.
	binary.LittleEndian.PutUint32(img[12:16], 5000)
	_, err := Open(BytesSource(img))
	require.ErrorIs(t, err, ErrCorruptData)

	// Valid size but mismatched log field.
	img = testutil.New().Build(basicTree())
	binary.LittleEndian.PutUint16(img[22:24], 12)
	_, err = Open(BytesSource(img))
	require.ErrorIs(t, err, ErrCorruptData)
}

func TestOpenUnsupportedCodec(t *testing.T) {
	t.Parallel()

	img := testutil.New().Build(basicTree())
	// lzo has no registered decompressor.
	binary.LittleEndian.PutUint16(img[20:22], 3)
	_, err := Open(BytesSource(img))
	require.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestOpenCodecOverride(t *testing.T) {
	t.Parallel()

	img := testutil.New().Build(basicTree())
	binary.LittleEndian.PutUint16(img[20:22], 3)
	passthrough := func(src []byte, maxSize int) ([]byte, error) { return src, nil }
	a, err := Open(BytesSource(img), WithCodec(codec.Lzo, passthrough))
	require.NoError(t, err)
	defer a.Close()

	// The image is stored uncompressed, so the passthrough never runs,
	// but the archive must open and read.
	got, err := a.ReadFile("subdir/short.file")
	require.NoError(t, err)
	assert.Equal(t, "hello squash", string(got))
}

func TestOpenTableOffsetBeyondSource(t *testing.T) {
	t.Parallel()

	img := testutil.New().Build(basicTree())
	binary.LittleEndian.PutUint64(img[40:48], uint64(len(img))+4096)
	_, err := Open(BytesSource(img))
	require.ErrorIs(t, err, ErrInvalidTableOffset)
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	a := openImage(t, basicTree(), nil)
	defer a.Close()

	got, err := a.ReadFile("subdir/short.file")
	require.NoError(t, err)
	assert.Equal(t, "hello squash", string(got))

	got, err = a.ReadFile("empty.file")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Through the symlink.
	got, err = a.ReadFile("link")
	require.NoError(t, err)
	assert.Equal(t, "hello squash", string(got))
}

func TestExists(t *testing.T) {
	t.Parallel()

	a := openImage(t, basicTree(), nil)
	defer a.Close()

	ok, err := a.Exists("subdir/short.file")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Exists("subdir/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupNoFollow(t *testing.T) {
	t.Parallel()

	a := openImage(t, basicTree(), nil)
	defer a.Close()

	ino, err := a.Lookup("link")
	require.NoError(t, err)
	assert.Equal(t, KindFile, ino.Kind)

	ino, err = a.LookupNoFollow("link")
	require.NoError(t, err)
	assert.Equal(t, KindSymlink, ino.Kind)
	assert.Equal(t, "subdir/short.file", string(ino.Symlink.Target))
}

func TestInodeOwnership(t *testing.T) {
	t.Parallel()

	root := testutil.Dir("",
		testutil.File("owned", []byte("x")).WithOwner(1000, 2000).WithMode(0o640),
	)
	a := openImage(t, root, nil)
	defer a.Close()

	ino, err := a.Lookup("owned")
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), ino.UID)
	assert.Equal(t, uint32(2000), ino.GID)
	assert.Equal(t, "-rw-r-----", ino.Mode().String())
}

func TestCompressedArchive(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 40_000)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	root := testutil.Dir("",
		testutil.File("data.bin", payload),
	)
	a := openImage(t, root, []testutil.Option{
		testutil.WithBlockSize(8192),
		testutil.WithCompression(1, testutil.ZlibCompress),
	})
	defer a.Close()

	got, err := a.ReadFile("data.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
