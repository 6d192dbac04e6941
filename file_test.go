package sqfs

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/sqfs/internal/testutil"
)

// patterned returns n bytes that do not compress to nothing and differ
// across block boundaries.
func patterned(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + i/4096)
	}
	return out
}

func openFileReader(t *testing.T, a *Archive, path string) *File {
	t.Helper()
	ino, err := a.Resolve(path)
	require.NoError(t, err)
	f, err := a.FileReader(ino)
	require.NoError(t, err)
	return f
}

func TestFileReadWhole(t *testing.T) {
	t.Parallel()

	data := patterned(3*4096 + 123)
	a := openImage(t, testutil.Dir("", testutil.File("big", data)),
		[]testutil.Option{testutil.WithBlockSize(4096)})
	defer a.Close()

	f := openFileReader(t, a, "big")
	assert.Equal(t, int64(len(data)), f.Size())

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFileReadAtRandomAccess(t *testing.T) {
	t.Parallel()

	data := patterned(4 * 4096)
	a := openImage(t, testutil.Dir("", testutil.File("big", data)),
		[]testutil.Option{testutil.WithBlockSize(4096)})
	defer a.Close()

	f := openFileReader(t, a, "big")
	for _, off := range []int64{0, 1, 4095, 4096, 8191, 12288, int64(len(data)) - 10} {
		buf := make([]byte, 10)
		n, err := f.ReadAt(buf, off)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
		}
		assert.Equal(t, data[off:off+int64(n)], buf[:n], "offset %d", off)
	}
}

func TestFileReadAtShortAtEOF(t *testing.T) {
	t.Parallel()

	data := []byte("twelve bytes")
	a := openImage(t, testutil.Dir("", testutil.File("f", data)), nil)
	defer a.Close()

	f := openFileReader(t, a, "f")

	buf := make([]byte, 20)
	n, err := f.ReadAt(buf, 7)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "bytes", string(buf[:n]))

	n, err = f.ReadAt(buf, int64(len(data)))
	require.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)
}

func TestFileEmpty(t *testing.T) {
	t.Parallel()

	a := openImage(t, testutil.Dir("", testutil.File("empty", nil)), nil)
	defer a.Close()

	f := openFileReader(t, a, "empty")
	assert.Zero(t, f.Size())

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileFragmentTail(t *testing.T) {
	t.Parallel()

	data := patterned(4096 + 100)
	root := testutil.Dir("",
		testutil.File("frag", data).WithFragment(),
	)
	a := openImage(t, root, []testutil.Option{testutil.WithBlockSize(4096)})
	defer a.Close()

	require.True(t, a.Superblock().HasFragments())

	got, err := a.ReadFile("frag")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The tail alone.
	f := openFileReader(t, a, "frag")
	buf := make([]byte, 100)
	n, err := f.ReadAt(buf, 4096)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	assert.Equal(t, data[4096:], buf[:n])
}

func TestFileSharedFragmentBlock(t *testing.T) {
	t.Parallel()

	one := patterned(50)
	two := patterned(70)
	root := testutil.Dir("",
		testutil.File("one", one).WithFragment(),
		testutil.File("two", two).WithFragment(),
	)
	a := openImage(t, root, []testutil.Option{testutil.WithBlockSize(4096)})
	defer a.Close()

	// Both tails fit one fragment block.
	assert.Equal(t, uint32(1), a.Superblock().FragmentCount)

	got, err := a.ReadFile("one")
	require.NoError(t, err)
	assert.Equal(t, one, got)

	got, err = a.ReadFile("two")
	require.NoError(t, err)
	assert.Equal(t, two, got)
}

func TestFileSparseBlocks(t *testing.T) {
	t.Parallel()

	var data []byte
	data = append(data, patterned(4096)...)
	data = append(data, make([]byte, 4096)...) // stored as a sparse entry
	data = append(data, patterned(2000)...)
	a := openImage(t, testutil.Dir("", testutil.File("holey", data)),
		[]testutil.Option{testutil.WithBlockSize(4096)})
	defer a.Close()

	got, err := a.ReadFile("holey")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Reading inside the hole yields zeroes.
	f := openFileReader(t, a, "holey")
	buf := make([]byte, 64)
	_, err = f.ReadAt(buf, 5000)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 64), buf)
}

func TestFileSeek(t *testing.T) {
	t.Parallel()

	data := patterned(10_000)
	a := openImage(t, testutil.Dir("", testutil.File("f", data)),
		[]testutil.Option{testutil.WithBlockSize(4096)})
	defer a.Close()

	f := openFileReader(t, a, "f")

	pos, err := f.Seek(-100, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)-100), pos)

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data[len(data)-100:], got)

	pos, err = f.Seek(4000, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(4000), pos)
	pos, err = f.Seek(96, io.SeekCurrent)
	require.NoError(t, err)
	require.Equal(t, int64(4096), pos)

	_, err = f.Seek(-1, io.SeekStart)
	require.Error(t, err)
}

func TestFileConcurrentReadAt(t *testing.T) {
	t.Parallel()

	data := patterned(8 * 4096)
	a := openImage(t, testutil.Dir("", testutil.File("f", data)),
		[]testutil.Option{testutil.WithBlockSize(4096), testutil.WithCompression(1, testutil.ZlibCompress)})
	defer a.Close()

	f := openFileReader(t, a, "f")

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				off := int64((g*977 + i*4099) % (len(data) - 256))
				buf := make([]byte, 256)
				n, err := f.ReadAt(buf, off)
				if err != nil && err != io.EOF {
					t.Errorf("ReadAt(%d): %v", off, err)
					return
				}
				if !bytes.Equal(buf[:n], data[off:off+int64(n)]) {
					t.Errorf("ReadAt(%d): data mismatch", off)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestFileReaderRejectsNonFile(t *testing.T) {
	t.Parallel()

	a := openImage(t, basicTree(), nil)
	defer a.Close()

	ino, err := a.Resolve("subdir")
	require.NoError(t, err)
	_, err = a.FileReader(ino)
	require.Error(t, err)
}
