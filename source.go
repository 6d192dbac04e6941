package sqfs

import (
	"fmt"
	"io"
	"os"
)

// ByteSource provides random access to the raw archive bytes.
//
// ReadAt must return the full requested range, returning fewer bytes only
// at true end of source. Implementations exist for local files, in-memory
// buffers, and HTTP range requests (the http subpackage). A ByteSource
// must support concurrent ReadAt calls if the Archive is shared across
// goroutines; *os.File and byte slices both do.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// NewSource wraps an io.ReaderAt of known size as a ByteSource.
func NewSource(r io.ReaderAt, size int64) ByteSource {
	return &readerAtSource{r: r, size: size}
}

type readerAtSource struct {
	r    io.ReaderAt
	size int64
}

func (s *readerAtSource) ReadAt(p []byte, off int64) (int, error) { return s.r.ReadAt(p, off) }
func (s *readerAtSource) Size() int64                             { return s.size }

// BytesSource wraps an in-memory archive image as a ByteSource.
type BytesSource []byte

// ReadAt implements io.ReaderAt.
func (s BytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("sqfs: negative read offset %d", off)
	}
	if off >= int64(len(s)) {
		return 0, io.EOF
	}
	n := copy(p, s[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the length of the image.
func (s BytesSource) Size() int64 { return int64(len(s)) }

// fileSource adapts an *os.File owned by the archive.
type fileSource struct {
	f    *os.File
	size int64
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *fileSource) Size() int64                             { return s.size }
func (s *fileSource) Close() error                            { return s.f.Close() }

// readFullAt reads exactly len(p) bytes at off, mapping short reads to
// a corruption error with offset context.
func readFullAt(src ByteSource, p []byte, off int64) error {
	n, err := src.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		return corruptf("short read at offset %d: got %d of %d bytes", off, n, len(p))
	}
	return fmt.Errorf("sqfs: read at offset %d: %w", off, err)
}
