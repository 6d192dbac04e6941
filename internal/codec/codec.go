// Package codec maps SquashFS compression identifiers to decompression
// functions. Decompressors are stateless and safe for concurrent use on
// independent blocks.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Kind identifies a compression algorithm as stored in the superblock.
type Kind uint16

const (
	None Kind = 0
	Gzip Kind = 1
	Lzma Kind = 2
	Lzo  Kind = 3
	Xz   Kind = 4
	Lz4  Kind = 5
	Zstd Kind = 6
)

// String returns the algorithm name used by squashfs tooling.
func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Lzma:
		return "lzma"
	case Lzo:
		return "lzo"
	case Xz:
		return "xz"
	case Lz4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(k))
	}
}

// ErrTooLarge is returned when a block decompresses past its expected size.
var ErrTooLarge = errors.New("codec: decompressed data exceeds expected size")

// Func decompresses one block. The output must not exceed maxSize bytes;
// implementations fail with ErrTooLarge rather than truncate.
type Func func(src []byte, maxSize int) ([]byte, error)

// Registry maps compression kinds to decompressors.
type Registry struct {
	funcs map[Kind]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[Kind]Func)}
}

// Default returns a registry with every algorithm the module links in:
// gzip, lzma, xz, lz4 and zstd. lzo has no maintained Go implementation
// and stays unregistered.
func Default() *Registry {
	r := NewRegistry()
	r.Register(Gzip, decompressZlib)
	r.Register(Lzma, decompressLzma)
	r.Register(Xz, decompressXz)
	r.Register(Lz4, decompressLz4)
	r.Register(Zstd, decompressZstd)
	return r
}

// Register adds or replaces the decompressor for a kind.
func (r *Registry) Register(k Kind, f Func) {
	r.funcs[k] = f
}

// Lookup returns the decompressor for a kind.
func (r *Registry) Lookup(k Kind) (Func, bool) {
	f, ok := r.funcs[k]
	return f, ok
}

// readCapped drains r, failing if the output would exceed maxSize.
func readCapped(r io.Reader, maxSize int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

func decompressZlib(src []byte, maxSize int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readCapped(zr, maxSize)
}

func decompressLzma(src []byte, maxSize int) ([]byte, error) {
	lr, err := lzma.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	return readCapped(lr, maxSize)
}

func decompressXz(src []byte, maxSize int) ([]byte, error) {
	xr, err := xz.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	return readCapped(xr, maxSize)
}

// decompressLz4 handles the raw lz4 block format; squashfs stores blocks
// without lz4 frame headers.
func decompressLz4(src []byte, maxSize int) ([]byte, error) {
	dst := make([]byte, maxSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

var (
	zstdOnce    sync.Once
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// decompressZstd shares one decoder across all calls; DecodeAll is safe
// for concurrent use.
func decompressZstd(src []byte, maxSize int) ([]byte, error) {
	zstdOnce.Do(func() {
		zstdDecoder, zstdErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(uint64(maxBlockAlloc)))
	})
	if zstdErr != nil {
		return nil, zstdErr
	}
	out, err := zstdDecoder.DecodeAll(src, make([]byte, 0, maxSize))
	if err != nil {
		return nil, err
	}
	if len(out) > maxSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

// maxBlockAlloc bounds decoder memory; the format caps data blocks at 1MiB.
const maxBlockAlloc = 1 << 20
