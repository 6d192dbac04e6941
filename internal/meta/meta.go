// Package meta reads SquashFS metadata blocks: 8 KiB units prefixed with
// a two-byte header whose low 15 bits hold the stored size and whose top
// bit marks the block as stored uncompressed. The inode, directory,
// fragment, id, export and xattr tables are all built from these blocks.
package meta

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/sqfs/internal/codec"
)

// BlockSize is the decoded size limit of a metadata block.
const BlockSize = 8192

const headerSize = 2

// uncompressedBit in the block header marks raw storage.
const uncompressedBit = 0x8000

// ErrCorrupt is returned for malformed metadata block headers.
var ErrCorrupt = errors.New("meta: corrupt metadata block")

// DefaultCacheBlocks is the default number of decoded blocks kept in memory.
const DefaultCacheBlocks = 64

type block struct {
	data     []byte // decoded, read-only
	diskSize int64  // header + stored bytes
}

// Store reads and caches decoded metadata blocks keyed by their absolute
// offset in the source. Safe for concurrent use; loads of the same block
// are deduplicated.
type Store struct {
	src        io.ReaderAt
	decompress codec.Func
	limit      int

	mu     sync.RWMutex
	blocks map[int64]block
	group  singleflight.Group
}

// NewStore creates a Store over src. decompress handles blocks stored
// compressed. limit bounds the cache in blocks; 0 means DefaultCacheBlocks.
func NewStore(src io.ReaderAt, decompress codec.Func, limit int) *Store {
	if limit <= 0 {
		limit = DefaultCacheBlocks
	}
	return &Store{
		src:        src,
		decompress: decompress,
		limit:      limit,
		blocks:     make(map[int64]block),
	}
}

// Block returns the decoded contents of the metadata block at the given
// absolute offset, plus its on-disk length (header included). The returned
// slice is shared and must not be modified.
func (s *Store) Block(off int64) ([]byte, int64, error) {
	s.mu.RLock()
	b, ok := s.blocks[off]
	s.mu.RUnlock()
	if ok {
		return b.data, b.diskSize, nil
	}

	v, err, _ := s.group.Do(fmt.Sprintf("%d", off), func() (any, error) {
		return s.load(off)
	})
	if err != nil {
		return nil, 0, err
	}
	b = v.(block)
	return b.data, b.diskSize, nil
}

func (s *Store) load(off int64) (block, error) {
	var hdr [headerSize]byte
	if _, err := s.src.ReadAt(hdr[:], off); err != nil && err != io.EOF {
		return block{}, fmt.Errorf("meta: read header at %d: %w", off, err)
	}
	h := binary.LittleEndian.Uint16(hdr[:])
	stored := int(h &^ uncompressedBit)
	raw := h&uncompressedBit != 0
	if stored == 0 || stored > BlockSize {
		return block{}, fmt.Errorf("%w: stored size %d at offset %d", ErrCorrupt, stored, off)
	}

	buf := make([]byte, stored)
	if n, err := s.src.ReadAt(buf, off+headerSize); n != stored {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return block{}, fmt.Errorf("meta: read %d bytes at %d: %w", stored, off+headerSize, err)
	}

	data := buf
	if !raw {
		var err error
		data, err = s.decompress(buf, BlockSize)
		if err != nil {
			return block{}, fmt.Errorf("%w: decompress at offset %d: %v", ErrCorrupt, off, err)
		}
	}
	if len(data) > BlockSize {
		return block{}, fmt.Errorf("%w: decoded size %d at offset %d", ErrCorrupt, len(data), off)
	}

	b := block{data: data, diskSize: int64(headerSize + stored)}
	s.mu.Lock()
	if len(s.blocks) >= s.limit {
		// Coarse eviction: drop an arbitrary block. Metadata working
		// sets are small and re-decoding is cheap.
		for k := range s.blocks {
			delete(s.blocks, k)
			break
		}
	}
	s.blocks[off] = b
	s.mu.Unlock()
	return b, nil
}

// Reader reads a byte stream spanning consecutive metadata blocks,
// following each block's on-disk length to find the next.
type Reader struct {
	store *Store
	off   int64 // absolute offset of the current block
	pos   int   // position within the decoded block
	data  []byte
	valid bool
}

// NewReader positions a Reader at byteOff within the decoded contents of
// the metadata block at absolute offset blockOff.
func (s *Store) NewReader(blockOff int64, byteOff int) *Reader {
	return &Reader{store: s, off: blockOff, pos: byteOff}
}

// Read implements io.Reader across block boundaries.
func (r *Reader) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if !r.valid {
			data, _, err := r.store.Block(r.off)
			if err != nil {
				return total, err
			}
			if r.pos > len(data) {
				return total, fmt.Errorf("%w: offset %d beyond decoded size %d", ErrCorrupt, r.pos, len(data))
			}
			r.data = data
			r.valid = true
		}
		if r.pos >= len(r.data) {
			_, disk, err := r.store.Block(r.off)
			if err != nil {
				return total, err
			}
			r.off += disk
			r.pos = 0
			r.valid = false
			continue
		}
		n := copy(p, r.data[r.pos:])
		r.pos += n
		p = p[n:]
		total += n
	}
	return total, nil
}

// ReadFull fills p entirely or fails.
func (r *Reader) ReadFull(p []byte) error {
	_, err := io.ReadFull(r, p)
	return err
}

// Skip advances the reader n bytes without copying decoded data it skips
// entire blocks of.
func (r *Reader) Skip(n int) error {
	for n > 0 {
		data, disk, err := r.store.Block(r.off)
		if err != nil {
			return err
		}
		rem := len(data) - r.pos
		if n < rem {
			r.pos += n
			return nil
		}
		n -= rem
		r.off += disk
		r.pos = 0
		r.valid = false
	}
	return nil
}
