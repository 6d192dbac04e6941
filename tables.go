package sqfs

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/meigma/sqfs/internal/meta"
)

// loadIndirect materializes a lookup table stored as a list of u64
// pointers to metadata blocks. totalBytes is the decoded size of the
// table; the pointer list at start holds one entry per 8 KiB of it.
func (a *Archive) loadIndirect(start uint64, totalBytes int) ([]byte, error) {
	if totalBytes == 0 {
		return nil, nil
	}
	blocks := (totalBytes + meta.BlockSize - 1) / meta.BlockSize
	ptrs := make([]byte, blocks*8)
	if err := readFullAt(a.src, ptrs, int64(start)); err != nil {
		return nil, err
	}

	out := make([]byte, 0, totalBytes)
	for i := 0; i < blocks; i++ {
		off := binary.LittleEndian.Uint64(ptrs[i*8:])
		if off >= a.sb.BytesUsed {
			return nil, corruptf("table block pointer %d at %d beyond archive end %d", i, off, a.sb.BytesUsed)
		}
		data, _, err := a.meta.Block(int64(off))
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	if len(out) < totalBytes {
		return nil, corruptf("lookup table short: decoded %d of %d bytes", len(out), totalBytes)
	}
	return out[:totalBytes], nil
}

// lazyTable materializes a lookup table once, caching the result for the
// archive's lifetime. Tables are read-only after load.
type lazyTable struct {
	once sync.Once
	data []byte
	err  error
}

func (t *lazyTable) get(load func() ([]byte, error)) ([]byte, error) {
	t.once.Do(func() {
		t.data, t.err = load()
	})
	return t.data, t.err
}

// idLookup resolves a compact id-table index to a numeric uid/gid.
func (a *Archive) idLookup(idx uint16) (uint32, error) {
	data, err := a.idTable.get(func() ([]byte, error) {
		return a.loadIndirect(a.sb.IDTableStart, int(a.sb.IDCount)*4)
	})
	if err != nil {
		return 0, err
	}
	if int(idx)*4+4 > len(data) {
		return 0, corruptf("id index %d out of range (%d ids)", idx, a.sb.IDCount)
	}
	return binary.LittleEndian.Uint32(data[int(idx)*4:]), nil
}

// fragmentEntry is one fragment-table record: the absolute offset and
// stored size of a shared fragment block.
type fragmentEntry struct {
	start uint64
	size  uint32 // low 24 bits size, bit 24 = stored uncompressed
}

const fragmentEntrySize = 16

func (a *Archive) fragmentEntry(index uint32) (fragmentEntry, error) {
	if index >= a.sb.FragmentCount {
		return fragmentEntry{}, corruptf("fragment index %d out of range (%d fragments)", index, a.sb.FragmentCount)
	}
	data, err := a.fragTable.get(func() ([]byte, error) {
		if !a.sb.HasFragments() {
			return nil, corruptf("fragment referenced but archive has no fragment table")
		}
		return a.loadIndirect(a.sb.FragTableStart, int(a.sb.FragmentCount)*fragmentEntrySize)
	})
	if err != nil {
		return fragmentEntry{}, err
	}
	off := int(index) * fragmentEntrySize
	entry := fragmentEntry{
		start: binary.LittleEndian.Uint64(data[off : off+8]),
		size:  binary.LittleEndian.Uint32(data[off+8 : off+12]),
	}
	if entry.start >= a.sb.BytesUsed {
		return fragmentEntry{}, corruptf("fragment %d starts at %d beyond archive end %d", index, entry.start, a.sb.BytesUsed)
	}
	return entry, nil
}

// InodeRefOf resolves an inode number through the export table. Fails
// with ErrNoExportTable when the archive was built without one.
func (a *Archive) InodeRefOf(number uint32) (InodeRef, error) {
	if !a.sb.HasExportTable() {
		return 0, ErrNoExportTable
	}
	if number == 0 || number > a.sb.InodeCount {
		return 0, fmt.Errorf("sqfs: inode number %d out of range [1, %d]", number, a.sb.InodeCount)
	}
	data, err := a.exportTable.get(func() ([]byte, error) {
		return a.loadIndirect(a.sb.ExportTableStart, int(a.sb.InodeCount)*8)
	})
	if err != nil {
		return 0, err
	}
	return InodeRef(binary.LittleEndian.Uint64(data[(number-1)*8:])), nil
}
