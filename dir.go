package sqfs

import (
	"bytes"
	"encoding/binary"

	"github.com/meigma/sqfs/internal/meta"
)

// dirHeaderSize and dirEntrySize are the fixed parts of the on-disk
// directory listing format.
const (
	dirHeaderSize = 12
	dirEntrySize  = 8

	// A directory run holds at most 256 entries.
	maxDirRunCount = 256

	// Entry names are stored as length-1 in a u16 but capped by the format.
	maxDirNameLen = 256

	// Directory sizes include three virtual bytes accounting for "." and
	// "..", which are not stored.
	dirSizeBias = 3
)

// DirEntry is one directory listing entry. The name is raw bytes and not
// guaranteed to be UTF-8. Entries are only valid for the archive that
// produced them.
type DirEntry struct {
	name   []byte
	kind   FileKind
	ref    InodeRef
	number uint32
}

// Name returns the entry name as a string.
func (e DirEntry) Name() string { return string(e.name) }

// NameBytes returns the raw name bytes. The slice is owned by the caller
// of the iterator and remains valid after advancing.
func (e DirEntry) NameBytes() []byte { return e.name }

// Kind returns the entry's file type tag.
func (e DirEntry) Kind() FileKind { return e.kind }

// Ref returns the entry's inode reference.
func (e DirEntry) Ref() InodeRef { return e.ref }

// InodeNumber returns the entry's inode number.
func (e DirEntry) InodeNumber() uint32 { return e.number }

// DirIterator lazily yields the entries of a directory inode in on-disk
// order, one delta-encoded run at a time. It is forward-only and not
// restartable. A corruption error poisons the iterator: Next keeps
// returning false and Err keeps returning the same error.
type DirIterator struct {
	a    *Archive
	r    *meta.Reader
	left int // listing bytes not yet consumed

	runCount  int    // entries remaining in the current run
	runStart  uint32 // inode-table block offset shared by the run
	runInode  uint32 // inode-number base shared by the run
	cur       DirEntry
	err       error
	exhausted bool
}

// Dir returns an iterator over the entries of a directory inode.
func (a *Archive) Dir(ino *Inode) (*DirIterator, error) {
	if ino.Kind != KindDirectory {
		return nil, ErrNotADirectory
	}
	left := int(ino.Dir.size)
	if left >= dirSizeBias {
		left -= dirSizeBias
	} else {
		left = 0
	}
	r := a.meta.NewReader(int64(a.sb.DirTableStart)+int64(ino.Dir.startBlock), int(ino.Dir.offset))
	return &DirIterator{a: a, r: r, left: left}, nil
}

// Next advances to the next entry. It returns false at the end of the
// listing or on error; check Err to distinguish.
func (it *DirIterator) Next() bool {
	if it.err != nil || it.exhausted {
		return false
	}
	if it.runCount == 0 {
		if it.left < dirHeaderSize+dirEntrySize {
			// No room for another run; trailing slack under one
			// header is padding, anything else is ignored the same
			// way the kernel reader does.
			it.exhausted = true
			return false
		}
		if !it.readRunHeader() {
			return false
		}
	}
	return it.readEntry()
}

func (it *DirIterator) readRunHeader() bool {
	var hdr [dirHeaderSize]byte
	if err := it.r.ReadFull(hdr[:]); err != nil {
		it.err = corruptf("directory run header: %v", err)
		return false
	}
	it.left -= dirHeaderSize
	le := binary.LittleEndian
	count := int(le.Uint32(hdr[0:4])) + 1
	if count > maxDirRunCount {
		it.err = corruptf("directory run of %d entries exceeds maximum %d", count, maxDirRunCount)
		return false
	}
	it.runCount = count
	it.runStart = le.Uint32(hdr[4:8])
	it.runInode = le.Uint32(hdr[8:12])
	return true
}

func (it *DirIterator) readEntry() bool {
	var fixed [dirEntrySize]byte
	if it.left < dirEntrySize {
		it.err = corruptf("directory entry truncated: %d bytes left", it.left)
		return false
	}
	if err := it.r.ReadFull(fixed[:]); err != nil {
		it.err = corruptf("directory entry: %v", err)
		return false
	}
	le := binary.LittleEndian
	offset := le.Uint16(fixed[0:2])
	delta := int16(le.Uint16(fixed[2:4]))
	tag := le.Uint16(fixed[4:6])
	nameLen := int(le.Uint16(fixed[6:8])) + 1
	it.left -= dirEntrySize

	if nameLen > maxDirNameLen {
		it.err = corruptf("directory entry name length %d exceeds maximum %d", nameLen, maxDirNameLen)
		return false
	}
	if it.left < nameLen {
		it.err = corruptf("directory entry name truncated: need %d bytes, %d left", nameLen, it.left)
		return false
	}
	name := make([]byte, nameLen)
	if err := it.r.ReadFull(name); err != nil {
		it.err = corruptf("directory entry name: %v", err)
		return false
	}
	it.left -= nameLen

	if tag < tagBasicDirectory || tag > tagBasicSocket {
		it.err = corruptf("directory entry %q: type tag %d", name, tag)
		return false
	}
	number := int64(it.runInode) + int64(delta)
	if number <= 0 {
		it.err = corruptf("directory entry %q: inode number %d", name, number)
		return false
	}

	it.runCount--
	it.cur = DirEntry{
		name:   name,
		kind:   FileKind(tag),
		ref:    InodeRef(uint64(it.runStart)<<16 | uint64(offset)),
		number: uint32(number),
	}
	return true
}

// Entry returns the entry Next positioned on.
func (it *DirIterator) Entry() DirEntry { return it.cur }

// Err returns the error that stopped iteration, or nil after a clean end.
func (it *DirIterator) Err() error { return it.err }

// lookup scans the directory listing of dir for an exact name match.
func (a *Archive) dirLookup(dir *Inode, name []byte) (DirEntry, bool, error) {
	it, err := a.Dir(dir)
	if err != nil {
		return DirEntry{}, false, err
	}
	for it.Next() {
		if bytes.Equal(it.Entry().NameBytes(), name) {
			return it.Entry(), true, nil
		}
	}
	if err := it.Err(); err != nil {
		return DirEntry{}, false, err
	}
	return DirEntry{}, false, nil
}
