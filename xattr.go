package sqfs

import (
	"encoding/binary"
	"sync"

	"github.com/meigma/sqfs/internal/meta"
)

// XattrKind is the namespace tag of an extended attribute.
type XattrKind uint16

const (
	XattrUser     XattrKind = 0
	XattrTrusted  XattrKind = 1
	XattrSecurity XattrKind = 2
)

// Prefix returns the namespace prefix including the trailing dot.
func (k XattrKind) Prefix() string {
	switch k {
	case XattrUser:
		return "user."
	case XattrTrusted:
		return "trusted."
	case XattrSecurity:
		return "security."
	default:
		return ""
	}
}

// xattrOOLBit in the on-disk type field marks an out-of-line value: the
// record stores a reference into the shared value pool instead of the
// value bytes. Multiple inodes may reference the same stored value.
const xattrOOLBit = 0x0100

const xattrIDEntrySize = 16

// Xattr is one extended attribute. Name and value are raw bytes.
type Xattr struct {
	Kind  XattrKind
	Name  []byte
	Value []byte
}

// FullName returns the attribute name with its namespace prefix.
func (x Xattr) FullName() string { return x.Kind.Prefix() + string(x.Name) }

// xattrTable is the lazily decoded xattr lookup table descriptor.
type xattrTable struct {
	once    sync.Once
	err     error
	kvStart uint64
	count   uint32
	ids     []byte // id entries, xattrIDEntrySize bytes each
}

func (a *Archive) xattrIDEntry(index uint32) (ref uint64, count uint32, err error) {
	t := &a.xattrTab
	t.once.Do(func() {
		if !a.sb.HasXattrs() {
			t.err = corruptf("xattr referenced but archive has no xattr table")
			return
		}
		var hdr [16]byte
		if err := readFullAt(a.src, hdr[:], int64(a.sb.XattrTableStart)); err != nil {
			t.err = err
			return
		}
		t.kvStart = binary.LittleEndian.Uint64(hdr[0:8])
		t.count = binary.LittleEndian.Uint32(hdr[8:12])
		t.ids, t.err = a.loadIndirect(a.sb.XattrTableStart+16, int(t.count)*xattrIDEntrySize)
	})
	if t.err != nil {
		return 0, 0, t.err
	}
	if index >= t.count {
		return 0, 0, corruptf("xattr index %d out of range (%d entries)", index, t.count)
	}
	off := int(index) * xattrIDEntrySize
	return binary.LittleEndian.Uint64(t.ids[off : off+8]),
		binary.LittleEndian.Uint32(t.ids[off+8 : off+12]), nil
}

// XattrIterator yields the extended attributes of an inode. An inode
// without xattrs yields an immediately empty sequence. Corruption poisons
// the iterator the same way DirIterator is poisoned.
type XattrIterator struct {
	a         *Archive
	r         *meta.Reader
	remaining uint32
	cur       Xattr
	err       error
}

// Xattrs returns an iterator over the extended attributes of ino.
func (a *Archive) Xattrs(ino *Inode) (*XattrIterator, error) {
	if !ino.HasXattrs() {
		return &XattrIterator{a: a}, nil
	}
	ref, count, err := a.xattrIDEntry(ino.xattrIndex)
	if err != nil {
		return nil, err
	}
	r := a.meta.NewReader(int64(a.xattrTab.kvStart)+int64(ref>>16), int(ref&0xFFFF))
	return &XattrIterator{a: a, r: r, remaining: count}, nil
}

// Next advances to the next attribute. It returns false at the end of the
// sequence or on error; check Err to distinguish.
func (it *XattrIterator) Next() bool {
	if it.err != nil || it.remaining == 0 {
		return false
	}
	it.remaining--

	var fixed [4]byte
	if err := it.r.ReadFull(fixed[:]); err != nil {
		it.err = corruptf("xattr record: %v", err)
		return false
	}
	le := binary.LittleEndian
	typ := le.Uint16(fixed[0:2])
	nameLen := int(le.Uint16(fixed[2:4]))

	kind := XattrKind(typ &^ xattrOOLBit)
	if kind > XattrSecurity {
		it.err = ErrUnknownXattrType
		return false
	}
	if nameLen == 0 || nameLen > meta.BlockSize {
		it.err = corruptf("xattr name length %d", nameLen)
		return false
	}
	name := make([]byte, nameLen)
	if err := it.r.ReadFull(name); err != nil {
		it.err = corruptf("xattr name: %v", err)
		return false
	}

	var lenBuf [4]byte
	if err := it.r.ReadFull(lenBuf[:]); err != nil {
		it.err = corruptf("xattr value size: %v", err)
		return false
	}
	valueLen := le.Uint32(lenBuf[:])

	var value []byte
	if typ&xattrOOLBit != 0 {
		// Out-of-line: the inline "value" is a u64 reference into the
		// shared value pool.
		if valueLen != 8 {
			it.err = corruptf("xattr out-of-line reference size %d", valueLen)
			return false
		}
		var refBuf [8]byte
		if err := it.r.ReadFull(refBuf[:]); err != nil {
			it.err = corruptf("xattr out-of-line reference: %v", err)
			return false
		}
		ref := le.Uint64(refBuf[:])
		value, it.err = it.readSharedValue(ref)
		if it.err != nil {
			return false
		}
	} else {
		if valueLen > maxXattrValue {
			it.err = corruptf("xattr value length %d", valueLen)
			return false
		}
		value = make([]byte, valueLen)
		if err := it.r.ReadFull(value); err != nil {
			it.err = corruptf("xattr value: %v", err)
			return false
		}
	}

	it.cur = Xattr{Kind: kind, Name: name, Value: value}
	return true
}

// readSharedValue resolves a value-pool reference. Values in the pool may
// be referenced by any number of entries across inodes.
func (it *XattrIterator) readSharedValue(ref uint64) ([]byte, error) {
	r := it.a.meta.NewReader(int64(it.a.xattrTab.kvStart)+int64(ref>>16), int(ref&0xFFFF))
	var lenBuf [4]byte
	if err := r.ReadFull(lenBuf[:]); err != nil {
		return nil, corruptf("xattr shared value size: %v", err)
	}
	valueLen := binary.LittleEndian.Uint32(lenBuf[:])
	if valueLen > maxXattrValue {
		return nil, corruptf("xattr shared value length %d", valueLen)
	}
	value := make([]byte, valueLen)
	if err := r.ReadFull(value); err != nil {
		return nil, corruptf("xattr shared value: %v", err)
	}
	return value, nil
}

// maxXattrValue bounds a single attribute value; the kernel caps xattr
// values at 64 KiB.
const maxXattrValue = 64 * 1024

// Entry returns the attribute Next positioned on.
func (it *XattrIterator) Entry() Xattr { return it.cur }

// Err returns the error that stopped iteration, or nil after a clean end.
func (it *XattrIterator) Err() error { return it.err }
