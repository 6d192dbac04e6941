package sqfs

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"time"

	"github.com/meigma/sqfs/internal/meta"
)

// InodeRef locates an inode without decoding it: the upper 48 bits hold
// the byte offset of the inode's metadata block relative to the inode
// table start, the low 16 bits the offset within the decoded block.
// Refs are stable for the lifetime of their archive only.
type InodeRef uint64

func (r InodeRef) blockOffset() int64 { return int64(r >> 16) }
func (r InodeRef) byteOffset() int    { return int(r & 0xFFFF) }

// String formats the ref the way squashfs tooling prints it.
func (r InodeRef) String() string {
	return fmt.Sprintf("0x%x:0x%x", r.blockOffset(), r.byteOffset())
}

// FileKind is the type tag of an inode. The zero value is invalid.
type FileKind uint16

const (
	KindDirectory   FileKind = 1
	KindFile        FileKind = 2
	KindSymlink     FileKind = 3
	KindBlockDevice FileKind = 4
	KindCharDevice  FileKind = 5
	KindFifo        FileKind = 6
	KindSocket      FileKind = 7
)

func (k FileKind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	case KindBlockDevice:
		return "block device"
	case KindCharDevice:
		return "char device"
	case KindFifo:
		return "fifo"
	case KindSocket:
		return "socket"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(k))
	}
}

// mode returns the fs.FileMode type bits for the kind.
func (k FileKind) mode() fs.FileMode {
	switch k {
	case KindDirectory:
		return fs.ModeDir
	case KindSymlink:
		return fs.ModeSymlink
	case KindBlockDevice:
		return fs.ModeDevice
	case KindCharDevice:
		return fs.ModeDevice | fs.ModeCharDevice
	case KindFifo:
		return fs.ModeNamedPipe
	case KindSocket:
		return fs.ModeSocket
	default:
		return 0
	}
}

// On-disk inode type tags; values 8-14 are the extended layouts of 1-7.
const (
	tagBasicDirectory = 1
	tagBasicFile      = 2
	tagBasicSymlink   = 3
	tagBasicBlock     = 4
	tagBasicChar      = 5
	tagBasicFifo      = 6
	tagBasicSocket    = 7
	tagExtDirectory   = 8
	tagExtFile        = 9
	tagExtSymlink     = 10
	tagExtBlock       = 11
	tagExtChar        = 12
	tagExtFifo        = 13
	tagExtSocket      = 14
)

// xattrNone marks an inode without extended attributes.
const xattrNone = 0xFFFFFFFF

// fragNone marks a file inode without a fragment tail.
const fragNone = 0xFFFFFFFF

// Inode is a decoded inode record. Kind selects which of the type-specific
// field groups is populated; the others are nil.
type Inode struct {
	Ref       InodeRef
	Kind      FileKind
	Number    uint32
	Perm      fs.FileMode // permission and setuid/setgid/sticky bits
	UID       uint32
	GID       uint32
	ModTime   time.Time
	LinkCount uint32

	File    *FileData    // KindFile
	Dir     *DirData     // KindDirectory
	Symlink *SymlinkData // KindSymlink
	Device  *DeviceData  // KindBlockDevice, KindCharDevice

	xattrIndex uint32
}

// FileData carries regular-file block layout.
type FileData struct {
	Size       uint64
	StartBlock uint64 // absolute offset of the first data block
	FragIndex  uint32 // fragNone when the tail is not fragment-packed
	FragOffset uint32
	BlockSizes []uint32 // raw entries: low 24 bits size, bit 24 = uncompressed, 0 = sparse
	Sparse     uint64   // bytes of trailing sparse data (extended inodes)
}

// HasFragment reports whether the file's tail lives in a shared fragment.
func (f *FileData) HasFragment() bool { return f.FragIndex != fragNone }

// DirData carries the directory-table reference of a directory inode.
type DirData struct {
	startBlock uint32 // directory-table block offset
	offset     uint16 // offset within the decoded block
	size       uint32 // listing byte size, including the 3 virtual "."/".." bytes
	Parent     uint32 // inode number of the parent directory
}

// SymlinkData carries the symlink target, stored inline in the inode.
// The target is raw bytes and not guaranteed to be UTF-8.
type SymlinkData struct {
	Target []byte
}

// DeviceData carries the device number of a block or char device inode.
type DeviceData struct {
	Rdev uint32
}

// Major returns the device major number.
func (d *DeviceData) Major() uint32 { return (d.Rdev >> 8) & 0xFFF }

// Minor returns the device minor number.
func (d *DeviceData) Minor() uint32 { return (d.Rdev & 0xFF) | ((d.Rdev >> 12) & 0xFFF00) }

// Mode returns the full fs.FileMode: type bits plus permissions.
func (ino *Inode) Mode() fs.FileMode {
	return ino.Kind.mode() | ino.Perm
}

// Size returns the byte size for regular files, the target length for
// symlinks, and zero otherwise.
func (ino *Inode) Size() int64 {
	switch ino.Kind {
	case KindFile:
		return int64(ino.File.Size)
	case KindSymlink:
		return int64(len(ino.Symlink.Target))
	default:
		return 0
	}
}

// HasXattrs reports whether the inode references the xattr table.
func (ino *Inode) HasXattrs() bool { return ino.xattrIndex != xattrNone }

// permBits maps the on-disk mode field to fs.FileMode permission bits.
func permBits(mode uint16) fs.FileMode {
	perm := fs.FileMode(mode & 0o777)
	if mode&0o4000 != 0 {
		perm |= fs.ModeSetuid
	}
	if mode&0o2000 != 0 {
		perm |= fs.ModeSetgid
	}
	if mode&0o1000 != 0 {
		perm |= fs.ModeSticky
	}
	return perm
}

// Inode decodes the inode record at ref. Fails with ErrCorruptData when
// the record is malformed or carries an unrecognized type tag.
func (a *Archive) Inode(ref InodeRef) (*Inode, error) {
	r := a.meta.NewReader(int64(a.sb.InodeTableStart)+ref.blockOffset(), ref.byteOffset())

	var hdr [16]byte
	if err := r.ReadFull(hdr[:]); err != nil {
		return nil, corruptf("inode %v: header: %v", ref, err)
	}
	le := binary.LittleEndian
	tag := le.Uint16(hdr[0:2])

	ino := &Inode{
		Ref:        ref,
		Perm:       permBits(le.Uint16(hdr[2:4])),
		ModTime:    time.Unix(int64(le.Uint32(hdr[8:12])), 0),
		Number:     le.Uint32(hdr[12:16]),
		xattrIndex: xattrNone,
	}
	var err error
	if ino.UID, err = a.idLookup(le.Uint16(hdr[4:6])); err != nil {
		return nil, fmt.Errorf("inode %v: uid: %w", ref, err)
	}
	if ino.GID, err = a.idLookup(le.Uint16(hdr[6:8])); err != nil {
		return nil, fmt.Errorf("inode %v: gid: %w", ref, err)
	}

	body := func(n int) ([]byte, error) {
		b := make([]byte, n)
		if err := r.ReadFull(b); err != nil {
			return nil, corruptf("inode %v: body: %v", ref, err)
		}
		return b, nil
	}

	switch tag {
	case tagBasicDirectory:
		b, err := body(16)
		if err != nil {
			return nil, err
		}
		ino.Kind = KindDirectory
		ino.LinkCount = le.Uint32(b[4:8])
		ino.Dir = &DirData{
			startBlock: le.Uint32(b[0:4]),
			size:       uint32(le.Uint16(b[8:10])),
			offset:     le.Uint16(b[10:12]),
			Parent:     le.Uint32(b[12:16]),
		}

	case tagExtDirectory:
		b, err := body(24)
		if err != nil {
			return nil, err
		}
		ino.Kind = KindDirectory
		ino.LinkCount = le.Uint32(b[0:4])
		ino.xattrIndex = le.Uint32(b[20:24])
		ino.Dir = &DirData{
			size:       le.Uint32(b[4:8]),
			startBlock: le.Uint32(b[8:12]),
			Parent:     le.Uint32(b[12:16]),
			offset:     le.Uint16(b[18:20]),
		}

	case tagBasicFile:
		b, err := body(16)
		if err != nil {
			return nil, err
		}
		ino.Kind = KindFile
		ino.LinkCount = 1
		ino.File = &FileData{
			StartBlock: uint64(le.Uint32(b[0:4])),
			FragIndex:  le.Uint32(b[4:8]),
			FragOffset: le.Uint32(b[8:12]),
			Size:       uint64(le.Uint32(b[12:16])),
		}
		if err := a.readBlockSizes(r, ino.File, ref); err != nil {
			return nil, err
		}

	case tagExtFile:
		b, err := body(40)
		if err != nil {
			return nil, err
		}
		ino.Kind = KindFile
		ino.LinkCount = le.Uint32(b[24:28])
		ino.xattrIndex = le.Uint32(b[36:40])
		ino.File = &FileData{
			StartBlock: le.Uint64(b[0:8]),
			Size:       le.Uint64(b[8:16]),
			Sparse:     le.Uint64(b[16:24]),
			FragIndex:  le.Uint32(b[28:32]),
			FragOffset: le.Uint32(b[32:36]),
		}
		if err := a.readBlockSizes(r, ino.File, ref); err != nil {
			return nil, err
		}

	case tagBasicSymlink, tagExtSymlink:
		b, err := body(8)
		if err != nil {
			return nil, err
		}
		ino.Kind = KindSymlink
		ino.LinkCount = le.Uint32(b[0:4])
		targetSize := le.Uint32(b[4:8])
		if targetSize == 0 || targetSize > maxSymlinkTarget {
			return nil, corruptf("inode %v: symlink target size %d", ref, targetSize)
		}
		target, err := body(int(targetSize))
		if err != nil {
			return nil, err
		}
		ino.Symlink = &SymlinkData{Target: target}
		if tag == tagExtSymlink {
			x, err := body(4)
			if err != nil {
				return nil, err
			}
			ino.xattrIndex = le.Uint32(x)
		}

	case tagBasicBlock, tagBasicChar, tagExtBlock, tagExtChar:
		b, err := body(8)
		if err != nil {
			return nil, err
		}
		if tag == tagBasicBlock || tag == tagExtBlock {
			ino.Kind = KindBlockDevice
		} else {
			ino.Kind = KindCharDevice
		}
		ino.LinkCount = le.Uint32(b[0:4])
		ino.Device = &DeviceData{Rdev: le.Uint32(b[4:8])}
		if tag == tagExtBlock || tag == tagExtChar {
			x, err := body(4)
			if err != nil {
				return nil, err
			}
			ino.xattrIndex = le.Uint32(x)
		}

	case tagBasicFifo, tagBasicSocket, tagExtFifo, tagExtSocket:
		b, err := body(4)
		if err != nil {
			return nil, err
		}
		if tag == tagBasicFifo || tag == tagExtFifo {
			ino.Kind = KindFifo
		} else {
			ino.Kind = KindSocket
		}
		ino.LinkCount = le.Uint32(b)
		if tag == tagExtFifo || tag == tagExtSocket {
			x, err := body(4)
			if err != nil {
				return nil, err
			}
			ino.xattrIndex = le.Uint32(x)
		}

	default:
		return nil, corruptf("inode %v: unrecognized type %d", ref, tag)
	}

	if ino.Number == 0 || ino.Number > a.sb.InodeCount {
		return nil, corruptf("inode %v: number %d out of range [1, %d]", ref, ino.Number, a.sb.InodeCount)
	}
	return ino, nil
}

// maxSymlinkTarget bounds symlink target length; PATH_MAX is 4096 and the
// kernel reader enforces the same cap.
const maxSymlinkTarget = 4096

// readBlockSizes reads the per-block compressed-size table that trails a
// file inode. Files with a fragment tail store floor(size/blockSize)
// entries, others ceil(size/blockSize).
func (a *Archive) readBlockSizes(r *meta.Reader, f *FileData, ref InodeRef) error {
	blockSize := uint64(a.sb.BlockSize)
	var count uint64
	if f.HasFragment() {
		count = f.Size / blockSize
	} else {
		count = (f.Size + blockSize - 1) / blockSize
	}
	if count > uint64(a.sb.BytesUsed/4)+1 {
		return corruptf("inode %v: implausible block count %d", ref, count)
	}
	if count == 0 {
		return nil
	}
	raw := make([]byte, count*4)
	if err := r.ReadFull(raw); err != nil {
		return corruptf("inode %v: block size table: %v", ref, err)
	}
	f.BlockSizes = make([]uint32, count)
	for i := range f.BlockSizes {
		f.BlockSizes[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return nil
}
