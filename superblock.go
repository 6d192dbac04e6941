package sqfs

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"time"

	"github.com/meigma/sqfs/internal/codec"
)

const (
	superblockMagic = 0x73717368 // "hsqs" little-endian
	superblockSize  = 96

	versionMajor = 4
	versionMinor = 0

	// Data block sizes permitted by the format.
	minBlockSize = 4 * 1024
	maxBlockSize = 1024 * 1024

	// Sentinel marking an absent optional table.
	tableAbsent = 0xFFFFFFFFFFFFFFFF
)

// Superblock flag bits.
const (
	flagUncompressedInodes = 0x0001
	flagUncompressedData   = 0x0002
	flagNoFragments        = 0x0010
	flagDuplicates         = 0x0040
	flagExportable         = 0x0080
	flagNoXattrs           = 0x0200
	flagCompressorOptions  = 0x0400
)

// Superblock holds the fixed-size archive header. Fields are validated
// once at open time; everything downstream assumes a well-formed header.
type Superblock struct {
	InodeCount       uint32
	modTime          uint32
	BlockSize        uint32
	FragmentCount    uint32
	Compression      codec.Kind
	blockLog         uint16
	Flags            uint16
	IDCount          uint16
	Major            uint16
	Minor            uint16
	RootRef          InodeRef
	BytesUsed        uint64
	IDTableStart     uint64
	XattrTableStart  uint64
	InodeTableStart  uint64
	DirTableStart    uint64
	FragTableStart   uint64
	ExportTableStart uint64
}

// ModTime returns the archive modification time.
func (sb *Superblock) ModTime() time.Time {
	return time.Unix(int64(sb.modTime), 0)
}

// HasFragments reports whether the archive carries a fragment table.
func (sb *Superblock) HasFragments() bool {
	return sb.Flags&flagNoFragments == 0 && sb.FragTableStart != tableAbsent && sb.FragmentCount > 0
}

// HasExportTable reports whether the archive carries an export table.
func (sb *Superblock) HasExportTable() bool {
	return sb.Flags&flagExportable != 0 && sb.ExportTableStart != tableAbsent
}

// HasXattrs reports whether the archive carries an xattr table.
func (sb *Superblock) HasXattrs() bool {
	return sb.Flags&flagNoXattrs == 0 && sb.XattrTableStart != tableAbsent
}

// hasCompressorOptions reports whether a compressor options block follows
// the superblock, shifting the start of data blocks.
func (sb *Superblock) hasCompressorOptions() bool {
	return sb.Flags&flagCompressorOptions != 0
}

func parseSuperblock(b []byte) (*Superblock, error) {
	if len(b) < superblockSize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrTruncatedHeader, len(b), superblockSize)
	}
	le := binary.LittleEndian
	if le.Uint32(b[0:4]) != superblockMagic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, le.Uint32(b[0:4]))
	}
	sb := &Superblock{
		InodeCount:       le.Uint32(b[4:8]),
		modTime:          le.Uint32(b[8:12]),
		BlockSize:        le.Uint32(b[12:16]),
		FragmentCount:    le.Uint32(b[16:20]),
		Compression:      codec.Kind(le.Uint16(b[20:22])),
		blockLog:         le.Uint16(b[22:24]),
		Flags:            le.Uint16(b[24:26]),
		IDCount:          le.Uint16(b[26:28]),
		Major:            le.Uint16(b[28:30]),
		Minor:            le.Uint16(b[30:32]),
		RootRef:          InodeRef(le.Uint64(b[32:40])),
		BytesUsed:        le.Uint64(b[40:48]),
		IDTableStart:     le.Uint64(b[48:56]),
		XattrTableStart:  le.Uint64(b[56:64]),
		InodeTableStart:  le.Uint64(b[64:72]),
		DirTableStart:    le.Uint64(b[72:80]),
		FragTableStart:   le.Uint64(b[80:88]),
		ExportTableStart: le.Uint64(b[88:96]),
	}
	if sb.Major != versionMajor || sb.Minor != versionMinor {
		return nil, fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, sb.Major, sb.Minor)
	}
	if sb.BlockSize < minBlockSize || sb.BlockSize > maxBlockSize || bits.OnesCount32(sb.BlockSize) != 1 {
		return nil, corruptf("block size %d not a power of two in [%d, %d]", sb.BlockSize, minBlockSize, maxBlockSize)
	}
	if uint16(bits.TrailingZeros32(sb.BlockSize)) != sb.blockLog {
		return nil, corruptf("block size %d does not match block log %d", sb.BlockSize, sb.blockLog)
	}
	return sb, nil
}

// validateOffsets checks that every present table offset lies within the
// source extent.
func (sb *Superblock) validateOffsets(sourceSize int64) error {
	if sb.BytesUsed > uint64(sourceSize) {
		return fmt.Errorf("%w: archive claims %d bytes, source has %d", ErrInvalidTableOffset, sb.BytesUsed, sourceSize)
	}
	tables := []struct {
		name string
		off  uint64
	}{
		{"inode table", sb.InodeTableStart},
		{"directory table", sb.DirTableStart},
		{"fragment table", sb.FragTableStart},
		{"export table", sb.ExportTableStart},
		{"id table", sb.IDTableStart},
		{"xattr table", sb.XattrTableStart},
	}
	for _, tbl := range tables {
		if tbl.off == tableAbsent {
			continue
		}
		if tbl.off > sb.BytesUsed {
			return fmt.Errorf("%w: %s at %d beyond archive end %d", ErrInvalidTableOffset, tbl.name, tbl.off, sb.BytesUsed)
		}
	}
	return nil
}
