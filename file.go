package sqfs

import (
	"fmt"
	"io"
	"io/fs"
	"path"
)

// blockUncompressedBit in a block-size table entry marks raw storage.
// The low 24 bits hold the stored size; a zero entry is a sparse block
// that occupies no bytes on disk and reads as zeroes.
const (
	blockUncompressedBit = 1 << 24
	blockSizeMask        = blockUncompressedBit - 1
)

// File reads the content of a regular-file inode. It implements fs.File,
// io.ReaderAt and io.Seeker. Blocks are decompressed independently on
// demand and nothing is cached across reads, so random access never
// decompresses the whole file and repeated overlapping reads trade CPU
// for memory.
//
// ReadAt does not touch the seek cursor and is safe for concurrent use
// when the underlying ByteSource supports concurrent reads.
type File struct {
	a    *Archive
	ino  *Inode
	name string

	offsets []int64 // absolute disk offset per stored block
	tailLen int64   // bytes stored in the shared fragment, 0 if none
	pos     int64
}

// FileReader constructs a reader over a regular-file inode.
func (a *Archive) FileReader(ino *Inode) (*File, error) {
	return a.fileReader(ino, "")
}

func (a *Archive) fileReader(ino *Inode, name string) (*File, error) {
	if ino.Kind != KindFile {
		return nil, fmt.Errorf("sqfs: not a regular file: %s", ino.Kind)
	}
	fd := ino.File
	f := &File{a: a, ino: ino, name: name}

	// Block offsets are cumulative sums of the preceding stored sizes.
	// Validate the table against the file size up front so every later
	// read can trust it.
	f.offsets = make([]int64, len(fd.BlockSizes))
	cum := int64(fd.StartBlock)
	for i, entry := range fd.BlockSizes {
		stored := entry & blockSizeMask
		if stored > a.sb.BlockSize {
			return nil, corruptf("file inode %d: block %d stored size %d exceeds block size %d",
				ino.Number, i, stored, a.sb.BlockSize)
		}
		f.offsets[i] = cum
		cum += int64(stored)
	}
	if cum > int64(a.sb.BytesUsed) {
		return nil, corruptf("file inode %d: block data ends at %d beyond archive end %d",
			ino.Number, cum, a.sb.BytesUsed)
	}

	covered := uint64(len(fd.BlockSizes)) * uint64(a.sb.BlockSize)
	if fd.HasFragment() {
		if covered >= fd.Size && fd.Size > 0 {
			return nil, corruptf("file inode %d: fragment tail but blocks cover %d of %d bytes",
				ino.Number, covered, fd.Size)
		}
		f.tailLen = int64(fd.Size - covered)
		if f.tailLen > int64(a.sb.BlockSize) {
			return nil, corruptf("file inode %d: fragment tail of %d bytes exceeds block size", ino.Number, f.tailLen)
		}
	} else if covered < fd.Size {
		return nil, corruptf("file inode %d: block table covers %d of %d bytes", ino.Number, covered, fd.Size)
	}
	return f, nil
}

// Size returns the file's byte size.
func (f *File) Size() int64 { return int64(f.ino.File.Size) }

// Inode returns the inode the reader was constructed from.
func (f *File) Inode() *Inode { return f.ino }

// ReadAt implements io.ReaderAt. Ranges extending past end of file
// return the available bytes and io.EOF, mirroring file-read semantics.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("sqfs: negative read offset %d", off)
	}
	size := f.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if want > size-off {
		want = size - off
	}

	bs := int64(f.a.sb.BlockSize)
	var n int64
	for n < want {
		pos := off + n
		idx := pos / bs
		var (
			data []byte
			err  error
		)
		if idx < int64(len(f.offsets)) {
			data, err = f.loadBlock(int(idx))
			if err != nil {
				return int(n), err
			}
			n += int64(copy(p[n:want], data[pos-idx*bs:]))
		} else {
			data, err = f.loadTail()
			if err != nil {
				return int(n), err
			}
			tailStart := int64(len(f.offsets)) * bs
			n += int64(copy(p[n:want], data[pos-tailStart:]))
		}
	}
	if want < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// Read implements io.Reader, advancing the seek cursor.
func (f *File) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Seek implements io.Seeker. Seeking skips blocks without decompressing
// them; only blocks a subsequent Read actually spans are materialized.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = f.Size()
	default:
		return 0, fmt.Errorf("sqfs: invalid seek whence %d", whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("sqfs: negative seek position %d", pos)
	}
	f.pos = pos
	return pos, nil
}

// Close implements fs.File. The reader holds no resources of its own.
func (f *File) Close() error { return nil }

// Stat implements fs.File.
func (f *File) Stat() (fs.FileInfo, error) {
	name := f.name
	if name == "" {
		name = fmt.Sprintf("inode-%d", f.ino.Number)
	}
	return &fileInfo{name: path.Base(name), ino: f.ino}, nil
}

// loadBlock reads and decompresses stored block idx. The result is
// exactly the block size, except the file's last whole block which may
// be shorter.
func (f *File) loadBlock(idx int) ([]byte, error) {
	bs := int64(f.a.sb.BlockSize)
	expected := f.Size() - int64(idx)*bs
	if f.tailLen > 0 || expected > bs {
		// Every block before a fragment tail is full-sized.
		expected = bs
	}

	entry := f.ino.File.BlockSizes[idx]
	if entry == 0 {
		// Sparse block: no bytes on disk, reads as zeroes.
		return make([]byte, expected), nil
	}
	stored := entry & blockSizeMask
	if stored == 0 {
		return nil, corruptf("file inode %d: block %d has flag bits but no size", f.ino.Number, idx)
	}

	raw := make([]byte, stored)
	if err := readFullAt(f.a.src, raw, f.offsets[idx]); err != nil {
		return nil, err
	}
	if entry&blockUncompressedBit != 0 {
		if int64(len(raw)) != expected {
			return nil, corruptf("file inode %d: block %d raw size %d, expected %d", f.ino.Number, idx, len(raw), expected)
		}
		return raw, nil
	}
	data, err := f.a.decompress(raw, int(f.a.sb.BlockSize))
	if err != nil {
		return nil, corruptf("file inode %d: block %d: %v", f.ino.Number, idx, err)
	}
	if int64(len(data)) != expected {
		return nil, corruptf("file inode %d: block %d decompressed to %d bytes, expected %d", f.ino.Number, idx, len(data), expected)
	}
	return data, nil
}

// loadTail reads the file's slice of its shared fragment block.
func (f *File) loadTail() ([]byte, error) {
	fd := f.ino.File
	entry, err := f.a.fragmentEntry(fd.FragIndex)
	if err != nil {
		return nil, err
	}
	stored := entry.size & blockSizeMask
	if stored == 0 || stored > f.a.sb.BlockSize {
		return nil, corruptf("fragment %d stored size %d", fd.FragIndex, stored)
	}

	raw := make([]byte, stored)
	if err := readFullAt(f.a.src, raw, int64(entry.start)); err != nil {
		return nil, err
	}
	data := raw
	if entry.size&blockUncompressedBit == 0 {
		data, err = f.a.decompress(raw, int(f.a.sb.BlockSize))
		if err != nil {
			return nil, corruptf("fragment %d: %v", fd.FragIndex, err)
		}
	}
	end := int64(fd.FragOffset) + f.tailLen
	if end > int64(len(data)) {
		return nil, corruptf("fragment %d: tail [%d, %d) beyond fragment size %d",
			fd.FragIndex, fd.FragOffset, end, len(data))
	}
	return data[fd.FragOffset:end], nil
}
