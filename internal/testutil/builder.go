// Package testutil builds small SquashFS images in memory so tests can
// exercise the reader end to end without shipping binary fixtures.
// The builder writes the 4.0 format directly: data blocks, shared
// fragments, metadata-block tables, and the indirect lookup tables.
package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zlib"
)

const (
	metaBlockSize = 8192
	magic         = 0x73717368
)

// Node is one filesystem entry in the image under construction.
type Node struct {
	Name   string
	Kind   uint16 // on-disk basic type tag, 1..7
	Mode   uint16 // permission bits
	UID    uint32
	GID    uint32
	MTime  uint32
	Data   []byte // regular files
	Target string // symlinks
	Rdev   uint32 // devices
	Xattrs []XattrSpec

	Children []*Node // directories

	// FragmentTail packs the file's final partial block into a shared
	// fragment instead of a short data block.
	FragmentTail bool

	num           uint32
	ref           uint64
	xattrIndex    uint32
	parentNum     uint32
	dirStartBlock uint32
	dirOffset     uint16
	dirSize       uint32
}

// XattrSpec is one extended attribute. OOL stores the value in the
// shared pool and records a reference in the inode's list.
type XattrSpec struct {
	Type  uint16
	Name  string
	Value []byte
	OOL   bool
}

// Dir returns a directory node. Children are sorted by name at build
// time, the order mksquashfs emits.
func Dir(name string, children ...*Node) *Node {
	return &Node{Name: name, Kind: 1, Mode: 0o755, Children: children}
}

// File returns a regular-file node.
func File(name string, data []byte) *Node {
	return &Node{Name: name, Kind: 2, Mode: 0o644, Data: data}
}

// Symlink returns a symlink node.
func Symlink(name, target string) *Node {
	return &Node{Name: name, Kind: 3, Mode: 0o777, Target: target}
}

// BlockDev returns a block device node.
func BlockDev(name string, rdev uint32) *Node {
	return &Node{Name: name, Kind: 4, Mode: 0o600, Rdev: rdev}
}

// CharDev returns a character device node.
func CharDev(name string, rdev uint32) *Node {
	return &Node{Name: name, Kind: 5, Mode: 0o600, Rdev: rdev}
}

// Fifo returns a named pipe node.
func Fifo(name string) *Node {
	return &Node{Name: name, Kind: 6, Mode: 0o644}
}

// WithMode sets the permission bits.
func (n *Node) WithMode(mode uint16) *Node { n.Mode = mode; return n }

// WithOwner sets uid and gid.
func (n *Node) WithOwner(uid, gid uint32) *Node { n.UID = uid; n.GID = gid; return n }

// WithXattr adds an inline extended attribute.
func (n *Node) WithXattr(typ uint16, name string, value []byte) *Node {
	n.Xattrs = append(n.Xattrs, XattrSpec{Type: typ, Name: name, Value: value})
	return n
}

// WithSharedXattr adds an attribute whose value lives out of line in
// the shared pool.
func (n *Node) WithSharedXattr(typ uint16, name string, value []byte) *Node {
	n.Xattrs = append(n.Xattrs, XattrSpec{Type: typ, Name: name, Value: value, OOL: true})
	return n
}

// WithFragment marks the file's tail for fragment packing.
func (n *Node) WithFragment() *Node { n.FragmentTail = true; return n }

// Builder assembles an image. The zero value is not usable; call New.
type Builder struct {
	blockSize   uint32
	compression uint16
	compress    func([]byte) []byte
	exportable  bool
	modTime     uint32
}

// Option configures a Builder.
type Option func(*Builder)

// WithBlockSize sets the data block size, 128 KiB by default.
func WithBlockSize(n uint32) Option {
	return func(b *Builder) { b.blockSize = n }
}

// WithCompression stores blocks compressed when fn shrinks them. fn
// returns nil for incompressible input. id is the superblock
// compression field.
func WithCompression(id uint16, fn func([]byte) []byte) Option {
	return func(b *Builder) {
		b.compression = id
		b.compress = fn
	}
}

// WithExportTable emits an inode-number lookup table.
func WithExportTable() Option {
	return func(b *Builder) { b.exportable = true }
}

// WithModTime sets the superblock modification time.
func WithModTime(t uint32) Option {
	return func(b *Builder) { b.modTime = t }
}

// New returns a Builder. Without options the image is uncompressed
// gzip-flagged, the mkfs default layout for -noI -noD images.
func New(opts ...Option) *Builder {
	b := &Builder{blockSize: 128 * 1024, compression: 1}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ZlibCompress compresses with the default level, returning nil when
// compression does not help. Suitable for WithCompression(1, ...).
func ZlibCompress(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil
	}
	if err := w.Close(); err != nil {
		return nil
	}
	if buf.Len() >= len(data) {
		return nil
	}
	return buf.Bytes()
}

// Build assembles the image for the given root directory.
func (b *Builder) Build(root *Node) []byte {
	if root.Kind != 1 {
		panic("testutil: root must be a directory")
	}
	st := &state{b: b}
	st.out.Write(make([]byte, 96)) // superblock, patched last

	var inodeCount uint32
	var numberNodes func(*Node)
	numberNodes = func(n *Node) {
		for _, c := range n.Children {
			numberNodes(c)
		}
		inodeCount++
		n.num = inodeCount
	}
	numberNodes(root)

	var setParents func(*Node)
	setParents = func(n *Node) {
		for _, c := range n.Children {
			c.parentNum = n.num
			setParents(c)
		}
	}
	root.parentNum = inodeCount + 1
	setParents(root)

	st.writeData(root)
	st.writeFragmentBlocks()
	st.collectXattrs(root)

	st.imw.compress = b.compress
	st.dmw.compress = b.compress

	st.writeLeafInodes(root)
	st.writeDir(root)

	inodeTableStart := st.place(&st.imw)
	dirTableStart := st.place(&st.dmw)
	fragTableStart := st.writeFragTable()
	exportTableStart := uint64(0xFFFFFFFFFFFFFFFF)
	if b.exportable {
		exportTableStart = st.writeExportTable(root, inodeCount)
	}
	idTableStart := st.writeIDTable()
	xattrTableStart := st.writeXattrTable()

	// Superblock.
	sb := make([]byte, 96)
	le := binary.LittleEndian
	le.PutUint32(sb[0:4], magic)
	le.PutUint32(sb[4:8], inodeCount)
	le.PutUint32(sb[8:12], b.modTime)
	le.PutUint32(sb[12:16], b.blockSize)
	le.PutUint32(sb[16:20], uint32(len(st.fragEntries)))
	le.PutUint16(sb[20:22], b.compression)
	le.PutUint16(sb[22:24], uint16(log2(b.blockSize)))
	flags := uint16(0x0040)
	if len(st.fragEntries) == 0 {
		flags |= 0x0010
	}
	if b.exportable {
		flags |= 0x0080
	}
	if len(st.xattrIDs) == 0 {
		flags |= 0x0200
	}
	le.PutUint16(sb[24:26], flags)
	le.PutUint16(sb[26:28], uint16(len(st.ids)))
	le.PutUint16(sb[28:30], 4)
	le.PutUint16(sb[30:32], 0)
	le.PutUint64(sb[32:40], root.ref)
	le.PutUint64(sb[40:48], uint64(st.out.Len()))
	le.PutUint64(sb[48:56], idTableStart)
	le.PutUint64(sb[56:64], xattrTableStart)
	le.PutUint64(sb[64:72], inodeTableStart)
	le.PutUint64(sb[72:80], dirTableStart)
	le.PutUint64(sb[80:88], fragTableStart)
	le.PutUint64(sb[88:96], exportTableStart)

	img := st.out.Bytes()
	copy(img[:96], sb)
	return img
}

type fragEntry struct {
	start uint64
	size  uint32
}

type state struct {
	b   *Builder
	out bytes.Buffer

	imw metaWriter // inode table
	dmw metaWriter // directory table

	fragBufs    []*bytes.Buffer
	fragEntries []fragEntry

	ids []uint32

	kvw      metaWriter // xattr key-value pool
	xattrIDs [][16]byte

	layouts map[*Node]*fileLayout
}

// idIndex interns a uid/gid into the compact id table.
func (st *state) idIndex(id uint32) uint16 {
	for i, v := range st.ids {
		if v == id {
			return uint16(i)
		}
	}
	st.ids = append(st.ids, id)
	return uint16(len(st.ids) - 1)
}

// writeData emits the data blocks of every file, recording block-size
// entries and fragment placement on the nodes.
func (st *state) writeData(n *Node) {
	if n.Kind == 2 {
		st.writeFileData(n)
	}
	for _, c := range n.Children {
		st.writeData(c)
	}
}

type fileLayout struct {
	startBlock uint64
	entries    []uint32
	fragIndex  uint32
	fragOffset uint32
}

func (st *state) writeFileData(n *Node) {
	lay := &fileLayout{fragIndex: 0xFFFFFFFF}
	if st.layouts == nil {
		st.layouts = make(map[*Node]*fileLayout)
	}
	st.layouts[n] = lay

	data := n.Data
	bs := int(st.b.blockSize)
	tail := len(data) % bs
	whole := data
	if n.FragmentTail && tail > 0 {
		whole = data[:len(data)-tail]
		lay.fragIndex, lay.fragOffset = st.addTail(data[len(data)-tail:])
	}

	lay.startBlock = uint64(st.out.Len())
	for off := 0; off < len(whole); off += bs {
		end := off + bs
		if end > len(whole) {
			end = len(whole)
		}
		chunk := whole[off:end]
		if allZero(chunk) {
			lay.entries = append(lay.entries, 0)
			continue
		}
		if st.b.compress != nil {
			if c := st.b.compress(chunk); c != nil {
				lay.entries = append(lay.entries, uint32(len(c)))
				st.out.Write(c)
				continue
			}
		}
		lay.entries = append(lay.entries, 1<<24|uint32(len(chunk)))
		st.out.Write(chunk)
	}
}

// addTail packs tail bytes into the current fragment buffer, starting a
// new one when it would overflow the block size.
func (st *state) addTail(tail []byte) (index, offset uint32) {
	if len(st.fragBufs) == 0 || st.fragBufs[len(st.fragBufs)-1].Len()+len(tail) > int(st.b.blockSize) {
		st.fragBufs = append(st.fragBufs, &bytes.Buffer{})
	}
	cur := st.fragBufs[len(st.fragBufs)-1]
	index = uint32(len(st.fragBufs) - 1)
	offset = uint32(cur.Len())
	cur.Write(tail)
	return index, offset
}

func (st *state) writeFragmentBlocks() {
	for _, buf := range st.fragBufs {
		start := uint64(st.out.Len())
		data := buf.Bytes()
		if st.b.compress != nil {
			if c := st.b.compress(data); c != nil {
				st.out.Write(c)
				st.fragEntries = append(st.fragEntries, fragEntry{start, uint32(len(c))})
				continue
			}
		}
		st.out.Write(data)
		st.fragEntries = append(st.fragEntries, fragEntry{start, 1<<24 | uint32(len(data))})
	}
}

// collectXattrs writes every node's attribute list into the key-value
// pool and assigns xattr table indexes.
func (st *state) collectXattrs(n *Node) {
	n.xattrIndex = 0xFFFFFFFF
	if len(n.Xattrs) > 0 {
		block, off := st.kvw.ref()
		listRef := uint64(block)<<16 | uint64(off)
		size := 0
		for _, x := range n.Xattrs {
			size += st.writeXattrRecord(x)
		}
		var entry [16]byte
		le := binary.LittleEndian
		le.PutUint64(entry[0:8], listRef)
		le.PutUint32(entry[8:12], uint32(len(n.Xattrs)))
		le.PutUint32(entry[12:16], uint32(size))
		n.xattrIndex = uint32(len(st.xattrIDs))
		st.xattrIDs = append(st.xattrIDs, entry)
	}
	for _, c := range n.Children {
		st.collectXattrs(c)
	}
}

func (st *state) writeXattrRecord(x XattrSpec) int {
	le := binary.LittleEndian
	value := x.Value
	typ := x.Type
	if x.OOL {
		// The value record goes into the pool first; the inline value
		// becomes a reference to it.
		block, off := st.kvw.ref()
		var vl [4]byte
		le.PutUint32(vl[:], uint32(len(x.Value)))
		st.kvw.write(vl[:])
		st.kvw.write(x.Value)

		var ref [8]byte
		le.PutUint64(ref[:], uint64(block)<<16|uint64(off))
		value = ref[:]
		typ |= 0x0100
	}
	var fixed [4]byte
	le.PutUint16(fixed[0:2], typ)
	le.PutUint16(fixed[2:4], uint16(len(x.Name)))
	st.kvw.write(fixed[:])
	st.kvw.write([]byte(x.Name))
	var vl [4]byte
	le.PutUint32(vl[:], uint32(len(value)))
	st.kvw.write(vl[:])
	st.kvw.write(value)
	return 4 + len(x.Name) + 4 + len(value)
}

// writeLeafInodes emits every non-directory inode. Directories follow
// in writeDir, children before parents, root last.
func (st *state) writeLeafInodes(n *Node) {
	for _, c := range n.Children {
		if c.Kind == 1 {
			st.writeLeafInodes(c)
		} else {
			st.writeInode(c)
		}
	}
}

func (st *state) writeDir(n *Node) {
	for _, c := range n.Children {
		if c.Kind == 1 {
			st.writeDir(c)
		}
	}

	sorted := append([]*Node(nil), n.Children...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	listing := encodeListing(sorted)
	block, off := st.dmw.ref()
	st.dmw.write(listing)

	n.dirStartBlock = block
	n.dirOffset = off
	n.dirSize = uint32(len(listing)) + 3
	st.writeInode(n)
}

// encodeListing produces delta-encoded runs grouped by the shared
// metadata block of the entries' inode refs.
func encodeListing(entries []*Node) []byte {
	var out bytes.Buffer
	le := binary.LittleEndian
	i := 0
	for i < len(entries) {
		base := entries[i]
		baseBlock := uint32(base.ref >> 16)
		j := i
		for j < len(entries) && j-i < 256 &&
			uint32(entries[j].ref>>16) == baseBlock &&
			deltaFits(entries[j].num, base.num) {
			j++
		}

		var hdr [12]byte
		le.PutUint32(hdr[0:4], uint32(j-i-1))
		le.PutUint32(hdr[4:8], baseBlock)
		le.PutUint32(hdr[8:12], base.num)
		out.Write(hdr[:])
		for _, e := range entries[i:j] {
			var fixed [8]byte
			le.PutUint16(fixed[0:2], uint16(e.ref&0xFFFF))
			le.PutUint16(fixed[2:4], uint16(int16(int64(e.num)-int64(base.num))))
			le.PutUint16(fixed[4:6], e.Kind)
			le.PutUint16(fixed[6:8], uint16(len(e.Name)-1))
			out.Write(fixed[:])
			out.WriteString(e.Name)
		}
		i = j
	}
	return out.Bytes()
}

func deltaFits(num, base uint32) bool {
	d := int64(num) - int64(base)
	return d >= -32768 && d <= 32767
}

func (st *state) writeInode(n *Node) {
	block, off := st.imw.ref()
	n.ref = uint64(block)<<16 | uint64(off)

	le := binary.LittleEndian
	var body bytes.Buffer

	tag := n.Kind
	ext := n.xattrIndex != 0xFFFFFFFF
	if ext {
		tag += 7
	}

	var hdr [16]byte
	le.PutUint16(hdr[0:2], tag)
	le.PutUint16(hdr[2:4], n.Mode|typeBits(n.Kind))
	le.PutUint16(hdr[4:6], st.idIndex(n.UID))
	le.PutUint16(hdr[6:8], st.idIndex(n.GID))
	le.PutUint32(hdr[8:12], n.MTime)
	le.PutUint32(hdr[12:16], n.num)
	body.Write(hdr[:])

	switch n.Kind {
	case 1:
		if ext {
			writeU32(&body, 2+uint32(len(n.Children))) // nlink
			writeU32(&body, n.dirSize)
			writeU32(&body, n.dirStartBlock)
			writeU32(&body, n.parentNum)
			writeU16(&body, 0) // index count
			writeU16(&body, n.dirOffset)
			writeU32(&body, n.xattrIndex)
		} else {
			writeU32(&body, n.dirStartBlock)
			writeU32(&body, 2+uint32(len(n.Children)))
			writeU16(&body, uint16(n.dirSize))
			writeU16(&body, n.dirOffset)
			writeU32(&body, n.parentNum)
		}
	case 2:
		lay := st.layouts[n]
		if ext {
			writeU64(&body, lay.startBlock)
			writeU64(&body, uint64(len(n.Data)))
			writeU64(&body, 0) // sparse
			writeU32(&body, 1) // nlink
			writeU32(&body, lay.fragIndex)
			writeU32(&body, lay.fragOffset)
			writeU32(&body, n.xattrIndex)
		} else {
			writeU32(&body, uint32(lay.startBlock))
			writeU32(&body, lay.fragIndex)
			writeU32(&body, lay.fragOffset)
			writeU32(&body, uint32(len(n.Data)))
		}
		for _, e := range lay.entries {
			writeU32(&body, e)
		}
	case 3:
		writeU32(&body, 1)
		writeU32(&body, uint32(len(n.Target)))
		body.WriteString(n.Target)
		if ext {
			writeU32(&body, n.xattrIndex)
		}
	case 4, 5:
		writeU32(&body, 1)
		writeU32(&body, n.Rdev)
		if ext {
			writeU32(&body, n.xattrIndex)
		}
	case 6, 7:
		writeU32(&body, 1)
		if ext {
			writeU32(&body, n.xattrIndex)
		}
	default:
		panic(fmt.Sprintf("testutil: unknown kind %d", n.Kind))
	}

	st.imw.write(body.Bytes())
}

func typeBits(kind uint16) uint16 {
	switch kind {
	case 1:
		return 0x4000
	case 2:
		return 0x8000
	case 3:
		return 0xA000
	case 4:
		return 0x6000
	case 5:
		return 0x2000
	case 6:
		return 0x1000
	default:
		return 0xC000
	}
}

// place flushes a metadata writer into the image and returns its start.
func (st *state) place(w *metaWriter) uint64 {
	start := uint64(st.out.Len())
	st.out.Write(w.bytes())
	return start
}

// writeLookupTable stores payload as metadata blocks followed by the
// u64 pointer list and returns the pointer list offset, the layout the
// indirect tables share.
func (st *state) writeLookupTable(payload []byte) uint64 {
	var w metaWriter
	w.compress = st.b.compress
	var starts []int
	for off := 0; off < len(payload); off += metaBlockSize {
		end := off + metaBlockSize
		if end > len(payload) {
			end = len(payload)
		}
		starts = append(starts, st.out.Len())
		w.write(payload[off:end])
		st.out.Write(w.bytes())
		w.reset()
	}
	ptrStart := uint64(st.out.Len())
	var ptr [8]byte
	for _, s := range starts {
		binary.LittleEndian.PutUint64(ptr[:], uint64(s))
		st.out.Write(ptr[:])
	}
	return ptrStart
}

func (st *state) writeFragTable() uint64 {
	if len(st.fragEntries) == 0 {
		return 0xFFFFFFFFFFFFFFFF
	}
	var payload bytes.Buffer
	for _, e := range st.fragEntries {
		writeU64(&payload, e.start)
		writeU32(&payload, e.size)
		writeU32(&payload, 0)
	}
	return st.writeLookupTable(payload.Bytes())
}

func (st *state) writeExportTable(root *Node, count uint32) uint64 {
	refs := make([]uint64, count)
	var walk func(*Node)
	walk = func(n *Node) {
		refs[n.num-1] = n.ref
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	var payload bytes.Buffer
	for _, r := range refs {
		writeU64(&payload, r)
	}
	return st.writeLookupTable(payload.Bytes())
}

func (st *state) writeIDTable() uint64 {
	if len(st.ids) == 0 {
		st.ids = append(st.ids, 0)
	}
	var payload bytes.Buffer
	for _, id := range st.ids {
		writeU32(&payload, id)
	}
	return st.writeLookupTable(payload.Bytes())
}

func (st *state) writeXattrTable() uint64 {
	if len(st.xattrIDs) == 0 {
		return 0xFFFFFFFFFFFFFFFF
	}
	st.kvw.compress = st.b.compress
	kvStart := st.place(&st.kvw)

	var payload bytes.Buffer
	for _, entry := range st.xattrIDs {
		payload.Write(entry[:])
	}

	// Header location is the table start; the id block pointers follow it.
	var idBlocks []int
	var w metaWriter
	w.compress = st.b.compress
	p := payload.Bytes()
	for off := 0; off < len(p); off += metaBlockSize {
		end := off + metaBlockSize
		if end > len(p) {
			end = len(p)
		}
		idBlocks = append(idBlocks, st.out.Len())
		w.write(p[off:end])
		st.out.Write(w.bytes())
		w.reset()
	}

	start := uint64(st.out.Len())
	writeU64(&st.out, kvStart)
	writeU32(&st.out, uint32(len(st.xattrIDs)))
	writeU32(&st.out, 0)
	var ptr [8]byte
	for _, s := range idBlocks {
		binary.LittleEndian.PutUint64(ptr[:], uint64(s))
		st.out.Write(ptr[:])
	}
	return start
}

// metaWriter packs records into 8 KiB metadata blocks with the two-byte
// stored-size header.
type metaWriter struct {
	buf      []byte
	enc      bytes.Buffer
	compress func([]byte) []byte
}

// ref returns the byte offset of the current block within the encoded
// table and the record offset within the decoded block. Valid before
// the record is written: all earlier blocks are already encoded.
func (w *metaWriter) ref() (uint32, uint16) {
	if len(w.buf) == metaBlockSize {
		w.flush()
	}
	return uint32(w.enc.Len()), uint16(len(w.buf))
}

func (w *metaWriter) write(p []byte) {
	for len(p) > 0 {
		room := metaBlockSize - len(w.buf)
		if room == 0 {
			w.flush()
			room = metaBlockSize
		}
		if room > len(p) {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
		p = p[room:]
	}
}

func (w *metaWriter) flush() {
	data := w.buf
	hdr := uint16(0x8000 | len(data))
	if w.compress != nil {
		if c := w.compress(data); c != nil {
			hdr = uint16(len(c))
			data = c
		}
	}
	var h [2]byte
	binary.LittleEndian.PutUint16(h[:], hdr)
	w.enc.Write(h[:])
	w.enc.Write(data)
	w.buf = w.buf[:0]
}

func (w *metaWriter) bytes() []byte {
	if len(w.buf) > 0 {
		w.flush()
	}
	return w.enc.Bytes()
}

func (w *metaWriter) reset() {
	w.buf = w.buf[:0]
	w.enc.Reset()
}

func allZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

func log2(n uint32) int {
	k := 0
	for n > 1 {
		n >>= 1
		k++
	}
	return k
}

func writeU16(w *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func writeU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeU64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}
