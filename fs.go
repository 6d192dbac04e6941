package sqfs

import (
	"io"
	"io/fs"
	"path"
	"sort"
	"time"
)

// Archive implements fs.FS, fs.StatFS, fs.ReadDirFS and fs.ReadFileFS.
// Paths follow the io/fs conventions: slash-separated, rooted at ".".
// Symlinks are followed, absolute targets resolving against the archive
// root.
//
// The native API preserves on-disk directory order; ReadDir sorts by
// name as the fs.ReadDirFS contract requires.
var (
	_ fs.FS         = (*Archive)(nil)
	_ fs.StatFS     = (*Archive)(nil)
	_ fs.ReadDirFS  = (*Archive)(nil)
	_ fs.ReadFileFS = (*Archive)(nil)
)

// Open implements fs.FS.
func (a *Archive) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := a.Resolve(name)
	if err != nil {
		return nil, err
	}
	switch ino.Kind {
	case KindDirectory:
		return &dirFile{a: a, ino: ino, name: name}, nil
	case KindFile:
		f, err := a.fileReader(ino, name)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		return f, nil
	default:
		// Devices, fifos and sockets have no content in the archive;
		// they open as empty files with their real mode.
		return &nodeFile{name: name, ino: ino}, nil
	}
}

// Stat implements fs.StatFS, following symlinks.
func (a *Archive) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := a.Resolve(name)
	if err != nil {
		return nil, err
	}
	return &fileInfo{name: path.Base(name), ino: ino}, nil
}

// ReadDir implements fs.ReadDirFS, returning entries sorted by name.
func (a *Archive) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := a.Resolve(name)
	if err != nil {
		return nil, err
	}
	it, err := a.Dir(ino)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	var entries []fs.DirEntry
	for it.Next() {
		entries = append(entries, &dirEntry{a: a, e: it.Entry()})
	}
	if err := it.Err(); err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

// fileInfo adapts an Inode to fs.FileInfo.
type fileInfo struct {
	name string
	ino  *Inode
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.ino.Size() }
func (fi *fileInfo) Mode() fs.FileMode  { return fi.ino.Mode() }
func (fi *fileInfo) ModTime() time.Time { return fi.ino.ModTime }
func (fi *fileInfo) IsDir() bool        { return fi.ino.Kind == KindDirectory }

// Sys returns the decoded *Inode.
func (fi *fileInfo) Sys() any { return fi.ino }

// dirEntry adapts a DirEntry to fs.DirEntry. Info decodes the inode on
// demand.
type dirEntry struct {
	a *Archive
	e DirEntry
}

func (d *dirEntry) Name() string { return d.e.Name() }
func (d *dirEntry) IsDir() bool  { return d.e.Kind() == KindDirectory }

func (d *dirEntry) Type() fs.FileMode { return d.e.Kind().mode() }

func (d *dirEntry) Info() (fs.FileInfo, error) {
	ino, err := d.a.Inode(d.e.Ref())
	if err != nil {
		return nil, err
	}
	return &fileInfo{name: d.e.Name(), ino: ino}, nil
}

// dirFile is an open directory. It implements fs.ReadDirFile; the
// iterator state lives in the file, so successive ReadDir calls page
// through the listing.
type dirFile struct {
	a    *Archive
	ino  *Inode
	name string
	it   *DirIterator
}

func (d *dirFile) Stat() (fs.FileInfo, error) {
	return &fileInfo{name: path.Base(d.name), ino: d.ino}, nil
}

func (d *dirFile) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: ErrIsADirectory}
}

func (d *dirFile) Close() error { return nil }

// ReadDir implements fs.ReadDirFile. n <= 0 drains the listing; the
// result is sorted by name only in that case, per the fs.FS contract for
// whole-directory reads.
func (d *dirFile) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.it == nil {
		it, err := d.a.Dir(d.ino)
		if err != nil {
			return nil, &fs.PathError{Op: "readdir", Path: d.name, Err: err}
		}
		d.it = it
	}
	var entries []fs.DirEntry
	for (n <= 0 || len(entries) < n) && d.it.Next() {
		entries = append(entries, &dirEntry{a: d.a, e: d.it.Entry()})
	}
	if err := d.it.Err(); err != nil {
		return entries, &fs.PathError{Op: "readdir", Path: d.name, Err: err}
	}
	if n <= 0 {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		return entries, nil
	}
	if len(entries) == 0 {
		return nil, io.EOF
	}
	return entries, nil
}

// nodeFile is an open device, fifo or socket: stat-able, zero content.
type nodeFile struct {
	name string
	ino  *Inode
}

func (f *nodeFile) Stat() (fs.FileInfo, error) {
	return &fileInfo{name: path.Base(f.name), ino: f.ino}, nil
}
func (f *nodeFile) Read([]byte) (int, error) { return 0, io.EOF }
func (f *nodeFile) Close() error             { return nil }
