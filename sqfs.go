// Package sqfs reads SquashFS 4.0 archives. An Archive decodes the
// superblock eagerly and everything else lazily: lookup tables load on
// first use, directory listings and extended attributes stream through
// iterators, and file content decompresses block by block on demand.
//
// Archives implement io/fs.FS, so an archive can back anything that
// consumes a filesystem, from http.FileServer to fs.WalkDir.
package sqfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/meigma/sqfs/internal/codec"
	"github.com/meigma/sqfs/internal/meta"
)

// Archive is an open SquashFS archive. It is safe for concurrent use
// when its ByteSource supports concurrent reads.
type Archive struct {
	src     ByteSource
	ownsSrc bool
	sb      *Superblock

	registry   *codec.Registry
	decompress codec.Func
	meta       *meta.Store
	logger     *slog.Logger

	maxSymlinkDepth int
	metaCacheBlocks int

	idTable     lazyTable
	fragTable   lazyTable
	exportTable lazyTable
	xattrTab    xattrTable
}

// Open reads and validates the superblock of src and returns an archive
// handle. No table data is read until it is needed.
//
// The archive keeps src for its whole lifetime; Close does not close a
// caller-provided source.
func Open(src ByteSource, opts ...Option) (*Archive, error) {
	a := &Archive{
		src:             src,
		registry:        codec.Default(),
		logger:          slog.New(slog.DiscardHandler),
		maxSymlinkDepth: DefaultMaxSymlinkDepth,
	}
	for _, opt := range opts {
		opt(a)
	}

	buf := make([]byte, superblockSize)
	n, err := src.ReadAt(buf, 0)
	if n < superblockSize {
		if err == nil || err == io.EOF {
			return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrTruncatedHeader, n, superblockSize)
		}
		return nil, fmt.Errorf("sqfs: read superblock: %w", err)
	}
	sb, err := parseSuperblock(buf)
	if err != nil {
		return nil, err
	}
	if err := sb.validateOffsets(src.Size()); err != nil {
		return nil, err
	}
	a.sb = sb

	fn, ok := a.registry.Lookup(sb.Compression)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, sb.Compression)
	}
	a.decompress = fn
	a.meta = meta.NewStore(src, fn, a.metaCacheBlocks)

	a.logger.Debug("archive opened",
		"compression", sb.Compression.String(),
		"block_size", sb.BlockSize,
		"inodes", sb.InodeCount,
		"bytes_used", sb.BytesUsed,
	)
	return a, nil
}

// OpenFile opens the archive at path. The returned archive owns the file
// and closes it on Close.
func OpenFile(path string, opts ...Option) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	a, err := Open(&fileSource{f: f, size: info.Size()}, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	a.ownsSrc = true
	return a, nil
}

// Close releases resources the archive owns. It closes the ByteSource
// only when the archive opened it itself (OpenFile).
func (a *Archive) Close() error {
	if !a.ownsSrc {
		return nil
	}
	a.ownsSrc = false
	if c, ok := a.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Superblock returns the validated archive header.
func (a *Archive) Superblock() *Superblock { return a.sb }

// Root returns the reference of the root directory inode.
func (a *Archive) Root() InodeRef { return a.sb.RootRef }

// Lookup resolves path and returns its inode, following symlinks.
func (a *Archive) Lookup(path string) (*Inode, error) {
	return a.Resolve(path)
}

// LookupNoFollow resolves path without dereferencing a final symlink.
func (a *Archive) LookupNoFollow(path string) (*Inode, error) {
	return a.ResolveNoFollow(path)
}

// Exists reports whether path resolves to an inode. Resolution errors
// other than non-existence are returned.
func (a *Archive) Exists(path string) (bool, error) {
	_, err := a.Resolve(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ReadFile resolves path and returns the file's full content.
func (a *Archive) ReadFile(path string) ([]byte, error) {
	ino, err := a.Resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := a.fileReader(ino, path)
	if err != nil {
		return nil, &fs.PathError{Op: "read", Path: path, Err: err}
	}
	out := make([]byte, f.Size())
	if _, err := f.ReadAt(out, 0); err != nil && err != io.EOF {
		return nil, &fs.PathError{Op: "read", Path: path, Err: err}
	}
	return out, nil
}
