package sqfs

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced at archive open time. An archive that fails to
// open is unusable; these never occur after Open returns successfully.
var (
	// ErrBadMagic is returned when the superblock magic number is wrong.
	ErrBadMagic = errors.New("sqfs: bad magic")

	// ErrUnsupportedVersion is returned for archive versions other than 4.0.
	ErrUnsupportedVersion = errors.New("sqfs: unsupported version")

	// ErrTruncatedHeader is returned when the source is too small to hold
	// a superblock.
	ErrTruncatedHeader = errors.New("sqfs: truncated superblock")

	// ErrInvalidTableOffset is returned when a superblock table offset
	// points outside the source.
	ErrInvalidTableOffset = errors.New("sqfs: table offset out of bounds")
)

// Sentinel errors that may occur on any operation.
var (
	// ErrCorruptData is returned when on-disk structures violate the
	// format. It is never masked: iterators that hit it stay failed.
	ErrCorruptData = errors.New("sqfs: corrupt data")

	// ErrUnsupportedCodec is returned when the archive's compression
	// algorithm has no registered decompressor.
	ErrUnsupportedCodec = errors.New("sqfs: unsupported compression")

	// ErrNotADirectory is returned when a path component other than the
	// last resolves to a non-directory.
	ErrNotADirectory = errors.New("sqfs: not a directory")

	// ErrTooManySymlinks is returned when path resolution exceeds the
	// symlink dereference budget.
	ErrTooManySymlinks = errors.New("sqfs: too many levels of symbolic links")

	// ErrUnknownXattrType is returned when an xattr record carries an
	// unrecognized namespace tag.
	ErrUnknownXattrType = errors.New("sqfs: unknown xattr type")

	// ErrNoExportTable is returned by InodeRefOf when the archive was not
	// built with an export table.
	ErrNoExportTable = errors.New("sqfs: archive has no export table")

	// ErrIsADirectory is returned when reading the content of a directory.
	ErrIsADirectory = errors.New("sqfs: is a directory")
)

// corruptf wraps ErrCorruptData with diagnostic context.
func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptData, fmt.Sprintf(format, args...))
}
