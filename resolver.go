package sqfs

import (
	"io/fs"
	"strings"
)

// DefaultMaxSymlinkDepth bounds the total number of symlink dereferences
// in one resolution.
const DefaultMaxSymlinkDepth = 100

// Resolve walks path from the root directory and returns the inode it
// names, dereferencing symlinks along the way (the final component
// included). Empty segments are ignored, so "a//b/", "/a/b" and "a/b"
// resolve identically, and "" or "/" resolve to the root.
//
// Errors are *fs.PathError values wrapping fs.ErrNotExist,
// ErrNotADirectory, ErrTooManySymlinks or ErrCorruptData.
func (a *Archive) Resolve(path string) (*Inode, error) {
	return a.resolvePath(a.Root(), path, true)
}

// ResolveAt is Resolve starting from an arbitrary directory inode.
// Absolute symlink targets still restart from the archive root.
func (a *Archive) ResolveAt(start InodeRef, path string) (*Inode, error) {
	return a.resolvePath(start, path, true)
}

// ResolveNoFollow is Resolve without dereferencing a final symlink:
// if the last component names a symlink, its inode is returned as-is.
// Intermediate symlinks are still followed.
func (a *Archive) ResolveNoFollow(path string) (*Inode, error) {
	return a.resolvePath(a.Root(), path, false)
}

func (a *Archive) resolvePath(start InodeRef, path string, followFinal bool) (*Inode, error) {
	fail := func(err error) (*Inode, error) {
		return nil, &fs.PathError{Op: "resolve", Path: path, Err: err}
	}

	// Symlink dereferencing is an iterative loop with a budget, never
	// recursion: a crafted archive must not be able to exhaust the stack.
	budget := a.maxSymlinkDepth
	segs := strings.Split(path, "/")
	stack := []InodeRef{start}

	for len(segs) > 0 {
		seg := segs[0]
		segs = segs[1:]
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		cur, err := a.Inode(stack[len(stack)-1])
		if err != nil {
			return fail(err)
		}
		if cur.Kind != KindDirectory {
			return fail(ErrNotADirectory)
		}
		entry, ok, err := a.dirLookup(cur, []byte(seg))
		if err != nil {
			return fail(err)
		}
		if !ok {
			return fail(fs.ErrNotExist)
		}

		if entry.Kind() == KindSymlink && (len(segs) > 0 || followFinal) {
			if budget == 0 {
				return fail(ErrTooManySymlinks)
			}
			budget--
			link, err := a.Inode(entry.Ref())
			if err != nil {
				return fail(err)
			}
			if link.Kind != KindSymlink {
				return fail(corruptf("entry %q: listed as symlink, inode %d is a %s", seg, link.Number, link.Kind))
			}
			target := string(link.Symlink.Target)
			if strings.HasPrefix(target, "/") {
				stack = stack[:1]
				stack[0] = a.Root()
			}
			segs = append(strings.Split(target, "/"), segs...)
			continue
		}

		stack = append(stack, entry.Ref())
	}

	ino, err := a.Inode(stack[len(stack)-1])
	if err != nil {
		return fail(err)
	}
	return ino, nil
}
