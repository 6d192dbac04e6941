// Command sqfs-ls lists the contents of a SquashFS archive.
//
//	sqfs-ls archive.squashfs [path]
//	sqfs-ls -l --xattrs archive.squashfs
package main

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/meigma/sqfs"
)

func main() {
	long := pflag.BoolP("long", "l", false, "long listing: mode, owner, size, name")
	xattrs := pflag.BoolP("xattrs", "x", false, "list extended attributes")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging to stderr")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] archive [path]\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() < 1 || pflag.NArg() > 2 {
		pflag.Usage()
		os.Exit(2)
	}
	root := "."
	if pflag.NArg() == 2 {
		root = pflag.Arg(1)
	}

	logger := slog.New(slog.DiscardHandler)
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	if err := run(pflag.Arg(0), root, *long, *xattrs, logger); err != nil {
		fmt.Fprintf(os.Stderr, "sqfs-ls: %v\n", err)
		os.Exit(1)
	}
}

func run(archive, root string, long, xattrs bool, logger *slog.Logger) error {
	a, err := sqfs.OpenFile(archive, sqfs.WithLogger(logger))
	if err != nil {
		return err
	}
	defer a.Close()

	return fs.WalkDir(a, root, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if long {
			info, err := d.Info()
			if err != nil {
				return err
			}
			ino := info.Sys().(*sqfs.Inode)
			fmt.Printf("%s %4d %4d %10d %s %s\n",
				info.Mode(), ino.UID, ino.GID, info.Size(),
				info.ModTime().Format("2006-01-02 15:04"), displayName(name, ino))
		} else {
			fmt.Println(name)
		}
		if xattrs {
			if err := printXattrs(a, name); err != nil {
				return err
			}
		}
		return nil
	})
}

func displayName(name string, ino *sqfs.Inode) string {
	if ino.Kind == sqfs.KindSymlink {
		return name + " -> " + string(ino.Symlink.Target)
	}
	return name
}

func printXattrs(a *sqfs.Archive, name string) error {
	ino, err := a.LookupNoFollow(name)
	if err != nil {
		return err
	}
	it, err := a.Xattrs(ino)
	if err != nil {
		return err
	}
	for it.Next() {
		x := it.Entry()
		fmt.Printf("  %s=%q\n", x.FullName(), x.Value)
	}
	return it.Err()
}
