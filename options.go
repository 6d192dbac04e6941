package sqfs

import (
	"log/slog"

	"github.com/meigma/sqfs/internal/codec"
)

// Option configures an Archive at open time.
type Option func(*Archive)

// WithLogger sets the logger for debug events. The default discards
// everything.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMaxSymlinkDepth bounds symlink dereferences per path resolution.
// Values below 1 fall back to DefaultMaxSymlinkDepth.
func WithMaxSymlinkDepth(n int) Option {
	return func(a *Archive) {
		if n >= 1 {
			a.maxSymlinkDepth = n
		}
	}
}

// WithCodec registers or replaces a decompressor, keyed by the
// compression id stored in superblocks. Use it to supply algorithms the
// module does not link in, lzo for instance.
func WithCodec(kind codec.Kind, fn codec.Func) Option {
	return func(a *Archive) {
		a.registry.Register(kind, fn)
	}
}

// WithMetaCacheBlocks bounds the decoded metadata block cache.
func WithMetaCacheBlocks(n int) Option {
	return func(a *Archive) {
		a.metaCacheBlocks = n
	}
}
