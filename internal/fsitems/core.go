package fsitems

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cirrusfs/cirrusfs/internal/backend"
	"github.com/cirrusfs/cirrusfs/internal/config"
	"github.com/cirrusfs/cirrusfs/internal/filedata"
)

// Core bundles the shared dependencies of the item tree: the backend
// facade, the page cache, the buffer allocator, and configuration.
type Core struct {
	Backend  *backend.Backend
	Cache    *filedata.CacheManager
	Alloc    *filedata.Allocator
	Registry *FSConfigRegistry
	Opts     *config.Options
	Log      *slog.Logger
}

// NewCore wires a Core from its parts.
func NewCore(b *backend.Backend, cache *filedata.CacheManager, opts *config.Options, log *slog.Logger) *Core {
	return &Core{
		Backend:  b,
		Cache:    cache,
		Alloc:    filedata.NewAllocator(),
		Registry: NewFSConfigRegistry(b),
		Opts:     opts,
		Log:      log,
	}
}

// Root builds the mount root: a single folder, a single filesystem, or
// the super-root showing all filesystems and adopted folders.
func (c *Core) Root(ctx context.Context) (*Folder, error) {
	switch {
	case c.Opts.Backend.Folder != "":
		contents, err := c.Backend.GetFolder(ctx, c.Opts.Backend.Folder)
		if err != nil {
			return nil, fmt.Errorf("loading root folder: %w", err)
		}
		return newPlainFolder(c, nil, contents.ItemRecord), nil

	case c.Opts.Backend.Filesystem != "":
		cfg, err := c.Registry.Load(ctx, c.Opts.Backend.Filesystem)
		if err != nil {
			return nil, fmt.Errorf("loading root filesystem: %w", err)
		}
		return NewFilesystemRoot(c, cfg), nil

	default:
		return NewSuperRoot(c), nil
	}
}

// readOnly reports whether any layer forbids writes globally.
func (c *Core) readOnly() bool {
	return c.Opts.Mount.ReadOnly || c.Backend.ReadOnly()
}

// pageSizeFor picks the page size for files on a filesystem: the
// configured size aligned down to the storage chunk size, never smaller
// than one chunk.
func (c *Core) pageSizeFor(cfg *FSConfig) int64 {
	ps := c.Opts.Cache.PageSize
	if cfg.ChunkSize > 0 {
		if ps < cfg.ChunkSize {
			ps = cfg.ChunkSize
		} else {
			ps -= ps % cfg.ChunkSize
		}
	}
	return ps
}

// maxFetchBytes caps one read-ahead fetch at a fraction of cache memory.
func (c *Core) maxFetchBytes() int64 {
	return c.Opts.Cache.MemoryLimit / c.Opts.Cache.ReadMaxCacheFrac
}
