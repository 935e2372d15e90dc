package fsitems

import (
	"context"
	"time"

	"github.com/cirrusfs/cirrusfs/internal/backend"
	"github.com/cirrusfs/cirrusfs/internal/filedata"
	"github.com/cirrusfs/cirrusfs/pkg/errors"
)

// File is a regular file. Its content lives in a PageManager; the file
// enforces the write mode and read-only rules before touching pages.
type File struct {
	itemBase
	core *Core
	cfg  *FSConfig
	pm   *filedata.PageManager
}

// newFileFromRecord wraps a file the server already knows.
func newFileFromRecord(core *Core, parent *Folder, cfg *FSConfig, rec backend.ItemRecord) *File {
	f := &File{core: core, cfg: cfg}
	f.id = rec.ID
	f.name = rec.Name
	f.parent = parent
	f.refreshBase(rec)

	pageSize := core.pageSizeFor(cfg)
	pb := filedata.NewPageBackend(core.Backend, pageSize, rec.ID, rec.Size)
	f.pm = filedata.NewPageManager(pb, core.Cache, core.Alloc, filedata.PageManagerOptions{
		PageSize:      pageSize,
		Size:          rec.Size,
		ReadAheadTime: core.Opts.Cache.ReadAheadTarget,
		MaxFetchBytes: core.maxFetchBytes(),
		Log:           core.Log,
	})
	return f
}

// newPendingFile creates a file that exists only locally until its first
// flush uploads it.
func newPendingFile(core *Core, parent *Folder, cfg *FSConfig, name string) *File {
	f := &File{core: core, cfg: cfg}
	f.name = name
	f.parent = parent
	now := time.Now()
	f.created, f.modified, f.accessed = now, now, now

	pageSize := core.pageSizeFor(cfg)
	pb := filedata.NewPendingPageBackend(core.Backend, pageSize, parent.ID(), name,
		func(rec backend.ItemRecord) { f.setID(rec.ID) })
	f.pm = filedata.NewPageManager(pb, core.Cache, core.Alloc, filedata.PageManagerOptions{
		PageSize:      pageSize,
		ReadAheadTime: core.Opts.Cache.ReadAheadTarget,
		MaxFetchBytes: core.maxFetchBytes(),
		Log:           core.Log,
	})
	return f
}

func (f *File) Kind() Kind { return KindFile }

func (f *File) Stat() Stat {
	st := f.baseStat()
	st.Size = f.pm.Size()
	return st
}

// Size returns the logical size: the larger of the server size and the
// end of the furthest cached write.
func (f *File) Size() int64 { return f.pm.Size() }

// ReadAt copies file content at offset into buf.
func (f *File) ReadAt(ctx context.Context, buf []byte, offset int64) (int, error) {
	f.scopeMu.RLock()
	defer f.scopeMu.RUnlock()
	if f.isDeleted() {
		return 0, errors.ErrNotFound
	}
	if offset < 0 {
		return 0, errors.ErrReadBounds
	}
	return f.pm.ReadAt(ctx, buf, offset)
}

// WriteAt writes data at offset, subject to the storage write mode.
func (f *File) WriteAt(ctx context.Context, data []byte, offset int64) (int, error) {
	f.scopeMu.RLock()
	defer f.scopeMu.RUnlock()
	if f.isDeleted() {
		return 0, errors.ErrNotFound
	}
	if err := f.checkWritable(offset); err != nil {
		return 0, err
	}
	n, err := f.pm.WriteAt(ctx, data, offset)
	if n > 0 {
		f.touchModified()
	}
	return n, err
}

// Truncate sets the file size.
func (f *File) Truncate(ctx context.Context, size int64) error {
	f.scopeMu.RLock()
	defer f.scopeMu.RUnlock()
	if f.isDeleted() {
		return errors.ErrNotFound
	}
	if err := f.checkTruncate(size); err != nil {
		return err
	}
	if err := f.pm.Truncate(ctx, size); err != nil {
		return err
	}
	f.touchModified()
	return nil
}

// FlushCache persists all dirty pages, creating the file on the server
// if it only exists locally so far.
func (f *File) FlushCache(ctx context.Context) error {
	f.scopeMu.RLock()
	defer f.scopeMu.RUnlock()
	if f.isDeleted() {
		return nil
	}
	return f.pm.Flush(ctx)
}

func (f *File) checkWritable(offset int64) error {
	if f.core.readOnly() || f.ReadOnly() || f.cfg.ReadOnly {
		return errors.ErrReadOnly
	}
	switch f.cfg.WriteMode {
	case WriteRandom:
		return nil
	case WriteAppend:
		if offset != f.pm.Size() {
			return errors.ErrWriteType
		}
		return nil
	default: // WriteUpload
		if f.pm.Backend().ExistsOnBackend() {
			return errors.ErrWriteType
		}
		return nil
	}
}

func (f *File) checkTruncate(size int64) error {
	if f.core.readOnly() || f.ReadOnly() || f.cfg.ReadOnly {
		return errors.ErrReadOnly
	}
	if size == f.pm.Size() {
		return nil
	}
	switch f.cfg.WriteMode {
	case WriteRandom:
		return nil
	case WriteAppend:
		// Only a reset to empty is expressible as an append-store op.
		if size == 0 {
			return nil
		}
		return errors.ErrWriteType
	default: // WriteUpload
		if !f.pm.Backend().ExistsOnBackend() {
			return nil
		}
		return errors.ErrWriteType
	}
}

func (f *File) refresh(rec backend.ItemRecord) {
	f.refreshBase(rec)
	if rec.Size != f.pm.Backend().BackendSize() {
		f.pm.RemoteChanged(rec.Size)
	}
}

func (f *File) lockDelete()   { f.scopeMu.Lock() }
func (f *File) unlockDelete() { f.scopeMu.Unlock() }

func (f *File) discard() { f.pm.Discard() }
