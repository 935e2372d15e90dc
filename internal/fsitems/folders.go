package fsitems

import (
	"context"
	"time"

	"github.com/cirrusfs/cirrusfs/internal/backend"
)

// newPlainFolder wraps a server folder. Its listing comes from
// files/getfolder and it supports the full mutation set.
func newPlainFolder(core *Core, parent *Folder, rec backend.ItemRecord) *Folder {
	f := &Folder{core: core, mutable: true, fsid: rec.FilesystemID}
	f.id = rec.ID
	f.name = rec.Name
	f.parent = parent
	f.refreshBase(rec)
	f.populate = func(ctx context.Context) error {
		contents, err := core.Backend.GetFolder(ctx, f.ID())
		if err != nil {
			return err
		}
		f.refreshBase(contents.ItemRecord)
		return f.mergeContentsLocked(ctx, contents)
	}
	return f
}

// NewFilesystemRoot wraps the root folder of a filesystem. The root's
// folder id may be unknown until the first listing resolves it.
func NewFilesystemRoot(core *Core, cfg *FSConfig) *Folder {
	f := &Folder{core: core, mutable: true, fsid: cfg.ID}
	f.id = cfg.RootID
	f.name = cfg.Name
	f.readOnly = cfg.ReadOnly
	f.populate = func(ctx context.Context) error {
		contents, err := core.Backend.GetFSRoot(ctx, cfg.ID)
		if err != nil {
			return err
		}
		f.refreshBase(contents.ItemRecord)
		return f.mergeContentsLocked(ctx, contents)
	}
	return f
}

// NewFilesystemList is a read-only folder with one child per filesystem
// on the account.
func NewFilesystemList(core *Core) *Folder {
	f := &Folder{core: core}
	f.name = "filesystems"
	now := time.Now()
	f.created, f.modified, f.accessed = now, now, now
	f.populate = func(ctx context.Context) error {
		recs, err := core.Backend.GetFilesystems(ctx)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(recs))
		for _, rec := range recs {
			if rec.Name == "" {
				rec.Name = rec.ID
			}
			seen[rec.Name] = true
			if _, ok := f.items[rec.Name]; ok {
				continue
			}
			cfg := core.Registry.Put(rec)
			root := NewFilesystemRoot(core, cfg)
			root.setParent(f)
			f.items[rec.Name] = root
		}
		for name, it := range f.items {
			if !seen[name] {
				it.markDeleted()
				it.discard()
				delete(f.items, name)
			}
		}
		return nil
	}
	return f
}

// NewAdoptedList is a read-only folder of the external folders the
// account has adopted into its storage.
func NewAdoptedList(core *Core) *Folder {
	f := &Folder{core: core}
	f.name = "adopted"
	now := time.Now()
	f.created, f.modified, f.accessed = now, now, now
	f.populate = func(ctx context.Context) error {
		recs, err := core.Backend.ListAdopted(ctx)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(recs))
		for _, rec := range recs {
			name := rec.Name
			if name == "" {
				name = rec.ID
			}
			rec.Name = name
			seen[name] = true
			if existing, ok := f.items[name]; ok {
				existing.refresh(rec)
				continue
			}
			sub := newPlainFolder(core, f, rec)
			f.items[name] = sub
		}
		for name, it := range f.items {
			if !seen[name] {
				it.markDeleted()
				it.discard()
				delete(f.items, name)
			}
		}
		return nil
	}
	return f
}

// NewSuperRoot is the default mount root: fixed "filesystems" and
// "adopted" entries, nothing else.
func NewSuperRoot(core *Core) *Folder {
	f := &Folder{core: core}
	f.name = "/"
	now := time.Now()
	f.created, f.modified, f.accessed = now, now, now

	fsList := NewFilesystemList(core)
	fsList.setParent(f)
	adopted := NewAdoptedList(core)
	adopted.setParent(f)

	f.items = map[string]Item{
		fsList.Name():  fsList,
		adopted.Name(): adopted,
	}
	f.haveItems = true
	return f
}
