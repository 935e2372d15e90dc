package fsitems

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cirrusfs/cirrusfs/internal/backend"
	"github.com/cirrusfs/cirrusfs/internal/config"
	"github.com/cirrusfs/cirrusfs/pkg/errors"
	"github.com/cirrusfs/cirrusfs/pkg/shared"
)

// Folder is a directory of items. Plain folders mirror a server folder
// and support mutation; the special variants (filesystem roots and lists,
// the super-root) populate from dedicated endpoints and are read-only.
type Folder struct {
	itemBase
	core *Core

	// dataMu guards items, haveItems and refreshed. Mutations and path
	// walks hold it exclusively, listing snapshots hold it shared.
	dataMu    shared.Mutex
	items     map[string]Item
	haveItems bool
	refreshed time.Time

	// populate refreshes items from the server; nil for folders whose
	// children are fixed at construction.
	populate func(ctx context.Context) error

	// mutable marks folders that support create/delete/rename/move.
	mutable bool

	// fsid is the filesystem the folder's children belong to.
	fsid string
}

func (f *Folder) Kind() Kind { return KindFolder }

func (f *Folder) Stat() Stat { return f.baseStat() }

// Items lists the folder's children sorted by name, refreshing from the
// server when the listing has expired.
func (f *Folder) Items(ctx context.Context) ([]Item, error) {
	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	if err := f.loadItemsLocked(ctx); err != nil {
		return nil, err
	}

	out := make([]Item, 0, len(f.items))
	for _, it := range f.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// Lookup returns the named child.
func (f *Folder) Lookup(ctx context.Context, name string) (Item, error) {
	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	if err := f.loadItemsLocked(ctx); err != nil {
		return nil, err
	}
	it, ok := f.items[name]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return it, nil
}

// GetItemByPath resolves a slash-separated path relative to this folder.
// The returned release function drops the scope hold keeping the item
// alive; callers must invoke it when done.
func (f *Folder) GetItemByPath(ctx context.Context, path string) (Item, func(), error) {
	clean := strings.Trim(path, "/")
	if clean == "" {
		return f, f.acquireScope(), nil
	}

	cur := Item(f)
	for _, part := range strings.Split(clean, "/") {
		folder, ok := cur.(*Folder)
		if !ok {
			return nil, nil, errors.ErrNotFolder
		}
		next, err := folder.Lookup(ctx, part)
		if err != nil {
			return nil, nil, err
		}
		cur = next
	}
	return cur, cur.acquireScope(), nil
}

// CreateFile creates a file in this folder. The server learns about it on
// the first flush; until then it exists only in the cache.
func (f *Folder) CreateFile(ctx context.Context, name string) (*File, error) {
	if err := f.checkMutable(); err != nil {
		return nil, err
	}

	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	if err := f.loadItemsLocked(ctx); err != nil {
		return nil, err
	}
	if _, ok := f.items[name]; ok {
		return nil, errors.ErrDuplicate
	}

	cfg, err := f.core.Registry.Load(ctx, f.fsid)
	if err != nil {
		return nil, err
	}
	file := newPendingFile(f.core, f, cfg, name)
	f.items[name] = file
	f.touchModified()
	return file, nil
}

// CreateFolder creates a subfolder on the server immediately.
func (f *Folder) CreateFolder(ctx context.Context, name string) (*Folder, error) {
	if err := f.checkMutable(); err != nil {
		return nil, err
	}

	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	if err := f.loadItemsLocked(ctx); err != nil {
		return nil, err
	}
	if _, ok := f.items[name]; ok {
		return nil, errors.ErrDuplicate
	}

	rec, err := f.core.Backend.CreateFolder(ctx, f.ID(), name)
	if err != nil {
		return nil, err
	}
	if rec.Name == "" {
		rec.Name = name
	}
	sub := newPlainFolder(f.core, f, rec)
	f.items[name] = sub
	f.touchModified()
	return sub, nil
}

// DeleteItem removes the named child, draining its in-flight operations
// first. Files the server never learned about are dropped locally.
func (f *Folder) DeleteItem(ctx context.Context, name string) error {
	if err := f.checkMutable(); err != nil {
		return err
	}

	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	if err := f.loadItemsLocked(ctx); err != nil {
		return err
	}
	it, ok := f.items[name]
	if !ok {
		return errors.ErrNotFound
	}
	if err := f.deleteChildLocked(ctx, it); err != nil {
		return err
	}
	delete(f.items, name)
	f.touchModified()
	return nil
}

// deleteChildLocked deletes an item known to be in f.items; the caller
// removes the map entry.
func (f *Folder) deleteChildLocked(ctx context.Context, it Item) error {
	it.lockDelete()
	defer it.unlockDelete()

	switch v := it.(type) {
	case *File:
		if v.pm.Backend().ExistsOnBackend() {
			if err := f.core.Backend.DeleteFile(ctx, it.ID()); err != nil {
				return err
			}
		}
	case *Folder:
		if err := f.core.Backend.DeleteFolder(ctx, it.ID()); err != nil {
			return err
		}
	}
	it.markDeleted()
	it.discard()
	return nil
}

// RenameItem renames a child within this folder.
func (f *Folder) RenameItem(ctx context.Context, name, newName string, overwrite bool) error {
	if err := f.checkMutable(); err != nil {
		return err
	}
	if name == newName {
		return nil
	}

	f.dataMu.Lock()
	defer f.dataMu.Unlock()
	if err := f.loadItemsLocked(ctx); err != nil {
		return err
	}
	it, ok := f.items[name]
	if !ok {
		return errors.ErrNotFound
	}
	if existing, ok := f.items[newName]; ok {
		if !overwrite {
			return errors.ErrDuplicate
		}
		if err := f.deleteChildLocked(ctx, existing); err != nil {
			return err
		}
		delete(f.items, newName)
	}

	if file, ok := it.(*File); ok && !file.pm.Backend().ExistsOnBackend() {
		file.pm.Backend().SetName(newName)
	} else {
		var err error
		switch it.Kind() {
		case KindFile:
			err = f.core.Backend.RenameFile(ctx, it.ID(), newName, overwrite)
		default:
			err = f.core.Backend.RenameFolder(ctx, it.ID(), newName, overwrite)
		}
		if err != nil {
			return err
		}
	}

	delete(f.items, name)
	it.setName(newName)
	f.items[newName] = it
	f.touchModified()
	return nil
}

// MoveItem moves a child into dst, keeping its name. The two folders are
// locked in a canonical order so concurrent moves cannot deadlock.
func (f *Folder) MoveItem(ctx context.Context, name string, dst *Folder, overwrite bool) error {
	if f == dst {
		return nil
	}
	if err := f.checkMutable(); err != nil {
		return err
	}
	if err := dst.checkMutable(); err != nil {
		return err
	}

	first, second := f, dst
	if first.ID() > second.ID() {
		first, second = second, first
	}
	first.dataMu.Lock()
	defer first.dataMu.Unlock()
	second.dataMu.Lock()
	defer second.dataMu.Unlock()

	if err := f.loadItemsLocked(ctx); err != nil {
		return err
	}
	if err := dst.loadItemsLocked(ctx); err != nil {
		return err
	}

	it, ok := f.items[name]
	if !ok {
		return errors.ErrNotFound
	}
	if existing, ok := dst.items[name]; ok {
		if !overwrite {
			return errors.ErrDuplicate
		}
		if err := dst.deleteChildLocked(ctx, existing); err != nil {
			return err
		}
		delete(dst.items, name)
	}

	if file, ok := it.(*File); ok && !file.pm.Backend().ExistsOnBackend() {
		file.pm.Backend().SetParent(dst.ID())
	} else {
		var err error
		switch it.Kind() {
		case KindFile:
			err = f.core.Backend.MoveFile(ctx, it.ID(), dst.ID(), overwrite)
		default:
			err = f.core.Backend.MoveFolder(ctx, it.ID(), dst.ID(), overwrite)
		}
		if err != nil {
			return err
		}
	}

	delete(f.items, name)
	dst.items[name] = it
	it.setParent(dst)
	f.touchModified()
	dst.touchModified()
	return nil
}

// FlushCache flushes every descendant file.
func (f *Folder) FlushCache(ctx context.Context) error {
	f.dataMu.RLock()
	snapshot := make([]Item, 0, len(f.items))
	for _, it := range f.items {
		snapshot = append(snapshot, it)
	}
	f.dataMu.RUnlock()

	var firstErr error
	for _, it := range snapshot {
		if err := it.FlushCache(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Folder) checkMutable() error {
	if !f.mutable {
		return errors.ErrModify
	}
	if f.core.readOnly() || f.ReadOnly() {
		return errors.ErrReadOnly
	}
	if f.isDeleted() {
		return errors.ErrNotFound
	}
	return nil
}

// loadItemsLocked refreshes the listing when it is stale. With caching
// disabled every access refreshes; memory-only mounts list exactly once
// since the server never changes underneath them.
func (f *Folder) loadItemsLocked(ctx context.Context) error {
	switch f.core.Opts.Cache.Type {
	case config.CacheMemory:
		if f.haveItems {
			return nil
		}
	case config.CacheNone:
		// Always refresh.
	default:
		if f.haveItems && time.Since(f.refreshed) < f.core.Opts.Backend.RefreshInterval {
			return nil
		}
	}

	if f.items == nil {
		f.items = make(map[string]Item)
	}
	if f.populate != nil {
		if err := f.populate(ctx); err != nil {
			return fmt.Errorf("listing %q: %w", f.Name(), err)
		}
	}
	f.haveItems = true
	f.refreshed = time.Now()
	return nil
}

// mergeContentsLocked diffs a server listing into the item map: existing
// items refresh in place, new records become items, absent items vanish —
// except files the server never knew, which are local creates awaiting
// their first flush.
func (f *Folder) mergeContentsLocked(ctx context.Context, contents backend.FolderContents) error {
	seen := make(map[string]bool, len(contents.Files)+len(contents.Folders))

	for name, rec := range contents.Files {
		if rec.Name == "" {
			rec.Name = name
		}
		seen[name] = true
		if existing, ok := f.items[name]; ok && existing.Kind() == KindFile {
			existing.refresh(rec)
			continue
		}
		fsid := rec.FilesystemID
		if fsid == "" {
			fsid = f.fsid
		}
		cfg, err := f.core.Registry.Load(ctx, fsid)
		if err != nil {
			return err
		}
		f.items[name] = newFileFromRecord(f.core, f, cfg, rec)
	}

	for name, rec := range contents.Folders {
		if rec.Name == "" {
			rec.Name = name
		}
		seen[name] = true
		if existing, ok := f.items[name]; ok && existing.Kind() == KindFolder {
			existing.refresh(rec)
			continue
		}
		f.items[name] = newPlainFolder(f.core, f, rec)
	}

	for name, it := range f.items {
		if seen[name] {
			continue
		}
		if file, ok := it.(*File); ok && !file.pm.Backend().ExistsOnBackend() {
			continue // created locally, not uploaded yet
		}
		it.markDeleted()
		it.discard()
		delete(f.items, name)
	}
	return nil
}

func (f *Folder) refresh(rec backend.ItemRecord) { f.refreshBase(rec) }

func (f *Folder) lockDelete() {
	f.scopeMu.Lock()
	f.dataMu.Lock()
	for _, it := range f.items {
		it.lockDelete()
	}
}

func (f *Folder) unlockDelete() {
	for _, it := range f.items {
		it.unlockDelete()
	}
	f.dataMu.Unlock()
	f.scopeMu.Unlock()
}

func (f *Folder) discard() {
	for _, it := range f.items {
		it.markDeleted()
		it.discard()
	}
	f.items = make(map[string]Item)
}
