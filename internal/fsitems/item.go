// Package fsitems holds the client-side item tree: files and folders
// mirroring the server hierarchy, with path resolution, listing refresh,
// and the mutation operations the FUSE bridge drives.
package fsitems

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cirrusfs/cirrusfs/internal/backend"
)

// Kind distinguishes the two item types; an item's kind never changes.
type Kind int

const (
	KindFile Kind = iota
	KindFolder
)

// Stat is a point-in-time view of an item's metadata.
type Stat struct {
	Size     int64
	Created  time.Time
	Modified time.Time
	Accessed time.Time
	ReadOnly bool
}

// Item is a file or folder in the tree.
type Item interface {
	ID() string
	Name() string
	Kind() Kind
	Parent() *Folder
	Stat() Stat

	// FlushCache persists any cached dirty state, recursively for folders.
	FlushCache(ctx context.Context) error

	refresh(rec backend.ItemRecord)
	setName(name string)
	setParent(parent *Folder)
	lockDelete()
	unlockDelete()
	markDeleted()

	// acquireScope takes the shared scope lock, returning its release.
	acquireScope() func()

	// discard drops cached state without persisting it.
	discard()
}

// itemBase carries the fields and metadata handling common to files and
// folders. The scope lock is held shared by every operation on the item
// and exclusively while deleting it, so deletes drain in-flight work.
type itemBase struct {
	scopeMu sync.RWMutex

	mu       sync.Mutex
	id       string
	name     string
	parent   *Folder
	created  time.Time
	modified time.Time
	accessed time.Time
	readOnly bool
	deleted  bool
}

func (b *itemBase) ID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

func (b *itemBase) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

func (b *itemBase) Parent() *Folder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parent
}

func (b *itemBase) ReadOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readOnly
}

func (b *itemBase) isDeleted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleted
}

func (b *itemBase) markDeleted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = true
}

func (b *itemBase) setName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = name
}

func (b *itemBase) setParent(parent *Folder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parent = parent
}

func (b *itemBase) acquireScope() func() {
	b.scopeMu.RLock()
	return b.scopeMu.RUnlock
}

func (b *itemBase) setID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.id = id
}

// baseStat fills the metadata half of a Stat; size is the caller's.
func (b *itemBase) baseStat() Stat {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stat{
		Created:  b.created,
		Modified: b.modified,
		Accessed: b.accessed,
		ReadOnly: b.readOnly,
	}
}

// refreshBase updates metadata from a server listing entry.
func (b *itemBase) refreshBase(rec backend.ItemRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.id == "" {
		b.id = rec.ID
	}
	b.created = timeFromUnix(rec.Dates.Created)
	b.modified = timeFromUnix(rec.Dates.Modified)
	b.accessed = timeFromUnix(rec.Dates.Accessed)
	b.readOnly = rec.ReadOnly
}

func (b *itemBase) touchModified() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modified = time.Now()
}

// timeFromUnix converts server seconds-with-fraction to a Time; the
// server sends 0 for dates it never set.
func timeFromUnix(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}
