//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cirrusfs/cirrusfs/internal/config"
	"github.com/cirrusfs/cirrusfs/internal/fsitems"
)

const (
	dirMode  = 0o755
	fileMode = 0o644

	// renameNoReplace mirrors RENAME_NOREPLACE from linux/fs.h.
	renameNoReplace = 0x1
)

// safeInt64ToUint64 converts int64 to uint64, clamping negatives.
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 converts int to uint32, clamping out-of-range values.
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// FileSystem adapts the item tree to the kernel FUSE protocol.
type FileSystem struct {
	root *fsitems.Folder
	opts *config.Options
	log  *slog.Logger

	uid uint32
	gid uint32

	statsMu sync.Mutex
	stats   Stats
}

// Stats tracks filesystem operation counts.
type Stats struct {
	Lookups      int64 `json:"lookups"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	Creates      int64 `json:"creates"`
	Deletes      int64 `json:"deletes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

func (f *FileSystem) bump(field *int64, delta int64) {
	f.statsMu.Lock()
	*field += delta
	f.statsMu.Unlock()
}

// NewFileSystem creates a filesystem serving the given root folder.
func NewFileSystem(root *fsitems.Folder, opts *config.Options, uid, gid uint32, log *slog.Logger) *FileSystem {
	return &FileSystem{
		root: root,
		opts: opts,
		log:  log,
		uid:  uid,
		gid:  gid,
	}
}

// Root returns the root inode embedder for mounting.
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &folderNode{fsys: f, folder: f.root}
}

// GetStats returns a copy of the current operation counters.
func (f *FileSystem) GetStats() Stats {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.stats
}

func (f *FileSystem) fail(op string, err error) syscall.Errno {
	no := errno(err)
	if no == syscall.EIO {
		f.bump(&f.stats.Errors, 1)
		f.log.Error("fuse operation failed", "op", op, "error", err)
	} else {
		f.log.Debug("fuse operation rejected", "op", op, "errno", no, "error", err)
	}
	return no
}

// fillAttr copies item metadata into a kernel attribute block.
func (f *FileSystem) fillAttr(st fsitems.Stat, mode uint32, out *fuse.Attr) {
	perm := uint32(fileMode)
	if mode == fuse.S_IFDIR {
		perm = dirMode
	}
	if st.ReadOnly || f.opts.Mount.ReadOnly {
		perm &^= 0o222
	}
	out.Mode = mode | perm
	out.Size = safeInt64ToUint64(st.Size)
	out.Uid = f.uid
	out.Gid = f.gid

	// The server sends zero for dates it never set; leave those out.
	var at, mt, ct *time.Time
	if !st.Accessed.IsZero() {
		at = &st.Accessed
	}
	if !st.Modified.IsZero() {
		mt = &st.Modified
	}
	if !st.Created.IsZero() {
		ct = &st.Created
	}
	out.SetTimes(at, mt, ct)
}

// folderNode is the inode of a folder.
type folderNode struct {
	fs.Inode
	fsys   *FileSystem
	folder *fsitems.Folder
}

var _ = (fs.NodeGetattrer)((*folderNode)(nil))
var _ = (fs.NodeLookuper)((*folderNode)(nil))
var _ = (fs.NodeReaddirer)((*folderNode)(nil))
var _ = (fs.NodeMkdirer)((*folderNode)(nil))
var _ = (fs.NodeCreater)((*folderNode)(nil))
var _ = (fs.NodeUnlinker)((*folderNode)(nil))
var _ = (fs.NodeRmdirer)((*folderNode)(nil))
var _ = (fs.NodeRenamer)((*folderNode)(nil))
var _ = (fs.NodeSetattrer)((*folderNode)(nil))
var _ = (fs.NodeStatfser)((*folderNode)(nil))

func (n *folderNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fsys.fillAttr(n.folder.Stat(), fuse.S_IFDIR, &out.Attr)
	return 0
}

func (n *folderNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.bump(&n.fsys.stats.Lookups, 1)

	item, err := n.folder.Lookup(ctx, name)
	if err != nil {
		return nil, n.fsys.fail("lookup", err)
	}
	return n.childInode(ctx, item, out), 0
}

// childInode wraps an item in an inode and fills the entry attributes.
func (n *folderNode) childInode(ctx context.Context, item fsitems.Item, out *fuse.EntryOut) *fs.Inode {
	switch it := item.(type) {
	case *fsitems.Folder:
		n.fsys.fillAttr(it.Stat(), fuse.S_IFDIR, &out.Attr)
		return n.NewInode(ctx, &folderNode{fsys: n.fsys, folder: it},
			fs.StableAttr{Mode: fuse.S_IFDIR})
	default:
		file := item.(*fsitems.File)
		n.fsys.fillAttr(file.Stat(), fuse.S_IFREG, &out.Attr)
		return n.NewInode(ctx, &fileNode{fsys: n.fsys, file: file},
			fs.StableAttr{Mode: fuse.S_IFREG})
	}
}

func (n *folderNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	items, err := n.folder.Items(ctx)
	if err != nil {
		return nil, n.fsys.fail("readdir", err)
	}

	entries := make([]fuse.DirEntry, 0, len(items)+2)
	for _, item := range items {
		mode := uint32(fuse.S_IFREG)
		if item.Kind() == fsitems.KindFolder {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: item.Name(), Mode: mode})
	}
	return fs.NewListDirStream(appendDotEntries(entries)), 0
}

// appendDotEntries adds the synthetic "." and ".." after the real
// entries, matching the server-authoritative listing order.
func appendDotEntries(entries []fuse.DirEntry) []fuse.DirEntry {
	return append(entries,
		fuse.DirEntry{Name: ".", Mode: fuse.S_IFDIR},
		fuse.DirEntry{Name: "..", Mode: fuse.S_IFDIR})
}

func (n *folderNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	sub, err := n.folder.CreateFolder(ctx, name)
	if err != nil {
		return nil, n.fsys.fail("mkdir", err)
	}
	n.fsys.bump(&n.fsys.stats.Creates, 1)
	return n.childInode(ctx, sub, out), 0
}

func (n *folderNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	file, err := n.folder.CreateFile(ctx, name)
	if err != nil {
		return nil, nil, 0, n.fsys.fail("create", err)
	}
	n.fsys.bump(&n.fsys.stats.Creates, 1)

	node := n.childInode(ctx, file, out)
	return node, &fileHandle{fsys: n.fsys, file: file}, 0, 0
}

func (n *folderNode) Unlink(ctx context.Context, name string) syscall.Errno {
	item, err := n.folder.Lookup(ctx, name)
	if err != nil {
		return n.fsys.fail("unlink", err)
	}
	if item.Kind() != fsitems.KindFile {
		return syscall.EISDIR
	}
	if err := n.folder.DeleteItem(ctx, name); err != nil {
		return n.fsys.fail("unlink", err)
	}
	n.fsys.bump(&n.fsys.stats.Deletes, 1)
	return 0
}

func (n *folderNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	item, err := n.folder.Lookup(ctx, name)
	if err != nil {
		return n.fsys.fail("rmdir", err)
	}
	if item.Kind() != fsitems.KindFolder {
		return syscall.ENOTDIR
	}
	if err := n.folder.DeleteItem(ctx, name); err != nil {
		return n.fsys.fail("rmdir", err)
	}
	n.fsys.bump(&n.fsys.stats.Deletes, 1)
	return 0
}

// Rename handles both renames within a folder and moves across folders.
// The combined case (new parent and new name at once) needs two server
// operations with no way to roll back the first, so it is refused.
func (n *folderNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*folderNode)
	if !ok {
		return syscall.EIO
	}
	overwrite := flags&renameNoReplace == 0

	switch {
	case dst.folder == n.folder:
		if err := n.folder.RenameItem(ctx, name, newName, overwrite); err != nil {
			return n.fsys.fail("rename", err)
		}
	case name == newName:
		if err := n.folder.MoveItem(ctx, name, dst.folder, overwrite); err != nil {
			return n.fsys.fail("rename", err)
		}
	default:
		return syscall.EIO
	}
	return 0
}

func (n *folderNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if no := n.fsys.setattrCommon(in); no != 0 {
		return no
	}
	n.fsys.fillAttr(n.folder.Stat(), fuse.S_IFDIR, &out.Attr)
	return 0
}

// Statfs reports only the name limit. The server does not expose
// capacity, so block counts stay zero rather than inventing numbers.
func (n *folderNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	out.NameLen = 255
	return 0
}

// setattrCommon handles the attribute changes shared by files and
// folders: ownership and mode are either faked or refused, timestamps
// are accepted and dropped since the server owns them.
func (f *FileSystem) setattrCommon(in *fuse.SetAttrIn) syscall.Errno {
	if _, ok := in.GetMode(); ok && !f.opts.Mount.FakeChmod {
		return syscall.ENOTSUP
	}
	_, uidSet := in.GetUID()
	_, gidSet := in.GetGID()
	if (uidSet || gidSet) && !f.opts.Mount.FakeChown {
		return syscall.ENOTSUP
	}
	return 0
}

// fileNode is the inode of a regular file.
type fileNode struct {
	fs.Inode
	fsys *FileSystem
	file *fsitems.File
}

var _ = (fs.NodeGetattrer)((*fileNode)(nil))
var _ = (fs.NodeOpener)((*fileNode)(nil))
var _ = (fs.NodeSetattrer)((*fileNode)(nil))

func (n *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fsys.fillAttr(n.file.Stat(), fuse.S_IFREG, &out.Attr)
	return 0
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	wantsWrite := flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0
	if n.fsys.opts.Mount.ReadOnly && wantsWrite {
		return nil, 0, syscall.EROFS
	}
	if flags&syscall.O_TRUNC != 0 {
		if err := n.file.Truncate(ctx, 0); err != nil {
			return nil, 0, n.fsys.fail("open", err)
		}
	}
	return &fileHandle{fsys: n.fsys, file: n.file}, 0, 0
}

func (n *fileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if no := n.fsys.setattrCommon(in); no != 0 {
		return no
	}
	if size, ok := in.GetSize(); ok {
		if err := n.file.Truncate(ctx, int64(size)); err != nil {
			return n.fsys.fail("truncate", err)
		}
	}
	n.fsys.fillAttr(n.file.Stat(), fuse.S_IFREG, &out.Attr)
	return 0
}

// fileHandle is an open file. All handles on a file share its page
// manager; the handle itself carries no state.
type fileHandle struct {
	fsys *FileSystem
	file *fsitems.File
}

var _ = (fs.FileReader)((*fileHandle)(nil))
var _ = (fs.FileWriter)((*fileHandle)(nil))
var _ = (fs.FileFlusher)((*fileHandle)(nil))
var _ = (fs.FileFsyncer)((*fileHandle)(nil))
var _ = (fs.FileReleaser)((*fileHandle)(nil))

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.fsys.bump(&h.fsys.stats.Reads, 1)

	n, err := h.file.ReadAt(ctx, dest, off)
	if err != nil {
		return nil, h.fsys.fail("read", err)
	}
	h.fsys.bump(&h.fsys.stats.BytesRead, int64(n))
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.fsys.bump(&h.fsys.stats.Writes, 1)

	n, err := h.file.WriteAt(ctx, data, off)
	if err != nil {
		return 0, h.fsys.fail("write", err)
	}
	h.fsys.bump(&h.fsys.stats.BytesWritten, int64(n))
	return safeIntToUint32(n), 0
}

func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	if err := h.file.FlushCache(ctx); err != nil {
		return h.fsys.fail("flush", err)
	}
	return 0
}

func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if err := h.file.FlushCache(ctx); err != nil {
		return h.fsys.fail("fsync", err)
	}
	return 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.file.FlushCache(ctx); err != nil {
		return h.fsys.fail("release", err)
	}
	return 0
}
