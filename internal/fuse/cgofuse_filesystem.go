//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"log/slog"
	"path"
	"strings"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/cirrusfs/cirrusfs/internal/config"
	"github.com/cirrusfs/cirrusfs/internal/fsitems"
	"github.com/cirrusfs/cirrusfs/pkg/errors"
)

const (
	dirMode  = 0o755
	fileMode = 0o644
)

// CgoFuseFS adapts the item tree to the path-based cgofuse API, used on
// platforms without go-fuse support.
type CgoFuseFS struct {
	fuse.FileSystemBase

	root *fsitems.Folder
	opts *config.Options
	log  *slog.Logger
	uid  uint32
	gid  uint32
}

// NewCgoFuseFS creates a cgofuse filesystem over the given root.
func NewCgoFuseFS(root *fsitems.Folder, opts *config.Options, uid, gid uint32, log *slog.Logger) *CgoFuseFS {
	return &CgoFuseFS{root: root, opts: opts, log: log, uid: uid, gid: gid}
}

// cgoErrno translates item-tree errors to cgofuse return codes.
func cgoErrno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errors.ErrNotFound):
		return -fuse.ENOENT
	case errors.Is(err, errors.ErrNotFile):
		return -fuse.EISDIR
	case errors.Is(err, errors.ErrNotFolder):
		return -fuse.ENOTDIR
	case errors.Is(err, errors.ErrDuplicate):
		return -fuse.EEXIST
	case errors.Is(err, errors.ErrReadOnly), errors.Is(err, errors.ErrReadOnlyFS):
		return -fuse.EROFS
	case errors.Is(err, errors.ErrModify),
		errors.Is(err, errors.ErrWriteType),
		errors.Is(err, errors.ErrUnsupported):
		return -fuse.ENOTSUP
	case errors.Is(err, errors.ErrDenied):
		return -fuse.EACCES
	case errors.Is(err, errors.ErrMemory):
		return -fuse.ENOMEM
	case errors.Is(err, errors.ErrReadBounds):
		return -fuse.EINVAL
	default:
		return -fuse.EIO
	}
}

// resolve walks a path to its item. The release func must be called
// when the operation is done with the item.
func (c *CgoFuseFS) resolve(p string) (fsitems.Item, func(), error) {
	return c.root.GetItemByPath(context.Background(), p)
}

// resolveParent resolves the containing folder and leaf name of a path.
func (c *CgoFuseFS) resolveParent(p string) (*fsitems.Folder, string, func(), error) {
	dir, name := path.Split(strings.TrimSuffix(p, "/"))
	item, release, err := c.resolve(dir)
	if err != nil {
		return nil, "", nil, err
	}
	folder, ok := item.(*fsitems.Folder)
	if !ok {
		release()
		return nil, "", nil, errors.ErrNotFolder
	}
	return folder, name, release, nil
}

func (c *CgoFuseFS) fillStat(item fsitems.Item, stat *fuse.Stat_t) {
	st := item.Stat()
	perm := uint32(fileMode)
	mode := uint32(fuse.S_IFREG)
	if item.Kind() == fsitems.KindFolder {
		perm = dirMode
		mode = fuse.S_IFDIR
	}
	if st.ReadOnly || c.opts.Mount.ReadOnly {
		perm &^= 0o222
	}
	stat.Mode = mode | perm
	stat.Size = st.Size
	stat.Uid = c.uid
	stat.Gid = c.gid
	stat.Atim = fuse.NewTimespec(st.Accessed)
	stat.Mtim = fuse.NewTimespec(st.Modified)
	stat.Birthtim = fuse.NewTimespec(st.Created)
}

func (c *CgoFuseFS) Getattr(p string, stat *fuse.Stat_t, fh uint64) int {
	item, release, err := c.resolve(p)
	if err != nil {
		return cgoErrno(err)
	}
	defer release()
	c.fillStat(item, stat)
	return 0
}

func (c *CgoFuseFS) Readdir(p string,
	fill func(name string, stat *fuse.Stat_t, ofst int64) bool,
	ofst int64, fh uint64) int {

	item, release, err := c.resolve(p)
	if err != nil {
		return cgoErrno(err)
	}
	defer release()
	folder, ok := item.(*fsitems.Folder)
	if !ok {
		return -fuse.ENOTDIR
	}

	items, err := folder.Items(context.Background())
	if err != nil {
		return cgoErrno(err)
	}
	for _, it := range items {
		var stat fuse.Stat_t
		c.fillStat(it, &stat)
		if !fill(it.Name(), &stat, 0) {
			return 0
		}
	}
	// Synthetic entries come after the real listing.
	fill(".", nil, 0)
	fill("..", nil, 0)
	return 0
}

func (c *CgoFuseFS) Open(p string, flags int) (int, uint64) {
	item, release, err := c.resolve(p)
	if err != nil {
		return cgoErrno(err), ^uint64(0)
	}
	defer release()
	if item.Kind() != fsitems.KindFile {
		return -fuse.EISDIR, ^uint64(0)
	}
	return 0, 0
}

func (c *CgoFuseFS) Create(p string, flags int, mode uint32) (int, uint64) {
	folder, name, release, err := c.resolveParent(p)
	if err != nil {
		return cgoErrno(err), ^uint64(0)
	}
	defer release()
	if _, err := folder.CreateFile(context.Background(), name); err != nil {
		return cgoErrno(err), ^uint64(0)
	}
	return 0, 0
}

func (c *CgoFuseFS) Mkdir(p string, mode uint32) int {
	folder, name, release, err := c.resolveParent(p)
	if err != nil {
		return cgoErrno(err)
	}
	defer release()
	_, err = folder.CreateFolder(context.Background(), name)
	return cgoErrno(err)
}

func (c *CgoFuseFS) Unlink(p string) int {
	return c.remove(p, fsitems.KindFile, -fuse.EISDIR)
}

func (c *CgoFuseFS) Rmdir(p string) int {
	return c.remove(p, fsitems.KindFolder, -fuse.ENOTDIR)
}

func (c *CgoFuseFS) remove(p string, kind fsitems.Kind, wrongKind int) int {
	folder, name, release, err := c.resolveParent(p)
	if err != nil {
		return cgoErrno(err)
	}
	defer release()

	ctx := context.Background()
	item, err := folder.Lookup(ctx, name)
	if err != nil {
		return cgoErrno(err)
	}
	if item.Kind() != kind {
		return wrongKind
	}
	return cgoErrno(folder.DeleteItem(ctx, name))
}

// Rename handles in-place renames and same-name moves; changing both
// the parent and the name at once would need two server operations and
// is refused.
func (c *CgoFuseFS) Rename(oldpath, newpath string) int {
	srcFolder, oldName, srcRelease, err := c.resolveParent(oldpath)
	if err != nil {
		return cgoErrno(err)
	}
	defer srcRelease()
	dstFolder, newName, dstRelease, err := c.resolveParent(newpath)
	if err != nil {
		return cgoErrno(err)
	}
	defer dstRelease()

	ctx := context.Background()
	switch {
	case srcFolder == dstFolder:
		return cgoErrno(srcFolder.RenameItem(ctx, oldName, newName, true))
	case oldName == newName:
		return cgoErrno(srcFolder.MoveItem(ctx, oldName, dstFolder, true))
	default:
		return -fuse.EIO
	}
}

func (c *CgoFuseFS) Read(p string, buff []byte, ofst int64, fh uint64) int {
	file, release, rc := c.file(p)
	if rc != 0 {
		return rc
	}
	defer release()
	n, err := file.ReadAt(context.Background(), buff, ofst)
	if err != nil {
		return cgoErrno(err)
	}
	return n
}

func (c *CgoFuseFS) Write(p string, buff []byte, ofst int64, fh uint64) int {
	file, release, rc := c.file(p)
	if rc != 0 {
		return rc
	}
	defer release()
	n, err := file.WriteAt(context.Background(), buff, ofst)
	if err != nil {
		return cgoErrno(err)
	}
	return n
}

func (c *CgoFuseFS) Truncate(p string, size int64, fh uint64) int {
	file, release, rc := c.file(p)
	if rc != 0 {
		return rc
	}
	defer release()
	return cgoErrno(file.Truncate(context.Background(), size))
}

func (c *CgoFuseFS) Flush(p string, fh uint64) int {
	return c.flushPath(p)
}

func (c *CgoFuseFS) Fsync(p string, datasync bool, fh uint64) int {
	return c.flushPath(p)
}

func (c *CgoFuseFS) Release(p string, fh uint64) int {
	return c.flushPath(p)
}

func (c *CgoFuseFS) Chmod(p string, mode uint32) int {
	if c.opts.Mount.FakeChmod {
		return 0
	}
	return -fuse.ENOTSUP
}

func (c *CgoFuseFS) Chown(p string, uid, gid uint32) int {
	if c.opts.Mount.FakeChown {
		return 0
	}
	return -fuse.ENOTSUP
}

func (c *CgoFuseFS) Utimens(p string, tmsp []fuse.Timespec) int {
	// Timestamps belong to the server; accept and drop.
	return 0
}

// Statfs reports only the name limit. The server does not expose
// capacity, so block counts stay zero rather than inventing numbers.
func (c *CgoFuseFS) Statfs(p string, stat *fuse.Statfs_t) int {
	stat.Namemax = 255
	return 0
}

func (c *CgoFuseFS) file(p string) (*fsitems.File, func(), int) {
	item, release, err := c.resolve(p)
	if err != nil {
		return nil, nil, cgoErrno(err)
	}
	file, ok := item.(*fsitems.File)
	if !ok {
		release()
		return nil, nil, -fuse.EISDIR
	}
	return file, release, 0
}

func (c *CgoFuseFS) flushPath(p string) int {
	file, release, rc := c.file(p)
	if rc != 0 {
		return rc
	}
	defer release()
	return cgoErrno(file.FlushCache(context.Background()))
}
