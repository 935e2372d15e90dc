package fsitems

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrusfs/internal/backend"
	"github.com/cirrusfs/cirrusfs/internal/config"
	"github.com/cirrusfs/cirrusfs/internal/filedata"
	"github.com/cirrusfs/cirrusfs/pkg/errors"
)

// fakeServer is an in-memory files API good enough for the item tree:
// folders with named children, files with content, one filesystem.
type fakeServer struct {
	t *testing.T

	mu      sync.Mutex
	nextID  int
	fs      backend.FilesystemRecord
	folders map[string]*srvFolder
	files   map[string]*srvFile
	adopted []backend.ItemRecord
	counts  map[string]int
}

type srvFolder struct {
	rec      backend.ItemRecord
	children map[string]string // name -> id, folders and files both
}

type srvFile struct {
	rec    backend.ItemRecord
	parent string
	data   []byte
}

func newFakeServer(t *testing.T, sttype string) *fakeServer {
	s := &fakeServer{
		t:       t,
		folders: make(map[string]*srvFolder),
		files:   make(map[string]*srvFile),
		counts:  make(map[string]int),
	}
	root := &srvFolder{
		rec:      backend.ItemRecord{ID: "root", Name: "", FilesystemID: "fs1"},
		children: make(map[string]string),
	}
	s.folders["root"] = root
	s.fs = backend.FilesystemRecord{
		ID: "fs1", Name: "default", RootID: "root", StorageType: sttype,
	}
	return s
}

func (s *fakeServer) newID() string {
	s.nextID++
	return fmt.Sprintf("id%d", s.nextID)
}

func (s *fakeServer) addFolder(parentID, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID()
	s.folders[id] = &srvFolder{
		rec:      backend.ItemRecord{ID: id, Name: name, FilesystemID: "fs1"},
		children: make(map[string]string),
	}
	s.folders[parentID].children[name] = id
	return id
}

func (s *fakeServer) addFile(parentID, name string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID()
	s.files[id] = &srvFile{
		rec:    backend.ItemRecord{ID: id, Name: name, Size: int64(len(data)), FilesystemID: "fs1"},
		parent: parentID,
		data:   append([]byte(nil), data...),
	}
	s.folders[parentID].children[name] = id
	return id
}

func (s *fakeServer) removeChild(parentID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.folders[parentID].children[name]
	delete(s.folders[parentID].children, name)
	delete(s.files, id)
	delete(s.folders, id)
}

func (s *fakeServer) count(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[action]
}

func (s *fakeServer) contents(f *srvFolder) backend.FolderContents {
	out := backend.FolderContents{
		ItemRecord: f.rec,
		Files:      make(map[string]backend.ItemRecord),
		Folders:    make(map[string]backend.ItemRecord),
	}
	for name, id := range f.children {
		if file, ok := s.files[id]; ok {
			rec := file.rec
			rec.Size = int64(len(file.data))
			out.Files[name] = rec
		} else if sub, ok := s.folders[id]; ok {
			out.Folders[name] = sub.rec
		}
	}
	return out
}

func (s *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	s.mu.Lock()
	s.counts[action]++
	s.mu.Unlock()

	switch action {
	case "getfilesystem":
		s.reply(w, s.fs)
	case "getfilesystems":
		s.reply(w, []backend.FilesystemRecord{s.fs})
	case "listadopted":
		s.mu.Lock()
		out := append([]backend.ItemRecord{}, s.adopted...)
		s.mu.Unlock()
		s.reply(w, out)
	case "getfolder":
		s.mu.Lock()
		id := r.FormValue("folder")
		if id == "" {
			id = s.fs.RootID
		}
		f, ok := s.folders[id]
		if !ok {
			s.mu.Unlock()
			s.fail(w, 404, "UNKNOWN_FOLDER")
			return
		}
		out := s.contents(f)
		s.mu.Unlock()
		s.reply(w, out)
	case "createfolder":
		id := s.addFolder(r.FormValue("parent"), r.FormValue("name"))
		s.mu.Lock()
		rec := s.folders[id].rec
		s.mu.Unlock()
		s.reply(w, rec)
	case "upload":
		file, hdr, err := r.FormFile("file")
		require.NoError(s.t, err)
		data, _ := io.ReadAll(file)
		id := s.addFile(r.FormValue("parent"), hdr.Filename, data)
		s.mu.Lock()
		rec := s.files[id].rec
		s.mu.Unlock()
		s.reply(w, rec)
	case "writefile":
		part, _, err := r.FormFile("data")
		require.NoError(s.t, err)
		data, _ := io.ReadAll(part)
		offset, _ := strconv.ParseInt(r.FormValue("offset"), 10, 64)
		s.mu.Lock()
		f := s.files[r.FormValue("file")]
		if need := offset + int64(len(data)); need > int64(len(f.data)) {
			f.data = append(f.data, make([]byte, need-int64(len(f.data)))...)
		}
		copy(f.data[offset:], data)
		s.mu.Unlock()
		s.reply(w, nil)
	case "download":
		s.mu.Lock()
		f, ok := s.files[r.FormValue("file")]
		if !ok {
			s.mu.Unlock()
			s.fail(w, 404, "UNKNOWN_FILE")
			return
		}
		start, _ := strconv.ParseInt(r.FormValue("fstart"), 10, 64)
		last, _ := strconv.ParseInt(r.FormValue("flast"), 10, 64)
		body := append([]byte(nil), f.data[start:last+1]...)
		s.mu.Unlock()
		w.Write(body)
	case "ftruncate":
		size, _ := strconv.ParseInt(r.FormValue("size"), 10, 64)
		s.mu.Lock()
		f := s.files[r.FormValue("file")]
		for int64(len(f.data)) < size {
			f.data = append(f.data, 0)
		}
		f.data = f.data[:size]
		s.mu.Unlock()
		s.reply(w, nil)
	case "deletefile":
		s.mu.Lock()
		f, ok := s.files[r.FormValue("file")]
		if !ok {
			s.mu.Unlock()
			s.fail(w, 404, "UNKNOWN_FILE")
			return
		}
		delete(s.folders[f.parent].children, f.rec.Name)
		delete(s.files, f.rec.ID)
		s.mu.Unlock()
		s.reply(w, nil)
	case "deletefolder":
		s.mu.Lock()
		f, ok := s.folders[r.FormValue("folder")]
		if !ok {
			s.mu.Unlock()
			s.fail(w, 404, "UNKNOWN_FOLDER")
			return
		}
		for _, sf := range s.folders {
			delete(sf.children, f.rec.Name)
		}
		delete(s.folders, f.rec.ID)
		s.mu.Unlock()
		s.reply(w, nil)
	case "renamefile":
		s.mu.Lock()
		f := s.files[r.FormValue("file")]
		parent := s.folders[f.parent]
		delete(parent.children, f.rec.Name)
		f.rec.Name = r.FormValue("name")
		parent.children[f.rec.Name] = f.rec.ID
		s.mu.Unlock()
		s.reply(w, nil)
	case "movefile":
		s.mu.Lock()
		f := s.files[r.FormValue("file")]
		delete(s.folders[f.parent].children, f.rec.Name)
		f.parent = r.FormValue("parent")
		s.folders[f.parent].children[f.rec.Name] = f.rec.ID
		s.mu.Unlock()
		s.reply(w, nil)
	default:
		s.t.Errorf("unhandled action %q", action)
		s.fail(w, 500, "UNHANDLED")
	}
}

func (s *fakeServer) reply(w http.ResponseWriter, appdata any) {
	payload, err := json.Marshal(appdata)
	require.NoError(s.t, err)
	fmt.Fprintf(w, `{"ok":true,"code":200,"message":"OK","appdata":%s}`, payload)
}

func (s *fakeServer) fail(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"ok":false,"code":%d,"message":%q,"appdata":null}`, status, message)
}

type treeEnv struct {
	srv  *fakeServer
	core *Core
}

func newTreeEnv(t *testing.T, sttype string, tweak func(*config.Options)) *treeEnv {
	t.Helper()
	srv := newFakeServer(t, sttype)
	hs := httptest.NewServer(http.HandlerFunc(srv.handle))
	t.Cleanup(hs.Close)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := backend.New(backend.NewHTTPRunner(hs.URL, 10*time.Second, log), log)

	opts := config.NewDefault()
	opts.Cache.PageSize = 4096
	opts.Cache.MaxDirtyTime = time.Hour
	opts.Backend.Folder = "root"
	opts.Backend.RefreshInterval = time.Hour
	if tweak != nil {
		tweak(opts)
	}

	cache := filedata.NewCacheManager(filedata.CacheOptions{
		MemoryLimit:  opts.Cache.MemoryLimit,
		MaxDirtyTime: opts.Cache.MaxDirtyTime,
		Log:          log,
	})
	t.Cleanup(cache.Shutdown)

	return &treeEnv{srv: srv, core: NewCore(b, cache, opts, log)}
}

func (e *treeEnv) root(t *testing.T) *Folder {
	t.Helper()
	root, err := e.core.Root(context.Background())
	require.NoError(t, err)
	return root
}

func TestPathResolution(t *testing.T) {
	env := newTreeEnv(t, "local", nil)
	docs := env.srv.addFolder("root", "docs")
	env.srv.addFile(docs, "a.txt", []byte("hello"))

	ctx := context.Background()
	root := env.root(t)

	it, release, err := root.GetItemByPath(ctx, "docs/a.txt")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, KindFile, it.Kind())
	assert.Equal(t, "a.txt", it.Name())
	assert.Equal(t, int64(5), it.Stat().Size)

	_, _, err = root.GetItemByPath(ctx, "docs/missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, _, err = root.GetItemByPath(ctx, "docs/a.txt/deeper")
	assert.ErrorIs(t, err, errors.ErrNotFolder)

	self, release2, err := root.GetItemByPath(ctx, "/")
	require.NoError(t, err)
	defer release2()
	assert.Same(t, root, self.(*Folder))
}

func TestCreateFileDeferredUntilFlush(t *testing.T) {
	env := newTreeEnv(t, "local", nil)
	ctx := context.Background()
	root := env.root(t)

	file, err := root.CreateFile(ctx, "new.txt")
	require.NoError(t, err)
	assert.Zero(t, env.srv.count("upload"), "create should not hit the server")

	_, err = file.WriteAt(ctx, []byte("content"), 0)
	require.NoError(t, err)
	require.NoError(t, file.FlushCache(ctx))

	assert.Equal(t, 1, env.srv.count("upload"))
	env.srv.mu.Lock()
	var got []byte
	for _, f := range env.srv.files {
		if f.rec.Name == "new.txt" {
			got = f.data
		}
	}
	env.srv.mu.Unlock()
	assert.Equal(t, []byte("content"), got)
}

func TestCreateDuplicate(t *testing.T) {
	env := newTreeEnv(t, "local", nil)
	env.srv.addFile("root", "a.txt", nil)

	ctx := context.Background()
	root := env.root(t)
	_, err := root.CreateFile(ctx, "a.txt")
	assert.ErrorIs(t, err, errors.ErrDuplicate)

	_, err = root.CreateFolder(ctx, "a.txt")
	assert.ErrorIs(t, err, errors.ErrDuplicate)
}

func TestRefreshKeepsPendingFiles(t *testing.T) {
	env := newTreeEnv(t, "local", func(o *config.Options) {
		o.Backend.RefreshInterval = 0 // refresh on every listing
	})
	env.srv.addFile("root", "old.txt", nil)

	ctx := context.Background()
	root := env.root(t)
	_, err := root.CreateFile(ctx, "pending.txt")
	require.NoError(t, err)

	// Server-side churn: old.txt goes away, side.txt appears.
	env.srv.removeChild("root", "old.txt")
	env.srv.addFile("root", "side.txt", []byte("x"))

	items, err := root.Items(ctx)
	require.NoError(t, err)
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name()
	}
	assert.Equal(t, []string{"pending.txt", "side.txt"}, names)
}

func TestUploadStoreWriteMode(t *testing.T) {
	env := newTreeEnv(t, "s3", nil)
	ctx := context.Background()
	root := env.root(t)

	file, err := root.CreateFile(ctx, "blob")
	require.NoError(t, err)

	// Before the first flush the file is local and freely writable.
	_, err = file.WriteAt(ctx, []byte("abcd"), 0)
	require.NoError(t, err)
	_, err = file.WriteAt(ctx, []byte("XY"), 1)
	require.NoError(t, err)
	require.NoError(t, file.FlushCache(ctx))

	// Once uploaded, the object is immutable.
	_, err = file.WriteAt(ctx, []byte("z"), 0)
	assert.ErrorIs(t, err, errors.ErrWriteType)
	err = file.Truncate(ctx, 1)
	assert.ErrorIs(t, err, errors.ErrWriteType)
}

func TestAppendStoreWriteMode(t *testing.T) {
	env := newTreeEnv(t, "ftp", nil)
	ctx := context.Background()
	root := env.root(t)

	file, err := root.CreateFile(ctx, "log")
	require.NoError(t, err)
	_, err = file.WriteAt(ctx, []byte("aaaa"), 0)
	require.NoError(t, err)

	_, err = file.WriteAt(ctx, []byte("bb"), 4)
	require.NoError(t, err, "write at EOF is an append")

	_, err = file.WriteAt(ctx, []byte("x"), 2)
	assert.ErrorIs(t, err, errors.ErrWriteType)

	err = file.Truncate(ctx, 3)
	assert.ErrorIs(t, err, errors.ErrWriteType)
	assert.NoError(t, file.Truncate(ctx, 0), "reset to empty is allowed")
}

func TestReadOnlyMount(t *testing.T) {
	env := newTreeEnv(t, "local", func(o *config.Options) {
		o.Mount.ReadOnly = true
	})
	ctx := context.Background()
	root := env.root(t)

	_, err := root.CreateFile(ctx, "nope")
	assert.ErrorIs(t, err, errors.ErrReadOnly)
	_, err = root.CreateFolder(ctx, "nope")
	assert.ErrorIs(t, err, errors.ErrReadOnly)
	err = root.DeleteItem(ctx, "anything")
	assert.ErrorIs(t, err, errors.ErrReadOnly)
}

func TestRenameAndOverwrite(t *testing.T) {
	env := newTreeEnv(t, "local", nil)
	env.srv.addFile("root", "a.txt", []byte("A"))
	env.srv.addFile("root", "b.txt", []byte("B"))

	ctx := context.Background()
	root := env.root(t)

	err := root.RenameItem(ctx, "a.txt", "b.txt", false)
	assert.ErrorIs(t, err, errors.ErrDuplicate)

	require.NoError(t, root.RenameItem(ctx, "a.txt", "b.txt", true))
	assert.Equal(t, 1, env.srv.count("renamefile"))
	assert.Equal(t, 1, env.srv.count("deletefile"))

	it, err := root.Lookup(ctx, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), it.Stat().Size)
	_, err = root.Lookup(ctx, "a.txt")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRenamePendingFileIsLocal(t *testing.T) {
	env := newTreeEnv(t, "local", nil)
	ctx := context.Background()
	root := env.root(t)

	file, err := root.CreateFile(ctx, "draft")
	require.NoError(t, err)
	require.NoError(t, root.RenameItem(ctx, "draft", "final", false))
	assert.Zero(t, env.srv.count("renamefile"))

	// The deferred create uses the new name.
	_, err = file.WriteAt(ctx, []byte("v1"), 0)
	require.NoError(t, err)
	require.NoError(t, file.FlushCache(ctx))
	env.srv.mu.Lock()
	_, ok := env.srv.folders["root"].children["final"]
	env.srv.mu.Unlock()
	assert.True(t, ok, "upload should use the renamed name")
}

func TestMoveBetweenFolders(t *testing.T) {
	env := newTreeEnv(t, "local", nil)
	env.srv.addFolder("root", "src")
	env.srv.addFolder("root", "dst")
	env.srv.mu.Lock()
	srcID := env.srv.folders["root"].children["src"]
	env.srv.mu.Unlock()
	env.srv.addFile(srcID, "f.txt", []byte("data"))

	ctx := context.Background()
	root := env.root(t)
	srcItem, err := root.Lookup(ctx, "src")
	require.NoError(t, err)
	dstItem, err := root.Lookup(ctx, "dst")
	require.NoError(t, err)
	src, dst := srcItem.(*Folder), dstItem.(*Folder)

	require.NoError(t, src.MoveItem(ctx, "f.txt", dst, false))
	assert.Equal(t, 1, env.srv.count("movefile"))

	moved, err := dst.Lookup(ctx, "f.txt")
	require.NoError(t, err)
	assert.Same(t, dst, moved.Parent())
	_, err = src.Lookup(ctx, "f.txt")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestDeleteDrainsAndDiscards(t *testing.T) {
	env := newTreeEnv(t, "local", nil)
	env.srv.addFile("root", "gone.txt", []byte("bye"))

	ctx := context.Background()
	root := env.root(t)
	it, err := root.Lookup(ctx, "gone.txt")
	require.NoError(t, err)
	file := it.(*File)

	require.NoError(t, root.DeleteItem(ctx, "gone.txt"))
	assert.Equal(t, 1, env.srv.count("deletefile"))

	_, err = file.ReadAt(ctx, make([]byte, 1), 0)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = root.Lookup(ctx, "gone.txt")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestDeletePendingFileStaysLocal(t *testing.T) {
	env := newTreeEnv(t, "local", nil)
	ctx := context.Background()
	root := env.root(t)

	_, err := root.CreateFile(ctx, "scratch")
	require.NoError(t, err)
	require.NoError(t, root.DeleteItem(ctx, "scratch"))
	assert.Zero(t, env.srv.count("deletefile"))
}

func TestSuperRootLayout(t *testing.T) {
	env := newTreeEnv(t, "local", func(o *config.Options) {
		o.Backend.Folder = ""
	})
	ctx := context.Background()
	root := env.root(t)

	items, err := root.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "adopted", items[0].Name())
	assert.Equal(t, "filesystems", items[1].Name())

	_, err = root.CreateFile(ctx, "x")
	assert.ErrorIs(t, err, errors.ErrModify)

	fsList, err := root.Lookup(ctx, "filesystems")
	require.NoError(t, err)
	roots, err := fsList.(*Folder).Items(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "default", roots[0].Name())
}

func TestAdoptedFolderListing(t *testing.T) {
	env := newTreeEnv(t, "local", func(o *config.Options) {
		o.Backend.Folder = ""
	})
	sid := env.srv.addFolder("root", "shared")
	env.srv.mu.Lock()
	env.srv.adopted = append(env.srv.adopted, env.srv.folders[sid].rec)
	env.srv.mu.Unlock()
	env.srv.addFile(sid, "note.txt", []byte("n"))

	ctx := context.Background()
	root := env.root(t)

	ad, err := root.Lookup(ctx, "adopted")
	require.NoError(t, err)
	items, err := ad.(*Folder).Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "shared", items[0].Name())
	assert.Equal(t, 1, env.srv.count("listadopted"))

	it, err := items[0].(*Folder).Lookup(ctx, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, KindFile, it.Kind())
}

func TestFilesystemRootMount(t *testing.T) {
	env := newTreeEnv(t, "local", func(o *config.Options) {
		o.Backend.Folder = ""
		o.Backend.Filesystem = "fs1"
	})
	env.srv.addFile("root", "top.txt", []byte("t"))

	ctx := context.Background()
	root := env.root(t)
	assert.Equal(t, "default", root.Name())

	it, err := root.Lookup(ctx, "top.txt")
	require.NoError(t, err)
	assert.Equal(t, KindFile, it.Kind())
}

func TestRemoteSizeChangeRefreshesFile(t *testing.T) {
	env := newTreeEnv(t, "local", func(o *config.Options) {
		o.Backend.RefreshInterval = 0
	})
	id := env.srv.addFile("root", "grow.txt", []byte("aa"))

	ctx := context.Background()
	root := env.root(t)
	it, err := root.Lookup(ctx, "grow.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), it.Stat().Size)

	env.srv.mu.Lock()
	env.srv.files[id].data = []byte("aaaa")
	env.srv.mu.Unlock()

	it, err = root.Lookup(ctx, "grow.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(4), it.Stat().Size)
}
