//go:build cgofuse
// +build cgofuse

package fuse

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/cirrusfs/cirrusfs/internal/config"
	"github.com/cirrusfs/cirrusfs/internal/fsitems"
)

// CgoFuseMount owns the cgofuse host for one filesystem.
type CgoFuseMount struct {
	fsys *CgoFuseFS
	opts *config.Options
	log  *slog.Logger

	mu      sync.Mutex
	host    *fuse.FileSystemHost
	done    chan struct{}
	mounted bool
}

// NewCgoFuseMount creates a cgofuse mount over the given root.
func NewCgoFuseMount(root *fsitems.Folder, opts *config.Options, log *slog.Logger) *CgoFuseMount {
	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())
	return &CgoFuseMount{
		fsys: NewCgoFuseFS(root, opts, uid, gid, log),
		opts: opts,
		log:  log,
	}
}

// Mount attaches the filesystem. cgofuse serves from its own goroutine;
// Mount returns immediately after starting it.
func (m *CgoFuseMount) Mount() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}

	m.host = fuse.NewFileSystemHost(m.fsys)
	m.done = make(chan struct{})

	options := []string{"-o", "fsname=cirrusfs"}
	if m.opts.Mount.ReadOnly {
		options = append(options, "-o", "ro")
	}
	if runtime.GOOS == "darwin" {
		options = append(options, "-o", "volname=CirrusFS")
	}
	for _, opt := range m.opts.Mount.FuseOptions {
		options = append(options, "-o", opt)
	}

	go func() {
		defer close(m.done)
		if !m.host.Mount(m.opts.Mount.Path, options) {
			m.log.Error("cgofuse mount exited with failure",
				"path", m.opts.Mount.Path)
		}
	}()

	m.mounted = true
	m.log.Info("filesystem mounted", "path", m.opts.Mount.Path)
	return nil
}

// Unmount detaches the filesystem.
func (m *CgoFuseMount) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted || m.host == nil {
		return fmt.Errorf("filesystem is not mounted")
	}
	if !m.host.Unmount() {
		return fmt.Errorf("unmount failed for %s", m.opts.Mount.Path)
	}
	m.mounted = false
	return nil
}

// IsMounted reports whether the filesystem is currently attached.
func (m *CgoFuseMount) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// Wait blocks until the serve loop exits.
func (m *CgoFuseMount) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}
