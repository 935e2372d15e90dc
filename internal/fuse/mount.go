//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cirrusfs/cirrusfs/internal/config"
)

// MountManager owns the kernel mount for one FileSystem.
type MountManager struct {
	filesystem *FileSystem
	opts       *config.Options
	log        *slog.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// NewMountManager creates a mount manager for the filesystem.
func NewMountManager(filesystem *FileSystem, opts *config.Options, log *slog.Logger) *MountManager {
	return &MountManager{
		filesystem: filesystem,
		opts:       opts,
		log:        log,
	}
}

// Mount attaches the filesystem at the configured mount point. Serving
// happens on kernel request threads; Mount returns once the kernel
// handshake completes.
func (m *MountManager) Mount() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}

	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fs.Mount(m.opts.Mount.Path, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true
	m.log.Info("filesystem mounted", "path", m.opts.Mount.Path)
	return nil
}

// Unmount detaches the filesystem, falling back to a lazy unmount when
// the mount point is busy.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted || m.server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	if err := m.server.Unmount(); err != nil {
		m.log.Warn("unmount failed, detaching lazily", "error", err)
		if forceErr := syscall.Unmount(m.opts.Mount.Path, 2); forceErr != nil {
			return fmt.Errorf("unmount failed: %w", err)
		}
	}

	m.mounted = false
	m.server = nil
	m.log.Info("filesystem unmounted", "path", m.opts.Mount.Path)
	return nil
}

// IsMounted reports whether the filesystem is currently attached.
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// Wait blocks until the kernel connection closes, either through
// Unmount or an external umount of the mount point.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// GetStats returns the filesystem's operation counters.
func (m *MountManager) GetStats() Stats {
	return m.filesystem.GetStats()
}

func (m *MountManager) validateMountPoint() error {
	path := m.opts.Mount.Path
	if path == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", path)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.log.Warn("mount point is not empty", "path", path)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	attrTimeout := time.Second
	entryTimeout := time.Second

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:     "cirrusfs",
			FsName:   "cirrusfs",
			Debug:    m.opts.Global.Debug >= 3,
			MaxWrite: int(m.opts.Cache.PageSize),
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,

		// Permission bits are synthetic; let the kernel skip enforcing them.
		NullPermissions: true,
	}

	if m.opts.Mount.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	opts.Options = append(opts.Options, m.opts.Mount.FuseOptions...)
	return opts
}
