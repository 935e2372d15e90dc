//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"log/slog"
	"os"

	"github.com/cirrusfs/cirrusfs/internal/config"
	"github.com/cirrusfs/cirrusfs/internal/fsitems"
)

// PlatformMount is the mount surface shared by the go-fuse and cgofuse
// implementations, selected at build time.
type PlatformMount interface {
	Mount() error
	Unmount() error
	IsMounted() bool
	Wait()
}

// CreatePlatformMount builds the go-fuse based mount, the default on
// Linux.
func CreatePlatformMount(root *fsitems.Folder, opts *config.Options, log *slog.Logger) PlatformMount {
	fsys := NewFileSystem(root, opts,
		safeIntToUint32(os.Getuid()), safeIntToUint32(os.Getgid()), log)
	return NewMountManager(fsys, opts, log)
}
