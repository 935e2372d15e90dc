//go:build cgofuse
// +build cgofuse

package fuse

import (
	"log/slog"

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

// CreatePlatformMount builds the cgofuse based mount, used on macOS and
// Windows builds.
func CreatePlatformMount(root *fsitems.Folder, opts *config.Options, log *slog.Logger) PlatformMount {
	return NewCgoFuseMount(root, opts, log)
}
