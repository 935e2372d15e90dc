//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"syscall"

	"github.com/cirrusfs/cirrusfs/pkg/errors"
)

// errno translates an item-tree error into the errno the kernel expects.
// Anything unrecognized is a plain I/O error.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errors.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, errors.ErrNotFile):
		return syscall.EISDIR
	case errors.Is(err, errors.ErrNotFolder):
		return syscall.ENOTDIR
	case errors.Is(err, errors.ErrDuplicate):
		return syscall.EEXIST
	case errors.Is(err, errors.ErrReadOnly), errors.Is(err, errors.ErrReadOnlyFS):
		return syscall.EROFS
	case errors.Is(err, errors.ErrModify),
		errors.Is(err, errors.ErrWriteType),
		errors.Is(err, errors.ErrUnsupported):
		return syscall.ENOTSUP
	case errors.Is(err, errors.ErrDenied):
		return syscall.EACCES
	case errors.Is(err, errors.ErrConnection):
		return syscall.EHOSTDOWN
	case errors.Is(err, errors.ErrMemory):
		return syscall.ENOMEM
	case errors.Is(err, errors.ErrReadBounds):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}
