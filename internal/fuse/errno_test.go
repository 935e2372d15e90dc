//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cirrusfs/cirrusfs/pkg/errors"
)

func TestErrnoMapping(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{errors.ErrNotFound, syscall.ENOENT},
		{errors.ErrNotFile, syscall.EISDIR},
		{errors.ErrNotFolder, syscall.ENOTDIR},
		{errors.ErrDuplicate, syscall.EEXIST},
		{errors.ErrReadOnly, syscall.EROFS},
		{errors.ErrReadOnlyFS, syscall.EROFS},
		{errors.ErrModify, syscall.ENOTSUP},
		{errors.ErrWriteType, syscall.ENOTSUP},
		{errors.ErrUnsupported, syscall.ENOTSUP},
		{errors.ErrDenied, syscall.EACCES},
		{errors.ErrConnection, syscall.EHOSTDOWN},
		{errors.ErrMemory, syscall.ENOMEM},
		{errors.ErrReadBounds, syscall.EINVAL},
		{errors.New("anything else"), syscall.EIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errno(tt.err), "for %v", tt.err)
	}
}

func TestErrnoUnwrapsContext(t *testing.T) {
	wrapped := fmt.Errorf("flushing %q: %w", "a.txt", errors.ErrReadOnly)
	assert.Equal(t, syscall.EROFS, errno(wrapped))
}
