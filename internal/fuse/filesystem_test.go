//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanwen/go-fuse/v2/fuse"
)

func TestStatfsReportsOnlyNameLimit(t *testing.T) {
	n := &folderNode{}
	var out fuse.StatfsOut
	require.EqualValues(t, 0, n.Statfs(context.Background(), &out))

	assert.EqualValues(t, 255, out.NameLen)
	// The server reports no capacity; none is invented.
	assert.Zero(t, out.Blocks)
	assert.Zero(t, out.Bfree)
	assert.Zero(t, out.Bavail)
}

func TestDotEntriesFollowListing(t *testing.T) {
	entries := appendDotEntries([]fuse.DirEntry{
		{Name: "a.txt", Mode: fuse.S_IFREG},
		{Name: "sub", Mode: fuse.S_IFDIR},
	})

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"a.txt", "sub", ".", ".."}, names)
}
