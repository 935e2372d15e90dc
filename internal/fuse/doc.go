/*
Package fuse bridges the kernel FUSE protocol to the item tree.

Two implementations exist behind build constraints:

  - the default build uses github.com/hanwen/go-fuse/v2, the fast
    inode-based API, and is the primary path on Linux
  - the cgofuse build (go build -tags cgofuse) uses
    github.com/winfsp/cgofuse for macOS and Windows, where kernel FUSE
    arrives through macFUSE or WinFsp

Both translate the same way: directories map to fsitems.Folder,
regular files to fsitems.File, and every errno returned to the kernel
comes from one shared mapping of the item-tree error set. File content
never passes through this package beyond a copy into the kernel
buffer; reads and writes go straight to the file's page manager, which
handles caching, read-ahead, and write-back.

Deliberate deviations from POSIX, inherited from what the server can
express: changing a file's parent and name in a single rename is
refused (EIO), chmod and chown are unsupported unless the mount fakes
them, and timestamps are owned by the server so utimens is accepted
and dropped.
*/
package fuse
