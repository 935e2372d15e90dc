package filedata

import (
	"context"
	"fmt"
	"sync"

	"github.com/cirrusfs/cirrusfs/internal/backend"
	"github.com/cirrusfs/cirrusfs/pkg/errors"
)

// BackendOps is the slice of backend calls the page layer needs.
type BackendOps interface {
	ReadFile(ctx context.Context, id string, offset, length int64, fn func(offset int64, data []byte) error) error
	WriteFile(ctx context.Context, id string, offset int64, data []byte) error
	UploadFile(ctx context.Context, parentID, name string, data []byte, overwrite bool) (backend.ItemRecord, error)
	TruncateFile(ctx context.Context, id string, size int64) error
	UploadMaxBytes() int64
}

// PageBackend translates page-granular reads and writes for one file into
// backend calls. Files created locally have no server id until the first
// flush; the create is deferred to that flush. PageBackend never touches
// PageManager state and is only called under PageManager locks.
type PageBackend struct {
	ops      BackendOps
	pageSize int64

	mu          sync.Mutex
	fileID      string // empty until the file exists on the server
	parentID    string
	name        string
	backendSize int64
	onCreate    func(backend.ItemRecord)
}

// NewPageBackend wraps an existing server file.
func NewPageBackend(ops BackendOps, pageSize int64, fileID string, backendSize int64) *PageBackend {
	return &PageBackend{ops: ops, pageSize: pageSize, fileID: fileID, backendSize: backendSize}
}

// NewPendingPageBackend wraps a locally created file that does not exist on
// the server yet. onCreate is invoked with the new record once the first
// flush creates it.
func NewPendingPageBackend(ops BackendOps, pageSize int64, parentID, name string, onCreate func(backend.ItemRecord)) *PageBackend {
	return &PageBackend{ops: ops, pageSize: pageSize, parentID: parentID, name: name, onCreate: onCreate}
}

// ExistsOnBackend reports whether the file has a server id.
func (pb *PageBackend) ExistsOnBackend() bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.fileID != ""
}

// BackendSize returns the size the server knows about.
func (pb *PageBackend) BackendSize() int64 {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.backendSize
}

// SetBackendSize records a size change observed on the server.
func (pb *PageBackend) SetBackendSize(size int64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.backendSize = size
}

// SetName updates the pending-create name after a local rename.
func (pb *PageBackend) SetName(name string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.name = name
}

// SetParent updates the pending-create parent after a local move.
func (pb *PageBackend) SetParent(parentID string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.parentID = parentID
}

// WriteBudget returns the preferred byte ceiling for one flush.
func (pb *PageBackend) WriteBudget() int64 { return pb.ops.UploadMaxBytes() }

// ReadPages downloads count pages starting at start in one ranged request,
// slicing the stream into pages and passing each completed page to fn in
// index order. Pages wholly past the server size produce nothing; fn gets
// page content sized by the server, short only for the final page.
func (pb *PageBackend) ReadPages(ctx context.Context, start, count int64, fn func(index int64, data []byte) error) error {
	pb.mu.Lock()
	fileID, backendSize := pb.fileID, pb.backendSize
	pb.mu.Unlock()

	if fileID == "" {
		return nil
	}

	byteStart := start * pb.pageSize
	byteEnd := (start + count) * pb.pageSize
	if byteEnd > backendSize {
		byteEnd = backendSize
	}
	if byteStart >= byteEnd {
		return nil
	}

	index := start
	page := make([]byte, 0, pb.pageSize)
	err := pb.ops.ReadFile(ctx, fileID, byteStart, byteEnd-byteStart, func(_ int64, data []byte) error {
		for len(data) > 0 {
			take := pb.pageSize - int64(len(page))
			if take > int64(len(data)) {
				take = int64(len(data))
			}
			page = append(page, data[:take]...)
			data = data[take:]

			if int64(len(page)) == pb.pageSize {
				if err := fn(index, page); err != nil {
					return err
				}
				index++
				page = page[:0]
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(page) > 0 {
		return fn(index, page)
	}
	return nil
}

// WritePages uploads a contiguous run of pages starting at start and
// returns the resulting server size. On a file with no server id a run
// starting at page 0 performs the deferred create with the body inline;
// any other run, or a body the server rejects as too large for one
// request, creates the file empty first and then writes into it.
func (pb *PageBackend) WritePages(ctx context.Context, start int64, pages [][]byte) (int64, error) {
	var total int64
	for _, p := range pages {
		total += int64(len(p))
	}
	data := make([]byte, 0, total)
	for _, p := range pages {
		data = append(data, p...)
	}

	pb.mu.Lock()
	fileID := pb.fileID
	parentID, name := pb.parentID, pb.name
	pb.mu.Unlock()

	if fileID == "" {
		if start == 0 {
			rec, err := pb.ops.UploadFile(ctx, parentID, name, data, true)
			if err == nil {
				pb.created(rec, int64(len(data)))
				return int64(len(data)), nil
			}
			if !errors.Is(err, errors.ErrInputSize) {
				return 0, fmt.Errorf("creating %q: %w", name, err)
			}
			// Body too large for one request: create empty and let
			// WriteFile split it.
		}

		rec, err := pb.ops.UploadFile(ctx, parentID, name, nil, true)
		if err != nil {
			return 0, fmt.Errorf("creating %q: %w", name, err)
		}
		pb.created(rec, 0)
		fileID = rec.ID
	}

	offset := start * pb.pageSize
	if err := pb.ops.WriteFile(ctx, fileID, offset, data); err != nil {
		return 0, err
	}

	pb.mu.Lock()
	if end := offset + int64(len(data)); end > pb.backendSize {
		pb.backendSize = end
	}
	size := pb.backendSize
	pb.mu.Unlock()
	return size, nil
}

func (pb *PageBackend) created(rec backend.ItemRecord, size int64) {
	pb.mu.Lock()
	pb.fileID = rec.ID
	pb.backendSize = size
	onCreate := pb.onCreate
	pb.mu.Unlock()
	if onCreate != nil {
		onCreate(rec)
	}
}

// Truncate sets the server-side size. On a file with no server id the
// truncate is deferred: the next flush creates the file and asserts the
// size afterwards.
func (pb *PageBackend) Truncate(ctx context.Context, size int64) error {
	pb.mu.Lock()
	fileID := pb.fileID
	pb.mu.Unlock()

	if fileID == "" {
		return nil
	}
	if err := pb.ops.TruncateFile(ctx, fileID, size); err != nil {
		return err
	}

	pb.mu.Lock()
	pb.backendSize = size
	pb.mu.Unlock()
	return nil
}
