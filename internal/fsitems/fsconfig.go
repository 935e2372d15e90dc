package fsitems

import (
	"context"
	"fmt"
	"sync"

	"github.com/cirrusfs/cirrusfs/internal/backend"
)

// WriteMode is the write capability a filesystem's storage grants.
type WriteMode int

const (
	// WriteUpload stores can only receive whole new files: a file may be
	// written freely before its first flush and never again.
	WriteUpload WriteMode = iota
	// WriteAppend stores accept appends at the current end of file only.
	WriteAppend
	// WriteRandom stores accept writes at any offset.
	WriteRandom
)

func (m WriteMode) String() string {
	switch m {
	case WriteUpload:
		return "upload"
	case WriteAppend:
		return "append"
	default:
		return "random"
	}
}

// writeModeForStorage maps a server storage type to its write mode.
// Object stores cannot patch ranges; FTP-style stores can only append.
func writeModeForStorage(sttype string) WriteMode {
	switch sttype {
	case "s3", "b2", "swift", "object":
		return WriteUpload
	case "ftp":
		return WriteAppend
	default:
		return WriteRandom
	}
}

// FSConfig is the immutable storage configuration of one filesystem.
// All files on the same filesystem share a single instance.
type FSConfig struct {
	ID        string
	Name      string
	RootID    string
	ChunkSize int64 // 0 means unconstrained
	ReadOnly  bool
	WriteMode WriteMode
}

// FSConfigRegistry caches one FSConfig per filesystem id, process-wide.
type FSConfigRegistry struct {
	backend *backend.Backend

	mu   sync.Mutex
	cfgs map[string]*FSConfig
}

// NewFSConfigRegistry creates an empty registry over the given backend.
func NewFSConfigRegistry(b *backend.Backend) *FSConfigRegistry {
	return &FSConfigRegistry{backend: b, cfgs: make(map[string]*FSConfig)}
}

// Load returns the cached config for a filesystem, fetching it on first
// use. The empty id resolves to the account default filesystem.
func (r *FSConfigRegistry) Load(ctx context.Context, fsid string) (*FSConfig, error) {
	r.mu.Lock()
	if cfg, ok := r.cfgs[fsid]; ok {
		r.mu.Unlock()
		return cfg, nil
	}
	r.mu.Unlock()

	rec, err := r.backend.GetFilesystem(ctx, fsid)
	if err != nil {
		return nil, fmt.Errorf("loading filesystem config %q: %w", fsid, err)
	}
	cfg := newFSConfig(rec)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cfgs[fsid]; ok {
		return existing, nil
	}
	r.cfgs[fsid] = cfg
	if fsid != rec.ID {
		r.cfgs[rec.ID] = cfg
	}
	return cfg, nil
}

// Put registers a config built from an already-fetched record.
func (r *FSConfigRegistry) Put(rec backend.FilesystemRecord) *FSConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cfgs[rec.ID]; ok {
		return existing
	}
	cfg := newFSConfig(rec)
	r.cfgs[rec.ID] = cfg
	return cfg
}

func newFSConfig(rec backend.FilesystemRecord) *FSConfig {
	return &FSConfig{
		ID:        rec.ID,
		Name:      rec.Name,
		RootID:    rec.RootID,
		ChunkSize: rec.ChunkSize,
		ReadOnly:  rec.ReadOnly,
		WriteMode: writeModeForStorage(rec.StorageType),
	}
}
