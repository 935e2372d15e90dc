package backend

import "sync"

// uploadMinSize floors the adaptive chunk size; a 413 below this means the
// server is misconfigured and the error is surfaced instead of retried.
const uploadMinSize = 4 * 1024

// serverConfig holds server-advertised limits loaded at startup. The upload
// byte limit is the one mutable field: it shrinks when the server rejects a
// body as too large.
type serverConfig struct {
	mu             sync.Mutex
	apiVersion     int
	readOnly       bool
	uploadMaxBytes int64
	pageSizeHint   int64
}

func (c *serverConfig) load(core CoreConfig, files FilesConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiVersion = core.APIVersion
	c.readOnly = core.ReadOnly || files.ReadOnly
	c.uploadMaxBytes = files.UploadMaxBytes
	c.pageSizeHint = files.PageSize
}

func (c *serverConfig) isReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnly
}

// UploadMaxBytes returns the current upload body limit; 0 means unknown.
func (c *serverConfig) UploadMaxBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploadMaxBytes
}

// SetUploadMaxBytes lowers the upload limit after a size rejection.
func (c *serverConfig) SetUploadMaxBytes(limit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadMaxBytes = limit
}

// PageSizeHint returns the server-preferred page size; 0 means none.
func (c *serverConfig) PageSizeHint() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageSizeHint
}
