// Package backend talks to the remote CirrusFS server. The Runner layer
// moves raw requests over HTTP or a local CLI binary; the Backend facade
// on top adds session auth to every call, decodes the JSON response
// envelope, and exposes typed operations for the item tree and page cache.
package backend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cirrusfs/cirrusfs/pkg/errors"
)

// envelope is the JSON wrapper around every API response.
type envelope struct {
	Ok      bool            `json:"ok"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	AppData json.RawMessage `json:"appdata"`
}

// decodeResponse parses the envelope and returns the appdata payload, or
// the mapped failure when ok is false.
func decodeResponse(body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &errors.JSONError{Cause: err, Body: string(body)}
	}
	if !env.Ok {
		return nil, mapFailure(env.Code, env.Message)
	}
	return env.AppData, nil
}

// mapFailure translates a server code/message pair into the typed error set.
func mapFailure(code int, message string) error {
	switch code {
	case 400:
		switch message {
		case "FILESYSTEM_MISMATCH", "STORAGE_FOLDERS_UNSUPPORTED":
			return fmt.Errorf("%s: %w", message, errors.ErrUnsupported)
		case "ACCOUNT_CRYPTO_NOT_UNLOCKED":
			return fmt.Errorf("%s: %w", message, errors.ErrDenied)
		}
	case 403:
		switch {
		case message == "AUTHENTICATION_FAILED":
			return errors.ErrAuthFailed
		case message == "TWOFACTOR_REQUIRED":
			return errors.ErrTwoFactor
		case strings.HasPrefix(message, "READ_ONLY_"):
			return fmt.Errorf("%s: %w", message, errors.ErrReadOnlyFS)
		default:
			return fmt.Errorf("%s: %w", message, errors.ErrDenied)
		}
	case 404:
		return fmt.Errorf("%s: %w", message, errors.ErrNotFound)
	}
	return errors.NewAPIError(code, message)
}

// Backend is the typed facade over a Runner. It is safe for concurrent use.
type Backend struct {
	runner Runner
	cfg    serverConfig
	log    *slog.Logger

	// memory disables server persistence of file data: reads yield zeros
	// and writes, truncates and uploads are local no-ops.
	memory bool

	mu         sync.Mutex
	sessionID  string
	sessionKey string
	username   string
	sudoUser   string

	requests atomic.Int64
}

// New creates a Backend over the given runner.
func New(runner Runner, log *slog.Logger) *Backend {
	return &Backend{runner: runner, log: log}
}

// SetMemoryMode puts the backend in memory-only mode for file data.
func (b *Backend) SetMemoryMode(on bool) { b.memory = on }

// SetSudoUser makes calls act on behalf of the given account without a
// session, for servers that allow it.
func (b *Backend) SetSudoUser(username string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sudoUser = username
}

// Hostname identifies the server for display and session records.
func (b *Backend) Hostname() string { return b.runner.Hostname() }

// Username returns the authenticated account name, if any.
func (b *Backend) Username() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.username
}

// RequestCount returns the number of actions issued so far.
func (b *Backend) RequestCount() int64 { return b.requests.Load() }

// ReadOnly reports whether the server side is read-only.
func (b *Backend) ReadOnly() bool { return b.cfg.isReadOnly() }

// PageSizeHint returns the server-preferred page size; 0 means none.
func (b *Backend) PageSizeHint() int64 { return b.cfg.PageSizeHint() }

// UploadMaxBytes returns the current upload body limit; 0 means unknown.
func (b *Backend) UploadMaxBytes() int64 { return b.cfg.UploadMaxBytes() }

// finalize adds session auth parameters to the input.
func (b *Backend) finalize(in *Input) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if in.Params == nil {
		in.Params = make(map[string]string)
	}
	if b.sessionID != "" {
		in.Params["auth_sessionid"] = b.sessionID
		in.Params["auth_sessionkey"] = b.sessionKey
	} else if b.sudoUser != "" {
		in.Params["auth_sudouser"] = b.sudoUser
	}
}

// runJSON executes an action and decodes the envelope.
func (b *Backend) runJSON(ctx context.Context, in Input) (json.RawMessage, error) {
	b.finalize(&in)
	b.requests.Add(1)
	b.log.Debug("backend action", "app", in.App, "action", in.Action)

	body, err := b.runner.RunAction(ctx, in)
	if err != nil {
		return nil, err
	}
	return decodeResponse(body)
}

// runInto executes an action and unmarshals the appdata into out.
func (b *Backend) runInto(ctx context.Context, in Input, out any) error {
	data, err := b.runJSON(ctx, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &errors.JSONError{Cause: err, Body: string(data)}
	}
	return nil
}

// Initialize fetches server configuration. Must succeed before any other
// call; retries stay disabled until EnableRetry.
func (b *Backend) Initialize(ctx context.Context) error {
	var core CoreConfig
	in := NewInput("core", "getconfig")
	in.Idempotent = true
	if err := b.runInto(ctx, in, &core); err != nil {
		return fmt.Errorf("core getconfig: %w", err)
	}

	var files FilesConfig
	in = NewInput("files", "getconfig")
	in.Idempotent = true
	if err := b.runInto(ctx, in, &files); err != nil {
		return fmt.Errorf("files getconfig: %w", err)
	}

	b.cfg.load(core, files)
	return nil
}

// EnableRetry turns on transport retries for idempotent actions. Called
// once the mount reaches steady state.
func (b *Backend) EnableRetry() { b.runner.EnableRetry() }

// Authenticate creates a session for the given credentials. twoFactor may
// be empty; the server answers ErrTwoFactor when one is required.
func (b *Backend) Authenticate(ctx context.Context, username, password, twoFactor string) error {
	in := NewInput("accounts", "createsession",
		"username", username,
		"auth_password", password)
	if twoFactor != "" {
		in.Params["auth_twofactor"] = twoFactor
	}

	var rec SessionRecord
	if err := b.runInto(ctx, in, &rec); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = rec.Client.Session.ID
	b.sessionKey = rec.Client.Session.Key
	b.username = rec.Account.Username
	return nil
}

// PreAuthenticate installs a previously stored session without contacting
// the server. Validity is checked by the next call.
func (b *Backend) PreAuthenticate(sessionID, sessionKey, username string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = sessionID
	b.sessionKey = sessionKey
	b.username = username
}

// Session returns the current session id and key, for persistence.
func (b *Backend) Session() (id, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID, b.sessionKey
}

// CloseSession deletes the server session and forgets the local copy.
func (b *Backend) CloseSession(ctx context.Context) error {
	b.mu.Lock()
	haveSession := b.sessionID != ""
	b.mu.Unlock()
	if !haveSession {
		return nil
	}

	err := b.runInto(ctx, NewInput("accounts", "deleteclient"), nil)

	b.mu.Lock()
	b.sessionID = ""
	b.sessionKey = ""
	b.mu.Unlock()
	return err
}

// GetAccount fetches the authenticated account record.
func (b *Backend) GetAccount(ctx context.Context) (AccountRecord, error) {
	var rec AccountRecord
	in := NewInput("accounts", "getaccount")
	in.Idempotent = true
	err := b.runInto(ctx, in, &rec)
	return rec, err
}

// GetFolder fetches a folder record with its listed children. An empty id
// requests the default root folder.
func (b *Backend) GetFolder(ctx context.Context, id string) (FolderContents, error) {
	in := NewInput("files", "getfolder", "files", "true", "folders", "true", "counts", "false")
	if id != "" {
		in.Params["folder"] = id
	}
	in.Idempotent = true

	var rec FolderContents
	err := b.runInto(ctx, in, &rec)
	return rec, err
}

// GetFSRoot fetches the root folder of a filesystem with its children.
func (b *Backend) GetFSRoot(ctx context.Context, fsid string) (FolderContents, error) {
	in := NewInput("files", "getfolder", "files", "true", "folders", "true", "counts", "false")
	if fsid != "" {
		in.Params["filesystem"] = fsid
	}
	in.Idempotent = true

	var rec FolderContents
	err := b.runInto(ctx, in, &rec)
	return rec, err
}

// GetFilesystem fetches one filesystem record. An empty id requests the
// account default.
func (b *Backend) GetFilesystem(ctx context.Context, id string) (FilesystemRecord, error) {
	in := NewInput("files", "getfilesystem")
	if id != "" {
		in.Params["filesystem"] = id
	}
	in.Idempotent = true

	var rec FilesystemRecord
	err := b.runInto(ctx, in, &rec)
	return rec, err
}

// GetFilesystems lists all filesystems visible to the account.
func (b *Backend) GetFilesystems(ctx context.Context) ([]FilesystemRecord, error) {
	in := NewInput("files", "getfilesystems")
	in.Idempotent = true

	var recs []FilesystemRecord
	err := b.runInto(ctx, in, &recs)
	return recs, err
}

// ListAdopted lists folders shared into the account from elsewhere.
func (b *Backend) ListAdopted(ctx context.Context) ([]ItemRecord, error) {
	in := NewInput("files", "listadopted")
	in.Idempotent = true

	var recs []ItemRecord
	err := b.runInto(ctx, in, &recs)
	return recs, err
}

// GetLimits fetches usage limits for a filesystem. The payload shape is
// server-defined; callers inspect the raw document.
func (b *Backend) GetLimits(ctx context.Context, fsid string) (json.RawMessage, error) {
	in := NewInput("files", "getlimits", "filesystem", fsid)
	in.Idempotent = true
	return b.runJSON(ctx, in)
}

// memoryRecord fabricates an item record for memory-only mode, where the
// server never learns about the file.
func memoryRecord(name string) ItemRecord {
	buf := make([]byte, 8)
	rand.Read(buf)
	return ItemRecord{ID: hex.EncodeToString(buf), Name: name}
}

// CreateFile creates an empty file on the server and returns its record.
func (b *Backend) CreateFile(ctx context.Context, parentID, name string) (ItemRecord, error) {
	if b.memory {
		return memoryRecord(name), nil
	}
	return b.UploadFile(ctx, parentID, name, nil, true)
}

// UploadFile creates a file with the given content in one request.
func (b *Backend) UploadFile(ctx context.Context, parentID, name string, data []byte, overwrite bool) (ItemRecord, error) {
	if b.memory {
		return memoryRecord(name), nil
	}
	in := NewInput("files", "upload",
		"parent", parentID,
		"overwrite", strconv.FormatBool(overwrite))
	in.Files = map[string]FileData{"file": {Name: name, Data: data}}

	var rec ItemRecord
	err := b.runInto(ctx, in, &rec)
	return rec, err
}

// CreateFolder creates a folder and returns its record.
func (b *Backend) CreateFolder(ctx context.Context, parentID, name string) (ItemRecord, error) {
	in := NewInput("files", "createfolder", "parent", parentID, "name", name)

	var rec ItemRecord
	err := b.runInto(ctx, in, &rec)
	return rec, err
}

// DeleteFile deletes a file. A missing file is not an error: the desired
// state is already true.
func (b *Backend) DeleteFile(ctx context.Context, id string) error {
	in := NewInput("files", "deletefile", "file", id)
	in.Idempotent = true
	err := b.runInto(ctx, in, nil)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	return err
}

// DeleteFolder deletes a folder recursively. Missing folders are ignored.
func (b *Backend) DeleteFolder(ctx context.Context, id string) error {
	in := NewInput("files", "deletefolder", "folder", id)
	in.Idempotent = true
	err := b.runInto(ctx, in, nil)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	return err
}

// RenameFile renames a file within its parent folder.
func (b *Backend) RenameFile(ctx context.Context, id, name string, overwrite bool) error {
	in := NewInput("files", "renamefile",
		"file", id, "name", name,
		"overwrite", strconv.FormatBool(overwrite))
	in.Idempotent = true
	return b.runInto(ctx, in, nil)
}

// RenameFolder renames a folder within its parent folder.
func (b *Backend) RenameFolder(ctx context.Context, id, name string, overwrite bool) error {
	in := NewInput("files", "renamefolder",
		"folder", id, "name", name,
		"overwrite", strconv.FormatBool(overwrite))
	in.Idempotent = true
	return b.runInto(ctx, in, nil)
}

// MoveFile moves a file into another folder.
func (b *Backend) MoveFile(ctx context.Context, id, parentID string, overwrite bool) error {
	in := NewInput("files", "movefile",
		"file", id, "parent", parentID,
		"overwrite", strconv.FormatBool(overwrite))
	in.Idempotent = true
	return b.runInto(ctx, in, nil)
}

// MoveFolder moves a folder into another folder.
func (b *Backend) MoveFolder(ctx context.Context, id, parentID string, overwrite bool) error {
	in := NewInput("files", "movefolder",
		"folder", id, "parent", parentID,
		"overwrite", strconv.FormatBool(overwrite))
	in.Idempotent = true
	return b.runInto(ctx, in, nil)
}

// ReadFile streams length bytes of a file starting at offset. fn receives
// chunks with their offsets relative to the start of the read. The total
// byte count must match length exactly.
func (b *Backend) ReadFile(ctx context.Context, id string, offset, length int64, fn func(offset int64, data []byte) error) error {
	if length <= 0 {
		return nil
	}
	if b.memory {
		return zeroFill(length, fn)
	}

	in := NewInput("files", "download",
		"file", id,
		"fstart", strconv.FormatInt(offset, 10),
		"flast", strconv.FormatInt(offset+length-1, 10))
	in.Idempotent = true
	b.finalize(&in)
	b.requests.Add(1)
	b.log.Debug("backend download", "file", id, "offset", offset, "length", length)

	var total int64
	err := b.runner.RunActionStream(ctx, in, func(off int64, data []byte) error {
		total += int64(len(data))
		if total > length {
			return fmt.Errorf("got %d of %d bytes: %w", total, length, errors.ErrReadSize)
		}
		return fn(off, data)
	})
	if err != nil {
		return err
	}
	if total != length {
		return fmt.Errorf("got %d of %d bytes: %w", total, length, errors.ErrReadSize)
	}
	return nil
}

// zeroFill feeds length zero bytes to fn, for memory-only reads.
func zeroFill(length int64, fn func(offset int64, data []byte) error) error {
	zeros := make([]byte, 64*1024)
	var off int64
	for off < length {
		n := int64(len(zeros))
		if length-off < n {
			n = length - off
		}
		if err := fn(off, zeros[:n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// WriteFile writes data into an existing file at offset. Payloads larger
// than the server's advertised limit are split; a size rejection halves
// the chunk size and retries, down to a 4 KiB floor.
func (b *Backend) WriteFile(ctx context.Context, id string, offset int64, data []byte) error {
	if b.memory {
		return nil
	}

	for len(data) > 0 {
		chunk := int64(len(data))
		if limit := b.cfg.UploadMaxBytes(); limit > 0 && chunk > limit {
			chunk = limit
		}

		err := b.writeChunk(ctx, id, offset, data[:chunk])
		if errors.Is(err, errors.ErrInputSize) {
			if chunk <= uploadMinSize {
				return err
			}
			next := chunk / 2
			if next < uploadMinSize {
				next = uploadMinSize
			}
			b.cfg.SetUploadMaxBytes(next)
			b.log.Debug("upload limit reduced", "file", id, "limit", next)
			continue
		}
		if err != nil {
			return err
		}
		offset += chunk
		data = data[chunk:]
	}
	return nil
}

func (b *Backend) writeChunk(ctx context.Context, id string, offset int64, data []byte) error {
	in := NewInput("files", "writefile", "file", id, "offset", strconv.FormatInt(offset, 10))
	in.Files = map[string]FileData{"data": {Name: "data", Data: data}}
	return b.runInto(ctx, in, nil)
}

// TruncateFile sets a file's size on the server, extending with zeros or
// discarding the tail.
func (b *Backend) TruncateFile(ctx context.Context, id string, size int64) error {
	if b.memory {
		return nil
	}
	in := NewInput("files", "ftruncate", "file", id, "size", strconv.FormatInt(size, 10))
	in.Idempotent = true
	return b.runInto(ctx, in, nil)
}
