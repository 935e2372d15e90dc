// Package errors provides the typed failure set shared by all CirrusFS layers.
//
// The set is deliberately small: a handful of sentinel values checked with
// errors.Is, plus a few wrapping types (APIError, JSONError) checked with
// errors.As. Layers add context with fmt.Errorf("...: %w", err) rather than
// defining their own hierarchies.
package errors

import (
	"errors"
	"fmt"
)

// Local-semantic failures. These surface to the FUSE bridge as plain errno
// values and are never logged at error level.
var (
	// ErrNotFound indicates a path component or backend object does not exist.
	ErrNotFound = errors.New("item not found")

	// ErrNotFile indicates a file was expected but a folder was found.
	ErrNotFile = errors.New("item is not a file")

	// ErrNotFolder indicates a folder was expected but a file was found.
	ErrNotFolder = errors.New("item is not a folder")

	// ErrDuplicate indicates a name collision within a parent folder.
	ErrDuplicate = errors.New("item already exists")

	// ErrModify indicates an item cannot be modified (e.g. a synthetic root).
	ErrModify = errors.New("item cannot be modified")

	// ErrWriteType indicates a write not allowed by the storage write mode.
	ErrWriteType = errors.New("write type unsupported")

	// ErrReadOnly indicates a read-only item or a read-only mount.
	ErrReadOnly = errors.New("item is read-only")

	// ErrReadBounds indicates a read beyond the end of the file.
	ErrReadBounds = errors.New("read out of range")
)

// Server-reported failures, mapped from the API response envelope.
var (
	// ErrUnsupported indicates the server rejected the operation as unsupported.
	ErrUnsupported = errors.New("operation unsupported by server")

	// ErrReadOnlyFS indicates the server database or filesystem is read-only.
	ErrReadOnlyFS = errors.New("read-only filesystem")

	// ErrDenied indicates the server denied access.
	ErrDenied = errors.New("access denied")

	// ErrAuthFailed indicates authentication was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrTwoFactor indicates a two-factor code is required.
	ErrTwoFactor = errors.New("two-factor code required")
)

// Transport and capacity failures.
var (
	// ErrConnection indicates the transport could not reach the server.
	ErrConnection = errors.New("backend connection failed")

	// ErrInputSize indicates the server rejected a request body as too large
	// (HTTP 413). The upload chunker reacts by halving its chunk size.
	ErrInputSize = errors.New("request input too large")

	// ErrReadSize indicates a ranged download returned the wrong byte count.
	ErrReadSize = errors.New("read size mismatch")

	// ErrMemory indicates the cache manager could not evict or flush below
	// its limit; raised only to callers awaiting capacity.
	ErrMemory = errors.New("cache memory limit exceeded")
)

// APIError is a server failure that maps to no more specific sentinel.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// NewAPIError wraps a raw server code/message pair.
func NewAPIError(code int, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// JSONError indicates a response body that could not be parsed as the
// expected JSON envelope.
type JSONError struct {
	Cause error
	Body  string
}

func (e *JSONError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("malformed server response: %v ... body: %s", e.Cause, body)
}

func (e *JSONError) Unwrap() error { return e.Cause }

// Is reports whether err matches target, following wrapped errors.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error with the given text.
func New(text string) error { return errors.New(text) }
