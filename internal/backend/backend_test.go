package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrusfs/pkg/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBackend(t *testing.T, handler http.HandlerFunc) *Backend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(NewHTTPRunner(srv.URL, 10*time.Second, testLogger()), testLogger())
}

func writeOK(w http.ResponseWriter, appdata any) {
	payload, _ := json.Marshal(appdata)
	fmt.Fprintf(w, `{"ok":true,"code":200,"message":"OK","appdata":%s}`, payload)
}

func writeFail(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"ok":false,"code":%d,"message":%q,"appdata":null}`, status, message)
}

func TestMapFailure(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		message string
		want    error
	}{
		{"fs mismatch", 400, "FILESYSTEM_MISMATCH", errors.ErrUnsupported},
		{"folders unsupported", 400, "STORAGE_FOLDERS_UNSUPPORTED", errors.ErrUnsupported},
		{"crypto locked", 400, "ACCOUNT_CRYPTO_NOT_UNLOCKED", errors.ErrDenied},
		{"auth failed", 403, "AUTHENTICATION_FAILED", errors.ErrAuthFailed},
		{"twofactor", 403, "TWOFACTOR_REQUIRED", errors.ErrTwoFactor},
		{"readonly db", 403, "READ_ONLY_DATABASE", errors.ErrReadOnlyFS},
		{"readonly fs", 403, "READ_ONLY_FILESYSTEM", errors.ErrReadOnlyFS},
		{"other 403", 403, "SOMETHING_ELSE", errors.ErrDenied},
		{"not found", 404, "UNKNOWN_FILE", errors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapFailure(tt.code, tt.message)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("unmapped code wraps APIError", func(t *testing.T) {
		err := mapFailure(500, "SERVER_ERROR")
		var apiErr *errors.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 500, apiErr.Code)
		assert.Equal(t, "SERVER_ERROR", apiErr.Message)
	})
}

func TestDecodeResponseMalformed(t *testing.T) {
	_, err := decodeResponse([]byte("<html>not json</html>"))
	var jsonErr *errors.JSONError
	require.ErrorAs(t, err, &jsonErr)
	assert.Contains(t, jsonErr.Body, "<html>")
}

func TestAuthenticateInjectsSession(t *testing.T) {
	var sawAuth bool
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "createsession":
			writeOK(w, map[string]any{
				"account": map[string]any{"id": "a1", "username": "alice"},
				"client": map[string]any{"session": map[string]any{
					"id": "s1", "authkey": "k1",
				}},
			})
		case "getaccount":
			sawAuth = r.FormValue("auth_sessionid") == "s1" &&
				r.FormValue("auth_sessionkey") == "k1"
			writeOK(w, map[string]any{"id": "a1", "username": "alice"})
		default:
			t.Errorf("unexpected action %q", r.URL.Query().Get("action"))
		}
	})

	ctx := context.Background()
	require.NoError(t, b.Authenticate(ctx, "alice", "hunter2", ""))
	assert.Equal(t, "alice", b.Username())

	_, err := b.GetAccount(ctx)
	require.NoError(t, err)
	assert.True(t, sawAuth, "session params missing from follow-up call")
}

func TestAuthenticateTwoFactorRequired(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeFail(w, 403, "TWOFACTOR_REQUIRED")
	})
	err := b.Authenticate(context.Background(), "alice", "hunter2", "")
	assert.ErrorIs(t, err, errors.ErrTwoFactor)
}

func TestDeleteIgnoresNotFound(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeFail(w, 404, "UNKNOWN_FILE")
	})
	ctx := context.Background()
	assert.NoError(t, b.DeleteFile(ctx, "f1"))
	assert.NoError(t, b.DeleteFolder(ctx, "d1"))
}

func TestGetFolderParsesChildren(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, map[string]any{
			"id": "root", "name": "",
			"files": map[string]any{
				"a.txt": map[string]any{"id": "f1", "name": "a.txt", "size": 42},
			},
			"folders": map[string]any{
				"sub": map[string]any{"id": "d1", "name": "sub"},
			},
		})
	})

	folder, err := b.GetFolder(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "root", folder.ID)
	require.Contains(t, folder.Files, "a.txt")
	assert.Equal(t, int64(42), folder.Files["a.txt"].Size)
	require.Contains(t, folder.Folders, "sub")
	assert.Equal(t, "d1", folder.Folders["sub"].ID)
}

func TestReadFileStreamsExactRange(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 1024)
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		fstart, _ := strconv.ParseInt(r.FormValue("fstart"), 10, 64)
		flast, _ := strconv.ParseInt(r.FormValue("flast"), 10, 64)
		w.Write(content[fstart : flast+1])
	})

	var got bytes.Buffer
	err := b.ReadFile(context.Background(), "f1", 16, 100, func(off int64, data []byte) error {
		require.Equal(t, int64(got.Len()), off)
		got.Write(data)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, content[16:116], got.Bytes())
}

func TestReadFileShortResponse(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("short"))
	})
	err := b.ReadFile(context.Background(), "f1", 0, 100, func(int64, []byte) error { return nil })
	assert.ErrorIs(t, err, errors.ErrReadSize)
}

func TestReadFileDownloadFailure(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeFail(w, 404, "UNKNOWN_FILE")
	})
	err := b.ReadFile(context.Background(), "f1", 0, 10, func(int64, []byte) error {
		t.Fatal("callback ran for a failed download")
		return nil
	})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestWriteFileChunkDownshift(t *testing.T) {
	// The server silently accepts bodies up to 8 MiB and answers 413 above
	// that. A 16 MiB write must halve its chunk size and still deliver every
	// byte at the right offset.
	const accept = 8 << 20
	content := make([]byte, 16<<20)
	for i := range content {
		content[i] = byte(i % 251)
	}

	received := make([]byte, len(content))
	var uploads int
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("data")
		require.NoError(t, err)
		data, err := io.ReadAll(file)
		require.NoError(t, err)

		if len(data) > accept {
			writeFail(w, http.StatusRequestEntityTooLarge, "INPUT_TOO_LARGE")
			return
		}
		uploads++
		offset, _ := strconv.ParseInt(r.FormValue("offset"), 10, 64)
		copy(received[offset:], data)
		writeOK(w, nil)
	})

	require.NoError(t, b.WriteFile(context.Background(), "f1", 0, content))
	assert.Equal(t, content, received)
	assert.Equal(t, 2, uploads)
	assert.Equal(t, int64(accept), b.cfg.UploadMaxBytes())
}

func TestWriteFileRespectsAdvertisedLimit(t *testing.T) {
	var sizes []int
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("data")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		sizes = append(sizes, len(data))
		writeOK(w, nil)
	})
	b.cfg.SetUploadMaxBytes(4096)

	require.NoError(t, b.WriteFile(context.Background(), "f1", 0, make([]byte, 10000)))
	assert.Equal(t, []int{4096, 4096, 1808}, sizes)
}

func TestMemoryModeShortCircuits(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("memory mode must not contact the server for file data")
	})
	b.SetMemoryMode(true)
	ctx := context.Background()

	rec, err := b.CreateFile(ctx, "root", "a.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "a.txt", rec.Name)

	require.NoError(t, b.WriteFile(ctx, rec.ID, 0, []byte("data")))
	require.NoError(t, b.TruncateFile(ctx, rec.ID, 100))

	var total int64
	err = b.ReadFile(ctx, rec.ID, 0, 100, func(off int64, data []byte) error {
		total += int64(len(data))
		for _, c := range data {
			require.Zero(t, c)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)
}

func TestInitializeLoadsConfig(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("app") {
		case "core":
			writeOK(w, map[string]any{"apiversion": 2, "read_only": false})
		case "files":
			writeOK(w, map[string]any{"upload_maxbytes": 1 << 20, "pagesize": 65536, "read_only": true})
		}
	})

	require.NoError(t, b.Initialize(context.Background()))
	assert.True(t, b.ReadOnly())
	assert.Equal(t, int64(1<<20), b.cfg.UploadMaxBytes())
	assert.Equal(t, int64(65536), b.PageSizeHint())
}
