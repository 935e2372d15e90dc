package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoad(t *testing.T) {
	store := openTestStore(t)

	rec := Record{
		ServerURL:  "https://cloud.example.com",
		Username:   "alice",
		SessionID:  "s1",
		SessionKey: "k1",
	}
	require.NoError(t, store.Save(rec))

	got, ok, err := store.Load("https://cloud.example.com", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "k1", got.SessionKey)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, time.Minute)
}

func TestLoadMissing(t *testing.T) {
	store := openTestStore(t)

	_, ok, err := store.Load("https://cloud.example.com", "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveReplaces(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Save(Record{
		ServerURL: "u", Username: "alice", SessionID: "old", SessionKey: "ok",
	}))
	require.NoError(t, store.Save(Record{
		ServerURL: "u", Username: "alice", SessionID: "new", SessionKey: "nk",
	}))

	got, ok, err := store.Load("u", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got.SessionID)
}

func TestSessionsKeyedPerUser(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Save(Record{
		ServerURL: "u", Username: "alice", SessionID: "a", SessionKey: "ka",
	}))
	require.NoError(t, store.Save(Record{
		ServerURL: "u", Username: "bob", SessionID: "b", SessionKey: "kb",
	}))

	got, ok, err := store.Load("u", "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", got.SessionID)
}

func TestDelete(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Save(Record{
		ServerURL: "u", Username: "alice", SessionID: "s", SessionKey: "k",
	}))
	require.NoError(t, store.Delete("u", "alice"))

	_, ok, err := store.Load("u", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	// Idempotent.
	require.NoError(t, store.Delete("u", "alice"))
}
