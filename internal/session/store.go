// Package session persists server sessions between runs, so remounting
// does not require re-entering the password or a fresh two-factor code.
package session

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one remembered session, keyed by server URL and username.
type Record struct {
	ServerURL  string
	Username   string
	SessionID  string
	SessionKey string
	CreatedAt  time.Time
}

// Store is a SQLite-backed session database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the session database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS sessions (
			server_url  TEXT NOT NULL,
			username    TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			session_key TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (server_url, username)
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing session database: %w", err)
	}
	return &Store{db: db}, nil
}

// Save stores a session, replacing any previous one for the same
// server and user.
func (s *Store) Save(rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions
			(server_url, username, session_id, session_key, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ServerURL, rec.Username, rec.SessionID, rec.SessionKey,
		rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Load fetches the remembered session for a server and user. The
// second return is false when none is stored.
func (s *Store) Load(serverURL, username string) (Record, bool, error) {
	row := s.db.QueryRow(`
		SELECT session_id, session_key, created_at
		FROM sessions WHERE server_url = ? AND username = ?`,
		serverURL, username)

	rec := Record{ServerURL: serverURL, Username: username}
	var created int64
	err := row.Scan(&rec.SessionID, &rec.SessionKey, &created)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("loading session: %w", err)
	}
	rec.CreatedAt = time.Unix(created, 0)
	return rec, true, nil
}

// Delete forgets the session for a server and user. Deleting a session
// that is not stored is not an error.
func (s *Store) Delete(serverURL, username string) error {
	_, err := s.db.Exec(`
		DELETE FROM sessions WHERE server_url = ? AND username = ?`,
		serverURL, username)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
