// Package sessionstore persists authenticated session blobs between
// runs so users are not dragged through the full login ceremony on
// every invocation. Blobs are opaque to the store; the scraper owns
// their encoding.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	account TEXT PRIMARY KEY,
	blob BLOB NOT NULL,
	saved_at INTEGER NOT NULL
);
`

var ErrNotFound = errors.New("no session saved for account")

type Store struct {
	db *sql.DB
}

func Open(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return Store{}, err
	}
	return NewStore(db)
}

func NewStore(db *sql.DB) (Store, error) {
	_, err := db.Exec(schema)
	if err != nil {
		return Store{}, err
	}
	return Store{db: db}, nil
}

func (s Store) Close() error {
	return s.db.Close()
}

// Load returns the saved blob for an account and the time it was saved.
func (s Store) Load(ctx context.Context, account string) ([]byte, time.Time, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT blob, saved_at FROM sessions WHERE account = ?`,
		account,
	)

	var blob []byte
	var savedAt int64
	err := row.Scan(&blob, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return blob, time.Unix(savedAt, 0), nil
}

func (s Store) Save(ctx context.Context, account string, blob []byte) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (account, blob, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT (account) DO UPDATE SET blob = excluded.blob, saved_at = excluded.saved_at`,
		account, blob, time.Now().Unix(),
	)
	return err
}

// Delete discards a saved session, for instance after the server stops
// accepting it.
func (s Store) Delete(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE account = ?`, account)
	return err
}
