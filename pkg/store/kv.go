package store

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// KVStore is the persistent key/value contract the mesh core consumes for
// identity and nickname. A missing key reads as the empty string.
type KVStore interface {
	GetString(key string) (string, error)
	SetString(key, value string) error
	Remove(key string) error
}

type sqliteKVStore struct {
	db *sqlx.DB
}

// NewKV creates a key/value store backed by the node database.
func NewKV(db *sqlx.DB) KVStore {
	return &sqliteKVStore{db: db}
}

func (s *sqliteKVStore) GetString(key string) (string, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM kv WHERE key = $1;`, key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *sqliteKVStore) SetString(key, value string) error {
	stmt := `
	INSERT INTO kv (key, value) VALUES ($1, $2)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value;
	`
	_, err := s.db.Exec(stmt, key, value)
	return err
}

func (s *sqliteKVStore) Remove(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = $1;`, key)
	return err
}
