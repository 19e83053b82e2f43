package store

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Stores bundles every persistence surface the node uses. The mesh engine
// reaches the database only through the HistoryStore it is handed (to
// record sent and received messages) and through identity, which sits on
// top of the KV store.
type Stores struct {
	db      *sqlx.DB
	KV      KVStore
	Friends FriendStore
	History HistoryStore
}

// Open opens (creating if needed) the node database at path and applies
// pending schema migrations.
func Open(path string) (*Stores, error) {
	if err := runMigrations(path); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The node is the sole writer; a single connection sidesteps sqlite
	// write contention.
	db.SetMaxOpenConns(1)

	return &Stores{
		db:      db,
		KV:      NewKV(db),
		Friends: NewFriends(db),
		History: NewHistory(db),
	}, nil
}

// Close closes the underlying database.
func (s *Stores) Close() error {
	return s.db.Close()
}

func runMigrations(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	version, dirty, _ := m.Version()
	slog.Debug("database schema ready", "version", version, "dirty", dirty)
	return nil
}
