package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"
)

const friendCacheTTL = 5 * time.Minute

// Friend is one saved friend, keyed by friend code.
type Friend struct {
	Code     string    `db:"code" json:"code"`
	Nickname string    `db:"nickname" json:"nickname"`
	AddedAt  time.Time `db:"-" json:"added_at"`

	AddedAtUnix int64 `db:"added_at" json:"-"`
}

// FriendStore persists the friend list. IsFriend lookups go through a TTL
// cache.
type FriendStore interface {
	Add(code, nickname string) error
	Remove(code string) error
	Rename(code, nickname string) error
	List() ([]*Friend, error)
	IsFriend(code string) (bool, error)
}

type sqliteFriendStore struct {
	db    *sqlx.DB
	cache *ttlcache.Cache[string, bool]
}

// NewFriends creates a friend store backed by the node database.
func NewFriends(db *sqlx.DB) FriendStore {
	cache := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](friendCacheTTL),
	)
	go cache.Start()
	return &sqliteFriendStore{db: db, cache: cache}
}

func (s *sqliteFriendStore) Add(code, nickname string) error {
	stmt := `
	INSERT INTO friends (code, nickname, added_at) VALUES ($1, $2, $3)
	ON CONFLICT (code) DO UPDATE SET nickname = excluded.nickname;
	`
	code = strings.ToUpper(code)
	_, err := s.db.Exec(stmt, code, nickname, time.Now().Unix())
	if err == nil {
		s.cache.Set(code, true, ttlcache.DefaultTTL)
	}
	return err
}

func (s *sqliteFriendStore) Remove(code string) error {
	code = strings.ToUpper(code)
	_, err := s.db.Exec(`DELETE FROM friends WHERE code = $1;`, code)
	if err == nil {
		s.cache.Delete(code)
	}
	return err
}

func (s *sqliteFriendStore) Rename(code, nickname string) error {
	code = strings.ToUpper(code)
	_, err := s.db.Exec(`UPDATE friends SET nickname = $1 WHERE code = $2;`, nickname, code)
	return err
}

func (s *sqliteFriendStore) List() ([]*Friend, error) {
	friends := []*Friend{}
	err := s.db.Select(&friends, `SELECT * FROM friends ORDER BY added_at;`)
	if err == sql.ErrNoRows {
		return []*Friend{}, nil
	}
	for _, f := range friends {
		f.AddedAt = time.Unix(f.AddedAtUnix, 0).UTC()
	}
	return friends, err
}

func (s *sqliteFriendStore) IsFriend(code string) (bool, error) {
	code = strings.ToUpper(code)
	if hit := s.cache.Get(code, ttlcache.WithDisableTouchOnHit[string, bool]()); hit != nil {
		return hit.Value(), nil
	}
	var exists bool
	err := s.db.Get(&exists, `SELECT EXISTS(SELECT 1 FROM friends WHERE code = $1);`, code)
	if err != nil {
		return false, err
	}
	s.cache.Set(code, exists, ttlcache.DefaultTTL)
	return exists, nil
}
