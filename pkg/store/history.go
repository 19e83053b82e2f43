package store

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// Chat record directions.
const (
	DirectionSent     = "sent"
	DirectionReceived = "recv"
)

// ChatRecord is one persisted chat-history row. Lat/Lon are nil when the
// message carried no coordinates.
type ChatRecord struct {
	ID         string   `db:"id" json:"id"`
	Type       uint8    `db:"type" json:"type"`
	Direction  string   `db:"direction" json:"direction"`
	SenderHash uint16   `db:"sender_hash" json:"sender_hash"`
	Nickname   string   `db:"nickname" json:"nickname,omitempty"`
	Content    string   `db:"content" json:"content"`
	Lat        *float64 `db:"lat" json:"lat,omitempty"`
	Lon        *float64 `db:"lon" json:"lon,omitempty"`
	HopCount   int      `db:"hop_count" json:"hop_count"`

	SentAt     time.Time `db:"-" json:"sent_at"`
	SentAtUnix int64     `db:"sent_at" json:"-"`
}

// HistoryStore persists chat history for the surrounding application.
type HistoryStore interface {
	Append(rec *ChatRecord) error
	Recent(limit int) ([]*ChatRecord, error)
	Prune(olderThan time.Time) (int64, error)
}

type sqliteHistoryStore struct {
	db *sqlx.DB
}

// NewHistory creates a chat history store backed by the node database.
func NewHistory(db *sqlx.DB) HistoryStore {
	return &sqliteHistoryStore{db: db}
}

func (s *sqliteHistoryStore) Append(rec *ChatRecord) error {
	if rec.SentAtUnix == 0 {
		rec.SentAtUnix = rec.SentAt.Unix()
	}
	stmt := `
	INSERT OR REPLACE INTO history
		(id, type, direction, sender_hash, nickname, content, lat, lon, hop_count, sent_at)
	VALUES
		(:id, :type, :direction, :sender_hash, :nickname, :content, :lat, :lon, :hop_count, :sent_at);
	`
	_, err := s.db.NamedExec(stmt, rec)
	return err
}

func (s *sqliteHistoryStore) Recent(limit int) ([]*ChatRecord, error) {
	recs := []*ChatRecord{}
	err := s.db.Select(&recs,
		`SELECT * FROM history ORDER BY sent_at DESC LIMIT $1;`, limit)
	if err == sql.ErrNoRows {
		return []*ChatRecord{}, nil
	}
	for _, r := range recs {
		r.SentAt = time.Unix(r.SentAtUnix, 0).UTC()
	}
	return recs, err
}

func (s *sqliteHistoryStore) Prune(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM history WHERE sent_at < $1;`, olderThan.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
