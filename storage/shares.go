package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Share is one origin-side sharing run: a base directory exposed through a
// relay for the lifetime of a session.
type Share struct {
	ID        string
	BasePath  string
	RelayURL  string
	SessionID string
	PublicURL string
	StartedAt int64
	EndedAt   int64
	Status    string
}

type ShareRepo interface {
	Save(s *Share) error
	Get(id string) (*Share, error)
	UpdateStatus(id, status string, endedAt int64) error
	SetSession(id, sessionID, publicURL string) error
	List(limit int) ([]*Share, error)
}

type SQLiteShareRepo struct {
	db *sql.DB
}

func NewSQLiteShareRepo(db *sql.DB) *SQLiteShareRepo {
	return &SQLiteShareRepo{db: db}
}

func (r *SQLiteShareRepo) Save(s *Share) error {
	if s.ID == "" {
		s.ID = ulid.Make().String()
	}
	if s.StartedAt == 0 {
		s.StartedAt = time.Now().UnixMilli()
	}
	if s.Status == "" {
		s.Status = "active"
	}

	_, err := r.db.Exec(`
		INSERT INTO shares (id, base_path, relay_url, session_id, public_url, started_at, ended_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.BasePath, s.RelayURL, s.SessionID, s.PublicURL, s.StartedAt, nullableInt64(s.EndedAt), s.Status)
	if err != nil {
		return fmt.Errorf("insert share: %w", err)
	}
	return nil
}

func (r *SQLiteShareRepo) Get(id string) (*Share, error) {
	row := r.db.QueryRow(`
		SELECT id, base_path, relay_url, session_id, public_url, started_at, ended_at, status
		FROM shares WHERE id = ?
	`, id)

	s := &Share{}
	var sessionID, publicURL sql.NullString
	var endedAt sql.NullInt64
	err := row.Scan(&s.ID, &s.BasePath, &s.RelayURL, &sessionID, &publicURL, &s.StartedAt, &endedAt, &s.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan share: %w", err)
	}
	s.SessionID = sessionID.String
	s.PublicURL = publicURL.String
	s.EndedAt = endedAt.Int64
	return s, nil
}

func (r *SQLiteShareRepo) UpdateStatus(id, status string, endedAt int64) error {
	_, err := r.db.Exec(`UPDATE shares SET status = ?, ended_at = ? WHERE id = ?`, status, endedAt, id)
	if err != nil {
		return fmt.Errorf("update share status: %w", err)
	}
	return nil
}

func (r *SQLiteShareRepo) SetSession(id, sessionID, publicURL string) error {
	_, err := r.db.Exec(`UPDATE shares SET session_id = ?, public_url = ? WHERE id = ?`, sessionID, publicURL, id)
	if err != nil {
		return fmt.Errorf("update share session: %w", err)
	}
	return nil
}

func (r *SQLiteShareRepo) List(limit int) ([]*Share, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(`
		SELECT id, base_path, relay_url, session_id, public_url, started_at, ended_at, status
		FROM shares ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query shares: %w", err)
	}
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		s := &Share{}
		var sessionID, publicURL sql.NullString
		var endedAt sql.NullInt64
		if err := rows.Scan(&s.ID, &s.BasePath, &s.RelayURL, &sessionID, &publicURL,
			&s.StartedAt, &endedAt, &s.Status); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		s.SessionID = sessionID.String
		s.PublicURL = publicURL.String
		s.EndedAt = endedAt.Int64
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

func nullableInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
