package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Transfer records one viewer request serviced by the origin.
type Transfer struct {
	ID         string
	ShareID    string
	Timestamp  int64
	Method     string
	Path       string
	Status     int
	Bytes      int64
	DurationMs int64
	CreatedAt  int64
}

type TransferRepo interface {
	Save(t *Transfer) error
	List(shareID string, limit int) ([]*Transfer, error)
	Prune(olderThan time.Time) (int64, error)
}

type SQLiteTransferRepo struct {
	db *sql.DB
}

func NewSQLiteTransferRepo(db *sql.DB) *SQLiteTransferRepo {
	return &SQLiteTransferRepo{db: db}
}

func (r *SQLiteTransferRepo) Save(t *Transfer) error {
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	if t.Timestamp == 0 {
		t.Timestamp = time.Now().UnixMilli()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().UnixMilli()
	}

	_, err := r.db.Exec(`
		INSERT INTO transfers (id, share_id, timestamp, method, path, status, bytes, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ShareID, t.Timestamp, t.Method, t.Path, t.Status, t.Bytes, t.DurationMs, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

func (r *SQLiteTransferRepo) List(shareID string, limit int) ([]*Transfer, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(`
		SELECT id, share_id, timestamp, method, path, status, bytes, duration_ms, created_at
		FROM transfers WHERE share_id = ?
		ORDER BY timestamp DESC LIMIT ?
	`, shareID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		t := &Transfer{}
		if err := rows.Scan(&t.ID, &t.ShareID, &t.Timestamp, &t.Method, &t.Path,
			&t.Status, &t.Bytes, &t.DurationMs, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

func (r *SQLiteTransferRepo) Prune(olderThan time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM transfers WHERE timestamp < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	return res.RowsAffected()
}
