package storage

import (
	"database/sql"
	"fmt"
)

const relayLimitsSchema = `
CREATE TABLE IF NOT EXISTS relay_limits (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    max_viewers          INTEGER NOT NULL,
    request_timeout_secs INTEGER NOT NULL,
    auth_window_secs     INTEGER NOT NULL,
    max_file_bytes       INTEGER NOT NULL,
    max_total_bytes      INTEGER NOT NULL
);
`

// RelayLimits is the single-row tuning table for a relay deployment. The
// seeded defaults match the protocol constants. The byte limits are stored
// (seeded as 0) but the relay does not read or enforce them.
type RelayLimits struct {
	MaxViewers         int
	RequestTimeoutSecs int
	AuthWindowSecs     int
	MaxFileBytes       int64
	MaxTotalBytes      int64
}

type RelayLimitRepo interface {
	Get() (*RelayLimits, error)
}

type SQLiteRelayLimitRepo struct {
	db *sql.DB
}

func InitRelayLimitsSchema(db *sql.DB) error {
	if _, err := db.Exec(relayLimitsSchema); err != nil {
		return fmt.Errorf("init relay_limits schema: %w", err)
	}
	return nil
}

func SeedRelayLimits(db *sql.DB) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO relay_limits
			(id, max_viewers, request_timeout_secs, auth_window_secs, max_file_bytes, max_total_bytes)
		VALUES (1, 3, 30, 30, 0, 0)
	`)
	if err != nil {
		return fmt.Errorf("seed relay_limits: %w", err)
	}
	return nil
}

func NewSQLiteRelayLimitRepo(db *sql.DB) *SQLiteRelayLimitRepo {
	return &SQLiteRelayLimitRepo{db: db}
}

func (r *SQLiteRelayLimitRepo) Get() (*RelayLimits, error) {
	row := r.db.QueryRow(`
		SELECT max_viewers, request_timeout_secs, auth_window_secs, max_file_bytes, max_total_bytes
		FROM relay_limits WHERE id = 1
	`)
	limits := &RelayLimits{}
	err := row.Scan(&limits.MaxViewers, &limits.RequestTimeoutSecs, &limits.AuthWindowSecs,
		&limits.MaxFileBytes, &limits.MaxTotalBytes)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("relay_limits not seeded")
	}
	if err != nil {
		return nil, fmt.Errorf("scan relay_limits: %w", err)
	}
	return limits, nil
}
