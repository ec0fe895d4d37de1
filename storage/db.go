package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS shares (
    id          TEXT PRIMARY KEY,
    base_path   TEXT NOT NULL,
    relay_url   TEXT NOT NULL,
    session_id  TEXT,
    public_url  TEXT,
    started_at  INTEGER NOT NULL,
    ended_at    INTEGER,
    status      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_shares_started ON shares(started_at DESC);

CREATE TABLE IF NOT EXISTS transfers (
    id          TEXT PRIMARY KEY,
    share_id    TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    method      TEXT NOT NULL,
    path        TEXT NOT NULL,
    status      INTEGER NOT NULL,
    bytes       INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfers_share ON transfers(share_id);
CREATE INDEX IF NOT EXISTS idx_transfers_timestamp ON transfers(timestamp DESC);
`

func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return db, nil
}

func OpenMemoryDB() (*sql.DB, error) {
	return OpenDB(":memory:")
}
