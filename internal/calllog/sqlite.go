package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id        TEXT    NOT NULL,
	owned_identity BLOB    NOT NULL,
	peer_identity  BLOB,
	participants   TEXT    NOT NULL DEFAULT '[]',
	outgoing       INTEGER NOT NULL,
	group_id       BLOB,
	status         INTEGER NOT NULL,
	duration_ms    INTEGER NOT NULL,
	started_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_log_owned ON call_log(owned_identity, started_at DESC);
`

// SQLiteRepository stores call records in a local SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed initializes) the call log at path.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening call log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging call log: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing call log schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Insert(ctx context.Context, rec *Record) error {
	names, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("encoding participant names: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO call_log (call_id, owned_identity, peer_identity, participants, outgoing, group_id, status, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID.String(), rec.OwnedIdentity, rec.PeerIdentity, string(names),
		rec.Outgoing, rec.GroupID, int(rec.Status),
		rec.Duration.Milliseconds(), rec.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading call record id: %w", err)
	}
	rec.ID = id
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, ownedIdentity []byte, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, call_id, owned_identity, peer_identity, participants, outgoing, group_id, status, duration_ms, started_at
		FROM call_log WHERE owned_identity = ? ORDER BY started_at DESC LIMIT ?`,
		ownedIdentity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec        Record
			callID     string
			names      string
			durationMS int64
			startedAt  int64
		)
		if err := rows.Scan(&rec.ID, &callID, &rec.OwnedIdentity, &rec.PeerIdentity,
			&names, &rec.Outgoing, &rec.GroupID, &rec.Status, &durationMS, &startedAt); err != nil {
			return nil, fmt.Errorf("scanning call record: %w", err)
		}
		if rec.CallID, err = uuid.Parse(callID); err != nil {
			return nil, fmt.Errorf("parsing call id %q: %w", callID, err)
		}
		if err := json.Unmarshal([]byte(names), &rec.Participants); err != nil {
			return nil, fmt.Errorf("decoding participant names: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.StartedAt = time.UnixMilli(startedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
