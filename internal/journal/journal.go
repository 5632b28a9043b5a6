// Package journal is a local sqlite activity log: inbound classifications,
// dispatches, decisions and connection transitions. Best-effort throughout;
// the engine works fine without it.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS activity (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	chat_id TEXT NOT NULL DEFAULT '',
	sender_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_activity_kind ON activity(kind);
CREATE INDEX IF NOT EXISTS idx_activity_created ON activity(created_at);
`

// Entry kinds.
const (
	KindInbound    = "inbound"
	KindDispatch   = "dispatch"
	KindDecision   = "decision"
	KindConnection = "connection"
)

type Journal struct {
	db *sql.DB
}

func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record appends one activity row. Nil-safe so callers can log
// unconditionally.
func (j *Journal) Record(kind, role, chatID, senderID, detail string) error {
	if j == nil {
		return nil
	}
	_, err := j.db.Exec(
		`INSERT INTO activity (kind, role, chat_id, sender_id, detail) VALUES (?, ?, ?, ?, ?)`,
		kind, role, chatID, senderID, detail,
	)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// Entry is one recorded activity row.
type Entry struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Role      string    `json:"role"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"createdAt"`
}

// Recent returns the newest entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := j.db.Query(
		`SELECT id, kind, role, chat_id, sender_id, detail, created_at
		 FROM activity ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Role, &e.ChatID, &e.SenderID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
