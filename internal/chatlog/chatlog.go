// Package chatlog persists alliance chat messages observed on the acm
// fan-out to a local SQLite database. It is a collaborator layered over
// the core's subscription contract, not part of the core itself.
package chatlog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps sql.DB for future helpers.
type DB struct {
	*sql.DB
}

// Message is one stored chat line, already chat-decoded.
type Message struct {
	ID         int64
	Sender     string
	AllianceID int
	Message    string
	ReceivedAt time.Time
}

// Open opens (and creates if needed) a SQLite chat log at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	// Optimize for write bursts during busy alliance chat
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode=WAL;")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous=NORMAL;")
	return &DB{db}, nil
}

// Migrate creates initial tables.
func (db *DB) Migrate() error {
	createMessages := `CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL,
		alliance_id INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := db.Exec(createMessages); err != nil {
		return err
	}
	createIdx := `CREATE INDEX IF NOT EXISTS idx_messages_received_at
		ON messages (received_at);`
	if _, err := db.Exec(createIdx); err != nil {
		return err
	}
	return nil
}

// Record appends one decoded chat message.
func (db *DB) Record(ctx context.Context, sender string, allianceID int, message string) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO messages (sender, alliance_id, message, received_at) VALUES (?, ?, ?, ?)",
		sender, allianceID, message, time.Now())
	return err
}

// Recent returns up to limit messages, newest first.
func (db *DB) Recent(ctx context.Context, limit int) ([]Message, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, sender, alliance_id, message, received_at FROM messages ORDER BY received_at DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.AllianceID, &m.Message, &m.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages returns total stored messages.
func (db *DB) CountMessages(ctx context.Context) (int64, error) {
	row := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM messages")
	var c int64
	if err := row.Scan(&c); err != nil {
		return 0, err
	}
	return c, nil
}

// CloseSafe closes the database; on a nil DB it returns an error
// instead of panicking.
func (db *DB) CloseSafe() error {
	if db == nil || db.DB == nil {
		return errors.New("db is nil")
	}
	return db.Close()
}
