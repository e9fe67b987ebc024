// Package transcript archives the agent's chat exchanges in SQLite. It
// is an audit log for operators; the agent never reads it back, so
// every run still starts from a fresh in-memory state.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/wonderland-agent/internal/events"
)

// Entry is one archived chat line.
type Entry struct {
	MessageID string
	SessionID string
	Sender    string
	Author    string
	Text      string
	Timestamp time.Time
}

// Store is an append-only transcript backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the transcript database at dbPath, creating the schema
// on first use.
func NewStore(dbPath string) (*Store, error) {
	// WAL lets readers inspect the archive while the agent appends.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcript (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL,
		sender     TEXT NOT NULL,
		author     TEXT NOT NULL DEFAULT '',
		text       TEXT NOT NULL,
		ts         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript (session_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append archives one entry. A zero Timestamp is replaced with now.
func (s *Store) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO transcript (message_id, session_id, sender, author, text, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.SessionID, e.Sender, e.Author, e.Text,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append %s: %w", e.SessionID, err)
	}
	return nil
}

// Recent returns up to limit entries for sessionID, oldest first.
func (s *Store) Recent(sessionID string, limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT message_id, session_id, sender, author, text, ts FROM (
			SELECT id, message_id, session_id, sender, author, text, ts
			FROM transcript WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.MessageID, &e.SessionID, &e.Sender, &e.Author, &e.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan %s: %w", sessionID, err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns how many entries sessionID has.
func (s *Store) Count(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM transcript WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", sessionID, err)
	}
	return n, nil
}

// Record archives every coordinator chat event from bus under
// sessionID until ctx is cancelled.
func (s *Store) Record(ctx context.Context, bus *events.Bus, sessionID string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	sub := bus.Subscribe(64, events.KindChat)
	defer bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Source != events.SourceCoordinator || ev.Kind != events.KindChat {
				continue
			}
			e := Entry{
				MessageID: str(ev.Data["id"]),
				SessionID: sessionID,
				Sender:    str(ev.Data["sender"]),
				Author:    str(ev.Data["author"]),
				Text:      str(ev.Data["text"]),
				Timestamp: ev.Timestamp,
			}
			if err := s.Append(e); err != nil {
				logger.Warn("transcript append failed", "error", err)
			}
		}
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
