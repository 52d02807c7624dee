package loop

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists conversation state so that in-flight
// conversations survive a process restart. It is the optional
// persistence collaborator; when absent the controller runs on
// MemoryStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing connection. Tests use this
// with the pure-Go driver against :memory:.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		last_activity TEXT NOT NULL,
		last_summary_at TEXT NOT NULL,
		loop_depth INTEGER NOT NULL DEFAULT 0,
		last_phase TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_started_at ON conversations(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Get loads a conversation, or returns (nil, nil) when absent.
func (s *SQLiteStore) Get(id string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, chat_id, started_at, last_activity, last_summary_at,
		       loop_depth, last_phase, status
		FROM conversations WHERE id = ?`, id)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// Put inserts or replaces the conversation record.
func (s *SQLiteStore) Put(conv *Conversation) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO conversations
			(id, chat_id, started_at, last_activity, last_summary_at,
			 loop_depth, last_phase, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID,
		conv.ChatID,
		conv.StartedAt.UTC().Format(time.RFC3339Nano),
		conv.LastActivity.UTC().Format(time.RFC3339Nano),
		conv.LastSummaryAt.UTC().Format(time.RFC3339Nano),
		conv.LoopDepth,
		conv.LastPhase,
		string(conv.Status),
	)
	if err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	return nil
}

// Delete removes the conversation. Absent ids are a no-op.
func (s *SQLiteStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// ListActive returns all stored conversations ordered by StartedAt.
func (s *SQLiteStore) ListActive() ([]*Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, started_at, last_activity, last_summary_at,
		       loop_depth, last_phase, status
		FROM conversations ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var startedAt, lastActivity, lastSummaryAt, status string

	err := row.Scan(&conv.ID, &conv.ChatID, &startedAt, &lastActivity,
		&lastSummaryAt, &conv.LoopDepth, &conv.LastPhase, &status)
	if err != nil {
		return nil, err
	}

	if conv.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if conv.LastActivity, err = time.Parse(time.RFC3339Nano, lastActivity); err != nil {
		return nil, fmt.Errorf("parse last_activity: %w", err)
	}
	if conv.LastSummaryAt, err = time.Parse(time.RFC3339Nano, lastSummaryAt); err != nil {
		return nil, fmt.Errorf("parse last_summary_at: %w", err)
	}
	conv.Status = Status(status)

	return &conv, nil
}
