package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"loom/model"
)

// MessageStorage is the SQLite-backed Store.
type MessageStorage struct {
	db *sql.DB
}

// NewMessageStorage opens (creating if necessary) messages.db under dataDir.
func NewMessageStorage(dataDir string) (*MessageStorage, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "messages.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open message database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping message database: %w", err)
	}

	s := &MessageStorage{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize message database: %w", err)
	}
	if err := s.migrateSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate message database: %w", err)
	}
	return s, nil
}

func (s *MessageStorage) initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		tool_call TEXT,
		tool_result TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id);
	`
	_, err := s.db.Exec(query)
	return err
}

// migrateSchema adds columns introduced after the first release so older
// databases keep working.
func (s *MessageStorage) migrateSchema() error {
	for _, col := range []struct{ name, ddl string }{
		{"tool_call", "ALTER TABLE messages ADD COLUMN tool_call TEXT"},
		{"tool_result", "ALTER TABLE messages ADD COLUMN tool_result TEXT"},
	} {
		exists, err := s.columnExists("messages", col.name)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := s.db.Exec(col.ddl); err != nil {
				return fmt.Errorf("failed to add column %s: %w", col.name, err)
			}
		}
	}
	return nil
}

func (s *MessageStorage) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// AddMessage inserts a message into the transcript of chatID.
func (s *MessageStorage) AddMessage(chatID string, msg *model.Message) error {
	toolCall, toolResult, err := marshalToolColumns(msg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO messages (id, chat_id, role, content, created_at, tool_call, tool_result)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, chatID, msg.Role, msg.Content, msg.CreatedAt.UTC(), toolCall, toolResult)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// UpdateMessage rewrites the stored row for msg.ID, keeping its chat.
func (s *MessageStorage) UpdateMessage(msg *model.Message) error {
	toolCall, toolResult, err := marshalToolColumns(msg)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE messages SET role = ?, content = ?, created_at = ?, tool_call = ?, tool_result = ?
		WHERE id = ?`,
		msg.Role, msg.Content, msg.CreatedAt.UTC(), toolCall, toolResult, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %s not found", msg.ID)
	}
	return nil
}

// GetMessages returns the transcript of chatID in creation order.
func (s *MessageStorage) GetMessages(chatID string) ([]model.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, created_at, tool_call, tool_result
		FROM messages WHERE chat_id = ? ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var (
			msg        model.Message
			createdAt  time.Time
			toolCall   sql.NullString
			toolResult sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &createdAt, &toolCall, &toolResult); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = createdAt
		if toolCall.Valid && toolCall.String != "" {
			var tc model.ToolCall
			if err := json.Unmarshal([]byte(toolCall.String), &tc); err != nil {
				return nil, fmt.Errorf("failed to decode tool call for message %s: %w", msg.ID, err)
			}
			msg.ToolCall = &tc
		}
		if toolResult.Valid && toolResult.String != "" {
			var tr model.ToolResult
			if err := json.Unmarshal([]byte(toolResult.String), &tr); err != nil {
				return nil, fmt.Errorf("failed to decode tool result for message %s: %w", msg.ID, err)
			}
			msg.ToolResult = &tr
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// DeleteMessage removes a single message by id.
func (s *MessageStorage) DeleteMessage(id string) error {
	_, err := s.db.Exec("DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *MessageStorage) Close() error {
	return s.db.Close()
}

func marshalToolColumns(msg *model.Message) (toolCall, toolResult sql.NullString, err error) {
	if msg.ToolCall != nil {
		data, err := json.Marshal(msg.ToolCall)
		if err != nil {
			return toolCall, toolResult, fmt.Errorf("failed to encode tool call: %w", err)
		}
		toolCall = sql.NullString{String: string(data), Valid: true}
	}
	if msg.ToolResult != nil {
		data, err := json.Marshal(msg.ToolResult)
		if err != nil {
			return toolCall, toolResult, fmt.Errorf("failed to encode tool result: %w", err)
		}
		toolResult = sql.NullString{String: string(data), Valid: true}
	}
	return toolCall, toolResult, nil
}
