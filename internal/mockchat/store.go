package mockchat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/autosnap/drift-relay/internal/logger"
	_ "modernc.org/sqlite"
)

// ConversationState is the per-conversation workflow progress tracked
// by the mock backend. Keyed by conversation id and persisted, so
// concurrent relay requests never share mutable process-wide state.
type ConversationState struct {
	ConversationID int64
	WorkflowID     int
	WorkflowStatus string
	CurrentField   string
	CollectedData  map[string]interface{}
}

// Store persists mock conversation state in SQLite.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// OpenStore opens (or creates) the mock state database at path. The
// schema is created automatically; parent directories too.
func OpenStore(path string, log *logger.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for concurrent relay requests.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:  db,
		log: log.WithComponent("mockchat-store"),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id INTEGER NOT NULL,
			workflow_status TEXT NOT NULL,
			current_field TEXT NOT NULL DEFAULT '',
			collected_data TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Conversation ids start above 1000 so they are visibly distinct
	// from real upstream ids during development.
	_, err := s.db.Exec(
		`INSERT INTO sqlite_sequence (name, seq) SELECT 'conversations', 1000
		 WHERE NOT EXISTS (SELECT 1 FROM sqlite_sequence WHERE name = 'conversations')`)
	return err
}

// Create inserts a fresh pending conversation and returns its state.
func (s *Store) Create(ctx context.Context) (*ConversationState, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (workflow_id, workflow_status) VALUES (1, 'pending')`)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &ConversationState{
		ConversationID: id,
		WorkflowID:     1,
		WorkflowStatus: "pending",
		CollectedData:  map[string]interface{}{},
	}, nil
}

// Get loads a conversation's state, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, conversationID int64) (*ConversationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_status, current_field, collected_data
		 FROM conversations WHERE id = ?`, conversationID)

	var state ConversationState
	var collected string
	err := row.Scan(&state.ConversationID, &state.WorkflowID, &state.WorkflowStatus,
		&state.CurrentField, &collected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation %d: %w", conversationID, err)
	}

	if err := json.Unmarshal([]byte(collected), &state.CollectedData); err != nil {
		return nil, fmt.Errorf("decoding collected data for conversation %d: %w", conversationID, err)
	}
	if state.CollectedData == nil {
		state.CollectedData = map[string]interface{}{}
	}
	return &state, nil
}

// Save writes a conversation's state back.
func (s *Store) Save(ctx context.Context, state *ConversationState) error {
	collected, err := json.Marshal(state.CollectedData)
	if err != nil {
		return fmt.Errorf("encoding collected data: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET workflow_id = ?, workflow_status = ?, current_field = ?, collected_data = ?,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		state.WorkflowID, state.WorkflowStatus, state.CurrentField, string(collected),
		state.ConversationID)
	if err != nil {
		return fmt.Errorf("saving conversation %d: %w", state.ConversationID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
