// Package conversations is the append-only conversation store backed by
// conversations.db: an ordered message log per conversation with an FTS5
// index, plus the context-assembly window used by the dispatcher.
package conversations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/valethq/valet/internal/store"
)

// DefaultConversationID is the conversation used when a request names none.
// It always exists.
const DefaultConversationID = "default"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ErrNotFound reports a missing conversation.
var ErrNotFound = errors.New("conversations: not found")

// Conversation is one thread of messages.
type Conversation struct {
	ID           string
	Title        string
	SystemPrompt string
	Persona      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one append-only log entry.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
	TokenCount     int
	// Partial marks an assistant message persisted after a failed or
	// cancelled stream.
	Partial bool
}

// SearchHit is one full-text match.
type SearchHit struct {
	Message Message
	Snippet string
}

// Store persists conversations and messages. Writes serialize on the single
// database connection; created_at is strictly monotonic per conversation.
type Store struct {
	db         *sql.DB
	summarizer Summarizer
}

// Open opens (creating if needed) the conversation database at path and
// guarantees the default conversation exists.
func Open(path string) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			title         TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			persona       TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			token_count     INTEGER NOT NULL,
			partial         INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			content,
			content='messages',
			content_rowid='rowid'
		);

		CREATE TRIGGER IF NOT EXISTS messages_fts_insert
		AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
		END;

		CREATE TRIGGER IF NOT EXISTS messages_fts_delete
		AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, content)
			VALUES ('delete', old.rowid, old.content);
		END;
	`)
	if err != nil {
		return fmt.Errorf("conversations: init schema: %w", err)
	}

	now := time.Now().UnixNano()
	_, err = s.db.Exec(`
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, 'Default', ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, DefaultConversationID, now, now)
	if err != nil {
		return fmt.Errorf("conversations: ensure default: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SetSummarizer installs the summarizer used by BuildContext. A nil
// summarizer selects the deterministic extractive fallback.
func (s *Store) SetSummarizer(fn Summarizer) { s.summarizer = fn }

// EstimateTokens is the chars/4 heuristic used everywhere a budget is
// enforced. It intentionally overcounts short strings rather than under.
func EstimateTokens(text string) int {
	return len(text)/4 + 1
}

// Create inserts a new conversation. Empty id draws a uuid.
func (s *Store) Create(ctx context.Context, id, title string) (*Conversation, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, id, title, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("conversations: create: %w", err)
	}
	return &Conversation{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// Get returns one conversation.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var createdNS, updatedNS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, system_prompt, persona, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.Title, &c.SystemPrompt, &c.Persona, &createdNS, &updatedNS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversations: get: %w", err)
	}
	c.CreatedAt = time.Unix(0, createdNS)
	c.UpdatedAt = time.Unix(0, updatedNS)
	return &c, nil
}

// Ensure returns the conversation, creating it when missing. An empty id
// resolves to the default conversation.
func (s *Store) Ensure(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		id = DefaultConversationID
	}
	c, err := s.Get(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.Create(ctx, id, "")
}

// Append writes one message. created_at is strictly greater than every
// earlier message of the conversation, whatever the wall clock says.
func (s *Store) Append(ctx context.Context, conversationID, role, content string) (*Message, error) {
	return s.append(ctx, conversationID, role, content, false)
}

// AppendPartial writes an assistant message flagged as partial output from
// an interrupted stream.
func (s *Store) AppendPartial(ctx context.Context, conversationID, role, content string) (*Message, error) {
	return s.append(ctx, conversationID, role, content, true)
}

func (s *Store) append(ctx context.Context, conversationID, role, content string, partial bool) (*Message, error) {
	if _, err := s.Ensure(ctx, conversationID); err != nil {
		return nil, err
	}
	if conversationID == "" {
		conversationID = DefaultConversationID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("conversations: begin append: %w", err)
	}
	defer tx.Rollback()

	var lastNS sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&lastNS)
	if err != nil {
		return nil, fmt.Errorf("conversations: last timestamp: %w", err)
	}

	nowNS := time.Now().UnixNano()
	if lastNS.Valid && nowNS <= lastNS.Int64 {
		nowNS = lastNS.Int64 + 1
	}

	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Unix(0, nowNS),
		TokenCount:     EstimateTokens(content),
		Partial:        partial,
	}

	partialFlag := 0
	if partial {
		partialFlag = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at, token_count, partial)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.Role, m.Content, nowNS, m.TokenCount, partialFlag)
	if err != nil {
		return nil, fmt.Errorf("conversations: insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, nowNS, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversations: touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("conversations: commit append: %w", err)
	}
	return m, nil
}

// Messages returns messages in chronological order. limit <= 0 means all;
// offset skips from the start.
func (s *Store) Messages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at, token_count, partial
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ? OFFSET ?
	`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("conversations: messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var createdNS int64
		var partial int
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &createdNS, &m.TokenCount, &partial); err != nil {
			return nil, fmt.Errorf("conversations: scan message: %w", err)
		}
		m.CreatedAt = time.Unix(0, createdNS)
		m.Partial = partial == 1
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the number of messages in the conversation.
func (s *Store) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("conversations: count: %w", err)
	}
	return n, nil
}

// Delete removes the conversation and its messages. Deleting the default
// conversation recreates it empty.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("conversations: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if conversationID == DefaultConversationID {
		now := time.Now().UnixNano()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, title, created_at, updated_at)
			VALUES (?, 'Default', ?, ?)
		`, DefaultConversationID, now, now)
		if err != nil {
			return fmt.Errorf("conversations: recreate default: %w", err)
		}
	}
	return nil
}

// Rename sets the conversation title.
func (s *Store) Rename(ctx context.Context, conversationID, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?
	`, title, time.Now().UnixNano(), conversationID)
	if err != nil {
		return fmt.Errorf("conversations: rename: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSystemPrompt sets the per-conversation system prompt override.
func (s *Store) SetSystemPrompt(ctx context.Context, conversationID, prompt string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET system_prompt = ? WHERE id = ?
	`, prompt, conversationID)
	if err != nil {
		return fmt.Errorf("conversations: set system prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPersona sets the per-conversation persona.
func (s *Store) SetPersona(ctx context.Context, conversationID, persona string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET persona = ? WHERE id = ?
	`, persona, conversationID)
	if err != nil {
		return fmt.Errorf("conversations: set persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all conversations, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, system_prompt, persona, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("conversations: list: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var createdNS, updatedNS int64
		if err := rows.Scan(&c.ID, &c.Title, &c.SystemPrompt, &c.Persona, &createdNS, &updatedNS); err != nil {
			return nil, fmt.Errorf("conversations: scan conversation: %w", err)
		}
		c.CreatedAt = time.Unix(0, createdNS)
		c.UpdatedAt = time.Unix(0, updatedNS)
		out = append(out, c)
	}
	return out, rows.Err()
}

// snippetContextChars is the window kept on each side of the first match.
const snippetContextChars = 60

// Search runs a case-insensitive full-text query. conversationID narrows
// the search when non-empty. Deleted conversations never appear: their
// messages are removed by cascade and unindexed by trigger.
func (s *Store) Search(ctx context.Context, query, conversationID string, limit, offset int) ([]SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	// Quote the user query so FTS operators in it are literal.
	ftsQuery := `"` + strings.ReplaceAll(query, `"`, `""`) + `"`

	args := []any{ftsQuery}
	filter := ""
	if conversationID != "" {
		filter = "AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT m.id, m.conversation_id, m.role, m.content, m.created_at, m.token_count, m.partial
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ? %s
		ORDER BY m.created_at DESC
		LIMIT ? OFFSET ?
	`, filter), args...)
	if err != nil {
		return nil, fmt.Errorf("conversations: search: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(messages))
	for _, m := range messages {
		hits = append(hits, SearchHit{
			Message: m,
			Snippet: makeSnippet(m.Content, query),
		})
	}
	return hits, nil
}

// makeSnippet returns a ±snippetContextChars window around the first
// case-insensitive occurrence of query, with ellipses marking cut edges.
func makeSnippet(content, query string) string {
	lower := strings.ToLower(content)
	idx := strings.Index(lower, strings.ToLower(query))
	if idx < 0 {
		// FTS matched on a stemmed or tokenized form; fall back to the head.
		idx = 0
	}

	start := idx - snippetContextChars
	if start < 0 {
		start = 0
	}
	end := idx + len(query) + snippetContextChars
	if end > len(content) {
		end = len(content)
	}

	snippet := content[start:end]
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(content) {
		snippet = snippet + "..."
	}
	return snippet
}
