package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/zenflux/zenflux/pkg/models"
)

// CreateConversation inserts a conversation, generating an ID when absent.
func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = models.ConversationActive
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = conv.CreatedAt

	meta, err := marshalMeta(conv.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversations
		(id, user_id, title, status, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, string(conv.Status), meta, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	if conv.Title != "" {
		s.indexText(ctx, conv.ID, "title", conv.Title)
	}
	return nil
}

// GetConversation fetches one conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, title, status, metadata_json, created_at, updated_at
		FROM conversations WHERE id = ? AND status != 'deleted'`, id)
	return scanConversation(row)
}

// UpdateConversation updates title, status, and metadata.
func (s *Store) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	meta, err := marshalMeta(conv.Metadata)
	if err != nil {
		return err
	}
	conv.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE conversations
		SET title = ?, status = ?, metadata_json = ?, updated_at = ?
		WHERE id = ?`,
		conv.Title, string(conv.Status), meta, conv.UpdatedAt, conv.ID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	// Re-index the title under the same key.
	s.deindex(ctx, conv.ID, "title")
	if conv.Title != "" {
		s.indexText(ctx, conv.ID, "title", conv.Title)
	}
	return nil
}

// DeleteConversation removes a conversation and cascades to its messages and
// search entries.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.fts.ExecContext(ctx, `DELETE FROM search_index WHERE conversation_id = ?`, id); err != nil {
		s.logger.Warn("search index cleanup failed", "conversation_id", id, "error", err)
	}
	return nil
}

// ListConversations returns a user's conversations ordered by recency.
func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, title, status, metadata_json, created_at, updated_at
		FROM conversations WHERE user_id = ? AND status != 'deleted'
		ORDER BY updated_at DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// AppendMessage appends one message to a conversation and indexes its text.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ConversationID = conversationID
	if msg.Status == "" {
		msg.Status = models.MessageCompleted
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	meta, err := marshalMeta(msg.Metadata)
	if err != nil {
		return err
	}
	if s.writer == nil {
		return s.insertMessage(ctx, conversationID, msg, string(content), meta)
	}
	// Messages are the hard write path: a full queue surfaces to the
	// caller instead of silently dropping the message.
	return s.writer.Enqueue(WriteTask{
		Name: "append_message",
		Op: func(ctx context.Context) error {
			return s.insertMessage(ctx, conversationID, msg, string(content), meta)
		},
	})
}

func (s *Store) insertMessage(ctx context.Context, conversationID string, msg *models.Message, content, meta string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages
		(id, conversation_id, role, content_json, status, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(msg.Role), content, string(msg.Status), meta, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt, conversationID); err != nil {
		s.logger.Warn("bump conversation failed", "conversation_id", conversationID, "error", err)
	}
	if text := models.PlainText(msg.Content); text != "" {
		s.indexText(ctx, conversationID, "content", text)
	}
	return nil
}

// ListMessages returns messages for a conversation. Order is "asc" or
// "desc"; beforeCursor (a message ID) pages backwards when set.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int, beforeCursor, order string) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	dir := "ASC"
	if strings.EqualFold(order, "desc") {
		dir = "DESC"
	}

	query := `SELECT id, conversation_id, role, content_json, status, metadata_json, created_at
		FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if beforeCursor != "" {
		query += ` AND created_at < (SELECT created_at FROM messages WHERE id = ?)`
		args = append(args, beforeCursor)
	}
	query += fmt.Sprintf(` ORDER BY created_at %s, rowid %s LIMIT ? OFFSET ?`, dir, dir)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var (
			msg     models.Message
			content string
			meta    sql.NullString
			role    string
			status  string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &content, &status, &meta, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.Status = models.MessageStatus(status)
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &msg.Metadata)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// CountMessages returns the number of messages in a conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

// SearchConversations runs a ranked full-text search over titles and message
// bodies, returning snippets around the match.
func (s *Store) SearchConversations(ctx context.Context, userID, query string, limit int) ([]*models.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	q := ftsQuote(query)
	rows, err := s.fts.QueryContext(ctx, `SELECT conversation_id, kind, body, rank
		FROM search_index WHERE search_index MATCH ? ORDER BY rank LIMIT ?`, q, limit*4)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	type hit struct {
		kind string
		body string
	}
	var order []string
	best := map[string]hit{}
	for rows.Next() {
		var convID, kind, body string
		var rank float64
		if err := rows.Scan(&convID, &kind, &body, &rank); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		if _, seen := best[convID]; !seen {
			best[convID] = hit{kind: kind, body: body}
			order = append(order, convID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*models.SearchResult
	for _, convID := range order {
		if len(out) >= limit {
			break
		}
		conv, err := s.GetConversation(ctx, convID)
		if err != nil {
			continue // deleted since indexing
		}
		if userID != "" && conv.UserID != userID {
			continue
		}
		h := best[convID]
		matchType := models.MatchContent
		if h.kind == "title" {
			matchType = models.MatchTitle
		}
		out = append(out, &models.SearchResult{
			Conversation: conv,
			MatchType:    matchType,
			Snippet:      snippet(h.body, query, s.snippetContext),
		})
	}
	return out, nil
}

const opFTSIndex = "fts_index"

type indexRow struct {
	conversationID string
	kind           string
	body           string
}

func (s *Store) indexText(ctx context.Context, conversationID, kind, body string) {
	if s.batch != nil {
		s.batch.Add(ctx, opFTSIndex, indexRow{conversationID: conversationID, kind: kind, body: body})
		return
	}
	if _, err := s.fts.ExecContext(ctx, `INSERT INTO search_index (conversation_id, kind, body) VALUES (?, ?, ?)`,
		conversationID, kind, body); err != nil {
		s.logger.Warn("search indexing failed", "conversation_id", conversationID, "error", err)
	}
}

// flushIndexBatch commits one batch of search-index rows in a single
// transaction.
func (s *Store) flushIndexBatch(ctx context.Context, items []any) error {
	tx, err := s.fts.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index batch: %w", err)
	}
	for _, it := range items {
		row, ok := it.(indexRow)
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO search_index (conversation_id, kind, body) VALUES (?, ?, ?)`,
			row.conversationID, row.kind, row.body); err != nil {
			tx.Rollback()
			return fmt.Errorf("index batch: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) deindex(ctx context.Context, conversationID, kind string) {
	if _, err := s.fts.ExecContext(ctx, `DELETE FROM search_index WHERE conversation_id = ? AND kind = ?`,
		conversationID, kind); err != nil {
		s.logger.Warn("search deindex failed", "conversation_id", conversationID, "error", err)
	}
}

// snippet extracts the matched fragment with up to contextChars surrounding
// characters on each side.
func snippet(body, query string, contextChars int) string {
	lowBody := strings.ToLower(body)
	lowQuery := strings.ToLower(strings.TrimSpace(query))
	idx := strings.Index(lowBody, lowQuery)
	if idx < 0 {
		if len(body) <= contextChars {
			return body
		}
		return body[:runeFloor(body, contextChars)] + "…"
	}
	start := runeFloor(body, idx-contextChars)
	end := runeCeil(body, idx+len(lowQuery)+contextChars)
	out := body[start:end]
	if start > 0 {
		out = "…" + out
	}
	if end < len(body) {
		out += "…"
	}
	return out
}

// runeFloor clamps i into [0, len(s)] and moves it back to the nearest rune
// boundary so slicing never splits a multi-byte character.
func runeFloor(s string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeCeil clamps i into [0, len(s)] and moves it forward to the nearest rune
// boundary.
func runeCeil(s string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(s) {
		return len(s)
	}
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// ftsQuote wraps the user query in double quotes so punctuation cannot break
// the FTS5 query grammar.
func ftsQuote(q string) string {
	return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
}

func marshalMeta(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv   models.Conversation
		status string
		meta   sql.NullString
	)
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &status, &meta, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	conv.Status = models.ConversationStatus(status)
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &conv.Metadata)
	}
	return &conv, nil
}
