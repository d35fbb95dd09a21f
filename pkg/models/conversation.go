package models

import "time"

// ConversationStatus tracks conversation lifecycle.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationDeleted  ConversationStatus = "deleted"
)

// Conversation is a thread of turns for one user. Deleting a conversation
// cascades to all of its messages.
type Conversation struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user_id"`
	Title     string             `json:"title"`
	Status    ConversationStatus `json:"status"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// MatchType identifies which field a search hit matched.
type MatchType string

const (
	MatchTitle   MatchType = "title"
	MatchContent MatchType = "content"
)

// SearchResult is one ranked full-text search hit.
type SearchResult struct {
	Conversation *Conversation `json:"conversation"`
	MatchType    MatchType     `json:"match_type"`
	Snippet      string        `json:"snippet"`
}

// Fragment is a multi-dimension semantic extraction from a past session,
// used for persona and memory. Hints holds the per-dimension payload
// (identity, task, time, emotion, relation, todo, preference, topic,
// constraint, tool, goal).
type Fragment struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Confidence float64        `json:"confidence"`
	Hints      map[string]any `json:"hints"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// PlaybookStatus tracks a playbook entry's review state.
type PlaybookStatus string

const (
	PlaybookDraft    PlaybookStatus = "draft"
	PlaybookApproved PlaybookStatus = "approved"
	PlaybookArchived PlaybookStatus = "archived"
)

// PlaybookEntry is a reusable strategy derived from a successful session.
// Approved entries are never mutated.
type PlaybookEntry struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	ToolSequence []string       `json:"tool_sequence"`
	Status       PlaybookStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
}
