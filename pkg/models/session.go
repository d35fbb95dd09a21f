package models

import "time"

// SessionStatus tracks a single in-flight turn.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionStopped   SessionStatus = "stopped"
)

// Terminal reports whether the status ends the session.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionStopped
}

// Session is the in-flight execution of one turn and its fan-out state.
// Exactly one live agent loop exists per session ID, and IDs are never
// reused.
type Session struct {
	ID             string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Status         SessionStatus  `json:"status"`
	Preview        string         `json:"preview,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        time.Time      `json:"end_time,omitempty"`
}

// ConfirmationType describes how a human-in-the-loop question is answered.
type ConfirmationType string

const (
	ConfirmSingleChoice   ConfirmationType = "single_choice"
	ConfirmMultipleChoice ConfirmationType = "multiple_choice"
	ConfirmTextInput      ConfirmationType = "text_input"
)

// ConfirmationRequest is an outstanding human-in-the-loop question tied to a
// session. It is one-shot: it transitions unresolved to resolved exactly
// once; later submissions are no-ops.
type ConfirmationRequest struct {
	ID        string           `json:"request_id"`
	SessionID string           `json:"session_id"`
	Question  string           `json:"question"`
	Options   []string         `json:"options,omitempty"`
	Type      ConfirmationType `json:"type"`
	Timeout   time.Duration    `json:"timeout,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Response  any              `json:"response,omitempty"`
	Resolved  bool             `json:"resolved"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}
