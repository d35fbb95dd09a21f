package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of session event. The set is closed; adapters
// and subscribers match against these names (plus the extended
// "message_delta:<subtype>" form handled by the dispatcher).
type EventType string

const (
	// Turn lifecycle
	EventSessionStart      EventType = "session_start"
	EventConversationStart EventType = "conversation_start"
	EventMessageStart      EventType = "message_start"
	EventContentStart      EventType = "content_start"
	EventContentDelta      EventType = "content_delta"
	EventContentStop       EventType = "content_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventSessionEnd        EventType = "session_end"

	// Heartbeat and errors
	EventTick  EventType = "tick"
	EventError EventType = "error"

	// EventSessionStopped signals that a stop request was observed; the
	// normal message_stop / session_end pair still follows.
	EventSessionStopped EventType = "session.stopped"

	// Interrupt protocol
	EventLongRunningConfirm  EventType = "long_running_confirm"
	EventHITLConfirm         EventType = "hitl_confirm"
	EventBacktrackConfirm    EventType = "backtrack_confirm"
	EventCostLimitConfirm    EventType = "cost_limit_confirm"
	EventCostUrgentConfirm   EventType = "cost_urgent_confirm"
	EventIntentClarify       EventType = "intent_clarify_request"
	EventPlaybookSuggestion  EventType = "playbook_suggestion"
	EventRecommendedQuestion EventType = "recommended_questions"
	EventConversationDelta   EventType = "conversation_delta"
)

// Event is a record produced during a session. Seq is monotonic per session
// starting at 1; a subscriber always observes events with strictly increasing
// Seq, exactly once.
type Event struct {
	Type           EventType      `json:"type"`
	Seq            int64          `json:"seq"`
	SessionID      string         `json:"session_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Clone returns a shallow copy with its own Data map, so subscribers cannot
// mutate the buffered record.
func (e *Event) Clone() *Event {
	out := *e
	if e.Data != nil {
		out.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			out.Data[k] = v
		}
	}
	return &out
}

// DeltaSubtype extracts data.delta.type for extended adapter matching of
// message_delta events. Returns "" when the event carries no typed delta.
func (e *Event) DeltaSubtype() string {
	if e.Data == nil {
		return ""
	}
	delta, ok := e.Data["delta"].(map[string]any)
	if !ok {
		return ""
	}
	sub, _ := delta["type"].(string)
	return sub
}

// MarshalWire renders the event in the internal wire shape used by SSE and
// the WebSocket event frames.
func (e *Event) MarshalWire() ([]byte, error) {
	return json.Marshal(e)
}

// NewEvent builds an unsequenced event; the session store assigns Seq when
// the event is buffered.
func NewEvent(t EventType, sessionID, conversationID string, data map[string]any) *Event {
	return &Event{
		Type:           t,
		SessionID:      sessionID,
		ConversationID: conversationID,
		Data:           data,
		Timestamp:      time.Now(),
	}
}

// ErrorKind classifies stream errors for clients.
type ErrorKind string

const (
	ErrorKindBusiness ErrorKind = "business"
	ErrorKindNetwork  ErrorKind = "network"
	ErrorKindUnknown  ErrorKind = "unknown"
)

// StreamError is the payload of an "error" event.
type StreamError struct {
	Type      ErrorKind `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// AsData converts the error into an event data map.
func (se StreamError) AsData() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":      string(se.Type),
			"code":      se.Code,
			"message":   se.Message,
			"retryable": se.Retryable,
		},
	}
}
