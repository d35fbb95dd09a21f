package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/zenflux/zenflux/pkg/models"
)

// RegisterBuiltins installs the standard post-turn tasks.
func RegisterBuiltins(r *Registry) {
	r.Register(TaskTitleGeneration, TitleGeneration)
	r.Register(TaskRecommendedQuestions, RecommendedQuestions)
	r.Register(TaskMemoryFlush, MemoryFlush)
	r.Register(TaskPlaybookExtraction, PlaybookExtraction)
}

const titlePrompt = `Write a short title (at most 6 words, no quotes, no
trailing punctuation) for a conversation that starts like this.

User: %s
Assistant: %s

Title:`

// TitleGeneration names a new conversation from its first exchange and pushes
// the title as a conversation_delta so the open stream picks it up.
func TitleGeneration(ctx context.Context, tc *Context) error {
	if !tc.IsNewConversation || tc.Completer == nil {
		return nil
	}

	reply, err := tc.Completer.Complete(ctx, fmt.Sprintf(titlePrompt, clip(tc.UserMessage, 500), clip(tc.AssistantResponse, 500)))
	if err != nil {
		return fmt.Errorf("generate title: %w", err)
	}
	title := sanitizeTitle(reply)
	if title == "" {
		return nil
	}

	if tc.Store != nil {
		conv, err := tc.Store.GetConversation(ctx, tc.ConversationID)
		if err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
		conv.Title = title
		if err := tc.Store.UpdateConversation(ctx, conv); err != nil {
			return fmt.Errorf("save title: %w", err)
		}
	}

	tc.Publish(models.EventConversationDelta, map[string]any{
		"conversation_id": tc.ConversationID,
		"delta":           map[string]any{"type": "title", "title": title},
	})
	return nil
}

const questionsPrompt = `Given this exchange, suggest three short follow-up
questions the user might ask next. Reply with a JSON array of strings only.

User: %s
Assistant: %s`

// RecommendedQuestions proposes follow-ups after the turn. The result goes
// out over the notification channel because the SSE stream is closed by the
// time this finishes.
func RecommendedQuestions(ctx context.Context, tc *Context) error {
	if tc.Completer == nil {
		return nil
	}
	reply, err := tc.Completer.Complete(ctx, fmt.Sprintf(questionsPrompt, clip(tc.UserMessage, 500), clip(tc.AssistantResponse, 800)))
	if err != nil {
		return fmt.Errorf("generate questions: %w", err)
	}

	questions := parseStringArray(reply)
	if len(questions) == 0 {
		return nil
	}
	tc.Publish(models.EventRecommendedQuestion, map[string]any{
		"conversation_id": tc.ConversationID,
		"questions":       questions,
	})
	return nil
}

const memoryPrompt = `Extract durable facts about the user from this exchange
as a JSON object keyed by dimension (identity, task, time, emotion, relation,
todo, preference, topic, constraint, tool, goal). Include only dimensions with
content. Add a top-level "confidence" between 0 and 1. Reply with JSON only.

User: %s
Assistant: %s`

// MemoryFlush distills the turn into a persona fragment and persists it.
func MemoryFlush(ctx context.Context, tc *Context) error {
	if tc.Completer == nil || tc.Store == nil {
		return nil
	}
	reply, err := tc.Completer.Complete(ctx, fmt.Sprintf(memoryPrompt, clip(tc.UserMessage, 800), clip(tc.AssistantResponse, 800)))
	if err != nil {
		return fmt.Errorf("extract memory: %w", err)
	}

	hints := parseObject(reply)
	if len(hints) == 0 {
		return nil
	}
	confidence := 0.5
	if c, ok := hints["confidence"].(float64); ok {
		confidence = c
		delete(hints, "confidence")
	}
	if len(hints) == 0 {
		return nil
	}

	return tc.Store.SaveFragment(ctx, &models.Fragment{
		ID:         uuid.NewString(),
		UserID:     tc.UserID,
		SessionID:  tc.SessionID,
		Timestamp:  time.Now(),
		Confidence: confidence,
		Hints:      hints,
	})
}

const playbookPrompt = `Did the assistant complete a multi-step task worth
reusing as a playbook? If yes, reply with JSON
{"name":"...","description":"...","tool_sequence":["tool1","tool2"]}.
If not, reply null.

User: %s
Assistant: %s`

// PlaybookExtraction suggests a reusable strategy from a successful turn.
func PlaybookExtraction(ctx context.Context, tc *Context) error {
	if tc.Completer == nil {
		return nil
	}
	reply, err := tc.Completer.Complete(ctx, fmt.Sprintf(playbookPrompt, clip(tc.UserMessage, 500), clip(tc.AssistantResponse, 1000)))
	if err != nil {
		return fmt.Errorf("extract playbook: %w", err)
	}

	obj := parseObject(reply)
	name, _ := obj["name"].(string)
	if name == "" {
		return nil
	}
	tc.Publish(models.EventPlaybookSuggestion, map[string]any{
		"conversation_id": tc.ConversationID,
		"playbook":        obj,
	})
	return nil
}

func sanitizeTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 80
	if len(s) > max {
		s = strings.TrimSpace(clip(s, max))
	}
	return s
}

// clip truncates at a rune boundary so multi-byte text never splits.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// parseStringArray pulls the first JSON array of strings out of a reply.
func parseStringArray(reply string) []string {
	body := strings.TrimSpace(reply)
	start := strings.Index(body, "[")
	end := strings.LastIndex(body, "]")
	if start < 0 || end <= start {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(body[start:end+1]), &out); err != nil {
		return nil
	}
	trimmed := out[:0]
	for _, q := range out {
		if q = strings.TrimSpace(q); q != "" {
			trimmed = append(trimmed, q)
		}
	}
	return trimmed
}

// parseObject pulls the outermost JSON object out of a reply.
func parseObject(reply string) map[string]any {
	body := strings.TrimSpace(reply)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(body[start:end+1]), &out); err != nil {
		return nil
	}
	return out
}
