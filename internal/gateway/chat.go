package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/zenflux/zenflux/internal/agent"
	"github.com/zenflux/zenflux/internal/guardrails"
	"github.com/zenflux/zenflux/internal/tasks"
	"github.com/zenflux/zenflux/pkg/models"
)

// ChatRequest starts an agent turn.
type ChatRequest struct {
	Message         string          `json:"message"`
	UserID          string          `json:"user_id"`
	MessageID       string          `json:"message_id,omitempty"`
	ConversationID  string          `json:"conversation_id,omitempty"`
	AgentID         string          `json:"agent_id,omitempty"`
	Stream          *bool           `json:"stream,omitempty"`
	BackgroundTasks []string        `json:"background_tasks,omitempty"`
	Files           []agent.FileRef `json:"files,omitempty"`
	Variables       map[string]any  `json:"variables,omitempty"`
	SystemPrompt    string          `json:"system_prompt,omitempty"`
	Complexity      string          `json:"complexity,omitempty"`
	Tier            string          `json:"tier,omitempty"`
	WorkingPaths    []string        `json:"working_paths,omitempty"`
}

// defaultBackgroundTasks run after every turn unless the request narrows the
// set.
var defaultBackgroundTasks = []string{
	tasks.TaskTitleGeneration,
	tasks.TaskRecommendedQuestions,
	tasks.TaskMemoryFlush,
	tasks.TaskPlaybookExtraction,
}

const historyWindow = 100

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	if req.Message == "" {
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, "message is required")
		return
	}
	if req.UserID == "" {
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, "user_id is required")
		return
	}

	turn, err := s.prepareTurn(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sessionCh := make(chan string, 1)
	turn.OnSession = func(id string) { sessionCh <- id }

	resultCh := make(chan *agent.TurnResult, 1)
	go func() {
		// The turn outlives the HTTP request: a disconnected client
		// reattaches via the stream endpoint.
		res, runErr := s.loop.Run(context.Background(), *turn)
		if runErr != nil {
			s.logger.Warn("turn ended with error", "error", runErr)
		}
		resultCh <- res
	}()

	var sessionID string
	select {
	case sessionID = <-sessionCh:
	case <-time.After(5 * time.Second):
		s.writeErrorCode(w, http.StatusInternalServerError, CodeInternal, "session did not start")
		return
	}

	if req.Stream != nil && !*req.Stream {
		go s.afterTurn(&req, turn, resultCh, nil)
		s.writeOK(w, map[string]any{
			"task_id":         sessionID,
			"conversation_id": turn.ConversationID,
			"status":          "running",
		})
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeErrorCode(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	s.streamSession(r.Context(), sse, sessionID, 0)
	s.afterTurn(&req, turn, resultCh, sse.event)
	sse.done()
}

// handleChatReattach resumes the event stream of an in-flight or recently
// finished session from last_seq.
func (s *Server) handleChatReattach(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, "session_id is required")
		return
	}
	lastSeq, _ := strconv.ParseInt(r.URL.Query().Get("last_seq"), 10, 64)

	if _, err := s.engine.Store().GetSession(sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeErrorCode(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	s.streamSession(r.Context(), sse, sessionID, lastSeq)
	sse.done()
}

// prepareTurn resolves the conversation and history for a chat request.
func (s *Server) prepareTurn(ctx context.Context, req *ChatRequest) (*agent.TurnInput, error) {
	isNew := req.ConversationID == ""
	if isNew {
		conv := &models.Conversation{UserID: req.UserID}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
		req.ConversationID = conv.ID
	} else if _, err := s.store.GetConversation(ctx, req.ConversationID); err != nil {
		return nil, err
	}

	var history []*models.Message
	if !isNew {
		msgs, err := s.store.ListMessages(ctx, req.ConversationID, historyWindow, 0, "", "asc")
		if err != nil {
			return nil, err
		}
		history = msgs
	}

	return &agent.TurnInput{
		UserID:            req.UserID,
		ConversationID:    req.ConversationID,
		MessageID:         req.MessageID,
		Message:           req.Message,
		Files:             req.Files,
		IsNewConversation: isNew,
		SystemPrompt:      renderSystemPrompt(req.SystemPrompt, req.Variables),
		History:           history,
		Complexity:        guardrails.Complexity(req.Complexity),
		Tier:              guardrails.Tier(req.Tier),
		WorkingPaths:      req.WorkingPaths,
	}, nil
}

// renderSystemPrompt appends request variables (location, timezone, locale,
// and so on) as a context block after the caller's prompt.
func renderSystemPrompt(base string, vars map[string]any) string {
	if len(vars) == 0 {
		return base
	}
	ctxJSON, err := json.Marshal(vars)
	if err != nil {
		return base
	}
	block := fmt.Sprintf("<user_context>%s</user_context>", ctxJSON)
	if base == "" {
		return block
	}
	return base + "\n\n" + block
}

// streamSession copies session events onto the SSE stream until the session
// terminates or the client goes away.
func (s *Server) streamSession(ctx context.Context, sse *sseWriter, sessionID string, lastSeq int64) {
	events, err := s.engine.Store().SubscribeEvents(ctx, sessionID, lastSeq)
	if err != nil {
		sse.event(models.NewEvent(models.EventError, sessionID, "", map[string]any{
			"error_code": CodeSessionNotFound,
			"message":    sanitize(err.Error()),
		}))
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			sse.event(ev)
		case <-heartbeat.C:
			sse.tick()
		case <-ctx.Done():
			return
		}
	}
}

// afterTurn dispatches background tasks once the turn goroutine hands back
// its result. With a publish function attached, task events ride the same
// client stream; stream-dependent tasks are awaited before the caller closes
// it.
func (s *Server) afterTurn(req *ChatRequest, turn *agent.TurnInput, resultCh <-chan *agent.TurnResult, publish func(*models.Event)) {
	if s.taskRunner == nil {
		return
	}

	var result *agent.TurnResult
	select {
	case result = <-resultCh:
	case <-time.After(time.Minute):
		s.logger.Warn("turn result never arrived, skipping background tasks")
		return
	}
	if result == nil || result.Status != models.SessionCompleted {
		return
	}

	assistantText := ""
	if result.Assistant != nil {
		assistantText = models.PlainText(result.Assistant.Content)
	}

	names := req.BackgroundTasks
	if names == nil {
		names = defaultBackgroundTasks
	}

	tc := &tasks.Context{
		SessionID:         result.SessionID,
		ConversationID:    turn.ConversationID,
		UserID:            req.UserID,
		MessageID:         result.MessageID,
		UserMessage:       req.Message,
		AssistantResponse: assistantText,
		IsNewConversation: turn.IsNewConversation,
		Store:             s.store,
		Completer:         s.loop.Provider,
		Publisher: tasks.PublisherFunc(func(tc *tasks.Context, t models.EventType, data map[string]any) {
			ev := models.NewEvent(t, tc.SessionID, tc.ConversationID, data)
			if publish != nil {
				publish(ev)
			}
			if s.loop.Sink != nil {
				s.loop.Sink.Dispatch(ev)
			}
		}),
	}
	s.taskRunner.Dispatch(context.Background(), names, tc)
}
