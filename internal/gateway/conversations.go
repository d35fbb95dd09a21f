package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/zenflux/zenflux/pkg/models"
)

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string         `json:"user_id"`
		Title    string         `json:"title"`
		Metadata map[string]any `json:"metadata"`
	}
	_ = decodeBody(r, &req)
	if req.UserID == "" {
		req.UserID = r.URL.Query().Get("user_id")
	}
	if req.Title == "" {
		req.Title = r.URL.Query().Get("title")
	}
	if req.UserID == "" {
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, "user_id is required")
		return
	}
	conv := &models.Conversation{UserID: req.UserID, Title: req.Title, Metadata: req.Metadata}
	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, conv)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, "user_id is required")
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	convs, err := s.store.ListConversations(r.Context(), userID, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"conversations": convs, "limit": limit, "offset": offset})
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, conv)
}

func (s *Server) handleConversationUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Title    *string        `json:"title"`
		Status   *string        `json:"status"`
		Metadata map[string]any `json:"metadata"`
	}
	_ = decodeBody(r, &req)
	if req.Title == nil {
		if t := r.URL.Query().Get("title"); t != "" {
			req.Title = &t
		}
	}

	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Title != nil {
		conv.Title = *req.Title
	}
	if req.Status != nil {
		conv.Status = models.ConversationStatus(*req.Status)
	}
	if req.Metadata != nil {
		conv.Metadata = req.Metadata
	}
	if err := s.store.UpdateConversation(r.Context(), conv); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, conv)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"conversation_id": id, "deleted": true})
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	before := r.URL.Query().Get("before_cursor")
	order := strings.ToLower(r.URL.Query().Get("order"))
	if order != "asc" && order != "desc" {
		order = "asc"
	}
	msgs, err := s.store.ListMessages(r.Context(), id, limit, offset, before, order)
	if err != nil {
		s.writeError(w, err)
		return
	}
	total, err := s.store.CountMessages(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"messages": msgs, "total": total, "limit": limit, "offset": offset, "order": order})
}

func (s *Server) handleConversationSearch(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	query := r.URL.Query().Get("q")
	if userID == "" || query == "" {
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, "user_id and q are required")
		return
	}
	limit := queryInt(r, "limit", 20)
	results, err := s.store.SearchConversations(r.Context(), userID, query, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"results": results, "query": query})
}

const summaryPrompt = `Summarize the following conversation in at most three sentences.
Mention the user's goal and the outcome. Reply with plain text only.

%s`

func (s *Server) handleConversationSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), id, 50, 0, "", "asc")
	if err != nil {
		s.writeError(w, err)
		return
	}

	var b strings.Builder
	for _, m := range msgs {
		text := models.PlainText(m.Content)
		if text == "" {
			continue
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n")
	}

	summary := conv.Title
	if s.loop.Provider != nil && b.Len() > 0 {
		out, err := s.loop.Provider.Complete(r.Context(), fmt.Sprintf(summaryPrompt, b.String()))
		if err != nil {
			s.logger.Warn("summary generation failed", "conversation_id", id, "error", err)
		} else {
			summary = strings.TrimSpace(out)
		}
	}
	s.writeOK(w, map[string]any{
		"conversation_id": id,
		"title":           conv.Title,
		"summary":         summary,
		"message_count":   len(msgs),
		"last_activity":   conv.UpdatedAt,
	})
}

// handleConversationPreload warms the message history for a conversation so
// the next chat turn does not pay the first-read cost.
func (s *Server) handleConversationPreload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := queryInt(r, "limit", 50)
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), id, limit, 0, "", "desc")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"conversation_id": id, "preloaded": len(msgs)})
}
