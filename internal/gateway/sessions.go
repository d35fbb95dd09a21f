package gateway

import (
	"net/http"
	"strconv"
)

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.StopSession(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"session_id": id, "status": "stopping"})
}

func (s *Server) handleConfirmContinue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Continue *bool `json:"continue"`
	}
	// No body means "keep going".
	_ = decodeBody(r, &req)
	cont := req.Continue == nil || *req.Continue
	if !s.engine.SubmitLongRunning(id, cont).Delivered() {
		s.writeErrorCode(w, http.StatusNotFound, CodeSessionNotFound, "no pending continuation for session "+id)
		return
	}
	s.writeOK(w, map[string]any{"session_id": id, "continue": cont})
}

func (s *Server) handleHITLConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	raw := r.URL.Query().Get("approved")
	if raw == "" {
		var req struct {
			Approved *bool `json:"approved"`
		}
		if err := decodeBody(r, &req); err != nil || req.Approved == nil {
			s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, "approved is required")
			return
		}
		raw = strconv.FormatBool(*req.Approved)
	}
	approved, err := strconv.ParseBool(raw)
	if err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, "approved must be a boolean")
		return
	}
	if !s.engine.SubmitHITL(id, approved).Delivered() {
		s.writeErrorCode(w, http.StatusNotFound, CodeSessionNotFound, "no pending operation confirmation for session "+id)
		return
	}
	s.writeOK(w, map[string]any{"session_id": id, "approved": approved})
}

// choiceParam reads a choice from the query string, falling back to a JSON
// body {"choice": "..."}.
func choiceParam(r *http.Request) string {
	if c := r.URL.Query().Get("choice"); c != "" {
		return c
	}
	var req struct {
		Choice string `json:"choice"`
	}
	_ = decodeBody(r, &req)
	return req.Choice
}

func (s *Server) handleBacktrackConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	choice := choiceParam(r)
	switch choice {
	case "retry", "rollback", "stop":
	default:
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, "choice must be retry, rollback, or stop")
		return
	}
	if !s.engine.SubmitBacktrack(id, choice).Delivered() {
		s.writeErrorCode(w, http.StatusNotFound, CodeSessionNotFound, "no pending recovery confirmation for session "+id)
		return
	}
	s.writeOK(w, map[string]any{"session_id": id, "choice": choice})
}

func (s *Server) handleCostConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	choice := choiceParam(r)
	switch choice {
	case "continue", "stop":
	default:
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, "choice must be continue or stop")
		return
	}
	if !s.engine.SubmitCost(id, choice).Delivered() {
		s.writeErrorCode(w, http.StatusNotFound, CodeSessionNotFound, "no pending cost confirmation for session "+id)
		return
	}
	s.writeOK(w, map[string]any{"session_id": id, "choice": choice})
}

func (s *Server) handleIntentClarify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	text := r.URL.Query().Get("text")
	if text == "" {
		var req struct {
			Text string `json:"text"`
		}
		_ = decodeBody(r, &req)
		text = req.Text
	}
	if text == "" {
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, "text is required")
		return
	}
	if !s.engine.SubmitClarify(id, text).Delivered() {
		s.writeErrorCode(w, http.StatusNotFound, CodeSessionNotFound, "no pending clarification for session "+id)
		return
	}
	s.writeOK(w, map[string]any{"session_id": id})
}

func (s *Server) handleRollbackPreview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	mgr, ok := s.engine.StateManager(id)
	if !ok || !mgr.HasSnapshot() {
		s.writeErrorCode(w, http.StatusNotFound, CodeSessionNotFound, "no snapshot for session "+id)
		return
	}
	changes, err := mgr.Preview()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"session_id": id, "changes": changes})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		FilePaths []string `json:"file_paths"`
	}
	// An empty body means a full rollback.
	_ = decodeBody(r, &req)

	mgr, ok := s.engine.StateManager(id)
	if !ok || !mgr.HasSnapshot() {
		s.writeErrorCode(w, http.StatusNotFound, CodeSessionNotFound, "no snapshot for session "+id)
		return
	}
	if err := mgr.Rollback(req.FilePaths...); err != nil {
		s.writeError(w, err)
		return
	}
	// A full rollback consumes the snapshot; partial ones keep it around
	// for further selective restores.
	if len(req.FilePaths) == 0 {
		s.engine.UnregisterStateManager(id)
	}
	s.writeOK(w, map[string]any{"session_id": id, "restored": req.FilePaths})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Store().GetSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, sess)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.engine.RemoveSession(id)
	s.writeOK(w, map[string]any{"session_id": id, "removed": true})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, "user_id is required")
		return
	}
	s.writeOK(w, map[string]any{"sessions": s.engine.Store().ListSessions(userID)})
}
