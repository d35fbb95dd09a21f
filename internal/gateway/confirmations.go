package gateway

import (
	"net/http"
)

func (s *Server) handleConfirmationResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Response string         `json:"response"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	if req.Response == "" {
		s.writeErrorCode(w, http.StatusBadRequest, CodeValidation, "response is required")
		return
	}
	conf, err := s.confirmations.Resolve(id, req.Response)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Metadata != nil {
		if conf.Metadata == nil {
			conf.Metadata = map[string]any{}
		}
		for k, v := range req.Metadata {
			conf.Metadata[k] = v
		}
	}
	s.writeOK(w, conf)
}

func (s *Server) handleConfirmationGet(w http.ResponseWriter, r *http.Request) {
	conf, err := s.confirmations.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, conf)
}

func (s *Server) handleConfirmationDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.confirmations.Delete(id)
	s.writeOK(w, map[string]any{"request_id": id, "deleted": true})
}

func (s *Server) handleConfirmationPending(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	pending := s.confirmations.ListPending(sessionID)
	s.writeOK(w, map[string]any{"pending": pending, "count": len(pending)})
}

func (s *Server) handleConfirmationStats(w http.ResponseWriter, r *http.Request) {
	pending, resolved := s.confirmations.Stats()
	s.writeOK(w, map[string]any{"pending": pending, "resolved": resolved, "total": pending + resolved})
}

func (s *Server) handleTasksList(w http.ResponseWriter, r *http.Request) {
	if s.taskRegistry == nil {
		s.writeOK(w, map[string]any{"tasks": []string{}})
		return
	}
	s.writeOK(w, map[string]any{"tasks": s.taskRegistry.Names()})
}

func (s *Server) handleSkillsList(w http.ResponseWriter, r *http.Request) {
	if s.skills == nil {
		s.writeErrorCode(w, http.StatusNotFound, CodeInternal, "skills are not configured")
		return
	}
	catalogue := s.skills.Catalogue()
	s.writeOK(w, map[string]any{"skills": catalogue, "count": len(catalogue)})
}
