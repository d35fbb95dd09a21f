package gateway

import (
	"errors"
	"net/http"

	"github.com/zenflux/zenflux/internal/agent"
	"github.com/zenflux/zenflux/internal/observability"
	"github.com/zenflux/zenflux/internal/sessions"
	"github.com/zenflux/zenflux/internal/store"
)

// Error kinds surfaced in envelope codes and error events.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeAgentNotFound       = "AGENT_NOT_FOUND"
	CodeAgentError          = "AGENT_ERROR"
	CodeExternalService     = "EXTERNAL_SERVICE_ERROR"
	CodeInternal            = "INTERNAL_ERROR"
	CodeAttachmentInvalid   = "ATTACHMENT_VALIDATION_ERROR"
	CodeConfirmNotFound     = "CONFIRMATION_NOT_FOUND"
	CodeConfirmExpired      = "CONFIRMATION_EXPIRED"
	CodeConversationMissing = "CONVERSATION_NOT_FOUND"
)

// classify maps an error to its envelope code and HTTP status.
func classify(err error) (code string, status int) {
	switch {
	case errors.Is(err, agent.ErrAttachmentValidation):
		return CodeAttachmentInvalid, http.StatusBadRequest
	case errors.Is(err, sessions.ErrSessionNotFound):
		return CodeSessionNotFound, http.StatusNotFound
	case errors.Is(err, sessions.ErrConfirmationResolved):
		return CodeConfirmExpired, http.StatusGone
	case errors.Is(err, sessions.ErrConfirmationNotFound):
		return CodeConfirmNotFound, http.StatusNotFound
	case errors.Is(err, store.ErrNotFound):
		return CodeConversationMissing, http.StatusNotFound
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

// sanitize strips credential-looking content from user-visible error text.
// The full detail still goes to the log.
func sanitize(msg string) string {
	return observability.Sanitize(msg)
}
