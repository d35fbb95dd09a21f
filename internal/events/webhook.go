package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zenflux/zenflux/internal/config"
	"github.com/zenflux/zenflux/pkg/models"
)

// WebhookAdapter posts events as JSON. With a template configured the
// payload is rendered from it; otherwise the full internal event shape is
// sent as-is.
type WebhookAdapter struct {
	name     string
	events   []string
	template *Template
}

// NewWebhookAdapter compiles the subscription's template, if any.
func NewWebhookAdapter(cfg config.WebhookConfig) (*WebhookAdapter, error) {
	a := &WebhookAdapter{name: cfg.Name, events: cfg.Events}
	if cfg.Template != "" {
		tpl, err := CompileTemplate(cfg.Template)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", cfg.Name, err)
		}
		a.template = tpl
	}
	return a, nil
}

func (a *WebhookAdapter) Name() string { return a.name }

func (a *WebhookAdapter) SupportedEvents() []string { return a.events }

func (a *WebhookAdapter) Transform(ev *models.Event) (any, error) {
	if a.template != nil {
		rendered, err := a.template.Render(ev)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(rendered), nil
	}
	return map[string]any{
		"type":            string(ev.Type),
		"data":            ev.Data,
		"session_id":      ev.SessionID,
		"conversation_id": ev.ConversationID,
		"seq":             ev.Seq,
		"timestamp":       ev.Timestamp.Format(time.RFC3339),
	}, nil
}
