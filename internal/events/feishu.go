package events

import (
	"fmt"

	"github.com/zenflux/zenflux/internal/config"
	"github.com/zenflux/zenflux/pkg/models"
)

// FeishuAdapter renders semantic events as Feishu interactive cards.
// Streaming deltas and heartbeats are dropped.
type FeishuAdapter struct {
	name   string
	events []string
}

func NewFeishuAdapter(cfg config.WebhookConfig) *FeishuAdapter {
	return &FeishuAdapter{name: cfg.Name, events: cfg.Events}
}

func (a *FeishuAdapter) Name() string { return a.name }

func (a *FeishuAdapter) SupportedEvents() []string { return a.events }

func (a *FeishuAdapter) Transform(ev *models.Event) (any, error) {
	switch ev.Type {
	case models.EventContentDelta, models.EventTick, models.EventContentStart, models.EventContentStop:
		return nil, nil
	}

	elements := []map[string]any{}
	if body := eventBody(ev); body != "" {
		elements = append(elements, map[string]any{
			"tag":     "markdown",
			"content": body,
		})
	}
	elements = append(elements, map[string]any{
		"tag": "note",
		"elements": []map[string]any{
			{
				"tag":     "plain_text",
				"content": fmt.Sprintf("session %s · seq %d", ev.SessionID, ev.Seq),
			},
		},
	})

	template := "blue"
	switch ev.Type {
	case models.EventError:
		template = "red"
	case models.EventHITLConfirm, models.EventCostLimitConfirm, models.EventCostUrgentConfirm:
		template = "orange"
	}

	return map[string]any{
		"msg_type": "interactive",
		"card": map[string]any{
			"header": map[string]any{
				"title": map[string]any{
					"tag":     "plain_text",
					"content": eventTitle(ev),
				},
				"template": template,
			},
			"elements": elements,
		},
	}, nil
}
