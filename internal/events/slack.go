package events

import (
	"fmt"

	"github.com/slack-go/slack"

	"github.com/zenflux/zenflux/internal/config"
	"github.com/zenflux/zenflux/pkg/models"
)

// SlackAdapter renders semantic events as Block Kit webhook messages.
// Streaming deltas and heartbeats are dropped; Slack gets turn-level
// notifications, not a token feed.
type SlackAdapter struct {
	name   string
	events []string
}

func NewSlackAdapter(cfg config.WebhookConfig) *SlackAdapter {
	return &SlackAdapter{name: cfg.Name, events: cfg.Events}
}

func (a *SlackAdapter) Name() string { return a.name }

func (a *SlackAdapter) SupportedEvents() []string { return a.events }

func (a *SlackAdapter) Transform(ev *models.Event) (any, error) {
	switch ev.Type {
	case models.EventContentDelta, models.EventTick, models.EventContentStart, models.EventContentStop:
		return nil, nil
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, eventTitle(ev), false, false)),
	}
	if body := eventBody(ev); body != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, body, false, false), nil, nil))
	}
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("session `%s` · seq %d", ev.SessionID, ev.Seq), false, false)))

	return &slack.WebhookMessage{
		Blocks: &slack.Blocks{BlockSet: blocks},
	}, nil
}

// eventTitle is the one-line human heading for a semantic event.
func eventTitle(ev *models.Event) string {
	switch ev.Type {
	case models.EventSessionStart:
		return "Session started"
	case models.EventSessionEnd:
		return "Session ended"
	case models.EventError:
		return "Session error"
	case models.EventHITLConfirm:
		return "Approval needed"
	case models.EventLongRunningConfirm:
		return "Long-running turn"
	case models.EventBacktrackConfirm:
		return "Recovery options exhausted"
	case models.EventCostLimitConfirm, models.EventCostUrgentConfirm:
		return "Cost threshold reached"
	case models.EventIntentClarify:
		return "Clarification requested"
	case models.EventPlaybookSuggestion:
		return "Playbook suggestion"
	default:
		return string(ev.Type)
	}
}

// eventBody pulls the most useful free text out of the event data.
func eventBody(ev *models.Event) string {
	if ev.Data == nil {
		return ""
	}
	for _, key := range []string{"question", "message", "text", "title", "reason"} {
		if s, ok := ev.Data[key].(string); ok && s != "" {
			return s
		}
	}
	if delta, ok := ev.Data["delta"].(map[string]any); ok {
		if s, ok := delta["text"].(string); ok {
			return s
		}
	}
	return ""
}
