package events

import (
	"fmt"

	"github.com/zenflux/zenflux/internal/config"
	"github.com/zenflux/zenflux/pkg/models"
)

// DingTalkAdapter renders confirmation events as ActionCards and other
// semantic events as markdown messages, per the DingTalk robot webhook
// format. Streaming deltas and heartbeats are dropped.
type DingTalkAdapter struct {
	name   string
	events []string
}

func NewDingTalkAdapter(cfg config.WebhookConfig) *DingTalkAdapter {
	return &DingTalkAdapter{name: cfg.Name, events: cfg.Events}
}

func (a *DingTalkAdapter) Name() string { return a.name }

func (a *DingTalkAdapter) SupportedEvents() []string { return a.events }

func (a *DingTalkAdapter) Transform(ev *models.Event) (any, error) {
	switch ev.Type {
	case models.EventContentDelta, models.EventTick, models.EventContentStart, models.EventContentStop:
		return nil, nil
	}

	title := eventTitle(ev)
	body := eventBody(ev)

	if isConfirmEvent(ev.Type) {
		text := fmt.Sprintf("### %s\n\n%s\n\n> session %s", title, body, ev.SessionID)
		return map[string]any{
			"msgtype": "actionCard",
			"actionCard": map[string]any{
				"title":          title,
				"text":           text,
				"btnOrientation": "1",
				"btns":           confirmButtons(ev),
			},
		}, nil
	}

	text := fmt.Sprintf("### %s\n\n%s\n\n> session %s · seq %d", title, body, ev.SessionID, ev.Seq)
	return map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]any{
			"title": title,
			"text":  text,
		},
	}, nil
}

func isConfirmEvent(t models.EventType) bool {
	switch t {
	case models.EventHITLConfirm, models.EventLongRunningConfirm, models.EventBacktrackConfirm,
		models.EventCostLimitConfirm, models.EventCostUrgentConfirm:
		return true
	}
	return false
}

// confirmButtons maps the interrupt kind onto its choice set. The actionURL
// is informational: decisions are submitted through the session API, so the
// buttons deep-link back to the client.
func confirmButtons(ev *models.Event) []map[string]any {
	var choices []string
	switch ev.Type {
	case models.EventHITLConfirm:
		choices = []string{"approve", "reject"}
	case models.EventBacktrackConfirm:
		choices = []string{"retry", "rollback", "stop"}
	default:
		choices = []string{"continue", "stop"}
	}
	link, _ := ev.Data["link"].(string)
	btns := make([]map[string]any, 0, len(choices))
	for _, c := range choices {
		btns = append(btns, map[string]any{"title": c, "actionURL": link})
	}
	return btns
}
