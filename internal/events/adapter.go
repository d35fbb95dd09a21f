// Package events fans emitted session events out to external destinations.
// Adapters transform the internal event shape into a destination payload;
// the dispatcher matches subscriptions and delivers with bounded retry.
// Delivery is best-effort and never blocks the session event stream.
package events

import (
	"fmt"
	"strings"

	"github.com/zenflux/zenflux/internal/config"
	"github.com/zenflux/zenflux/pkg/models"
)

// Adapter turns an internal event into a destination payload. Transform is
// pure: a nil payload with nil error drops the event for that destination.
type Adapter interface {
	Name() string
	SupportedEvents() []string
	Transform(ev *models.Event) (any, error)
}

// NewAdapter builds the adapter variant named by the subscription config.
func NewAdapter(cfg config.WebhookConfig) (Adapter, error) {
	switch cfg.Adapter {
	case "webhook", "":
		return NewWebhookAdapter(cfg)
	case "slack":
		return NewSlackAdapter(cfg), nil
	case "dingtalk":
		return NewDingTalkAdapter(cfg), nil
	case "feishu":
		return NewFeishuAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Adapter)
	}
}

// shouldHandle matches an event against a subscription pattern. Patterns are
// "*", a bare event type, or "message_delta:<subtype>" where the subtype
// lives at data.delta.type.
func shouldHandle(pattern string, ev *models.Event) bool {
	if pattern == "*" {
		return true
	}
	if base, sub, ok := strings.Cut(pattern, ":"); ok {
		return string(ev.Type) == base && ev.DeltaSubtype() == sub
	}
	return string(ev.Type) == pattern
}

// shouldHandleAny reports whether any subscription pattern matches.
func shouldHandleAny(patterns []string, ev *models.Event) bool {
	for _, p := range patterns {
		if shouldHandle(p, ev) {
			return true
		}
	}
	return false
}
