package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// IntentRouter narrows the skill set for a turn by asking the model which
// skill groups apply. A nil result means no filter: inject everything.
type IntentRouter struct {
	Provider Provider
	Logger   *slog.Logger
}

const intentPrompt = `You route a user request to skill groups.

Available groups:
%s

User request:
%s

Reply with a JSON array of group names that could help, e.g. ["files","web"].
Reply [] if no listed group applies and null if you cannot decide.`

// Route returns the applicable skill groups for the message, or nil when no
// filter should apply. Routing is best-effort: any provider or parse failure
// falls back to nil.
func (r *IntentRouter) Route(ctx context.Context, message string, groups []string) []string {
	if r.Provider == nil || len(groups) == 0 {
		return nil
	}

	prompt := fmt.Sprintf(intentPrompt, "- "+strings.Join(groups, "\n- "), message)
	reply, err := r.Provider.Complete(ctx, prompt)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("intent routing failed, injecting all skills", "error", err)
		}
		return nil
	}

	selected, ok := parseGroupReply(reply, groups)
	if !ok {
		if r.Logger != nil {
			r.Logger.Warn("intent routing reply unusable, injecting all skills", "reply", truncate(reply, 200))
		}
		return nil
	}
	return selected
}

// parseGroupReply extracts the JSON array from the reply and keeps only
// known groups. An explicit null means "no decision" and maps to not-ok.
func parseGroupReply(reply string, known []string) ([]string, bool) {
	body := strings.TrimSpace(stripFences(reply))
	start := strings.Index(body, "[")
	end := strings.LastIndex(body, "]")
	if start < 0 || end <= start {
		return nil, false
	}

	var names []string
	if err := json.Unmarshal([]byte(body[start:end+1]), &names); err != nil {
		return nil, false
	}

	knownSet := make(map[string]struct{}, len(known))
	for _, g := range known {
		knownSet[g] = struct{}{}
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := knownSet[n]; ok {
			out = append(out, n)
		}
	}
	return out, true
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
