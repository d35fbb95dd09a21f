package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zenflux/zenflux/pkg/models"
)

// Template is a compiled payload template. Placeholders:
//
//	{{type}}         event type as a string
//	{{data.x.y}}     path lookup into the event data
//	{{expr|json}}    JSON encoding of the value; when the placeholder is
//	                 quoted in the template the quotes are absorbed so the
//	                 JSON lands unwrapped
//
// Besides data paths, the roots type, session_id, conversation_id, seq and
// timestamp resolve against the event envelope.
type Template struct {
	segments []segment
}

type segment struct {
	literal string
	path    string
	asJSON  bool
}

// CompileTemplate parses a template string. Unterminated placeholders are a
// compile error so bad config fails at load, not at dispatch.
func CompileTemplate(raw string) (*Template, error) {
	var segs []segment
	for len(raw) > 0 {
		start := strings.Index(raw, "{{")
		if start < 0 {
			segs = append(segs, segment{literal: raw})
			break
		}
		end := strings.Index(raw[start:], "}}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated placeholder at offset %d", start)
		}
		end += start

		literal := raw[:start]
		expr := strings.TrimSpace(raw[start+2 : end])
		rest := raw[end+2:]

		path, mod, _ := strings.Cut(expr, "|")
		path = strings.TrimSpace(path)
		mod = strings.TrimSpace(mod)
		if mod != "" && mod != "json" {
			return nil, fmt.Errorf("unknown modifier %q in placeholder %q", mod, expr)
		}
		asJSON := mod == "json"

		// "{{x|json}}" inside quotes: absorb the quotes so the rendered
		// JSON is a value, not a string.
		if asJSON && strings.HasSuffix(literal, `"`) && strings.HasPrefix(rest, `"`) {
			literal = literal[:len(literal)-1]
			rest = rest[1:]
		}

		if literal != "" {
			segs = append(segs, segment{literal: literal})
		}
		segs = append(segs, segment{path: path, asJSON: asJSON})
		raw = rest
	}
	return &Template{segments: segs}, nil
}

// Render substitutes event values into the template.
func (t *Template) Render(ev *models.Event) ([]byte, error) {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.path == "" {
			b.WriteString(seg.literal)
			continue
		}
		val, ok := lookup(ev, seg.path)
		if seg.asJSON {
			enc, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("encode %q: %w", seg.path, err)
			}
			b.Write(enc)
			continue
		}
		if !ok || val == nil {
			continue
		}
		b.WriteString(jsonEscape(stringify(val)))
	}
	return []byte(b.String()), nil
}

func lookup(ev *models.Event, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any
	switch parts[0] {
	case "type":
		cur = string(ev.Type)
	case "session_id":
		cur = ev.SessionID
	case "conversation_id":
		cur = ev.ConversationID
	case "seq":
		cur = ev.Seq
	case "timestamp":
		cur = ev.Timestamp
	case "data":
		cur = ev.Data
	default:
		return nil, false
	}
	for _, key := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		enc, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(enc)
	}
}

// jsonEscape escapes a plain substitution so it is safe inside a quoted
// JSON string in the template.
func jsonEscape(s string) string {
	enc, err := json.Marshal(s)
	if err != nil {
		return s
	}
	return string(enc[1 : len(enc)-1])
}
