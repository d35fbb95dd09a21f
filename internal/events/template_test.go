package events

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/zenflux/zenflux/pkg/models"
)

func TestTemplateRoundTrip(t *testing.T) {
	tpl, err := CompileTemplate(`{"event_type":"{{type}}","payload":"{{data|json}}"}`)
	if err != nil {
		t.Fatalf("CompileTemplate: %v", err)
	}

	ev := models.NewEvent(models.EventMessageStop, "s1", "c1", map[string]any{
		"message": "done",
		"usage":   map[string]any{"input_tokens": float64(12)},
	})

	rendered, err := tpl.Render(ev)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	var got struct {
		EventType string         `json:"event_type"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(rendered, &got); err != nil {
		t.Fatalf("rendered payload is not valid JSON: %v\n%s", err, rendered)
	}
	if got.EventType != "message_stop" {
		t.Errorf("event_type = %q", got.EventType)
	}
	if !reflect.DeepEqual(got.Payload, ev.Data) {
		t.Errorf("payload does not round-trip:\ngot  %#v\nwant %#v", got.Payload, ev.Data)
	}
}

func TestTemplateDataPathLookup(t *testing.T) {
	tpl, err := CompileTemplate(`{"who":"{{data.user.name}}","sid":"{{session_id}}"}`)
	if err != nil {
		t.Fatalf("CompileTemplate: %v", err)
	}
	ev := models.NewEvent(models.EventSessionStart, "s-42", "", map[string]any{
		"user": map[string]any{"name": "ada"},
	})
	rendered, err := tpl.Render(ev)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(rendered, &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got["who"] != "ada" || got["sid"] != "s-42" {
		t.Fatalf("unexpected render: %v", got)
	}
}

func TestTemplateEscapesStringSubstitution(t *testing.T) {
	tpl, err := CompileTemplate(`{"text":"{{data.text}}"}`)
	if err != nil {
		t.Fatalf("CompileTemplate: %v", err)
	}
	ev := models.NewEvent(models.EventError, "s1", "", map[string]any{
		"text": "quote \" and\nnewline",
	})
	rendered, err := tpl.Render(ev)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(rendered, &got); err != nil {
		t.Fatalf("substitution broke the JSON: %v\n%s", err, rendered)
	}
	if got["text"] != "quote \" and\nnewline" {
		t.Fatalf("text = %q", got["text"])
	}
}

func TestTemplateMissingPathRendersEmpty(t *testing.T) {
	tpl, err := CompileTemplate(`{"v":"{{data.absent}}"}`)
	if err != nil {
		t.Fatalf("CompileTemplate: %v", err)
	}
	rendered, err := tpl.Render(models.NewEvent(models.EventTick, "s1", "", nil))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(rendered) != `{"v":""}` {
		t.Fatalf("rendered = %s", rendered)
	}
}

func TestTemplateCompileErrors(t *testing.T) {
	if _, err := CompileTemplate(`{"v":"{{type}"}`); err == nil {
		t.Error("unterminated placeholder accepted")
	}
	if _, err := CompileTemplate(`{{data|yaml}}`); err == nil {
		t.Error("unknown modifier accepted")
	}
}

func TestShouldHandlePatterns(t *testing.T) {
	delta := models.NewEvent(models.EventMessageDelta, "s1", "", map[string]any{
		"delta": map[string]any{"type": "confirmation_request"},
	})
	plain := models.NewEvent(models.EventSessionEnd, "s1", "", nil)

	tests := []struct {
		pattern string
		ev      *models.Event
		want    bool
	}{
		{"*", plain, true},
		{"session_end", plain, true},
		{"session_start", plain, false},
		{"message_delta:confirmation_request", delta, true},
		{"message_delta:tool_progress", delta, false},
		{"message_delta:confirmation_request", plain, false},
	}
	for _, tt := range tests {
		if got := shouldHandle(tt.pattern, tt.ev); got != tt.want {
			t.Errorf("shouldHandle(%q, %s) = %v, want %v", tt.pattern, tt.ev.Type, got, tt.want)
		}
	}
}
