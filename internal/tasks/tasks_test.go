package tasks

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/zenflux/zenflux/internal/store"
	"github.com/zenflux/zenflux/pkg/models"
)

type cannedCompleter struct {
	reply string
	err   error
}

func (c *cannedCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return c.reply, c.err
}

type capturedEvent struct {
	Type models.EventType
	Data map[string]any
}

type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *capturePublisher) Publish(tc *Context, t models.EventType, data map[string]any) {
	p.mu.Lock()
	p.events = append(p.events, capturedEvent{Type: t, Data: data})
	p.mu.Unlock()
}

func (p *capturePublisher) snapshot() []capturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]capturedEvent(nil), p.events...)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryRegisterAndNames(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("", func(ctx context.Context, tc *Context) error { return nil }); err == nil {
		t.Error("empty name accepted")
	}
	if err := r.Register("x", nil); err == nil {
		t.Error("nil func accepted")
	}
	r.Register("beta", func(ctx context.Context, tc *Context) error { return nil })
	r.Register("alpha", func(ctx context.Context, tc *Context) error { return nil })
	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("names = %v", names)
	}
}

func TestDispatcherAwaitsStreamDependent(t *testing.T) {
	r := NewRegistry()
	var done bool
	r.Register(TaskTitleGeneration, func(ctx context.Context, tc *Context) error {
		time.Sleep(20 * time.Millisecond)
		done = true
		return nil
	})

	d := NewDispatcher(r, DispatcherOptions{Logger: discardLogger()})
	d.Dispatch(context.Background(), []string{TaskTitleGeneration}, &Context{})
	if !done {
		t.Error("Dispatch returned before the stream-dependent task finished")
	}
}

func TestDispatcherDetachesLearningTasks(t *testing.T) {
	r := NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	r.Register(TaskMemoryFlush, func(ctx context.Context, tc *Context) error {
		close(started)
		<-release
		return nil
	})

	d := NewDispatcher(r, DispatcherOptions{Logger: discardLogger()})
	returned := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), []string{TaskMemoryFlush}, &Context{})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a fire-and-forget task")
	}
	<-started
	close(release)
	d.Drain(time.Second)
}

func TestDispatcherSkipsUnknownTasks(t *testing.T) {
	d := NewDispatcher(NewRegistry(), DispatcherOptions{Logger: discardLogger()})
	// Must not panic or hang.
	d.Dispatch(context.Background(), []string{"never_registered"}, &Context{})
}

func TestTitleGeneration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := &models.Conversation{UserID: "u1", Title: "New Conversation"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	pub := &capturePublisher{}
	tc := &Context{
		ConversationID:    conv.ID,
		UserID:            "u1",
		UserMessage:       "plan a weekend trip to Lisbon",
		AssistantResponse: "Here is a three day itinerary...",
		IsNewConversation: true,
		Store:             s,
		Completer:         &cannedCompleter{reply: "\"Lisbon Weekend Trip\"\n"},
		Publisher:         pub,
	}
	if err := TitleGeneration(ctx, tc); err != nil {
		t.Fatalf("TitleGeneration: %v", err)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Lisbon Weekend Trip" {
		t.Errorf("title = %q", got.Title)
	}

	evs := pub.snapshot()
	if len(evs) != 1 || evs[0].Type != models.EventConversationDelta {
		t.Fatalf("events = %+v", evs)
	}
	delta := evs[0].Data["delta"].(map[string]any)
	if delta["title"] != "Lisbon Weekend Trip" {
		t.Errorf("delta = %v", delta)
	}
}

func TestTitleGenerationSkipsExistingConversations(t *testing.T) {
	pub := &capturePublisher{}
	tc := &Context{
		IsNewConversation: false,
		Completer:         &cannedCompleter{reply: "Should Not Appear"},
		Publisher:         pub,
	}
	if err := TitleGeneration(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	if len(pub.snapshot()) != 0 {
		t.Error("title generated for an existing conversation")
	}
}

func TestRecommendedQuestions(t *testing.T) {
	pub := &capturePublisher{}
	tc := &Context{
		ConversationID: "c1",
		Completer:      &cannedCompleter{reply: `["What about hotels?", "How do I get around?", ""]`},
		Publisher:      pub,
	}
	if err := RecommendedQuestions(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	evs := pub.snapshot()
	if len(evs) != 1 || evs[0].Type != models.EventRecommendedQuestion {
		t.Fatalf("events = %+v", evs)
	}
	qs := evs[0].Data["questions"].([]string)
	if len(qs) != 2 {
		t.Errorf("questions = %v (blank entries should be dropped)", qs)
	}
}

func TestRecommendedQuestionsUnusableReply(t *testing.T) {
	pub := &capturePublisher{}
	tc := &Context{Completer: &cannedCompleter{reply: "no suggestions"}, Publisher: pub}
	if err := RecommendedQuestions(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	if len(pub.snapshot()) != 0 {
		t.Error("event published for an unusable reply")
	}
}

func TestMemoryFlushSavesFragment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tc := &Context{
		SessionID: "s1",
		UserID:    "u1",
		Store:     s,
		Completer: &cannedCompleter{reply: `{"preference":{"city":"Lisbon"},"confidence":0.9}`},
	}
	if err := MemoryFlush(ctx, tc); err != nil {
		t.Fatalf("MemoryFlush: %v", err)
	}

	frags, err := s.QueryRecentFragments(ctx, "u1", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) != 1 {
		t.Fatalf("fragments = %d, want 1", len(frags))
	}
	if frags[0].Confidence != 0.9 {
		t.Errorf("confidence = %v", frags[0].Confidence)
	}
	if _, ok := frags[0].Hints["preference"]; !ok {
		t.Errorf("hints = %v", frags[0].Hints)
	}
	if _, ok := frags[0].Hints["confidence"]; ok {
		t.Error("confidence leaked into hints")
	}
}

func TestMemoryFlushNothingToSave(t *testing.T) {
	s := newTestStore(t)
	tc := &Context{
		UserID:    "u1",
		Store:     s,
		Completer: &cannedCompleter{reply: `{"confidence":0.4}`},
	}
	if err := MemoryFlush(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	frags, _ := s.QueryRecentFragments(context.Background(), "u1", 1, 10)
	if len(frags) != 0 {
		t.Errorf("empty extraction persisted: %+v", frags)
	}
}

func TestPlaybookExtraction(t *testing.T) {
	pub := &capturePublisher{}
	tc := &Context{
		ConversationID: "c1",
		Completer:      &cannedCompleter{reply: `{"name":"deploy","description":"ship it","tool_sequence":["build","push"]}`},
		Publisher:      pub,
	}
	if err := PlaybookExtraction(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	evs := pub.snapshot()
	if len(evs) != 1 || evs[0].Type != models.EventPlaybookSuggestion {
		t.Fatalf("events = %+v", evs)
	}

	// A null reply means nothing worth keeping.
	pub2 := &capturePublisher{}
	tc2 := &Context{Completer: &cannedCompleter{reply: "null"}, Publisher: pub2}
	if err := PlaybookExtraction(context.Background(), tc2); err != nil {
		t.Fatal(err)
	}
	if len(pub2.snapshot()) != 0 {
		t.Error("null reply produced a suggestion")
	}
}

func TestLoadSchedule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduled_tasks.yaml")
	body := `scheduled_tasks:
  - task_name: memory_flush
    trigger_type: cron
    cron: "0 3 * * *"
    description: nightly memory sweep
  - task_name: recommended_questions
    trigger_type: interval
    interval_seconds: 600
    enabled: false
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := LoadSchedule(path)
	if err != nil {
		t.Fatalf("LoadSchedule: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].TaskName != "memory_flush" || entries[0].Cron != "0 3 * * *" {
		t.Errorf("entry[0] = %+v", entries[0])
	}
	if entries[1].enabled() {
		t.Error("disabled entry reports enabled")
	}

	// Missing file is an empty schedule, not an error.
	none, err := LoadSchedule(filepath.Join(dir, "absent.yaml"))
	if err != nil || none != nil {
		t.Errorf("missing file: %v, %v", none, err)
	}
}

func TestSchedulerValidation(t *testing.T) {
	r := NewRegistry()
	r.Register("known", func(ctx context.Context, tc *Context) error { return nil })
	s := NewScheduler(r, SchedulerOptions{Logger: discardLogger()})

	cases := []struct {
		name  string
		entry ScheduleEntry
		ok    bool
	}{
		{"valid cron", ScheduleEntry{TaskName: "known", TriggerType: "cron", Cron: "@hourly"}, true},
		{"valid interval", ScheduleEntry{TaskName: "known", TriggerType: "interval", IntervalSec: 60}, true},
		{"unknown task", ScheduleEntry{TaskName: "ghost", TriggerType: "cron", Cron: "@hourly"}, false},
		{"bad cron", ScheduleEntry{TaskName: "known", TriggerType: "cron", Cron: "not a cron"}, false},
		{"bad interval", ScheduleEntry{TaskName: "known", TriggerType: "interval"}, false},
		{"bad trigger", ScheduleEntry{TaskName: "known", TriggerType: "manual"}, false},
	}
	for _, tt := range cases {
		err := s.Add(tt.entry)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s: error expected", tt.name)
		}
	}

	// Disabled entries are silently skipped, even with a bad trigger.
	off := false
	if err := s.Add(ScheduleEntry{TaskName: "ghost", TriggerType: "manual", Enabled: &off}); err != nil {
		t.Errorf("disabled entry rejected: %v", err)
	}
}

func TestSchedulerIntervalFires(t *testing.T) {
	r := NewRegistry()
	fired := make(chan struct{}, 4)
	r.Register("tick", func(ctx context.Context, tc *Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})

	s := NewScheduler(r, SchedulerOptions{Logger: discardLogger()})
	if err := s.Add(ScheduleEntry{TaskName: "tick", TriggerType: "interval", IntervalSec: 1}); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("interval job never fired")
	}
}

func TestSchedulerRunOnce(t *testing.T) {
	r := NewRegistry()
	var gotParams map[string]any
	r.Register("sweep", func(ctx context.Context, tc *Context) error {
		gotParams = tc.Params
		return nil
	})
	s := NewScheduler(r, SchedulerOptions{Logger: discardLogger()})

	if err := s.RunOnce(context.Background(), "sweep", map[string]any{"days": 7}); err != nil {
		t.Fatal(err)
	}
	if gotParams["days"] != 7 {
		t.Errorf("params = %v", gotParams)
	}
	if err := s.RunOnce(context.Background(), "ghost", nil); err == nil {
		t.Error("unknown task accepted")
	}
}

func TestClipKeepsRuneBoundaries(t *testing.T) {
	s := strings.Repeat("机器学习", 40)
	got := clip(s, 100)
	if !utf8.ValidString(got) {
		t.Fatalf("clip produced invalid UTF-8: %q", got)
	}
	if len(got) > 100 {
		t.Errorf("clip returned %d bytes, want at most 100", len(got))
	}
	if clip("short", 100) != "short" {
		t.Error("clip changed a string under the limit")
	}
}
