package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/zenflux/zenflux/internal/backtrack"
	"github.com/zenflux/zenflux/internal/config"
	"github.com/zenflux/zenflux/internal/guardrails"
	"github.com/zenflux/zenflux/internal/sessions"
	"github.com/zenflux/zenflux/pkg/models"
)

// scriptedProvider replays pre-built chunk rounds, one per Stream call.
type scriptedProvider struct {
	mu     sync.Mutex
	rounds [][]Chunk
}

func (p *scriptedProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	p.mu.Lock()
	if len(p.rounds) == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("no scripted rounds left")
	}
	round := p.rounds[0]
	p.rounds = p.rounds[1:]
	p.mu.Unlock()

	out := make(chan Chunk, len(round))
	for _, c := range round {
		out <- c
	}
	close(out)
	return out, nil
}

func (p *scriptedProvider) Complete(ctx context.Context, prompt string) (string, error) {
	return "", nil
}

func textRound(text string) []Chunk {
	return []Chunk{
		{Type: ChunkBlockStart, Index: 0, BlockType: models.BlockText},
		{Type: ChunkDelta, Index: 0, Text: text},
		{Type: ChunkBlockStop, Index: 0},
		{Type: ChunkMessageStop, StopReason: StopEndTurn, Usage: &models.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func toolRound(calls ...*ToolCall) []Chunk {
	var round []Chunk
	for i, call := range calls {
		round = append(round,
			Chunk{Type: ChunkBlockStart, Index: i, BlockType: models.BlockToolUse},
			Chunk{Type: ChunkBlockStop, Index: i, Call: call},
		)
	}
	round = append(round, Chunk{Type: ChunkMessageStop, StopReason: StopToolUse, Usage: &models.Usage{InputTokens: 20, OutputTokens: 8}})
	return round
}

func newTestLoop(t *testing.T, provider Provider, tools *Registry) *Loop {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := sessions.NewStore(sessions.StoreOptions{Logger: logger})
	engine := sessions.NewEngine(st, sessions.EngineOptions{Logger: logger})
	if tools == nil {
		tools = NewRegistry()
	}
	return &Loop{
		Engine:    engine,
		Provider:  provider,
		Tools:     tools,
		Backtrack: backtrack.New(nil, logger),
		Logger:    logger,
		Config: config.AgentConfig{
			MaxBacktracks:  3,
			ConfirmTimeout: 200 * time.Millisecond,
		},
		Limits: guardrails.DefaultLimits(),
	}
}

func eventTypes(t *testing.T, l *Loop, sessionID string) []models.EventType {
	t.Helper()
	evs, err := l.Engine.Store().EventsAfter(sessionID, 0)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	types := make([]models.EventType, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func hasEvent(types []models.EventType, want models.EventType) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

func TestRunPlainTextTurn(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]Chunk{textRound("hello there")}}
	l := newTestLoop(t, provider, nil)

	res, err := l.Run(context.Background(), TurnInput{
		UserID:            "u1",
		ConversationID:    "c1",
		Message:           "hi",
		IsNewConversation: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.SessionCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.Usage.InputTokens != 10 || res.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if res.Assistant == nil || models.PlainText(res.Assistant.Content) != "hello there" {
		t.Errorf("assistant message = %+v", res.Assistant)
	}

	want := []models.EventType{
		models.EventSessionStart,
		models.EventConversationStart,
		models.EventMessageStart,
		models.EventContentStart,
		models.EventContentDelta,
		models.EventContentStop,
		models.EventMessageStop,
		models.EventSessionEnd,
	}
	got := eventTypes(t, l, res.SessionID)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunToolTurn(t *testing.T) {
	var gotInput map[string]any
	reg := NewRegistry()
	if err := reg.Register(&Tool{
		Name:        "search",
		Description: "search the web",
		InputSchema: []byte(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		Handler: func(ctx context.Context, input map[string]any) (string, error) {
			gotInput = input
			return "3 results", nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	provider := &scriptedProvider{rounds: [][]Chunk{
		toolRound(&ToolCall{ID: "t1", Name: "search", Input: map[string]any{"query": "go"}}),
		textRound("found it"),
	}}
	l := newTestLoop(t, provider, reg)

	res, err := l.Run(context.Background(), TurnInput{UserID: "u1", ConversationID: "c1", Message: "find go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.SessionCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if gotInput["query"] != "go" {
		t.Errorf("tool input = %v", gotInput)
	}
	if res.Usage.InputTokens != 30 {
		t.Errorf("input tokens = %d, want accumulated 30", res.Usage.InputTokens)
	}

	// The tool result block streams between the two model rounds.
	evs, err := l.Engine.Store().EventsAfter(res.SessionID, 0)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	foundResult := false
	for _, ev := range evs {
		if ev.Type != models.EventContentDelta {
			continue
		}
		if ev.DeltaSubtype() == "tool_result" {
			foundResult = true
			delta := ev.Data["delta"].(map[string]any)
			if delta["content"] != "3 results" || delta["is_error"] != false {
				t.Errorf("tool_result delta = %v", delta)
			}
		}
	}
	if !foundResult {
		t.Error("no tool_result delta on the stream")
	}
}

func TestRunSchemaValidationFeedsBacktrack(t *testing.T) {
	execs := 0
	reg := NewRegistry()
	reg.Register(&Tool{
		Name: "flaky",
		Handler: func(ctx context.Context, input map[string]any) (string, error) {
			execs++
			if execs == 1 {
				return "", fmt.Errorf("invalid parameter: q must not be empty")
			}
			return "ok", nil
		},
	})

	provider := &scriptedProvider{rounds: [][]Chunk{
		toolRound(&ToolCall{ID: "t1", Name: "flaky", Input: map[string]any{"q": ""}}),
		textRound("done"),
	}}
	l := newTestLoop(t, provider, reg)

	res, err := l.Run(context.Background(), TurnInput{UserID: "u1", ConversationID: "c1", Message: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// parameter_error defaults to PARAM_ADJUST: same tool retried in place.
	if execs != 2 {
		t.Errorf("executions = %d, want 2 (retry after param adjust)", execs)
	}
	if res.Status != models.SessionCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
}

func TestRunInfraErrorSurfacesAndContinues(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Tool{
		Name: "fetch",
		Handler: func(ctx context.Context, input map[string]any) (string, error) {
			return "", fmt.Errorf("connection refused")
		},
	})

	provider := &scriptedProvider{rounds: [][]Chunk{
		toolRound(&ToolCall{ID: "t1", Name: "fetch", Input: map[string]any{}}),
		textRound("could not reach the host"),
	}}
	l := newTestLoop(t, provider, reg)

	res, err := l.Run(context.Background(), TurnInput{UserID: "u1", ConversationID: "c1", Message: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.SessionCompleted {
		t.Fatalf("status = %s, want completed (model adapts to infra failure)", res.Status)
	}

	evs, _ := l.Engine.Store().EventsAfter(res.SessionID, 0)
	errored := false
	for _, ev := range evs {
		if ev.Type == models.EventContentDelta && ev.DeltaSubtype() == "tool_result" {
			if ev.Data["delta"].(map[string]any)["is_error"] == true {
				errored = true
			}
		}
	}
	if !errored {
		t.Error("infra failure did not surface as an error tool_result")
	}
}

func TestRunDangerousToolRejected(t *testing.T) {
	executed := false
	reg := NewRegistry()
	reg.Register(&Tool{
		Name:        "delete_files",
		Dangerous:   true,
		OnRejection: RejectStop,
		Handler: func(ctx context.Context, input map[string]any) (string, error) {
			executed = true
			return "deleted", nil
		},
	})

	provider := &scriptedProvider{rounds: [][]Chunk{
		toolRound(&ToolCall{ID: "t1", Name: "delete_files", Input: map[string]any{}}),
	}}
	l := newTestLoop(t, provider, reg)

	// The confirm timeout rejects by default, so no approval ever arrives.
	res, err := l.Run(context.Background(), TurnInput{UserID: "u1", ConversationID: "c1", Message: "wipe it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if executed {
		t.Error("rejected dangerous tool still executed")
	}
	if res.Status != models.SessionStopped {
		t.Errorf("status = %s, want stopped", res.Status)
	}
	if !hasEvent(eventTypes(t, l, res.SessionID), models.EventHITLConfirm) {
		t.Error("hitl_confirm never emitted")
	}
}

func TestRunDangerousToolApproved(t *testing.T) {
	executed := false
	reg := NewRegistry()
	reg.Register(&Tool{
		Name:      "overwrite",
		Dangerous: true,
		Handler: func(ctx context.Context, input map[string]any) (string, error) {
			executed = true
			return "written", nil
		},
	})

	provider := &scriptedProvider{rounds: [][]Chunk{
		toolRound(&ToolCall{ID: "t1", Name: "overwrite", Input: map[string]any{}}),
		textRound("done"),
	}}
	l := newTestLoop(t, provider, reg)
	l.Config.ConfirmTimeout = 2 * time.Second

	// Approve as soon as the confirm request shows up on the stream.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			for _, s := range l.Engine.Store().ListSessions("u1") {
				evs, _ := l.Engine.Store().EventsAfter(s.ID, 0)
				for _, ev := range evs {
					if ev.Type == models.EventHITLConfirm {
						l.Engine.SubmitHITL(s.ID, true)
						return
					}
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res, err := l.Run(context.Background(), TurnInput{UserID: "u1", ConversationID: "c1", Message: "overwrite it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !executed {
		t.Error("approved dangerous tool never executed")
	}
	if res.Status != models.SessionCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
}

func TestRunGuardrailBlocksToolCalls(t *testing.T) {
	execs := 0
	reg := NewRegistry()
	reg.Register(&Tool{
		Name: "step",
		Handler: func(ctx context.Context, input map[string]any) (string, error) {
			execs++
			return "ok", nil
		},
	})

	provider := &scriptedProvider{rounds: [][]Chunk{
		toolRound(
			&ToolCall{ID: "t1", Name: "step", Input: map[string]any{}},
			&ToolCall{ID: "t2", Name: "step", Input: map[string]any{}},
		),
	}}
	l := newTestLoop(t, provider, reg)
	l.Limits.MaxToolCalls = 2

	res, err := l.Run(context.Background(), TurnInput{UserID: "u1", ConversationID: "c1", Message: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if execs != 1 {
		t.Errorf("executions = %d, want 1 (second call blocked)", execs)
	}
	if res.Status != models.SessionFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}

	evs, _ := l.Engine.Store().EventsAfter(res.SessionID, 0)
	blocked := false
	for _, ev := range evs {
		if ev.Type != models.EventError {
			continue
		}
		if inner, ok := ev.Data["error"].(map[string]any); ok && inner["code"] == "GUARDRAIL_BLOCKED" {
			blocked = true
		}
	}
	if !blocked {
		t.Error("no GUARDRAIL_BLOCKED error event")
	}
}

func TestRunStopDuringToolExecution(t *testing.T) {
	reg := NewRegistry()
	var l *Loop
	reg.Register(&Tool{
		Name: "long_job",
		Handler: func(ctx context.Context, input map[string]any) (string, error) {
			// Stop mid-execution; the next suspension point observes it.
			for _, s := range l.Engine.Store().ListSessions("u1") {
				l.Engine.StopSession(s.ID)
			}
			return "partial", nil
		},
	})

	provider := &scriptedProvider{rounds: [][]Chunk{
		toolRound(
			&ToolCall{ID: "t1", Name: "long_job", Input: map[string]any{}},
			&ToolCall{ID: "t2", Name: "long_job", Input: map[string]any{}},
		),
	}}
	l = newTestLoop(t, provider, reg)

	res, err := l.Run(context.Background(), TurnInput{UserID: "u1", ConversationID: "c1", Message: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.SessionStopped {
		t.Fatalf("status = %s, want stopped", res.Status)
	}
	if !hasEvent(eventTypes(t, l, res.SessionID), models.EventSessionStopped) {
		t.Error("session.stopped never emitted")
	}
}

func TestRunAttachmentValidationFailure(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]Chunk{textRound("unused")}}
	l := newTestLoop(t, provider, nil)
	l.Attachments = &AttachmentProcessor{StorageDir: t.TempDir()}

	res, err := l.Run(context.Background(), TurnInput{
		UserID:         "u1",
		ConversationID: "c1",
		Message:        "read this",
		Files:          []FileRef{{FileURL: "ftp://example.com/x"}},
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if res.Status != models.SessionFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	types := eventTypes(t, l, res.SessionID)
	if !hasEvent(types, models.EventError) {
		t.Error("no error event emitted")
	}
	// Termination pair still closes the stream.
	if !hasEvent(types, models.EventSessionEnd) {
		t.Error("no session_end after failure")
	}
}

func TestRunSnapshotPreservedOnStop(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	var l *Loop
	reg.Register(&Tool{
		Name: "job",
		Handler: func(ctx context.Context, input map[string]any) (string, error) {
			for _, s := range l.Engine.Store().ListSessions("u1") {
				l.Engine.StopSession(s.ID)
			}
			return "x", nil
		},
	})
	provider := &scriptedProvider{rounds: [][]Chunk{
		toolRound(
			&ToolCall{ID: "t1", Name: "job", Input: map[string]any{}},
			&ToolCall{ID: "t2", Name: "job", Input: map[string]any{}},
		),
	}}
	l = newTestLoop(t, provider, reg)
	l.WorkspaceRoot = dir

	res, err := l.Run(context.Background(), TurnInput{
		UserID:         "u1",
		ConversationID: "c1",
		Message:        "go",
		WorkingPaths:   []string{"out.txt"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.SessionStopped {
		t.Fatalf("status = %s, want stopped", res.Status)
	}
	m, ok := l.Engine.StateManager(res.SessionID)
	if !ok || !m.HasSnapshot() {
		t.Error("snapshot not preserved after stop")
	}
}

func TestRunSnapshotDiscardedOnSuccess(t *testing.T) {
	dir := t.TempDir()
	provider := &scriptedProvider{rounds: [][]Chunk{textRound("fine")}}
	l := newTestLoop(t, provider, nil)
	l.WorkspaceRoot = dir

	res, err := l.Run(context.Background(), TurnInput{
		UserID:         "u1",
		ConversationID: "c1",
		Message:        "go",
		WorkingPaths:   []string{"out.txt"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.SessionCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if _, ok := l.Engine.StateManager(res.SessionID); ok {
		t.Error("state manager still registered after success")
	}
}

func TestRunBacktrackEscalatesSpentStrategies(t *testing.T) {
	execs := 0
	reg := NewRegistry()
	reg.Register(&Tool{
		Name: "lookup",
		Handler: func(ctx context.Context, input map[string]any) (string, error) {
			execs++
			return "", fmt.Errorf("invalid parameter: query is required")
		},
	})

	provider := &scriptedProvider{rounds: [][]Chunk{
		toolRound(&ToolCall{ID: "t1", Name: "lookup", Input: map[string]any{"query": ""}}),
		textRound("switched approach"),
	}}
	l := newTestLoop(t, provider, reg)

	res, err := l.Run(context.Background(), TurnInput{UserID: "u1", ConversationID: "c1", Message: "find it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The first failure adjusts parameters and retries in place. The
	// second failure at the same step must escalate to tool replacement
	// rather than re-spending the adjustment until the budget runs out.
	if execs != 2 {
		t.Errorf("executions = %d, want 2 (adjust once, then replace)", execs)
	}
	if res.Status != models.SessionCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
	if hasEvent(eventTypes(t, l, res.SessionID), models.EventBacktrackConfirm) {
		t.Error("escalated to the user despite strategies remaining")
	}
}

func TestPreviewKeepsRuneBoundaries(t *testing.T) {
	msg := strings.Repeat("模型训练", 50)
	got := preview(msg)
	if len(got) > 120 {
		t.Errorf("preview returned %d bytes, want at most 120", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("preview produced invalid UTF-8: %q", got)
	}
	if short := preview("hello"); short != "hello" {
		t.Errorf("preview changed a short message: %q", short)
	}
}
