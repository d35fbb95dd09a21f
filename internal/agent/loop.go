package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/zenflux/zenflux/internal/backtrack"
	"github.com/zenflux/zenflux/internal/config"
	"github.com/zenflux/zenflux/internal/guardrails"
	"github.com/zenflux/zenflux/internal/observability"
	"github.com/zenflux/zenflux/internal/sessions"
	"github.com/zenflux/zenflux/internal/skills"
	"github.com/zenflux/zenflux/internal/store"
	"github.com/zenflux/zenflux/pkg/models"
)

// EventSink receives every buffered event for external delivery. The webhook
// dispatcher satisfies it.
type EventSink interface {
	Dispatch(ev *models.Event)
}

// Loop drives one chat turn through its phases: input assembly, intent
// routing, skill preparation, snapshot, guardrail pre-flight, the model
// iteration loop, and termination.
type Loop struct {
	Engine      *sessions.Engine
	Provider    Provider
	Tools       *Registry
	Skills      *skills.Manager
	Backtrack   *backtrack.Controller
	Router      *IntentRouter
	Attachments *AttachmentProcessor
	Store       *store.Store
	Sink        EventSink
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer

	Config config.AgentConfig

	// Limits seeds per-turn guardrails before complexity and tier scaling.
	Limits guardrails.Limits

	// WorkspaceRoot confines file snapshots for rollback.
	WorkspaceRoot string
}

// TurnInput is one user turn handed to Run.
type TurnInput struct {
	UserID         string
	ConversationID string
	MessageID      string
	Message        string
	Files          []FileRef

	// IsNewConversation emits conversation_start after session_start.
	IsNewConversation bool

	// SystemPrompt precedes the rendered skills fragment.
	SystemPrompt string

	// History is the prior conversation, oldest first.
	History []*models.Message

	Complexity guardrails.Complexity
	Tier       guardrails.Tier

	// WorkingPaths are snapshotted before the turn for rollback.
	WorkingPaths []string

	// OnSession, when set, receives the session ID as soon as the session
	// exists, before any events are produced. Callers use it to attach
	// event subscribers to an in-flight turn.
	OnSession func(sessionID string)
}

// TurnResult reports a finished turn.
type TurnResult struct {
	SessionID   string
	MessageID   string
	Status      models.SessionStatus
	Usage       models.Usage
	Assistant   *models.Message
	ClarifyText string
}

// turnState carries the mutable loop state across iterations.
type turnState struct {
	session   *models.Session
	input     TurnInput
	guard     *guardrails.Guardrails
	manager   *sessions.SnapshotManager
	messages  []*models.Message
	assistant []models.ContentBlock

	usage      models.Usage
	blockIndex int
	backtracks int
	stepIndex  int

	// excluded removes failed tools from the catalogue for the current
	// step (TOOL_REPLACE).
	excluded map[string]struct{}

	// spentStrategies maps plan step -> strategies already applied there,
	// so the controller escalates instead of re-picking a spent one.
	spentStrategies map[int][]backtrack.Strategy

	// failedTools lists tools that failed this turn, oldest first.
	failedTools []string

	// history keeps the most recent execution records for the decision.
	history []backtrack.HistoryEntry

	// overrides records dimensions the user explicitly allowed past a
	// block.
	overrides map[guardrails.Dimension]struct{}

	// costWarned tracks that the soft cost gate already fired.
	costWarned bool

	stopped bool
	failed  bool
}

// historyKeep bounds the execution records fed to the backtrack decision.
const historyKeep = 5

func (st *turnState) recordOutcome(tool, outcome, errMsg string) {
	st.history = append(st.history, backtrack.HistoryEntry{
		Step:    st.stepIndex,
		Tool:    tool,
		Outcome: outcome,
		Error:   errMsg,
	})
	if len(st.history) > historyKeep {
		st.history = st.history[len(st.history)-historyKeep:]
	}
}

func (st *turnState) noteFailedTool(name string) {
	for _, t := range st.failedTools {
		if t == name {
			return
		}
	}
	st.failedTools = append(st.failedTools, name)
}

// spendStrategy marks a strategy as used for the current step so the next
// failure there escalates past it.
func (st *turnState) spendStrategy(s backtrack.Strategy) {
	if s == backtrack.StrategyNoBacktrack {
		return
	}
	for _, used := range st.spentStrategies[st.stepIndex] {
		if used == s {
			return
		}
	}
	st.spentStrategies[st.stepIndex] = append(st.spentStrategies[st.stepIndex], s)
}

// Run executes one turn. The returned error covers pre-stream failures only;
// mid-stream failures surface on the event stream and in the result status.
func (l *Loop) Run(ctx context.Context, in TurnInput) (*TurnResult, error) {
	started := time.Now()

	// Phase 0: session creation and lifecycle events.
	session := l.Engine.CreateSession(in.UserID, preview(in.Message), in.ConversationID, in.MessageID)
	if in.OnSession != nil {
		in.OnSession(session.ID)
	}
	var turnSpan trace.Span
	ctx, turnSpan = l.Tracer.TraceTurn(ctx, session.ID, in.UserID)
	defer turnSpan.End()
	l.emit(session, models.EventSessionStart, map[string]any{"user_id": in.UserID})
	if in.IsNewConversation {
		l.emit(session, models.EventConversationStart, map[string]any{"conversation_id": in.ConversationID})
	}
	assistantID := uuid.NewString()
	l.emit(session, models.EventMessageStart, map[string]any{"message_id": assistantID, "role": "assistant"})

	st := &turnState{
		session:         session,
		input:           in,
		excluded:        make(map[string]struct{}),
		overrides:       make(map[guardrails.Dimension]struct{}),
		spentStrategies: make(map[int][]backtrack.Strategy),
	}

	// Phase 1: input assembly.
	userMsg, err := l.assembleInput(ctx, st)
	if err != nil {
		l.failTurn(st, "ATTACHMENT_VALIDATION_ERROR", err)
		l.Tracer.RecordError(turnSpan, err)
		return l.finish(st, assistantID, started), err
	}
	st.messages = append(append([]*models.Message{}, in.History...), userMsg)

	// Phases 2 and 3: intent routing, then the skills fragment.
	systemPrompt := l.buildSystemPrompt(ctx, in)

	// Phase 4: pre-turn snapshot for rollback.
	if err := l.takeSnapshot(st); err != nil {
		l.Logger.Warn("snapshot skipped", "session_id", session.ID, "error", err)
	}

	// Phase 5: guardrail pre-flight.
	st.guard = guardrails.New(guardrails.Options{
		Limits:     l.Limits,
		Complexity: in.Complexity,
		Tier:       in.Tier,
		OnWarn: func(res guardrails.Result) {
			l.emit(session, models.EventMessageDelta, map[string]any{
				"delta": map[string]any{
					"type":      "guardrail_warning",
					"dimension": string(res.Dimension),
					"ratio":     res.Ratio,
				},
			})
		},
	})

	// Phase 6: the iteration loop.
	l.iterate(ctx, st, systemPrompt)

	// Phase 7: termination.
	return l.finish(st, assistantID, started), nil
}

// assembleInput builds the user message from text plus processed attachments.
func (l *Loop) assembleInput(ctx context.Context, st *turnState) (*models.Message, error) {
	in := st.input
	blocks := []models.ContentBlock{models.TextBlock(in.Message)}
	if len(in.Files) > 0 {
		extra, err := l.Attachments.Process(in.Files)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, extra...)
	}

	msg := &models.Message{
		ID:             orID(in.MessageID),
		ConversationID: in.ConversationID,
		Role:           models.RoleUser,
		Content:        blocks,
		Status:         models.MessageCompleted,
		CreatedAt:      time.Now(),
	}
	if l.Store != nil && in.ConversationID != "" {
		if err := l.Store.AppendMessage(ctx, in.ConversationID, msg); err != nil {
			l.Logger.Warn("persist user message failed", "error", err)
		}
	}
	return msg, nil
}

// buildSystemPrompt routes intent over the skill groups and appends the
// rendered skills fragment to the caller's system prompt.
func (l *Loop) buildSystemPrompt(ctx context.Context, in TurnInput) string {
	prompt := in.SystemPrompt
	if l.Skills == nil {
		return prompt
	}
	var groups []string
	if l.Router != nil {
		groups = l.Router.Route(ctx, in.Message, l.skillGroups())
	}
	if fragment := l.Skills.BuildPrompt(groups, l.WorkspaceRoot); fragment != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += fragment
	}
	return prompt
}

func (l *Loop) skillGroups() []string {
	set := make(map[string]struct{})
	var out []string
	for _, s := range l.Skills.Catalogue() {
		if s.Group == "" {
			continue
		}
		if _, ok := set[s.Group]; ok {
			continue
		}
		set[s.Group] = struct{}{}
		out = append(out, s.Group)
	}
	return out
}

func (l *Loop) takeSnapshot(st *turnState) error {
	if len(st.input.WorkingPaths) == 0 {
		return nil
	}
	m, err := sessions.NewSnapshotManager(sessions.SnapshotManagerOptions{
		Root:   l.WorkspaceRoot,
		TTL:    l.Config.SnapshotTTL,
		Logger: l.Logger,
	})
	if err != nil {
		return err
	}
	if err := m.Track(st.input.WorkingPaths...); err != nil {
		return err
	}
	if _, err := m.Take(); err != nil {
		return err
	}
	st.manager = m
	l.Engine.RegisterStateManager(st.session.ID, m)
	return nil
}

// iterate runs model rounds until the reply finishes, a guardrail ends the
// turn, or the user stops the session.
func (l *Loop) iterate(ctx context.Context, st *turnState, systemPrompt string) {
	for {
		if l.checkStopped(st) {
			return
		}

		st.guard.Record(guardrails.DimTurns, 1)
		if !l.passGuardrails(ctx, st) {
			return
		}

		stopReason, calls, ok := l.streamRound(ctx, st, systemPrompt)
		if !ok {
			return
		}
		if stopReason != StopToolUse || len(calls) == 0 {
			return
		}

		st.stepIndex++
		results, cont := l.runTools(ctx, st, calls)
		if !cont {
			return
		}

		// The assembled assistant turn plus tool results feed the next
		// round.
		st.messages = append(st.messages,
			&models.Message{Role: models.RoleAssistant, Content: st.assistant, CreatedAt: time.Now()},
			&models.Message{Role: models.RoleUser, Content: results, CreatedAt: time.Now()},
		)
		st.assistant = nil
	}
}

// streamRound performs one model call, forwarding blocks to the event stream.
// Returns the stop reason and any assembled tool calls.
func (l *Loop) streamRound(ctx context.Context, st *turnState, systemPrompt string) (string, []*ToolCall, bool) {
	ctx, span := l.Tracer.TraceModelRound(ctx, st.session.ID)
	defer span.End()

	// Cancel the in-flight request when the session is stopped.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.Engine.StopChan(st.session.ID):
			cancel()
		case <-reqCtx.Done():
		}
	}()

	stream, err := l.Provider.Stream(reqCtx, Request{
		System:   systemPrompt,
		Messages: st.messages,
		Tools:    l.Tools.Specs(st.excluded),
	})
	if err != nil {
		l.Tracer.RecordError(span, err)
		l.streamError(st, err)
		return "", nil, false
	}

	var calls []*ToolCall
	stopReason := StopEndTurn
	base := st.blockIndex
	open := make(map[int]models.BlockType)
	texts := make(map[int]string)

	for chunk := range stream {
		switch chunk.Type {
		case ChunkBlockStart:
			open[chunk.Index] = chunk.BlockType
			l.emit(st.session, models.EventContentStart, map[string]any{
				"index": base + chunk.Index,
				"type":  string(chunk.BlockType),
			})
		case ChunkDelta:
			texts[chunk.Index] += chunk.Text
			deltaType := "text_delta"
			if open[chunk.Index] == models.BlockThinking {
				deltaType = "thinking_delta"
			}
			l.emit(st.session, models.EventContentDelta, map[string]any{
				"index": base + chunk.Index,
				"delta": map[string]any{"type": deltaType, "text": chunk.Text},
			})
		case ChunkBlockStop:
			l.emit(st.session, models.EventContentStop, map[string]any{"index": base + chunk.Index})
			st.blockIndex = base + chunk.Index + 1
			st.assistant = append(st.assistant, assembleBlock(open[chunk.Index], texts[chunk.Index], chunk.Call))
			if chunk.Call != nil {
				calls = append(calls, chunk.Call)
			}
		case ChunkMessageStop:
			if chunk.Usage != nil {
				st.usage.InputTokens += chunk.Usage.InputTokens
				st.usage.OutputTokens += chunk.Usage.OutputTokens
				st.guard.Record(guardrails.DimTokens, float64(chunk.Usage.InputTokens+chunk.Usage.OutputTokens))
			}
			if chunk.StopReason != "" {
				stopReason = chunk.StopReason
			}
		case ChunkError:
			if l.Engine.IsStopped(st.session.ID) {
				l.checkStopped(st)
				return "", nil, false
			}
			l.streamError(st, chunk.Err)
			return "", nil, false
		}
	}
	return stopReason, calls, true
}

func assembleBlock(t models.BlockType, text string, call *ToolCall) models.ContentBlock {
	switch t {
	case models.BlockThinking:
		return models.ThinkingBlock(text, "")
	case models.BlockToolUse:
		input := json.RawMessage("{}")
		if call != nil {
			if raw, err := json.Marshal(call.Input); err == nil {
				input = raw
			}
			return models.ToolUseBlock(call.ID, call.Name, input)
		}
		return models.ToolUseBlock("", "", input)
	default:
		return models.TextBlock(text)
	}
}

// runTools executes the round's tool calls, applying approval gates and
// backtrack decisions. The returned blocks are the tool results for the next
// model round; cont=false ends the turn.
func (l *Loop) runTools(ctx context.Context, st *turnState, calls []*ToolCall) ([]models.ContentBlock, bool) {
	var results []models.ContentBlock
	for i := 0; i < len(calls); i++ {
		call := calls[i]
		if l.checkStopped(st) {
			return nil, false
		}

		st.guard.Record(guardrails.DimToolCalls, 1)
		if !l.passGuardrails(ctx, st) {
			return nil, false
		}

		tool, ok := l.Tools.Get(call.Name)
		if ok && tool.Dangerous {
			approved := l.awaitApproval(ctx, st, call)
			if !approved {
				if !l.applyRejection(ctx, st, tool, call, &results) {
					return nil, false
				}
				continue
			}
		}

		toolCtx, toolSpan := l.Tracer.TraceTool(ctx, call.Name)
		output, err := l.Tools.Execute(toolCtx, call)
		l.Tracer.RecordError(toolSpan, err)
		toolSpan.End()
		if err == nil {
			l.observeTool(call.Name, "success")
			st.recordOutcome(call.Name, "success", "")
			results = append(results, l.emitToolResult(st, call, output, false))
			continue
		}
		l.observeTool(call.Name, "failure")

		redo, cont := l.applyBacktrack(ctx, st, call, err, &results)
		if !cont {
			return nil, false
		}
		if redo != nil {
			calls[i] = redo
			i--
		}
	}
	return results, true
}

// awaitApproval emits hitl_confirm and blocks for the user decision. Timeout
// and stop both reject.
func (l *Loop) awaitApproval(ctx context.Context, st *turnState, call *ToolCall) bool {
	l.emit(st.session, models.EventHITLConfirm, map[string]any{
		"tool_use_id": call.ID,
		"tool":        call.Name,
		"input":       call.Input,
	})
	decision := l.Engine.WaitHITL(ctx, st.session.ID, l.Config.ConfirmTimeout)
	return decision.Approved
}

// applyRejection enforces the tool's on_rejection policy after a HITL reject.
// Returns true when the loop should continue with the remaining calls.
func (l *Loop) applyRejection(ctx context.Context, st *turnState, tool *Tool, call *ToolCall, results *[]models.ContentBlock) bool {
	*results = append(*results, l.emitToolResult(st, call, "operation rejected by user", true))

	switch tool.OnRejection {
	case RejectRollbackAndStop:
		l.rollback(st)
		st.stopped = true
		return false
	case RejectAskRollback:
		l.emit(st.session, models.EventBacktrackConfirm, map[string]any{
			"reason":  "tool_rejected",
			"tool":    call.Name,
			"choices": []string{"rollback", "stop"},
		})
		// Whatever the answer, the turn ends here. The snapshot stays
		// registered so the client can preview the written files and
		// restore them selectively through the rollback endpoints.
		l.Engine.WaitBacktrack(ctx, st.session.ID, l.Config.ConfirmTimeout)
		st.stopped = true
		return false
	default: // RejectStop
		st.stopped = true
		return false
	}
}

// applyBacktrack classifies a tool failure and applies the controller's
// decision. redo, when non-nil, is the adjusted call to retry in place.
func (l *Loop) applyBacktrack(ctx context.Context, st *turnState, call *ToolCall, toolErr error, results *[]models.ContentBlock) (redo *ToolCall, cont bool) {
	class := backtrack.Classify(toolErr)
	st.recordOutcome(call.Name, "failure", toolErr.Error())
	st.noteFailedTool(call.Name)
	in := backtrack.Input{
		Class:            class,
		Message:          toolErr.Error(),
		Turn:             st.stepIndex,
		MaxTurns:         l.Limits.MaxTurns,
		CurrentStep:      st.stepIndex,
		FailedTools:      st.failedTools,
		FailedStrategies: st.spentStrategies,
		BacktrackCount:   st.backtracks,
		MaxBacktracks:    l.Config.MaxBacktracks,
		History:          st.history,
	}
	dec := l.Backtrack.Decide(ctx, in)

	switch dec.Decision {
	case backtrack.DecisionContinue:
		// Infrastructure failure: surface it and let the model adapt.
		*results = append(*results, l.emitToolResult(st, call, toolErr.Error(), true))
		return nil, true

	case backtrack.DecisionFailGracefully:
		*results = append(*results, l.emitToolResult(st, call, toolErr.Error(), true))
		st.failed = true
		return nil, false

	case backtrack.DecisionEscalate:
		return nil, l.escalateBacktrack(ctx, st, call, toolErr, results)

	case backtrack.DecisionBacktrack:
		st.backtracks++
		if st.backtracks > l.Config.MaxBacktracks {
			return nil, l.escalateBacktrack(ctx, st, call, toolErr, results)
		}
		return l.applyStrategy(ctx, st, dec, call, toolErr, results)
	}
	return nil, true
}

func (l *Loop) applyStrategy(ctx context.Context, st *turnState, dec backtrack.Result, call *ToolCall, toolErr error, results *[]models.ContentBlock) (*ToolCall, bool) {
	st.spendStrategy(dec.Strategy)
	switch dec.Strategy {
	case backtrack.StrategyParamAdjust, backtrack.StrategyContextEnrich:
		redo := &ToolCall{ID: call.ID, Name: call.Name, Input: adjustInput(call.Input, dec.Action)}
		return redo, true

	case backtrack.StrategyToolReplace:
		st.excluded[call.Name] = struct{}{}
		*results = append(*results, l.emitToolResult(st, call,
			fmt.Sprintf("tool %s failed (%s); choose a different tool", call.Name, toolErr), true))
		return nil, true

	case backtrack.StrategyPlanReplan:
		*results = append(*results, l.emitToolResult(st, call,
			fmt.Sprintf("plan failed at step %d: %s; produce a new plan", st.stepIndex, toolErr), true))
		return nil, true

	case backtrack.StrategyIntentClarify:
		l.emit(st.session, models.EventIntentClarify, map[string]any{
			"reason": dec.Reason,
			"error":  toolErr.Error(),
		})
		text, ok := l.Engine.WaitClarify(ctx, st.session.ID, l.Config.ConfirmTimeout)
		if !ok {
			st.stopped = true
			return nil, false
		}
		st.messages = append(st.messages, &models.Message{
			Role:      models.RoleUser,
			Content:   []models.ContentBlock{models.TextBlock(text.Text)},
			CreatedAt: time.Now(),
		})
		*results = append(*results, l.emitToolResult(st, call, "user clarified intent: "+text.Text, true))
		return nil, true

	default: // StrategyNoBacktrack
		*results = append(*results, l.emitToolResult(st, call, toolErr.Error(), true))
		return nil, true
	}
}

// escalateBacktrack asks the user what to do once the backtrack budget is
// spent: retry once more, roll files back, or stop.
func (l *Loop) escalateBacktrack(ctx context.Context, st *turnState, call *ToolCall, toolErr error, results *[]models.ContentBlock) bool {
	l.emit(st.session, models.EventBacktrackConfirm, map[string]any{
		"tool":    call.Name,
		"error":   toolErr.Error(),
		"choices": []string{"retry", "rollback", "stop"},
	})
	choice := l.Engine.WaitBacktrack(ctx, st.session.ID, l.Config.ConfirmTimeout)
	switch choice.Choice {
	case "retry":
		st.backtracks = 0
		*results = append(*results, l.emitToolResult(st, call, toolErr.Error(), true))
		return true
	case "rollback":
		// End the turn with the snapshot still registered. The client
		// drives the restore: preview first, then a selective or full
		// rollback through the gateway.
		st.stopped = true
		return false
	default:
		st.stopped = true
		return false
	}
}

// passGuardrails checks every dimension and routes BLOCK results to the
// matching confirm gate. The tokens dimension additionally fires a soft cost
// gate at throttle level. Returns false when the turn must end.
func (l *Loop) passGuardrails(ctx context.Context, st *turnState) bool {
	for _, res := range st.guard.CheckAll() {
		if _, allowed := st.overrides[res.Dimension]; allowed {
			continue
		}

		if res.Dimension == guardrails.DimTokens && res.Action == guardrails.ActionThrottle && !st.costWarned {
			st.costWarned = true
			l.emit(st.session, models.EventCostLimitConfirm, map[string]any{
				"current": res.Current,
				"limit":   res.Limit,
			})
			choice := l.Engine.WaitCost(ctx, st.session.ID, l.Config.ConfirmTimeout)
			if choice.Choice != "continue" {
				st.stopped = true
				return false
			}
			continue
		}

		if res.Action != guardrails.ActionBlock {
			continue
		}

		switch res.Dimension {
		case guardrails.DimTurns, guardrails.DimExecutionTime:
			l.emit(st.session, models.EventLongRunningConfirm, map[string]any{
				"dimension": string(res.Dimension),
				"current":   res.Current,
				"limit":     res.Limit,
			})
			d := l.Engine.WaitLongRunning(ctx, st.session.ID, l.Config.ConfirmTimeout)
			if !d.Continue {
				st.stopped = true
				return false
			}
			st.overrides[res.Dimension] = struct{}{}

		case guardrails.DimTokens:
			l.emit(st.session, models.EventCostUrgentConfirm, map[string]any{
				"current": res.Current,
				"limit":   res.Limit,
			})
			choice := l.Engine.WaitCost(ctx, st.session.ID, l.Config.ConfirmTimeout)
			if choice.Choice != "continue" {
				st.stopped = true
				return false
			}
			st.overrides[res.Dimension] = struct{}{}

		default:
			l.emit(st.session, models.EventError, models.StreamError{
				Type:    models.ErrorKindBusiness,
				Code:    "GUARDRAIL_BLOCKED",
				Message: fmt.Sprintf("%s limit reached (%.0f/%.0f)", res.Dimension, res.Current, res.Limit),
			}.AsData())
			st.failed = true
			return false
		}
	}
	return true
}

// checkStopped observes a stop request at a suspension point.
func (l *Loop) checkStopped(st *turnState) bool {
	if st.stopped {
		return true
	}
	if !l.Engine.IsStopped(st.session.ID) {
		return false
	}
	st.stopped = true
	l.emit(st.session, models.EventSessionStopped, nil)
	return true
}

// emitToolResult streams a tool_result block and returns the content block
// for the next model round.
func (l *Loop) emitToolResult(st *turnState, call *ToolCall, content string, isErr bool) models.ContentBlock {
	idx := st.blockIndex
	st.blockIndex++
	l.emit(st.session, models.EventContentStart, map[string]any{"index": idx, "type": string(models.BlockToolResult)})
	l.emit(st.session, models.EventContentDelta, map[string]any{
		"index": idx,
		"delta": map[string]any{
			"type":        "tool_result",
			"tool_use_id": call.ID,
			"content":     content,
			"is_error":    isErr,
		},
	})
	l.emit(st.session, models.EventContentStop, map[string]any{"index": idx})
	return models.ToolResultBlock(call.ID, content, isErr)
}

func (l *Loop) rollback(st *turnState) {
	if st.manager == nil || !st.manager.HasSnapshot() {
		return
	}
	if err := st.manager.Rollback(); err != nil {
		l.Logger.Error("rollback failed", "session_id", st.session.ID, "error", err)
		return
	}
	l.Engine.UnregisterStateManager(st.session.ID)
	st.manager = nil
}

func (l *Loop) streamError(st *turnState, err error) {
	st.failed = true
	se := models.StreamError{Type: models.ErrorKindNetwork, Code: "PROVIDER_ERROR", Message: err.Error(), Retryable: true}
	if errors.Is(err, context.Canceled) {
		se = models.StreamError{Type: models.ErrorKindUnknown, Code: "CANCELLED", Message: "request cancelled"}
	}
	l.emit(st.session, models.EventError, se.AsData())
	l.Logger.Error("model stream failed", "session_id", st.session.ID, "error", err)
}

func (l *Loop) failTurn(st *turnState, code string, err error) {
	st.failed = true
	l.emit(st.session, models.EventError, models.StreamError{
		Type:    models.ErrorKindBusiness,
		Code:    code,
		Message: err.Error(),
	}.AsData())
}

// finish emits the termination pair, persists the assistant message, and
// settles the snapshot. On success the snapshot is discarded; on failure or
// user stop it is preserved for a later rollback call.
func (l *Loop) finish(st *turnState, assistantID string, started time.Time) *TurnResult {
	st.usage.Duration = time.Since(started)

	status := models.SessionCompleted
	switch {
	case st.stopped:
		status = models.SessionStopped
	case st.failed:
		status = models.SessionFailed
	}

	var assistant *models.Message
	if len(st.assistant) > 0 {
		assistant = &models.Message{
			ID:             assistantID,
			ConversationID: st.input.ConversationID,
			Role:           models.RoleAssistant,
			Content:        st.assistant,
			Status:         models.MessageStatus(status),
			CreatedAt:      time.Now(),
		}
		if l.Store != nil && st.input.ConversationID != "" {
			if err := l.Store.AppendMessage(context.Background(), st.input.ConversationID, assistant); err != nil {
				l.Logger.Warn("persist assistant message failed", "error", err)
			}
		}
	}

	l.emit(st.session, models.EventMessageStop, map[string]any{
		"message_id": assistantID,
		"usage": map[string]any{
			"input_tokens":  st.usage.InputTokens,
			"output_tokens": st.usage.OutputTokens,
			"duration_ms":   st.usage.Duration.Milliseconds(),
		},
	})
	l.emit(st.session, models.EventSessionEnd, map[string]any{"status": string(status)})

	if err := l.Engine.EndSession(st.session.ID, status); err != nil {
		l.Logger.Warn("end session failed", "session_id", st.session.ID, "error", err)
	}

	if status == models.SessionCompleted && st.manager != nil {
		st.manager.Discard()
		l.Engine.UnregisterStateManager(st.session.ID)
	}

	if l.Metrics != nil {
		l.Metrics.TurnDuration.Observe(st.usage.Duration.Seconds())
	}

	return &TurnResult{
		SessionID: st.session.ID,
		MessageID: assistantID,
		Status:    status,
		Usage:     st.usage,
		Assistant: assistant,
	}
}

// emit buffers an event on the session stream and forwards it to the
// external sink. Emission never blocks the loop.
func (l *Loop) emit(session *models.Session, t models.EventType, data map[string]any) {
	ev := models.NewEvent(t, session.ID, session.ConversationID, data)
	buffered, err := l.Engine.Store().BufferEvent(session.ID, ev, nil)
	if err != nil {
		l.Logger.Debug("event dropped", "session_id", session.ID, "type", string(t), "error", err)
		return
	}
	if l.Sink != nil && buffered != nil {
		l.Sink.Dispatch(buffered)
	}
}

func (l *Loop) observeTool(name, outcome string) {
	if l.Metrics != nil {
		l.Metrics.ToolExecutions.WithLabelValues(name, outcome).Inc()
	}
}

// adjustInput overlays the decision's suggested params onto the failed call
// input.
func adjustInput(input map[string]any, action map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	if params, ok := action["params"].(map[string]any); ok {
		for k, v := range params {
			out[k] = v
		}
	}
	return out
}

func preview(message string) string {
	const max = 120
	if len(message) <= max {
		return message
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

func orID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}
