package sessions

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zenflux/zenflux/internal/observability"
	"github.com/zenflux/zenflux/pkg/models"
)

// InterruptKind names the five interrupt rendezvous points of the agent loop.
type InterruptKind string

const (
	InterruptLongRunning InterruptKind = "long_running"
	InterruptHITL        InterruptKind = "hitl"
	InterruptBacktrack   InterruptKind = "backtrack"
	InterruptCost        InterruptKind = "cost"
	InterruptClarify     InterruptKind = "intent_clarify"
)

// Interrupt payloads, one per kind.
type (
	// HITLDecision answers a dangerous-operation confirmation.
	HITLDecision struct{ Approved bool }

	// LongRunDecision answers a long-running-turn confirmation.
	LongRunDecision struct{ Continue bool }

	// BacktrackChoice is "retry", "rollback", or "stop".
	BacktrackChoice struct{ Choice string }

	// CostChoice is "continue" or "stop".
	CostChoice struct{ Choice string }

	// ClarifyText carries the user's free-text intent clarification.
	ClarifyText struct{ Text string }
)

// SubmitResult reports how an interrupt submission landed.
type SubmitResult int

const (
	// SubmitDelivered means an outstanding wait received the payload.
	SubmitDelivered SubmitResult = iota

	// SubmitDuplicate means the wait was already answered. Repeat
	// submissions are no-ops, never re-deliveries.
	SubmitDuplicate

	// SubmitNoWait means no wait of that kind is outstanding, either
	// because the session is unknown or because the wait expired.
	SubmitNoWait
)

// Delivered reports whether the submission was accepted, counting a
// duplicate answer as accepted.
func (r SubmitResult) Delivered() bool { return r != SubmitNoWait }

// rendezvous is a one-shot signal with a payload slot. It exists only while
// a wait is outstanding; fired is guarded by Engine.mu.
type rendezvous struct {
	ch    chan any
	fired bool
}

func newRendezvous() *rendezvous {
	return &rendezvous{ch: make(chan any, 1)}
}

// Engine is the session engine: it owns session lifecycle on top of the
// store, the per-session stop and interrupt handles, the state-manager
// registry, and the periodic cleanup sweep.
type Engine struct {
	store *Store

	mu       sync.Mutex
	stops    map[string]chan struct{}
	waits    map[string]map[InterruptKind]*rendezvous
	answered map[string]map[InterruptKind]bool
	managers map[string]*SnapshotManager

	confirmTimeout time.Duration
	sessionTTL     time.Duration

	sweeping atomic.Bool
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// ConfirmTimeout bounds every interrupt wait (default 300s).
	ConfirmTimeout time.Duration

	// SessionTTL is how long terminated sessions linger for late
	// subscribers before the sweep removes them.
	SessionTTL time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewEngine creates a session engine over the given store.
func NewEngine(store *Store, opts EngineOptions) *Engine {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 300 * time.Second
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:          store,
		stops:          make(map[string]chan struct{}),
		waits:          make(map[string]map[InterruptKind]*rendezvous),
		answered:       make(map[string]map[InterruptKind]bool),
		managers:       make(map[string]*SnapshotManager),
		confirmTimeout: opts.ConfirmTimeout,
		sessionTTL:     opts.SessionTTL,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
	}
}

// Store exposes the underlying session store.
func (e *Engine) Store() *Store { return e.store }

// CreateSession registers a new session and its control handles. Session IDs
// are generated fresh and never reused.
func (e *Engine) CreateSession(userID, preview, conversationID, messageID string) *models.Session {
	meta := &models.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Status:         models.SessionRunning,
		Preview:        preview,
		StartTime:      time.Now(),
	}
	e.store.CreateSession(meta)

	e.mu.Lock()
	e.stops[meta.ID] = make(chan struct{})
	e.waits[meta.ID] = make(map[InterruptKind]*rendezvous)
	e.answered[meta.ID] = make(map[InterruptKind]bool)
	e.mu.Unlock()
	return meta
}

// EndSession moves the session to a terminal status and fires the subscriber
// sentinel.
func (e *Engine) EndSession(sessionID string, status models.SessionStatus) error {
	return e.store.CompleteSession(sessionID, status)
}

// StopSession sets the stop signal, marks the session stopped, and closes
// subscribers. The loop observes the signal at its next suspension point.
func (e *Engine) StopSession(sessionID string) error {
	if _, err := e.store.GetSession(sessionID); err != nil {
		return err
	}
	e.mu.Lock()
	stop, ok := e.stops[sessionID]
	if ok {
		select {
		case <-stop:
			// already stopped
		default:
			close(stop)
		}
	}
	e.mu.Unlock()
	return nil
}

// StopChan returns the channel closed when the session is asked to stop.
func (e *Engine) StopChan(sessionID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.stops[sessionID]; ok {
		return ch
	}
	// Unknown session: return an already-closed channel so loops bail out.
	ch := make(chan struct{})
	close(ch)
	return ch
}

// IsStopped reports whether the stop signal has fired.
func (e *Engine) IsStopped(sessionID string) bool {
	select {
	case <-e.StopChan(sessionID):
		return true
	default:
		return false
	}
}

// ClearStop re-arms the stop signal, used when a stopped turn is resumed
// into a fresh iteration after a confirmation.
func (e *Engine) ClearStop(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.stops[sessionID]; ok {
		select {
		case <-ch:
			e.stops[sessionID] = make(chan struct{})
		default:
		}
	}
}

// RegisterStateManager binds a snapshot manager to the session for rollback.
func (e *Engine) RegisterStateManager(sessionID string, m *SnapshotManager) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.managers[sessionID] = m
}

// StateManager returns the session's snapshot manager, if registered.
func (e *Engine) StateManager(sessionID string) (*SnapshotManager, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.managers[sessionID]
	return m, ok
}

// UnregisterStateManager removes the session's snapshot manager.
func (e *Engine) UnregisterStateManager(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.managers, sessionID)
}

// armRendezvous installs a fresh one-shot signal for the wait side. Only
// waits create rendezvous; a new wait also resets the answered record so a
// stale decision can never satisfy a later interrupt of the same kind.
func (e *Engine) armRendezvous(sessionID string, kind InterruptKind) *rendezvous {
	e.mu.Lock()
	defer e.mu.Unlock()
	kinds, ok := e.waits[sessionID]
	if !ok {
		return nil
	}
	r := newRendezvous()
	kinds[kind] = r
	if a, ok := e.answered[sessionID]; ok {
		delete(a, kind)
	}
	return r
}

// clearRendezvous discards a fired rendezvous so a later wait of the same
// kind gets a fresh one-shot signal.
func (e *Engine) clearRendezvous(sessionID string, kind InterruptKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if kinds, ok := e.waits[sessionID]; ok {
		delete(kinds, kind)
	}
}

// wait blocks until the interrupt fires, the timeout elapses, ctx is
// cancelled, or the session is stopped. ok is false on every non-fired path.
func (e *Engine) wait(ctx context.Context, sessionID string, kind InterruptKind, timeout time.Duration) (any, bool) {
	r := e.armRendezvous(sessionID, kind)
	if r == nil {
		return nil, false
	}
	if timeout <= 0 {
		timeout = e.confirmTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer e.clearRendezvous(sessionID, kind)

	select {
	case payload := <-r.ch:
		return payload, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	case <-e.StopChan(sessionID):
		return nil, false
	}
}

// submit delivers a decision to an outstanding wait. It never creates a
// rendezvous: a submission with no wait outstanding (unknown session, or a
// wait that already timed out) is rejected rather than buffered, so a late
// decision can never answer a later, unrelated interrupt.
func (e *Engine) submit(sessionID string, kind InterruptKind, payload any) SubmitResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	kinds, ok := e.waits[sessionID]
	if !ok {
		return SubmitNoWait
	}
	r, ok := kinds[kind]
	if !ok {
		if e.answered[sessionID][kind] {
			return SubmitDuplicate
		}
		return SubmitNoWait
	}
	if r.fired {
		return SubmitDuplicate
	}
	r.fired = true
	r.ch <- payload
	if a, ok := e.answered[sessionID]; ok {
		a[kind] = true
	}
	return SubmitDelivered
}

// WaitHITL blocks for a dangerous-operation decision. Timeout default: reject.
func (e *Engine) WaitHITL(ctx context.Context, sessionID string, timeout time.Duration) HITLDecision {
	if payload, ok := e.wait(ctx, sessionID, InterruptHITL, timeout); ok {
		if d, ok := payload.(HITLDecision); ok {
			return d
		}
	}
	return HITLDecision{Approved: false}
}

// SubmitHITL answers an outstanding dangerous-operation confirmation.
func (e *Engine) SubmitHITL(sessionID string, approved bool) SubmitResult {
	return e.submit(sessionID, InterruptHITL, HITLDecision{Approved: approved})
}

// WaitLongRunning blocks for a long-running-turn decision. Timeout default:
// stop.
func (e *Engine) WaitLongRunning(ctx context.Context, sessionID string, timeout time.Duration) LongRunDecision {
	if payload, ok := e.wait(ctx, sessionID, InterruptLongRunning, timeout); ok {
		if d, ok := payload.(LongRunDecision); ok {
			return d
		}
	}
	return LongRunDecision{Continue: false}
}

// SubmitLongRunning answers an outstanding long-running confirmation.
func (e *Engine) SubmitLongRunning(sessionID string, cont bool) SubmitResult {
	return e.submit(sessionID, InterruptLongRunning, LongRunDecision{Continue: cont})
}

// WaitBacktrack blocks for a backtrack-exhausted choice. Timeout default:
// stop.
func (e *Engine) WaitBacktrack(ctx context.Context, sessionID string, timeout time.Duration) BacktrackChoice {
	if payload, ok := e.wait(ctx, sessionID, InterruptBacktrack, timeout); ok {
		if c, ok := payload.(BacktrackChoice); ok {
			return c
		}
	}
	return BacktrackChoice{Choice: "stop"}
}

// SubmitBacktrack answers an outstanding backtrack-exhausted confirmation.
func (e *Engine) SubmitBacktrack(sessionID, choice string) SubmitResult {
	return e.submit(sessionID, InterruptBacktrack, BacktrackChoice{Choice: choice})
}

// WaitCost blocks for a cost-gate choice. Timeout default: stop.
func (e *Engine) WaitCost(ctx context.Context, sessionID string, timeout time.Duration) CostChoice {
	if payload, ok := e.wait(ctx, sessionID, InterruptCost, timeout); ok {
		if c, ok := payload.(CostChoice); ok {
			return c
		}
	}
	return CostChoice{Choice: "stop"}
}

// SubmitCost answers an outstanding cost confirmation.
func (e *Engine) SubmitCost(sessionID, choice string) SubmitResult {
	return e.submit(sessionID, InterruptCost, CostChoice{Choice: choice})
}

// WaitClarify blocks for the user's intent clarification. Timeout default:
// empty text, not ok.
func (e *Engine) WaitClarify(ctx context.Context, sessionID string, timeout time.Duration) (ClarifyText, bool) {
	if payload, ok := e.wait(ctx, sessionID, InterruptClarify, timeout); ok {
		if t, ok := payload.(ClarifyText); ok {
			return t, true
		}
	}
	return ClarifyText{}, false
}

// SubmitClarify delivers the user's intent clarification text.
func (e *Engine) SubmitClarify(sessionID, text string) SubmitResult {
	return e.submit(sessionID, InterruptClarify, ClarifyText{Text: text})
}

// RemoveSession drops the session and all of its handles.
func (e *Engine) RemoveSession(sessionID string) {
	e.store.RemoveSession(sessionID)
	e.mu.Lock()
	delete(e.stops, sessionID)
	delete(e.waits, sessionID)
	delete(e.answered, sessionID)
	delete(e.managers, sessionID)
	e.mu.Unlock()
}

// Sweep removes terminated sessions past their TTL, together with their
// handles. Guarded against concurrent sweeps.
func (e *Engine) Sweep() int {
	if !e.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer e.sweeping.Store(false)

	removed := 0
	for _, id := range e.store.sweepCandidates(e.sessionTTL) {
		e.RemoveSession(id)
		removed++
	}
	if removed > 0 {
		if e.metrics != nil {
			e.metrics.SweepRemovals.Add(float64(removed))
		}
		e.logger.Debug("session sweep", "removed", removed)
	}
	return removed
}

// RunSweeper runs the cleanup sweep on the given cadence until ctx ends.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}
