// Package sessions provides the in-memory session store, the session engine
// with its interrupt rendezvous points, the confirmation registry, and the
// pre-turn state snapshot manager.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zenflux/zenflux/internal/observability"
	"github.com/zenflux/zenflux/pkg/models"
)

// Sentinel errors.
var (
	ErrSessionNotFound = errors.New("sessions: session not found")
	ErrSessionClosed   = errors.New("sessions: session terminated")
)

// EventAdapter optionally transforms an event before it is buffered. A nil
// return drops the event.
type EventAdapter func(*models.Event) *models.Event

// sessionState is everything one session exclusively owns: its metadata, its
// event buffer, its subscribers, and its sequence counter.
type sessionState struct {
	meta *models.Session

	// events is the full session record; unbounded so late joiners can
	// replay from any seq.
	events []*models.Event

	// subs maps subscriber IDs to their bounded queues.
	subs    map[int]chan *models.Event
	nextSub int

	// closed is the termination sentinel observed by all subscribers.
	closed chan struct{}

	// seq is the last assigned sequence number.
	seq int64

	done    bool
	endedAt time.Time
}

// Store is the pure-memory component that owns session metadata, per-session
// event buffers, subscriber fan-out, and sequence counters.
type Store struct {
	mu           sync.RWMutex
	sessions     map[string]*sessionState
	userSessions map[string]map[string]struct{}

	queueSize int
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// QueueSize bounds each subscriber queue (default 1000).
	QueueSize int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewStore creates an empty session store.
func NewStore(opts StoreOptions) *Store {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		sessions:     make(map[string]*sessionState),
		userSessions: make(map[string]map[string]struct{}),
		queueSize:    opts.QueueSize,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
}

// CreateSession registers session metadata. Idempotent on session ID.
func (s *Store) CreateSession(meta *models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[meta.ID]; exists {
		return
	}
	s.sessions[meta.ID] = &sessionState{
		meta:   meta,
		subs:   make(map[int]chan *models.Event),
		closed: make(chan struct{}),
	}
	if meta.UserID != "" {
		set := s.userSessions[meta.UserID]
		if set == nil {
			set = make(map[string]struct{})
			s.userSessions[meta.UserID] = set
		}
		set[meta.ID] = struct{}{}
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}
}

// GetSession returns a copy of the session metadata.
func (s *Store) GetSession(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	meta := *st.meta
	return &meta, nil
}

// ListSessions returns metadata for every live session, optionally filtered
// by user.
func (s *Store) ListSessions(userID string) []*models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, st := range s.sessions {
		if userID != "" && st.meta.UserID != userID {
			continue
		}
		meta := *st.meta
		out = append(out, &meta)
	}
	return out
}

// BufferEvent applies the optional adapter, assigns the next sequence number
// atomically with the append, and fans the event out to every subscriber.
// Queues that are full drop the event for that subscriber only.
func (s *Store) BufferEvent(sessionID string, event *models.Event, adapter EventAdapter) (*models.Event, error) {
	if adapter != nil {
		event = adapter(event)
		if event == nil {
			return nil, nil // adapter dropped the event
		}
	}

	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if st.done {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	st.seq++
	event.Seq = st.seq
	event.SessionID = sessionID
	st.events = append(st.events, event)
	subs := make([]chan *models.Event, 0, len(st.subs))
	for _, ch := range st.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			if s.metrics != nil {
				s.metrics.SubscriberDrops.Inc()
			}
			s.logger.Warn("subscriber queue full, dropping event",
				"session_id", sessionID, "type", event.Type, "seq", event.Seq)
		}
	}
	if s.metrics != nil {
		s.metrics.EventsEmitted.WithLabelValues(string(event.Type)).Inc()
	}
	return event, nil
}

// SubscribeEvents yields buffered events with seq > afterID in order, then
// live events until the session terminates or ctx is cancelled. The returned
// channel is closed on the terminal sentinel; the subscriber is unregistered
// on every exit path.
func (s *Store) SubscribeEvents(ctx context.Context, sessionID string, afterID int64) (<-chan *models.Event, error) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}

	// Snapshot the replay prefix and register the live queue under the
	// same lock so no event can fall between them.
	replay := make([]*models.Event, 0, len(st.events))
	for _, ev := range st.events {
		if ev.Seq > afterID {
			replay = append(replay, ev)
		}
	}
	done := st.done
	closed := st.closed
	queue := make(chan *models.Event, s.queueSize)
	subID := -1
	if !done {
		subID = st.nextSub
		st.nextSub++
		st.subs[subID] = queue
	}
	s.mu.Unlock()

	out := make(chan *models.Event, 1)
	go func() {
		defer close(out)
		defer s.unsubscribe(sessionID, subID)

		lastSeq := afterID
		deliver := func(ev *models.Event) bool {
			if ev == nil || ev.Seq <= lastSeq {
				return true
			}
			select {
			case out <- ev:
				lastSeq = ev.Seq
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, ev := range replay {
			if !deliver(ev) {
				return
			}
		}
		if done {
			return // prefix then immediate termination
		}
		for {
			select {
			case ev := <-queue:
				if !deliver(ev) {
					return
				}
			case <-closed:
				// Session terminated; drain whatever was already queued
				// so the subscriber sees a seamless tail.
				for {
					select {
					case ev := <-queue:
						if !deliver(ev) {
							return
						}
					default:
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Store) unsubscribe(sessionID string, subID int) {
	if subID < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		delete(st.subs, subID)
	}
}

// CompleteSession moves the session to a terminal status and fires the
// termination sentinel for every subscriber. The caller must have finished
// buffering events: one producing loop per session is an engine invariant.
func (s *Store) CompleteSession(sessionID string, status models.SessionStatus) error {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	alreadyDone := st.done
	st.meta.Status = status
	st.meta.EndTime = time.Now()
	st.done = true
	st.endedAt = st.meta.EndTime
	s.mu.Unlock()

	if alreadyDone {
		return nil
	}
	close(st.closed)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
	}
	return nil
}

// RemoveSession drops a session and its buffers. Used by the cleanup sweep.
func (s *Store) RemoveSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)
	if st.meta.UserID != "" {
		if set, ok := s.userSessions[st.meta.UserID]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(s.userSessions, st.meta.UserID)
			}
		}
	}
}

// sweepCandidates returns terminal sessions whose buffers have lingered past
// ttl with no remaining subscribers.
func (s *Store) sweepCandidates(ttl time.Duration) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []string
	for id, st := range s.sessions {
		if st.done && len(st.subs) == 0 && now.Sub(st.endedAt) >= ttl {
			out = append(out, id)
		}
	}
	return out
}

// EventsAfter returns the buffered events with seq > afterID, in order.
func (s *Store) EventsAfter(sessionID string, afterID int64) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]*models.Event, 0, len(st.events))
	for _, ev := range st.events {
		if ev.Seq > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// LastSeq returns the highest assigned sequence number for a session.
func (s *Store) LastSeq(sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	return st.seq, nil
}
