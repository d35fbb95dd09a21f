package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zenflux/zenflux/internal/agent"
	"github.com/zenflux/zenflux/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsFrame is the wire shape shared by every frame direction.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	TS      int64           `json:"ts,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsConn wraps a websocket connection with a write lock; the event pump,
// heartbeat, and read loop all write frames.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(frame wsFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) sendResult(id string, payload any) {
	ok := true
	_ = c.send(wsFrame{Type: "res", ID: id, OK: &ok, Payload: payload})
}

func (c *wsConn) sendError(id, code, msg string) {
	ok := false
	_ = c.send(wsFrame{Type: "res", ID: id, OK: &ok, Error: &wsError{Code: code, Message: sanitize(msg)}})
}

func (c *wsConn) sendEvent(ev *models.Event) {
	_ = c.send(wsFrame{Type: "event", Event: string(ev.Type), Payload: ev, Seq: ev.Seq})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.wsHeartbeat(ctx, conn)

	for {
		var frame wsFrame
		if err := raw.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "ping":
			_ = conn.send(wsFrame{Type: "pong", TS: time.Now().UnixMilli()})
		case "req":
			s.wsDispatch(ctx, conn, &frame)
		default:
			conn.sendError(frame.ID, CodeValidation, "unknown frame type "+frame.Type)
		}
	}
}

func (s *Server) wsHeartbeat(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = conn.send(wsFrame{
				Type:    "event",
				Event:   "tick",
				Payload: map[string]any{"ts": time.Now().UnixMilli()},
			})
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) wsDispatch(ctx context.Context, conn *wsConn, frame *wsFrame) {
	switch frame.Method {
	case "chat.send":
		s.wsChatSend(ctx, conn, frame)
	case "chat.abort":
		var params struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(frame.Params, &params); err != nil || params.SessionID == "" {
			conn.sendError(frame.ID, CodeValidation, "session_id is required")
			return
		}
		if err := s.engine.StopSession(params.SessionID); err != nil {
			code, _ := classify(err)
			conn.sendError(frame.ID, code, err.Error())
			return
		}
		conn.sendResult(frame.ID, map[string]any{"session_id": params.SessionID, "status": "stopping"})
	default:
		conn.sendError(frame.ID, CodeValidation, "unknown method "+frame.Method)
	}
}

func (s *Server) wsChatSend(ctx context.Context, conn *wsConn, frame *wsFrame) {
	var req ChatRequest
	if err := json.Unmarshal(frame.Params, &req); err != nil {
		conn.sendError(frame.ID, CodeValidation, "invalid chat.send params: "+err.Error())
		return
	}
	if req.Message == "" || req.UserID == "" {
		conn.sendError(frame.ID, CodeValidation, "message and user_id are required")
		return
	}

	turn, err := s.prepareTurn(ctx, &req)
	if err != nil {
		code, _ := classify(err)
		conn.sendError(frame.ID, code, err.Error())
		return
	}

	sessionCh := make(chan string, 1)
	turn.OnSession = func(id string) { sessionCh <- id }
	resultCh := make(chan *agent.TurnResult, 1)
	go func() {
		res, runErr := s.loop.Run(context.Background(), *turn)
		if runErr != nil {
			s.logger.Warn("turn ended with error", "error", runErr)
		}
		resultCh <- res
	}()

	var sessionID string
	select {
	case sessionID = <-sessionCh:
	case <-time.After(5 * time.Second):
		conn.sendError(frame.ID, CodeInternal, "session did not start")
		return
	}
	conn.sendResult(frame.ID, map[string]any{
		"session_id":      sessionID,
		"conversation_id": turn.ConversationID,
	})

	go func() {
		s.pumpEvents(ctx, conn, sessionID)
		s.afterTurn(&req, turn, resultCh, conn.sendEvent)
	}()
}

// pumpEvents forwards session events to the socket, merging bursts of
// content_delta frames inside the configured window.
func (s *Server) pumpEvents(ctx context.Context, conn *wsConn, sessionID string) {
	events, err := s.engine.Store().SubscribeEvents(ctx, sessionID, 0)
	if err != nil {
		return
	}

	merger := newDeltaMerger()
	window := time.NewTicker(s.mergeWindow)
	defer window.Stop()

	flush := func() {
		for _, ev := range merger.flush() {
			conn.sendEvent(ev)
		}
	}
	defer flush()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			for _, out := range merger.add(ev) {
				conn.sendEvent(out)
			}
		case <-window.C:
			flush()
		case <-ctx.Done():
			return
		}
	}
}

// deltaMerger coalesces consecutive content_delta events per block index.
// Any non-delta event flushes the pending deltas first so ordering is
// preserved on the wire.
type deltaMerger struct {
	pending map[int]*models.Event
	order   []int
}

func newDeltaMerger() *deltaMerger {
	return &deltaMerger{pending: make(map[int]*models.Event)}
}

// add absorbs a delta event, or returns the frames to emit now: the flushed
// backlog followed by the event itself.
func (m *deltaMerger) add(ev *models.Event) []*models.Event {
	idx, text, ok := deltaParts(ev)
	if !ok {
		return append(m.flush(), ev)
	}
	if cur, exists := m.pending[idx]; exists {
		if curDelta, ok := cur.Data["delta"].(map[string]any); ok {
			curText, _ := curDelta["text"].(string)
			curDelta["text"] = curText + text
		}
		cur.Seq = ev.Seq // carry the newest seq so reattach resumes past it
		return nil
	}
	m.pending[idx] = ev.Clone()
	m.order = append(m.order, idx)
	return nil
}

func (m *deltaMerger) flush() []*models.Event {
	if len(m.order) == 0 {
		return nil
	}
	out := make([]*models.Event, 0, len(m.order))
	for _, idx := range m.order {
		out = append(out, m.pending[idx])
	}
	m.pending = make(map[int]*models.Event)
	m.order = nil
	return out
}

// deltaParts extracts the block index and text from a mergeable
// content_delta event.
func deltaParts(ev *models.Event) (int, string, bool) {
	if ev.Type != models.EventContentDelta {
		return 0, "", false
	}
	idx, ok := asInt(ev.Data["index"])
	if !ok {
		return 0, "", false
	}
	delta, ok := ev.Data["delta"].(map[string]any)
	if !ok {
		return 0, "", false
	}
	text, ok := delta["text"].(string)
	if !ok {
		return 0, "", false
	}
	return idx, text, true
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
