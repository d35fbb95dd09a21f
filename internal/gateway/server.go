// Package gateway exposes the orchestration core over HTTP, SSE, and
// WebSocket: chat turns, session control, conversation CRUD, human
// confirmations, and the metrics/health endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zenflux/zenflux/internal/agent"
	"github.com/zenflux/zenflux/internal/config"
	"github.com/zenflux/zenflux/internal/observability"
	"github.com/zenflux/zenflux/internal/sessions"
	"github.com/zenflux/zenflux/internal/skills"
	"github.com/zenflux/zenflux/internal/store"
	"github.com/zenflux/zenflux/internal/tasks"
)

const (
	defaultHeartbeat    = 30 * time.Second
	defaultMergeWindow  = 150 * time.Millisecond
	defaultReadHeader   = 5 * time.Second
	defaultShutdownWait = 10 * time.Second
)

// Server wires the orchestration components behind the HTTP surface.
type Server struct {
	cfg           config.ServerConfig
	engine        *sessions.Engine
	loop          *agent.Loop
	store         *store.Store
	confirmations *sessions.ConfirmationRegistry
	skills        *skills.Manager
	taskRegistry  *tasks.Registry
	taskRunner    *tasks.Dispatcher
	logger        *slog.Logger
	metrics       *observability.Metrics

	heartbeat   time.Duration
	mergeWindow time.Duration

	httpServer *http.Server
}

// Options configures a Server. Engine, Loop, and Store are required; the
// rest degrade gracefully when absent.
type Options struct {
	Config        config.ServerConfig
	Engine        *sessions.Engine
	Loop          *agent.Loop
	Store         *store.Store
	Confirmations *sessions.ConfirmationRegistry
	Skills        *skills.Manager
	TaskRegistry  *tasks.Registry
	TaskRunner    *tasks.Dispatcher
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// NewServer builds the gateway.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil || opts.Loop == nil || opts.Store == nil {
		return nil, fmt.Errorf("gateway requires engine, loop, and store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Confirmations == nil {
		opts.Confirmations = sessions.NewConfirmationRegistry(0)
	}

	s := &Server{
		cfg:           opts.Config,
		engine:        opts.Engine,
		loop:          opts.Loop,
		store:         opts.Store,
		confirmations: opts.Confirmations,
		skills:        opts.Skills,
		taskRegistry:  opts.TaskRegistry,
		taskRunner:    opts.TaskRunner,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		heartbeat:     opts.Config.HeartbeatInterval,
		mergeWindow:   opts.Config.DeltaMergeWindow,
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeat
	}
	if s.mergeWindow <= 0 {
		s.mergeWindow = defaultMergeWindow
	}
	return s, nil
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("GET /api/v1/chat/stream", s.handleChatReattach)
	mux.HandleFunc("GET /api/v1/ws/chat", s.handleWS)

	mux.HandleFunc("POST /api/v1/session/{id}/stop", s.handleSessionStop)
	mux.HandleFunc("POST /api/v1/session/{id}/confirm_continue", s.handleConfirmContinue)
	mux.HandleFunc("POST /api/v1/session/{id}/hitl_confirm", s.handleHITLConfirm)
	mux.HandleFunc("POST /api/v1/session/{id}/backtrack_confirm", s.handleBacktrackConfirm)
	mux.HandleFunc("POST /api/v1/session/{id}/cost_confirm", s.handleCostConfirm)
	mux.HandleFunc("POST /api/v1/session/{id}/intent_clarify", s.handleIntentClarify)
	mux.HandleFunc("GET /api/v1/session/{id}/rollback/preview", s.handleRollbackPreview)
	mux.HandleFunc("POST /api/v1/session/{id}/rollback", s.handleRollback)
	mux.HandleFunc("GET /api/v1/session/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /api/v1/session/{id}", s.handleSessionDelete)
	mux.HandleFunc("GET /api/v1/sessions", s.handleSessionList)

	mux.HandleFunc("POST /api/v1/conversations", s.handleConversationCreate)
	mux.HandleFunc("GET /api/v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /api/v1/conversations/search", s.handleConversationSearch)
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("PUT /api/v1/conversations/{id}", s.handleConversationUpdate)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", s.handleConversationDelete)
	mux.HandleFunc("GET /api/v1/conversations/{id}/messages", s.handleConversationMessages)
	mux.HandleFunc("GET /api/v1/conversations/{id}/summary", s.handleConversationSummary)
	mux.HandleFunc("POST /api/v1/conversations/{id}/preload", s.handleConversationPreload)

	mux.HandleFunc("GET /api/v1/human-confirmation/pending", s.handleConfirmationPending)
	mux.HandleFunc("GET /api/v1/human-confirmation/stats", s.handleConfirmationStats)
	mux.HandleFunc("POST /api/v1/human-confirmation/{id}", s.handleConfirmationResolve)
	mux.HandleFunc("GET /api/v1/human-confirmation/{id}", s.handleConfirmationGet)
	mux.HandleFunc("DELETE /api/v1/human-confirmation/{id}", s.handleConfirmationDelete)

	mux.HandleFunc("GET /api/v1/skills", s.handleSkillsList)
	mux.HandleFunc("GET /api/v1/tasks", s.handleTasksList)

	return mux
}

// Start serves until ctx cancels, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	readHeader := s.cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = defaultReadHeader
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeader,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := s.cfg.ShutdownTimeout
	if grace <= 0 {
		grace = defaultShutdownWait
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// envelope is the uniform non-streaming response shape.
type envelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(envelope{Code: "OK", Message: "success", Data: data}); err != nil {
		s.logger.Warn("encode response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	s.writeErrorCode(w, status, code, err.Error())
}

func (s *Server) writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Code: code, Message: sanitize(msg)})
}

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
