package sessions

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenflux/zenflux/pkg/models"
)

// ErrConfirmationNotFound is returned for unknown or expired confirmation IDs.
var ErrConfirmationNotFound = errors.New("confirmation not found")

// ErrConfirmationResolved is returned when a confirmation is answered twice.
var ErrConfirmationResolved = errors.New("confirmation already resolved")

// ConfirmationRegistry tracks human confirmations that outlive an internal
// interrupt rendezvous: tool-initiated questions that channels and the HTTP
// surface resolve out of band.
type ConfirmationRegistry struct {
	mu      sync.Mutex
	pending map[string]*models.ConfirmationRequest
	ttl     time.Duration
}

// NewConfirmationRegistry creates a registry with the given expiry window
// (default 10 minutes).
func NewConfirmationRegistry(ttl time.Duration) *ConfirmationRegistry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ConfirmationRegistry{
		pending: make(map[string]*models.ConfirmationRequest),
		ttl:     ttl,
	}
}

// Create registers a confirmation and returns it with a fresh ID.
func (r *ConfirmationRegistry) Create(sessionID, question string, options []string, kind models.ConfirmationType, timeout time.Duration, metadata map[string]any) *models.ConfirmationRequest {
	if timeout <= 0 {
		timeout = r.ttl
	}
	req := &models.ConfirmationRequest{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Question:  question,
		Options:   options,
		Type:      kind,
		Timeout:   timeout,
		CreatedAt: time.Now(),
		Metadata:  metadata,
	}
	r.mu.Lock()
	r.pending[req.ID] = req
	r.mu.Unlock()
	return req
}

// Get returns the confirmation by ID.
func (r *ConfirmationRegistry) Get(id string) (*models.ConfirmationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.pending[id]
	if !ok || r.expired(req) {
		return nil, ErrConfirmationNotFound
	}
	cp := *req
	return &cp, nil
}

// Resolve records the response. One-shot: a second resolution fails.
func (r *ConfirmationRegistry) Resolve(id, response string) (*models.ConfirmationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.pending[id]
	if !ok || r.expired(req) {
		return nil, ErrConfirmationNotFound
	}
	if req.Resolved {
		return nil, ErrConfirmationResolved
	}
	req.Resolved = true
	req.Response = response
	cp := *req
	return &cp, nil
}

// Delete drops the confirmation. Unknown IDs are a no-op.
func (r *ConfirmationRegistry) Delete(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// ListPending returns unresolved, unexpired confirmations, optionally
// filtered by session.
func (r *ConfirmationRegistry) ListPending(sessionID string) []*models.ConfirmationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.ConfirmationRequest, 0)
	for _, req := range r.pending {
		if req.Resolved || r.expired(req) {
			continue
		}
		if sessionID != "" && req.SessionID != sessionID {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	return out
}

// Stats reports counts of pending and resolved confirmations.
func (r *ConfirmationRegistry) Stats() (pending, resolved int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.pending {
		if r.expired(req) {
			continue
		}
		if req.Resolved {
			resolved++
		} else {
			pending++
		}
	}
	return pending, resolved
}

// Expire drops expired confirmations and returns how many were removed.
func (r *ConfirmationRegistry) Expire() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, req := range r.pending {
		if r.expired(req) {
			delete(r.pending, id)
			removed++
		}
	}
	return removed
}

func (r *ConfirmationRegistry) expired(req *models.ConfirmationRequest) bool {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.ttl
	}
	return time.Since(req.CreatedAt) > timeout
}
