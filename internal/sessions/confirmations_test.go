package sessions

import (
	"testing"
	"time"

	"github.com/zenflux/zenflux/pkg/models"
)

func TestConfirmationLifecycle(t *testing.T) {
	r := NewConfirmationRegistry(time.Minute)
	req := r.Create("s1", "Proceed with deletion?", []string{"yes", "no"}, models.ConfirmSingleChoice, 0, nil)
	if req.ID == "" {
		t.Fatal("empty confirmation ID")
	}

	got, err := r.Get(req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Question != req.Question || got.Resolved {
		t.Fatalf("unexpected confirmation: %+v", got)
	}

	resolved, err := r.Resolve(req.ID, "yes")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved.Resolved || resolved.Response != "yes" {
		t.Fatalf("resolution not recorded: %+v", resolved)
	}

	if _, err := r.Resolve(req.ID, "no"); err != ErrConfirmationResolved {
		t.Fatalf("second resolve = %v, want ErrConfirmationResolved", err)
	}
}

func TestConfirmationListPendingFiltersBySession(t *testing.T) {
	r := NewConfirmationRegistry(time.Minute)
	a := r.Create("s1", "q1", nil, models.ConfirmTextInput, 0, nil)
	r.Create("s2", "q2", nil, models.ConfirmTextInput, 0, nil)
	r.Create("s1", "q3", nil, models.ConfirmTextInput, 0, nil)

	if _, err := r.Resolve(a.ID, "done"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	pending := r.ListPending("s1")
	if len(pending) != 1 || pending[0].Question != "q3" {
		t.Fatalf("pending for s1 = %+v, want only q3", pending)
	}
	if all := r.ListPending(""); len(all) != 2 {
		t.Fatalf("pending overall = %d, want 2", len(all))
	}

	p, res := r.Stats()
	if p != 2 || res != 1 {
		t.Fatalf("Stats = (%d, %d), want (2, 1)", p, res)
	}
}

func TestConfirmationExpiry(t *testing.T) {
	r := NewConfirmationRegistry(time.Minute)
	req := r.Create("s1", "q", nil, models.ConfirmSingleChoice, time.Nanosecond, nil)

	time.Sleep(5 * time.Millisecond)
	if _, err := r.Get(req.ID); err != ErrConfirmationNotFound {
		t.Fatalf("Get expired = %v, want ErrConfirmationNotFound", err)
	}
	if _, err := r.Resolve(req.ID, "yes"); err != ErrConfirmationNotFound {
		t.Fatalf("Resolve expired = %v, want ErrConfirmationNotFound", err)
	}
	if removed := r.Expire(); removed != 1 {
		t.Fatalf("Expire removed %d, want 1", removed)
	}
}

func TestConfirmationDeleteUnknownIsNoop(t *testing.T) {
	r := NewConfirmationRegistry(time.Minute)
	r.Delete("missing")
}
