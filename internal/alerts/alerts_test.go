package alerts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRaiseAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	raised, err := s.Raise(ctx, Alert{
		Type:     "degradation_mode",
		Severity: SeverityWarning,
		Title:    "Entered DEGRADED",
		Message:  "primary backend unavailable",
	})
	if err != nil {
		t.Fatalf("Raise() error = %v", err)
	}
	if !raised {
		t.Fatal("first alert suppressed")
	}

	open, err := s.List(ctx, true, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("got %d open alerts, want 1", len(open))
	}
	a := open[0]
	if a.Type != "degradation_mode" || a.Severity != SeverityWarning || a.Acknowledged {
		t.Errorf("alert = %+v", a)
	}
	if a.ID == "" {
		t.Error("alert id not assigned")
	}
}

func TestRaiseRateLimit(t *testing.T) {
	s := newTestStore(t)
	s.SetRateLimit(2, time.Hour)
	ctx := context.Background()

	counts := 0
	for i := 0; i < 5; i++ {
		raised, err := s.Raise(ctx, Alert{Type: "flappy", Title: "flap"})
		if err != nil {
			t.Fatalf("Raise() error = %v", err)
		}
		if raised {
			counts++
		}
	}
	if counts != 2 {
		t.Errorf("stored %d alerts, want 2", counts)
	}

	// Other types are unaffected.
	raised, err := s.Raise(ctx, Alert{Type: "other", Title: "x"})
	if err != nil || !raised {
		t.Errorf("Raise(other type) = (%v, %v), want stored", raised, err)
	}

	// Once the window slides past, the type can raise again.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	raised, err = s.Raise(ctx, Alert{Type: "flappy", Title: "flap"})
	if err != nil || !raised {
		t.Errorf("Raise(after window) = (%v, %v), want stored", raised, err)
	}
}

func TestAcknowledge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Raise(ctx, Alert{ID: "a1", Type: "t", Title: "x"}); err != nil {
		t.Fatalf("Raise() error = %v", err)
	}
	if err := s.Acknowledge(ctx, "a1"); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}

	open, err := s.List(ctx, true, 0)
	if err != nil {
		t.Fatalf("List(open) error = %v", err)
	}
	if len(open) != 0 {
		t.Errorf("acknowledged alert still open: %+v", open)
	}

	all, err := s.List(ctx, false, 0)
	if err != nil {
		t.Fatalf("List(all) error = %v", err)
	}
	if len(all) != 1 || !all[0].Acknowledged {
		t.Errorf("List(all) = %+v", all)
	}

	if err := s.Acknowledge(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Acknowledge(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRaiseValidation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Raise(context.Background(), Alert{Title: "no type"}); err == nil {
		t.Error("Raise without type should fail")
	}
}
