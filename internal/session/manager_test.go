package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerRegisterGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Register("", "10.0.0.1:5555", "default")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	if err := m.SetState(s.ID, "active"); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Preset != "default" || got.State != "active" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}

	ended, err := m.End(s.ID, "client_closed")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded || ended.EndReason != "client_closed" || ended.EndedAt.IsZero() {
		t.Fatalf("ended = %+v, want ended with reason", ended)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerUnknownSession(t *testing.T) {
	m := NewManager(time.Minute)
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if err := m.SetState("missing", "active"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetState() error = %v, want ErrNotFound", err)
	}
	if _, err := m.End("missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("End() error = %v, want ErrNotFound", err)
	}
}

func TestManagerListNewestFirst(t *testing.T) {
	m := NewManager(time.Minute)
	first := m.Register("a", "", "default")
	time.Sleep(2 * time.Millisecond)
	second := m.Register("b", "", "companion")

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("List() order = [%s %s], want [b a]", list[0].ID, list[1].ID)
	}
}

func TestManagerJanitorPrunesEnded(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	live := m.Register("live", "", "default")
	gone := m.Register("gone", "", "default")
	if _, err := m.End(gone.ID, "upstream_closed"); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	var pruned atomic.Int32
	m.SetPruneHook(func(*Session) { pruned.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	if _, err := m.Get(gone.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(ended) error = %v, want ErrNotFound after retention", err)
	}
	if _, err := m.Get(live.ID); err != nil {
		t.Fatalf("Get(live) error = %v", err)
	}
	if pruned.Load() != 1 {
		t.Fatalf("prune hook calls = %d, want 1", pruned.Load())
	}
}
