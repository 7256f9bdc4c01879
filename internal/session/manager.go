package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is the registry view of one relay session.
type Session struct {
	ID             string    `json:"session_id"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	Preset         string    `json:"preset"`
	State          string    `json:"state"`
	Status         Status    `json:"status"`
	EndReason      string    `json:"end_reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
}

// Manager tracks live relay sessions. Ended sessions stay visible for the
// retention window and are then pruned by the janitor.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	retention time.Duration
	onPrune   func(*Session)
}

func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 2 * time.Minute
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		retention: retention,
	}
}

func (m *Manager) SetPruneHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPrune = hook
}

// Register adds a live session. An empty id gets a generated one.
func (m *Manager) Register(id, remoteAddr, preset string) *Session {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	s := &Session{
		ID:             id,
		RemoteAddr:     remoteAddr,
		Preset:         preset,
		State:          "connecting",
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// SetState records the latest relay state of a session.
func (m *Manager) SetState(sessionID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.State = state
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID, reason string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	s.Status = StatusEnded
	s.EndReason = reason
	s.LastActivityAt = now
	s.EndedAt = now
	return clone(s), nil
}

// List returns live and recently ended sessions, newest first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.pruneEnded()
			}
		}
	}()
}

func (m *Manager) pruneEnded() {
	now := time.Now().UTC()
	var pruned []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status != StatusEnded {
			continue
		}
		if now.Sub(s.EndedAt) < m.retention {
			continue
		}
		pruned = append(pruned, clone(s))
		delete(m.sessions, id)
	}
	hook := m.onPrune
	m.mu.Unlock()

	if hook != nil {
		for _, s := range pruned {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
