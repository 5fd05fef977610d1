// Package subscription turns the Process Manager's fine-grained event
// stream into two higher-level semantic products — an on-chain response
// builder (Consumer A) and a local WebSocket streamer (Consumer B) — without
// duplicating subscriptions for the same (session, consumer-flavour) pair.
package subscription

import (
	"sync"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
)

// Manager tracks at most one Consumer A per (sessionId, participant) and at
// most one Consumer B per sessionId, matching spec.md §4.3's idempotency
// requirement: registering a second consumer of the same flavour for the
// same session is a no-op, though its send-function may be replaced.
type Manager struct {
	pm *procmgr.Manager

	mu   sync.Mutex
	a    map[string]*ConsumerA
	b    map[string]*ConsumerB
}

func NewManager(pm *procmgr.Manager) *Manager {
	return &Manager{
		pm: pm,
		a:  make(map[string]*ConsumerA),
		b:  make(map[string]*ConsumerB),
	}
}

func keyA(sessionID, participant string) string { return sessionID + "|" + participant }

// EnsureConsumerA returns the (possibly pre-existing) Consumer A for the
// pair, replacing its send-functions if it already existed.
func (m *Manager) EnsureConsumerA(sessionID, participant string, feed FeedFunc, final FinalResponseFunc) *ConsumerA {
	key := keyA(sessionID, participant)
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.a[key]; ok {
		existing.Replace(feed, final)
		return existing
	}
	c := NewConsumerA(m.pm, sessionID, participant, feed, final)
	m.a[key] = c
	return c
}

// EnsureConsumerB returns the (possibly pre-existing) Consumer B for the
// session, replacing its send-function if it already existed.
func (m *Manager) EnsureConsumerB(sessionID string, send WSSend) *ConsumerB {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.b[sessionID]; ok {
		existing.Replace(send)
		return existing
	}
	c := NewConsumerB(m.pm, sessionID, send)
	m.b[sessionID] = c
	return c
}

// RemoveConsumerA drops the tracked Consumer A for a pair (called once its
// session_exited handling has unsubscribed it).
func (m *Manager) RemoveConsumerA(sessionID, participant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.a, keyA(sessionID, participant))
}

// RemoveConsumerB drops the tracked Consumer B for a session.
func (m *Manager) RemoveConsumerB(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.b, sessionID)
}
