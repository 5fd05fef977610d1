package subscription

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

type spawnerFunc func(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error)

func (f spawnerFunc) Spawn(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
	return f(ctx, sess, prompt)
}

// memSessionStore is a minimal in-memory store.SessionStore for tests.
type memSessionStore struct {
	mu   sync.Mutex
	rows map[string]*store.Session
}

func newMemSessionStore() *memSessionStore { return &memSessionStore{rows: make(map[string]*store.Session)} }
func (m *memSessionStore) Create(ctx context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = s
	return nil
}
func (m *memSessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}
func (m *memSessionStore) Update(ctx context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = s
	return nil
}
func (m *memSessionStore) Delete(ctx context.Context, id string) error { return nil }
func (m *memSessionStore) ListActive(ctx context.Context) ([]*store.Session, error) { return nil, nil }
func (m *memSessionStore) ListByLaunch(ctx context.Context, launchID string) ([]*store.Session, error) {
	return nil, nil
}
func (m *memSessionStore) AppendMessage(ctx context.Context, msg *store.SessionMessage) error {
	return nil
}
func (m *memSessionStore) LastAssistantMessage(ctx context.Context, sessionID string) (string, bool, error) {
	return "", false, nil
}
func (m *memSessionStore) Messages(ctx context.Context, sessionID string) ([]*store.SessionMessage, error) {
	return nil, nil
}

func startFakeSession(t *testing.T) (*procmgr.Manager, string, func(procmgr.Event)) {
	t.Helper()
	var stdoutW *io.PipeWriter
	spawn := spawnerFunc(func(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", "sleep 5")
		require.NoError(t, cmd.Start())
		stdoutR, w := io.Pipe()
		stdoutW = w
		_, stdinW := io.Pipe()
		return cmd, stdinW, stdoutR, nil
	})

	stores := &store.Stores{Sessions: newMemSessionStore()}
	pm := procmgr.New(spawn, stores, nil)
	sess := &store.Session{ID: "sess-1", WorkDir: "."}
	require.NoError(t, stores.Sessions.Create(context.Background(), sess))
	require.NoError(t, pm.StartProcess(context.Background(), sess, "hi", ""))

	emit := func(ev procmgr.Event) {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		_, err = stdoutW.Write(append(data, '\n'))
		require.NoError(t, err)
	}
	return pm, sess.ID, emit
}

func TestConsumerA_FinalResponseOnSessionExited(t *testing.T) {
	pm, sessionID, emit := startFakeSession(t)

	var feedPosts []string
	var final string
	var mu sync.Mutex
	mgr := NewManager(pm)
	mgr.EnsureConsumerA(sessionID, "participant1", func(s string) {
		mu.Lock()
		defer mu.Unlock()
		feedPosts = append(feedPosts, s)
	}, func(text string) {
		mu.Lock()
		defer mu.Unlock()
		final = text
	})

	emit(procmgr.Event{Type: protocol.EventContentBlockStart, Block: protocol.BlockTypeText})
	emit(procmgr.Event{Type: protocol.EventContentBlockDelta, Text: "hello "})
	emit(procmgr.Event{Type: protocol.EventContentBlockDelta, Text: "world"})
	emit(procmgr.Event{Type: protocol.EventContentBlockStop})
	emit(procmgr.Event{Type: protocol.EventResult})
	emit(procmgr.Event{Type: protocol.EventSessionExited})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return final == "hello world"
	}, time.Second, 10*time.Millisecond)
}

func TestConsumerA_Idempotent(t *testing.T) {
	pm, sessionID, _ := startFakeSession(t)
	mgr := NewManager(pm)

	c1 := mgr.EnsureConsumerA(sessionID, "p1", func(string) {}, func(string) {})
	c2 := mgr.EnsureConsumerA(sessionID, "p1", func(string) {}, func(string) {})
	require.Same(t, c1, c2)
}

func TestConsumerB_StreamsChunksAndTurnComplete(t *testing.T) {
	pm, sessionID, emit := startFakeSession(t)

	var msgs []string
	var mu sync.Mutex
	mgr := NewManager(pm)
	mgr.EnsureConsumerB(sessionID, func(msgType string, payload map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		msgs = append(msgs, msgType)
	})

	emit(procmgr.Event{Type: protocol.EventAssistant})
	emit(procmgr.Event{Type: protocol.EventContentBlockDelta, Text: "chunk"})
	emit(procmgr.Event{Type: protocol.EventResult})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			if m == "turn_complete" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
