package procmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

// fakeSpawner gives the test direct access to the stdout writer so it can
// push synthetic events into the read loop.
type fakeSpawner struct {
	stdoutW *io.PipeWriter
	cmd     *exec.Cmd
}

func newFakeSpawnerPair(ctx context.Context) (*fakeSpawner, Spawner) {
	fs := &fakeSpawner{}
	spawn := spawnerFunc(func(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", "sleep 5")
		if err := cmd.Start(); err != nil {
			return nil, nil, nil, err
		}
		stdoutR, stdoutW := io.Pipe()
		_, stdinW := io.Pipe()
		fs.stdoutW = stdoutW
		fs.cmd = cmd
		return cmd, stdinW, stdoutR, nil
	})
	return fs, spawn
}

type spawnerFunc func(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error)

func (f spawnerFunc) Spawn(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
	return f(ctx, sess, prompt)
}

func (fs *fakeSpawner) emit(t *testing.T, ev Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	_, err = fs.stdoutW.Write(append(data, '\n'))
	require.NoError(t, err)
}

func newTestManager(spawner Spawner) *Manager {
	stores := &store.Stores{Sessions: newMemSessionStore()}
	return New(spawner, stores, nil)
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
func (m *memSessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}
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

func TestStartProcess_RejectsDuplicateStart(t *testing.T) {
	_, spawner := newFakeSpawnerPair(context.Background())
	m := newTestManager(spawner)
	sess := &store.Session{ID: "s1", WorkDir: "."}
	require.NoError(t, m.stores.Sessions.Create(context.Background(), sess))

	require.NoError(t, m.StartProcess(context.Background(), sess, "hi", "addr1"))
	err := m.StartProcess(context.Background(), sess, "hi again", "addr1")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	m.StopProcess(sess.ID)
}

func TestSendMessage_FalseWhenNotRunning(t *testing.T) {
	_, spawner := newFakeSpawnerPair(context.Background())
	m := newTestManager(spawner)
	require.False(t, m.SendMessage("does-not-exist", "hello"))
}

func TestFanOut_DeliversToSessionAndGlobalSubscribers(t *testing.T) {
	fs, spawner := newFakeSpawnerPair(context.Background())
	m := newTestManager(spawner)
	sess := &store.Session{ID: "s2", WorkDir: "."}
	require.NoError(t, m.stores.Sessions.Create(context.Background(), sess))
	require.NoError(t, m.StartProcess(context.Background(), sess, "hi", ""))

	var perSession, global []Event
	var mu sync.Mutex
	_, ok := m.Subscribe(sess.ID, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		perSession = append(perSession, e)
	})
	require.True(t, ok)
	m.SubscribeAll(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		global = append(global, e)
	})

	fs.emit(t, Event{Type: protocol.EventAssistant})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(perSession) == 1 && len(global) == 1
	}, time.Second, 10*time.Millisecond)

	m.StopProcess(sess.ID)
}

func TestApprovalRegistry_ResolveByPosition(t *testing.T) {
	r := newApprovalRegistry()
	var resolved []string
	for i := 0; i < 3; i++ {
		idx := i
		r.register("s1", "bash", func(d Decision, addr string) {
			resolved = append(resolved, fmt.Sprintf("%d:%v", idx, d))
		})
	}
	require.True(t, r.resolveByPosition(1, DecisionApprove, "owner"))
	require.Len(t, resolved, 1)
	require.Equal(t, "0:1", resolved[0])
}

func TestCreditPolicy_Cost(t *testing.T) {
	p := CreditPolicy{PerTurn: 2.1, Extras: 3}
	require.Equal(t, int64(6), p.Cost())
}
