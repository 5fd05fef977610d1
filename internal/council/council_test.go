package council

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

// memSessionStore is a minimal in-memory store.SessionStore for tests.
type memSessionStore struct {
	mu   sync.Mutex
	rows map[string]*store.Session
}

func newMemSessionStore() *memSessionStore { return &memSessionStore{rows: make(map[string]*store.Session)} }

func (m *memSessionStore) Create(ctx context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.rows[s.ID] = &cp
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
	cp := *s
	m.rows[s.ID] = &cp
	return nil
}
func (m *memSessionStore) Delete(ctx context.Context, id string) error { return nil }
func (m *memSessionStore) ListActive(ctx context.Context) ([]*store.Session, error) { return nil, nil }
func (m *memSessionStore) ListByLaunch(ctx context.Context, launchID string) ([]*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Session
	for _, s := range m.rows {
		if s.CouncilLaunchID == launchID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (m *memSessionStore) AppendMessage(ctx context.Context, msg *store.SessionMessage) error { return nil }
func (m *memSessionStore) LastAssistantMessage(ctx context.Context, sessionID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[sessionID]
	if !ok || s.InitialPrompt == "" {
		return "", false, nil
	}
	return "reply to: " + s.InitialPrompt, true, nil
}
func (m *memSessionStore) Messages(ctx context.Context, sessionID string) ([]*store.SessionMessage, error) {
	return nil, nil
}

// memCouncilStore is a minimal in-memory store.CouncilStore for tests.
type memCouncilStore struct {
	mu        sync.Mutex
	councils  map[string]*store.Council
	launches  map[string]*store.CouncilLaunch
	discussions map[string][]*store.DiscussionMessage
}

func newMemCouncilStore() *memCouncilStore {
	return &memCouncilStore{
		councils:    make(map[string]*store.Council),
		launches:    make(map[string]*store.CouncilLaunch),
		discussions: make(map[string][]*store.DiscussionMessage),
	}
}
func (m *memCouncilStore) GetCouncil(ctx context.Context, id string) (*store.Council, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.councils[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}
func (m *memCouncilStore) FindCouncilByName(ctx context.Context, name string) (*store.Council, error) {
	return nil, store.ErrNotFound
}
func (m *memCouncilStore) CreateCouncil(ctx context.Context, c *store.Council) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.councils[c.ID] = c
	return nil
}
func (m *memCouncilStore) CreateLaunch(ctx context.Context, l *store.CouncilLaunch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.launches[l.ID] = &cp
	return nil
}
func (m *memCouncilStore) GetLaunch(ctx context.Context, id string) (*store.CouncilLaunch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.launches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}
func (m *memCouncilStore) UpdateLaunch(ctx context.Context, l *store.CouncilLaunch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.launches[l.ID] = &cp
	return nil
}
func (m *memCouncilStore) AppendDiscussionMessage(ctx context.Context, msg *store.DiscussionMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discussions[msg.LaunchID] = append(m.discussions[msg.LaunchID], msg)
	return nil
}
func (m *memCouncilStore) DiscussionMessages(ctx context.Context, launchID string) ([]*store.DiscussionMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discussions[launchID], nil
}

type spawnerFunc func(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error)

func (f spawnerFunc) Spawn(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
	return f(ctx, sess, prompt)
}

// sleepSpawner starts a short-lived real child so procmgr's readLoop has a
// genuine process to Wait() on; tests drive events via the stdout pipe.
func sleepSpawner() (procmgr.Spawner, map[string]*io.PipeWriter, *sync.Mutex) {
	var mu sync.Mutex
	writers := make(map[string]*io.PipeWriter)
	spawn := spawnerFunc(func(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", "sleep 5")
		if err := cmd.Start(); err != nil {
			return nil, nil, nil, err
		}
		stdoutR, w := io.Pipe()
		mu.Lock()
		writers[sess.ID] = w
		mu.Unlock()
		_, stdinW := io.Pipe()
		return cmd, stdinW, stdoutR, nil
	})
	return spawn, writers, &mu
}

func testNamer(ctx context.Context, agentID string) string { return "agent-" + agentID }

func newTestEngine(t *testing.T) (*Engine, *memCouncilStore, *memSessionStore, map[string]*io.PipeWriter, []Event) {
	t.Helper()
	spawn, writers, _ := sleepSpawner()
	stores := &store.Stores{Sessions: newMemSessionStore(), Council: newMemCouncilStore()}
	pm := procmgr.New(spawn, stores, nil)

	var events []Event
	var mu sync.Mutex
	emit := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}
	e := New(stores, pm, testNamer, emit, nil)
	return e, stores.Council.(*memCouncilStore), stores.Sessions.(*memSessionStore), writers, events
}

func TestLaunch_SpawnsMembersAndTransitionsToResponding(t *testing.T) {
	e, councils, sessions, _, _ := newTestEngine(t)
	ctx := context.Background()

	council := &store.Council{ID: "c1", Name: "trio", MemberAgentIDs: []string{"a1", "a2"}, DiscussionRounds: 1}
	require.NoError(t, councils.CreateCouncil(ctx, council))

	launch, err := e.Launch(ctx, "c1", "proj-1", "what should we build?")
	require.NoError(t, err)
	require.Equal(t, "responding", launch.Stage)

	all, err := sessions.ListByLaunch(ctx, launch.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestTriggerReview_RejectsWrongStage(t *testing.T) {
	e, councils, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	council := &store.Council{ID: "c1", Name: "trio", MemberAgentIDs: []string{"a1"}, DiscussionRounds: 0}
	require.NoError(t, councils.CreateCouncil(ctx, council))
	launch := &store.CouncilLaunch{ID: "l1", CouncilID: "c1", Stage: "complete"}
	require.NoError(t, councils.CreateLaunch(ctx, launch))

	result, err := e.TriggerReview(ctx, "l1")
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, 400, result.Status)
	require.Contains(t, result.Error, "Cannot review from stage complete")
}

func TestTriggerSynthesis_NoChairmanFails(t *testing.T) {
	e, councils, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	council := &store.Council{ID: "c1", Name: "trio", MemberAgentIDs: []string{"a1"}}
	require.NoError(t, councils.CreateCouncil(ctx, council))
	launch := &store.CouncilLaunch{ID: "l1", CouncilID: "c1", Stage: "reviewing"}
	require.NoError(t, councils.CreateLaunch(ctx, launch))

	result, err := e.TriggerSynthesis(ctx, "l1", false, "")
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, "no chairman", result.Error)
}

func TestAggregateResponses_PrefersReviewerOverMember(t *testing.T) {
	e, _, sessions, _, _ := newTestEngine(t)
	ctx := context.Background()

	member := &store.Session{ID: "s-member", AgentID: "a1", CouncilLaunchID: "l1", CouncilRole: "member", InitialPrompt: "m"}
	reviewer := &store.Session{ID: "s-reviewer", AgentID: "a2", CouncilLaunchID: "l1", CouncilRole: "reviewer", InitialPrompt: "r"}
	require.NoError(t, sessions.Create(ctx, member))
	require.NoError(t, sessions.Create(ctx, reviewer))

	out := e.aggregateResponses(ctx, []*store.Session{member, reviewer})
	require.Contains(t, out, "agent-a2")
	require.NotContains(t, out, "agent-a1")
}

func TestFinishWithAggregatedSynthesis_ConcatenatesWithSeparators(t *testing.T) {
	e, councils, sessions, _, _ := newTestEngine(t)
	ctx := context.Background()

	launch := &store.CouncilLaunch{ID: "l1", CouncilID: "c1", Stage: "reviewing"}
	require.NoError(t, councils.CreateLaunch(ctx, launch))
	s1 := &store.Session{ID: "s1", AgentID: "a1", CouncilLaunchID: "l1", CouncilRole: "member", InitialPrompt: "p1"}
	s2 := &store.Session{ID: "s2", AgentID: "a2", CouncilLaunchID: "l1", CouncilRole: "member", InitialPrompt: "p2"}
	require.NoError(t, sessions.Create(ctx, s1))
	require.NoError(t, sessions.Create(ctx, s2))

	result, err := e.FinishWithAggregatedSynthesis(ctx, "l1")
	require.NoError(t, err)
	require.True(t, result.OK)

	updated, err := councils.GetLaunch(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, "complete", updated.Stage)
	require.Contains(t, updated.Synthesis, "---")
}

func TestFail_SetsErrorAndFailedStage(t *testing.T) {
	e, councils, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	launch := &store.CouncilLaunch{ID: "l1", CouncilID: "c1", Stage: "discussing"}
	require.NoError(t, councils.CreateLaunch(ctx, launch))

	e.Fail(ctx, "l1", "boom")

	updated, err := councils.GetLaunch(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, "failed", updated.Stage)
	require.Equal(t, "boom", updated.Error)
}
