package scheduler

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

type memAgentStore struct{ rows map[string]*store.Agent }

func (m *memAgentStore) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	a, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}
func (m *memAgentStore) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	var out []*store.Agent
	for _, a := range m.rows {
		out = append(out, a)
	}
	return out, nil
}
func (m *memAgentStore) UpdateAgent(ctx context.Context, a *store.Agent) error { return nil }

type memSessionStore struct {
	mu   sync.Mutex
	rows map[string]*store.Session
}

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
	return s, nil
}
func (m *memSessionStore) Update(ctx context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = s
	return nil
}
func (m *memSessionStore) Delete(ctx context.Context, id string) error { return nil }
func (m *memSessionStore) ListActive(ctx context.Context) ([]*store.Session, error) {
	return nil, nil
}
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

type memScheduleStore struct {
	mu         sync.Mutex
	schedules  map[string]*store.Schedule
	executions []*store.ScheduleExecution
}

func (m *memScheduleStore) DueSchedules(ctx context.Context, nowMs int64) ([]*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Schedule
	for _, sc := range m.schedules {
		if sc.Status == "active" && sc.NextRunAt.UnixMilli() <= nowMs {
			out = append(out, sc)
		}
	}
	return out, nil
}
func (m *memScheduleStore) ClaimSchedule(ctx context.Context, id string, nextRunAtMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.schedules[id]
	if !ok {
		return store.ErrNotFound
	}
	sc.NextRunAt = time.UnixMilli(nextRunAtMs)
	sc.ExecutionCount++
	return nil
}
func (m *memScheduleStore) RecordExecution(ctx context.Context, e *store.ScheduleExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, e)
	return nil
}

type memCouncilStore struct {
	mu       sync.Mutex
	councils map[string]*store.Council
	launches map[string]*store.CouncilLaunch
}

func (m *memCouncilStore) GetCouncil(ctx context.Context, id string) (*store.Council, error) {
	c, ok := m.councils[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}
func (m *memCouncilStore) FindCouncilByName(ctx context.Context, name string) (*store.Council, error) {
	for _, c := range m.councils {
		if c.Name == name {
			return c, nil
		}
	}
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
	m.launches[l.ID] = l
	return nil
}
func (m *memCouncilStore) GetLaunch(ctx context.Context, id string) (*store.CouncilLaunch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.launches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return l, nil
}
func (m *memCouncilStore) UpdateLaunch(ctx context.Context, l *store.CouncilLaunch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launches[l.ID] = l
	return nil
}
func (m *memCouncilStore) AppendDiscussionMessage(ctx context.Context, msg *store.DiscussionMessage) error {
	return nil
}
func (m *memCouncilStore) DiscussionMessages(ctx context.Context, launchID string) ([]*store.DiscussionMessage, error) {
	return nil, nil
}

type spawnerFunc func(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error)

func (s spawnerFunc) Spawn(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
	return s(ctx, sess, prompt)
}

func sleepSpawner() procmgr.Spawner {
	return spawnerFunc(func(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", "sleep 0.05")
		if err := cmd.Start(); err != nil {
			return nil, nil, nil, err
		}
		stdoutR, stdoutW := io.Pipe()
		go func() {
			time.Sleep(60 * time.Millisecond)
			stdoutW.Write([]byte(`{"type":"session_exited","exit_code":0}` + "\n"))
			stdoutW.Close()
		}()
		_, stdinW := io.Pipe()
		return cmd, stdinW, stdoutR, nil
	})
}

func newTestScheduler(t *testing.T) (*Scheduler, *memScheduleStore, *memSessionStore) {
	t.Helper()
	agents := &memAgentStore{rows: map[string]*store.Agent{"a1": {ID: "a1", Name: "Agent"}}}
	sessions := &memSessionStore{rows: make(map[string]*store.Session)}
	schedules := &memScheduleStore{schedules: make(map[string]*store.Schedule)}
	councils := &memCouncilStore{councils: make(map[string]*store.Council), launches: make(map[string]*store.CouncilLaunch)}
	stores := &store.Stores{Agents: agents, Sessions: sessions, Schedule: schedules, Council: councils}
	pm := procmgr.New(sleepSpawner(), stores, nil)
	return New(stores, pm, nil, nil, nil, nil), schedules, sessions
}

func TestComputeNextRunAt_IntervalEnforcesCadenceFloor(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	sched := &store.Schedule{IntervalMs: 1000} // 1s, below the 1-minute floor
	from := time.Now()
	next := s.computeNextRunAt(sched, from)
	require.GreaterOrEqual(t, next.Sub(from), minCadence)
}

func TestComputeNextRunAt_CronUsesGronx(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	sched := &store.Schedule{CronExpression: "* * * * *"}
	from := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	next := s.computeNextRunAt(sched, from)
	require.True(t, next.After(from))
	require.LessOrEqual(t, next.Sub(from), 2*time.Minute)
}

func TestBuildPrompt_RejectsOutOfScopeActionTypes(t *testing.T) {
	_, err := buildPrompt(store.ScheduleAction{Type: "review_prs"})
	require.Error(t, err)
}

func TestBuildPrompt_CustomRequiresPrompt(t *testing.T) {
	_, err := buildPrompt(store.ScheduleAction{Type: "custom", Config: map[string]any{}})
	require.Error(t, err)

	text, err := buildPrompt(store.ScheduleAction{Type: "custom", Config: map[string]any{"prompt": "hello"}})
	require.NoError(t, err)
	require.Equal(t, "hello", text)
}

func TestFire_AutoPolicyRunsActionAndRecordsExecution(t *testing.T) {
	s, schedules, sessions := newTestScheduler(t)
	sched := &store.Schedule{
		ID:             "s1",
		AgentID:        "a1",
		Name:           "nightly",
		Status:         "active",
		ApprovalPolicy: "auto",
		Actions:        []store.ScheduleAction{{Type: "custom", Config: map[string]any{"prompt": "do the thing"}}},
	}
	schedules.schedules[sched.ID] = sched

	s.fire(context.Background(), sched)
	time.Sleep(300 * time.Millisecond)

	require.Len(t, schedules.executions, 1)
	require.Equal(t, "completed", schedules.executions[0].Outcome)
	require.Len(t, sessions.rows, 1)
	for _, sess := range sessions.rows {
		require.True(t, sess.SchedulerMode)
	}
}

func TestFire_UnknownApprovalPolicySkipsActions(t *testing.T) {
	s, schedules, sessions := newTestScheduler(t)
	sched := &store.Schedule{
		ID:             "s2",
		AgentID:        "a1",
		Name:           "bogus",
		Status:         "active",
		ApprovalPolicy: "not_a_real_policy",
		Actions:        []store.ScheduleAction{{Type: "custom", Config: map[string]any{"prompt": "do the thing"}}},
	}
	schedules.schedules[sched.ID] = sched

	s.fire(context.Background(), sched)

	require.Empty(t, schedules.executions)
	require.Empty(t, sessions.rows)
}
