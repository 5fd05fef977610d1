package workflow

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
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

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
	return "final answer", true, nil
}
func (m *memSessionStore) Messages(ctx context.Context, sessionID string) ([]*store.SessionMessage, error) {
	return nil, nil
}

type memWorkflowStore struct {
	mu        sync.Mutex
	workflows map[string]*store.Workflow
	runs      map[string]*store.WorkflowRun
	nodeRuns  map[string]*store.WorkflowNodeRun // keyed by runID+"/"+nodeID
}

func newMemWorkflowStore() *memWorkflowStore {
	return &memWorkflowStore{
		workflows: make(map[string]*store.Workflow),
		runs:      make(map[string]*store.WorkflowRun),
		nodeRuns:  make(map[string]*store.WorkflowNodeRun),
	}
}

func (m *memWorkflowStore) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w, nil
}
func (m *memWorkflowStore) CreateRun(ctx context.Context, r *store.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}
func (m *memWorkflowStore) GetRun(ctx context.Context, id string) (*store.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	cp.CurrentNodeIDs = append([]string(nil), r.CurrentNodeIDs...)
	return &cp, nil
}
func (m *memWorkflowStore) UpdateRun(ctx context.Context, r *store.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}
func (m *memWorkflowStore) CreateNodeRun(ctx context.Context, nr *store.WorkflowNodeRun) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := nr.RunID + "/" + nr.NodeID
	if _, exists := m.nodeRuns[key]; exists {
		return false, nil
	}
	m.nodeRuns[key] = nr
	return true, nil
}
func (m *memWorkflowStore) GetNodeRun(ctx context.Context, runID, nodeID string) (*store.WorkflowNodeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nr, ok := m.nodeRuns[runID+"/"+nodeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return nr, nil
}
func (m *memWorkflowStore) UpdateNodeRun(ctx context.Context, nr *store.WorkflowNodeRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeRuns[nr.RunID+"/"+nr.NodeID] = nr
	return nil
}
func (m *memWorkflowStore) NodeRunsByRun(ctx context.Context, runID string) ([]*store.WorkflowNodeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.WorkflowNodeRun
	for _, nr := range m.nodeRuns {
		if nr.RunID == runID {
			out = append(out, nr)
		}
	}
	return out, nil
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

func newTestEngine(t *testing.T) (*Engine, *memWorkflowStore) {
	t.Helper()
	sessions := &memSessionStore{rows: make(map[string]*store.Session)}
	wfStore := newMemWorkflowStore()
	stores := &store.Stores{Sessions: sessions, Workflow: wfStore}
	pm := procmgr.New(sleepSpawner(), stores, nil)
	eng, err := New(stores, pm, nil, nil)
	require.NoError(t, err)
	return eng, wfStore
}

func TestConditionEvaluator_EmptyConditionAlwaysFires(t *testing.T) {
	cond, err := newConditionEvaluator()
	require.NoError(t, err)
	fired, err := cond.evaluate("", map[string]any{})
	require.NoError(t, err)
	require.True(t, fired)
}

func TestConditionEvaluator_EvaluatesAgainstOutput(t *testing.T) {
	cond, err := newConditionEvaluator()
	require.NoError(t, err)

	fired, err := cond.evaluate(`output.status == "ok"`, map[string]any{"status": "ok"})
	require.NoError(t, err)
	require.True(t, fired)

	fired, err = cond.evaluate(`output.status == "ok"`, map[string]any{"status": "fail"})
	require.NoError(t, err)
	require.False(t, fired)
}

func TestConditionEvaluator_NonBoolResultIsAnError(t *testing.T) {
	cond, err := newConditionEvaluator()
	require.NoError(t, err)
	_, err = cond.evaluate(`output.status`, map[string]any{"status": "ok"})
	require.Error(t, err)
}

func TestTriggerWorkflow_RequiresAStartNode(t *testing.T) {
	eng, wfStore := newTestEngine(t)
	wfStore.workflows["w1"] = &store.Workflow{
		ID:    "w1",
		Nodes: []store.WorkflowNode{{ID: "n1", Type: "wait"}},
	}
	_, err := eng.TriggerWorkflow(context.Background(), "w1", nil)
	require.Error(t, err)
}

func TestTriggerWorkflow_RunsStartThroughWaitToCompletion(t *testing.T) {
	eng, wfStore := newTestEngine(t)
	wfStore.workflows["w1"] = &store.Workflow{
		ID:             "w1",
		MaxConcurrency: 2,
		Nodes: []store.WorkflowNode{
			{ID: "start", Type: "start"},
			{ID: "hold", Type: "wait", Config: map[string]any{"durationMs": float64(10)}},
		},
		Edges: []store.WorkflowEdge{
			{ID: "e1", Source: "start", Target: "hold"},
		},
	}

	run, err := eng.TriggerWorkflow(context.Background(), "w1", map[string]any{"seed": 1})
	require.NoError(t, err)
	require.Equal(t, protocol.WorkflowRunStatusRunning, run.Status)

	require.Eventually(t, func() bool {
		got, err := wfStore.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		return got.Status == protocol.WorkflowRunStatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	nodeRuns, err := wfStore.NodeRunsByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, nodeRuns, 2)
	for _, nr := range nodeRuns {
		require.Equal(t, protocol.NodeRunStatusCompleted, nr.Status)
	}
}

func TestTriggerWorkflow_BranchConditionSkipsFalseEdge(t *testing.T) {
	eng, wfStore := newTestEngine(t)
	wfStore.workflows["w1"] = &store.Workflow{
		ID: "w1",
		Nodes: []store.WorkflowNode{
			{ID: "start", Type: "start"},
			{ID: "onTrue", Type: "wait", Config: map[string]any{"durationMs": float64(5)}},
			{ID: "onFalse", Type: "wait", Config: map[string]any{"durationMs": float64(5)}},
		},
		Edges: []store.WorkflowEdge{
			{ID: "e1", Source: "start", Target: "onTrue", Condition: `output.seed == 1`},
			{ID: "e2", Source: "start", Target: "onFalse", Condition: `output.seed == 2`},
		},
	}

	run, err := eng.TriggerWorkflow(context.Background(), "w1", map[string]any{"seed": 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := wfStore.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		return got.Status == protocol.WorkflowRunStatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	nodeRuns, err := wfStore.NodeRunsByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, nodeRuns, 2) // start + onTrue only; onFalse's edge never fired
	for _, nr := range nodeRuns {
		require.NotEqual(t, "onFalse", nr.NodeID)
	}
}

func TestTriggerWorkflow_FailedNodeFailsTheRun(t *testing.T) {
	eng, wfStore := newTestEngine(t)
	wfStore.workflows["w1"] = &store.Workflow{
		ID: "w1",
		Nodes: []store.WorkflowNode{
			{ID: "start", Type: "start"},
			{ID: "broken", Type: "agent_session"}, // missing agentId -> executor error
		},
		Edges: []store.WorkflowEdge{
			{ID: "e1", Source: "start", Target: "broken"},
		},
	}

	run, err := eng.TriggerWorkflow(context.Background(), "w1", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := wfStore.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		return got.Status == protocol.WorkflowRunStatusFailed
	}, 3*time.Second, 20*time.Millisecond)
}
