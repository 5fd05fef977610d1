// Package procmgr implements the Process Manager: it owns every running
// agent sub-process, multiplexes its stdout event stream to subscribers,
// enforces per-session inactivity timeouts, intercepts tool-approval
// requests, and records cost/credit accounting on each completed turn.
//
// Grounded on the teacher's long-running-CLI-subprocess pattern (stdin/stdout
// pipes, a per-session NDJSON read loop, a subscriber fan-out keyed by
// channel) adapted from a single-process chat session into a supervisor of
// many concurrent agent sessions, one per spec.md Session row.
package procmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

const (
	defaultInactivityTimeout = 15 * time.Minute
	shutdownGracePeriod      = 10 * time.Second
	stdoutScannerBufSize     = 1024 * 1024
)

// ErrAlreadyRunning is returned by StartProcess when a child is already
// running for the given session id.
var ErrAlreadyRunning = fmt.Errorf("procmgr: session already running")

// Spawner launches the child process for a session. The teacher's
// os/exec.CommandContext call is wrapped behind this interface so tests can
// substitute a fake binary without touching the real agent CLI.
type Spawner interface {
	Spawn(ctx context.Context, sess *store.Session, prompt string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error)
}

// process is the in-memory state of one running (or just-exited) child.
type process struct {
	sessionID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	cancel    context.CancelFunc

	mu      sync.Mutex
	subs    map[uint64]Callback
	timer   *time.Timer
	stopped bool // true once StopProcess cancelled this process deliberately
	timedOut bool // true once the inactivity timeout cancelled this process

	address string // originating caller address, for credit accounting
}

// Manager is the Process Manager.
type Manager struct {
	spawner Spawner
	stores  *store.Stores
	logger  *slog.Logger

	ownerCheck   OwnerCheck
	creditPolicy CreditPolicy
	mcpServices  map[string]any

	approvals *approvalRegistry

	mu        sync.RWMutex
	processes map[string]*process
	globalSubs map[uint64]Callback
	nextSubID  uint64

	inactivityTimeout time.Duration
}

// New constructs a Process Manager. spawner is required; stores may be a
// fully-wired *store.Stores or one with only Sessions/Credit set.
func New(spawner Spawner, stores *store.Stores, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		spawner:           spawner,
		stores:            stores,
		logger:            logger,
		approvals:         newApprovalRegistry(),
		processes:         make(map[string]*process),
		globalSubs:        make(map[uint64]Callback),
		inactivityTimeout: defaultInactivityTimeout,
	}
}

// SetOwnerCheck injects the owner-address predicate used to skip credit
// effects for the operator's own sessions. Approval interception does not
// consult it.
func (m *Manager) SetOwnerCheck(fn OwnerCheck) { m.ownerCheck = fn }

// SetCreditPolicy injects the per-turn credit pricing.
func (m *Manager) SetCreditPolicy(p CreditPolicy) { m.creditPolicy = p }

// SetMcpServices injects the tool registries sub-processes are configured
// against at spawn time. The Process Manager treats these opaquely — it
// hands them to the Spawner, it never dispatches tool calls itself.
func (m *Manager) SetMcpServices(services map[string]any) { m.mcpServices = services }

// IsRunning reports whether a child is currently running for sessionID.
func (m *Manager) IsRunning(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processes[sessionID]
	return ok
}

// GetActiveSessionIds returns every session id with a running child.
func (m *Manager) GetActiveSessionIds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	return ids
}

// StartProcess launches a new child for sess. Fails with ErrAlreadyRunning
// if one is already running for sess.ID, and propagates spawn errors
// synchronously without emitting any event.
func (m *Manager) StartProcess(ctx context.Context, sess *store.Session, initialPrompt, address string) error {
	m.mu.Lock()
	if _, exists := m.processes[sess.ID]; exists {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	// Reserve the slot before spawning so concurrent StartProcess calls for
	// the same id race safely: the second one always sees the reservation.
	m.processes[sess.ID] = &process{sessionID: sess.ID}
	m.mu.Unlock()

	procCtx, cancel := context.WithCancel(ctx)
	cmd, stdin, stdout, err := m.spawner.Spawn(procCtx, sess, initialPrompt)
	if err != nil {
		cancel()
		m.mu.Lock()
		delete(m.processes, sess.ID)
		m.mu.Unlock()
		sess.Status = protocol.SessionStatusError
		if m.stores.Sessions != nil {
			_ = m.stores.Sessions.Update(ctx, sess)
		}
		return fmt.Errorf("spawn process: %w", err)
	}

	p := &process{
		sessionID: sess.ID,
		cmd:       cmd,
		stdin:     stdin,
		cancel:    cancel,
		subs:      make(map[uint64]Callback),
		address:   address,
	}
	m.mu.Lock()
	m.processes[sess.ID] = p
	m.mu.Unlock()

	pid := cmd.Process.Pid
	sess.Status = protocol.SessionStatusRunning
	sess.PID = &pid
	if m.stores.Sessions != nil {
		_ = m.stores.Sessions.Update(ctx, sess)
	}

	p.armTimer(m.inactivityTimeout, func() { m.onInactivityTimeout(sess.ID) })

	go m.readLoop(procCtx, p, stdout)

	return nil
}

// ResumeProcess restarts a sub-process for a previously stopped session.
// Context replay (the CLI session id / transcript resume mechanism) is the
// Spawner's concern, not the Process Manager's.
func (m *Manager) ResumeProcess(ctx context.Context, sess *store.Session, nextPrompt, address string) error {
	return m.StartProcess(ctx, sess, nextPrompt, address)
}

// SendMessage writes text to the child's stdin iff one is running for
// sessionID. Returns false without error if it is not running or the write
// fails; there is no retry.
func (m *Manager) SendMessage(sessionID, text string) bool {
	m.mu.RLock()
	p, ok := m.processes[sessionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return false
	}
	_, err := stdin.Write(append([]byte(text), '\n'))
	return err == nil
}

// StopProcess cancels the child for sessionID, which causes a terminal
// session_exited event to reach its subscribers via the read loop's exit
// path.
func (m *Manager) StopProcess(sessionID string) {
	m.mu.RLock()
	p, ok := m.processes[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.stopped = true
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
}

// ExtendTimeout adds additionalMs to the inactivity deadline. Succeeds only
// while the session is running.
func (m *Manager) ExtendTimeout(sessionID string, additionalMs int64) bool {
	m.mu.RLock()
	p, ok := m.processes[sessionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer == nil {
		return false
	}
	p.timer.Reset(m.inactivityTimeout + time.Duration(additionalMs)*time.Millisecond)
	return true
}

// Subscribe registers a per-session observer and returns an id for Unsubscribe.
func (m *Manager) Subscribe(sessionID string, cb Callback) (uint64, bool) {
	m.mu.RLock()
	p, ok := m.processes[sessionID]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	id := m.allocSubID()
	p.mu.Lock()
	p.subs[id] = cb
	p.mu.Unlock()
	return id, true
}

// Unsubscribe removes a per-session observer registered via Subscribe.
func (m *Manager) Unsubscribe(sessionID string, id uint64) {
	m.mu.RLock()
	p, ok := m.processes[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	p.mu.Lock()
	delete(p.subs, id)
	p.mu.Unlock()
}

// SubscribeAll registers an observer across every session and returns an id
// for UnsubscribeAll.
func (m *Manager) SubscribeAll(cb Callback) uint64 {
	id := m.allocSubID()
	m.mu.Lock()
	m.globalSubs[id] = cb
	m.mu.Unlock()
	return id
}

// UnsubscribeAll removes a global observer registered via SubscribeAll.
func (m *Manager) UnsubscribeAll(id uint64) {
	m.mu.Lock()
	delete(m.globalSubs, id)
	m.mu.Unlock()
}

func (m *Manager) allocSubID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	return m.nextSubID
}

// fanOut delivers ev to sessionID's subscribers and every global subscriber.
// Subscriber maps are copied under lock before invocation so callbacks never
// run while holding a manager or process mutex (matches the teacher's
// copy-before-iterate fanOut pattern).
func (m *Manager) fanOut(p *process, ev Event) {
	p.mu.Lock()
	perSession := make([]Callback, 0, len(p.subs))
	for _, cb := range p.subs {
		perSession = append(perSession, cb)
	}
	p.mu.Unlock()

	m.mu.RLock()
	global := make([]Callback, 0, len(m.globalSubs))
	for _, cb := range m.globalSubs {
		global = append(global, cb)
	}
	m.mu.RUnlock()

	for _, cb := range perSession {
		cb(ev)
	}
	for _, cb := range global {
		cb(ev)
	}
}

func (p *process) armTimer(d time.Duration, onExpire func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = time.AfterFunc(d, onExpire)
}

func (p *process) rearmTimer(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Reset(d)
	}
}

func (p *process) stopTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}

// readLoop consumes newline-delimited JSON events from the child's stdout,
// recognising the types in pkg/protocol to arm the timer, intercept
// approvals, and account credits, forwarding every event to subscribers.
func (m *Manager) readLoop(ctx context.Context, p *process, stdout io.ReadCloser) {
	defer stdout.Close()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), stdoutScannerBufSize)

	sawEvent := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			m.logger.Warn("procmgr: malformed event line", "session_id", p.sessionID, "error", err)
			continue
		}
		sawEvent = true
		ev.SessionID = p.sessionID

		if ev.isActivity() {
			p.rearmTimer(m.inactivityTimeout)
		}

		switch ev.Type {
		case protocol.EventApprovalRequest:
			m.handleApprovalRequest(p, ev)
		case protocol.EventResult:
			m.handleResult(ctx, p, ev)
		}

		m.fanOut(p, ev)
	}

	p.stopTimer()
	m.approvals.cancelSession(p.sessionID)

	exitCode := 0
	if err := p.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	m.mu.Lock()
	delete(m.processes, p.sessionID)
	m.mu.Unlock()

	p.mu.Lock()
	stopped := p.stopped
	timedOut := p.timedOut
	p.mu.Unlock()

	// Distinguish an owner-initiated stop or clean exit (terminal "stopped")
	// from a crash, malformed spawn, or inactivity timeout ("error") — both
	// are in spec's terminal status set, but only one means nothing went wrong.
	sessionStatus := protocol.SessionStatusStopped
	reason := "completed"
	switch {
	case timedOut:
		sessionStatus, reason = protocol.SessionStatusError, "timeout"
	case stopped:
		sessionStatus, reason = protocol.SessionStatusStopped, "stopped"
	case !sawEvent:
		sessionStatus, reason = protocol.SessionStatusError, "spawn_exit_before_events"
	case exitCode != 0:
		sessionStatus, reason = protocol.SessionStatusError, "crashed"
	}

	m.fanOut(p, Event{Type: protocol.EventSessionExited, SessionID: p.sessionID, ExitCode: exitCode, Status: reason})

	if m.stores.Sessions != nil {
		if sess, err := m.stores.Sessions.Get(ctx, p.sessionID); err == nil {
			sess.Status = sessionStatus
			sess.PID = nil
			_ = m.stores.Sessions.Update(ctx, sess)
		}
	}
}

func (m *Manager) onInactivityTimeout(sessionID string) {
	m.mu.RLock()
	p, ok := m.processes[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.logger.Info("procmgr: session inactivity timeout", "session_id", sessionID)
	p.mu.Lock()
	p.timedOut = true
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
}

func (m *Manager) handleApprovalRequest(p *process, ev Event) {
	m.approvals.register(ev.SessionID, ev.ApprovalTool, func(decision Decision, senderAddress string) {
		approve := decision == DecisionApprove
		payload, _ := json.Marshal(map[string]any{
			"type":             "approval_response",
			"approval_short_id": ev.ApprovalShortID,
			"approved":          approve,
			"resolved_by":       senderAddress,
		})
		m.SendMessage(p.sessionID, string(payload))
	})
}

func (m *Manager) handleResult(ctx context.Context, p *process, ev Event) {
	if m.stores.Sessions == nil {
		return
	}
	sess, err := m.stores.Sessions.Get(ctx, p.sessionID)
	if err != nil {
		return
	}
	sess.TotalCostUsd += ev.CostUSD
	sess.TotalTurns++
	_ = m.stores.Sessions.Update(ctx, sess)

	m.chargeForTurn(ctx, p.address)
}

// SessionOriginAddress returns the caller address a running session was
// started on behalf of, the address an approval-response sender must match
// (spec.md §4.5: "verifying the sender address matches the one registered
// when the request was emitted").
func (m *Manager) SessionOriginAddress(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.processes[sessionID]
	if !ok {
		return "", false
	}
	return p.address, true
}

// PendingApprovals returns a snapshot of every outstanding tool approval,
// in FIFO order.
func (m *Manager) PendingApprovals() []ApprovalInfo {
	return m.approvals.snapshot()
}

// PendingApprovalCount reports how many approvals are currently outstanding,
// the signal the AlgoChat bridge's fast-poll timer watches.
func (m *Manager) PendingApprovalCount() int {
	return m.approvals.count()
}

// ResolveByShortID resolves a pending tool approval by its short id.
func (m *Manager) ResolveByShortID(shortID string, decision Decision, senderAddress string) bool {
	return m.approvals.resolveByShortID(shortID, decision, senderAddress)
}

// ResolveByPosition resolves the Nth pending approval in FIFO order (1-indexed).
func (m *Manager) ResolveByPosition(position int, decision Decision, senderAddress string) bool {
	return m.approvals.resolveByPosition(position, decision, senderAddress)
}

// Shutdown stops all timers, cancels every running child (SIGTERM via the
// context passed to exec.CommandContext), waits up to a grace period for
// session_exited, then lets the OS reap stragglers.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	procs := make([]*process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.mu.RUnlock()

	for _, p := range procs {
		p.stopTimer()
		p.mu.Lock()
		if p.cancel != nil {
			p.cancel()
		}
		p.mu.Unlock()
	}

	deadline := time.After(shutdownGracePeriod)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.RLock()
		remaining := len(m.processes)
		m.mu.RUnlock()
		if remaining == 0 {
			return
		}
		select {
		case <-deadline:
			m.logger.Warn("procmgr: shutdown grace period elapsed with sessions still exiting", "remaining", remaining)
			return
		case <-ticker.C:
		}
	}
}
