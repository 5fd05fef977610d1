// Package scheduler implements the Scheduler (spec.md §4.6): a 1-second
// tick that fires due cron/interval Schedule rows into the Process Manager,
// gated by each schedule's approvalPolicy.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/council"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

const (
	tickInterval        = 1 * time.Second
	minCadence           = time.Minute
	starReposTimeout     = 10 * time.Minute
	customTimeout        = 30 * time.Minute
	councilApprovalPoll  = 2 * time.Second
	councilApprovalLimit = 10 * time.Minute
)

// OwnerAsker is the narrow slice of the Notification/Ask-Owner Bus the
// Scheduler needs for approvalPolicy=owner_approve.
type OwnerAsker interface {
	AskOwner(ctx context.Context, question string, timeout time.Duration) (approved bool, err error)
}

// EmitFunc publishes a schedule_update/schedule_execution_update/
// schedule_approval_request event (spec.md §6). kind is one of
// protocol.MsgSchedule*.
type EmitFunc func(kind string, detail map[string]any)

// Scheduler drives every active Schedule row.
type Scheduler struct {
	stores *store.Stores
	pm     *procmgr.Manager
	engine *council.Engine
	owner  OwnerAsker
	emit   EmitFunc
	logger *slog.Logger
}

func New(stores *store.Stores, pm *procmgr.Manager, engine *council.Engine, owner OwnerAsker, emit EmitFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	return &Scheduler{stores: stores, pm: pm, engine: engine, owner: owner, emit: emit, logger: logger}
}

// Run drives the tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.recoverMissedWindows(ctx)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// recoverMissedWindows advances any schedule whose nextRunAt already passed
// before this process started, without back-filling the missed window
// (spec.md §4.6's documented recovery behavior).
func (s *Scheduler) recoverMissedWindows(ctx context.Context) {
	now := time.Now()
	due, err := s.stores.Schedule.DueSchedules(ctx, now.UnixMilli())
	if err != nil {
		s.logger.Error("scheduler: recovery query failed", "error", err)
		return
	}
	for _, sched := range due {
		next := s.computeNextRunAt(sched, now)
		if err := s.stores.Schedule.ClaimSchedule(ctx, sched.ID, next.UnixMilli()); err != nil {
			s.logger.Error("scheduler: recovery claim failed", "id", sched.ID, "error", err)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.stores.Schedule.DueSchedules(ctx, now.UnixMilli())
	if err != nil {
		s.logger.Error("scheduler: due-schedule query failed", "error", err)
		return
	}
	for _, sched := range due {
		// Claim (advance nextRunAt) before doing any work so a slow-running
		// fire can never overlap with the next tick re-selecting the same
		// row (spec.md §4.6: "snapshot and mark claimed... atomically").
		next := s.computeNextRunAt(sched, now)
		if err := s.stores.Schedule.ClaimSchedule(ctx, sched.ID, next.UnixMilli()); err != nil {
			s.logger.Error("scheduler: claim failed", "id", sched.ID, "error", err)
			continue
		}
		go s.fire(context.Background(), sched)
	}
}

// computeNextRunAt implements spec.md §4.6's cadence rules, enforcing the
// minimum-cadence floor for interval schedules.
func (s *Scheduler) computeNextRunAt(sched *store.Schedule, from time.Time) time.Time {
	if sched.CronExpression != "" {
		next, err := gronx.NextTickAfter(sched.CronExpression, from, false)
		if err != nil {
			s.logger.Error("scheduler: invalid cron expression, falling back to floor cadence", "id", sched.ID, "error", err)
			return from.Add(minCadence)
		}
		return next
	}
	interval := time.Duration(sched.IntervalMs) * time.Millisecond
	if interval < minCadence {
		interval = minCadence
	}
	return from.Add(interval)
}

// fire applies approvalPolicy and, once cleared, runs every configured
// action in order.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule) {
	approved, err := s.clearApproval(ctx, sched)
	if err != nil {
		s.logger.Error("scheduler: approval check failed", "id", sched.ID, "error", err)
		return
	}
	if !approved {
		s.logger.Info("scheduler: schedule declined at approval gate", "id", sched.ID, "policy", sched.ApprovalPolicy)
		return
	}

	for _, action := range sched.Actions {
		sessionID, outcome := s.runAction(ctx, sched, action)
		exec := &store.ScheduleExecution{
			ID:         uuid.NewString(),
			ScheduleID: sched.ID,
			SessionID:  sessionID,
			Outcome:    outcome,
			CreatedAt:  time.Now(),
		}
		if err := s.stores.Schedule.RecordExecution(ctx, exec); err != nil {
			s.logger.Error("scheduler: record execution failed", "id", sched.ID, "error", err)
		}
		s.emit(protocol.MsgScheduleExecutionUpdate, map[string]any{
			"scheduleId": sched.ID,
			"sessionId":  sessionID,
			"outcome":    outcome,
		})
	}
	s.emit(protocol.MsgScheduleUpdate, map[string]any{
		"scheduleId": sched.ID,
		"nextRunAt":  sched.NextRunAt,
	})
}

// clearApproval implements spec.md §4.6's per-policy gate.
func (s *Scheduler) clearApproval(ctx context.Context, sched *store.Schedule) (bool, error) {
	switch sched.ApprovalPolicy {
	case "auto", "":
		return true, nil
	case "owner_approve":
		if s.owner == nil {
			return false, fmt.Errorf("owner_approve policy configured with no owner-ask channel wired")
		}
		s.emit(protocol.MsgScheduleApprovalRequest, map[string]any{
			"scheduleId": sched.ID,
			"policy":     sched.ApprovalPolicy,
		})
		question := fmt.Sprintf("Schedule %q is due to run. Approve?", sched.Name)
		return s.owner.AskOwner(ctx, question, councilApprovalLimit)
	case "council_approve":
		s.emit(protocol.MsgScheduleApprovalRequest, map[string]any{
			"scheduleId": sched.ID,
			"policy":     sched.ApprovalPolicy,
		})
		return s.clearCouncilApproval(ctx, sched)
	default:
		return false, fmt.Errorf("unknown approval policy %q", sched.ApprovalPolicy)
	}
}

// clearCouncilApproval launches a council over the schedule's description
// and gates the action on its synthesis: the schedule proceeds only when
// the chairman's synthesis recommends it.
func (s *Scheduler) clearCouncilApproval(ctx context.Context, sched *store.Schedule) (bool, error) {
	if s.engine == nil {
		return false, fmt.Errorf("council_approve policy configured with no council engine wired")
	}
	councilID, err := s.resolveApprovalCouncil(ctx, sched)
	if err != nil {
		return false, err
	}
	launch, err := s.engine.Launch(ctx, councilID, "", fmt.Sprintf(
		"Schedule %q (%s) is due to run. Should it proceed? Respond with APPROVE or REJECT and your reasoning.",
		sched.Name, sched.Description))
	if err != nil {
		return false, err
	}

	deadline := time.Now().Add(councilApprovalLimit)
	for time.Now().Before(deadline) {
		l, err := s.stores.Council.GetLaunch(ctx, launch.ID)
		if err != nil {
			return false, err
		}
		if l.Stage == protocol.CouncilStageComplete {
			return strings.Contains(strings.ToUpper(l.Synthesis), "APPROVE"), nil
		}
		if l.Stage == protocol.CouncilStageFailed {
			return false, fmt.Errorf("council approval launch failed")
		}
		time.Sleep(councilApprovalPoll)
	}
	return false, fmt.Errorf("council approval timed out")
}

// schedulerApprovalCouncilName names the single standing council this
// scheduler reuses across every council_approve schedule, find-or-created
// on first use so operators don't have to pre-provision one by hand.
const schedulerApprovalCouncilName = "scheduler-approval"

func (s *Scheduler) resolveApprovalCouncil(ctx context.Context, sched *store.Schedule) (string, error) {
	if c, err := s.stores.Council.FindCouncilByName(ctx, schedulerApprovalCouncilName); err == nil {
		return c.ID, nil
	}
	agents, err := s.stores.Agents.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	var memberIDs []string
	for _, a := range agents {
		memberIDs = append(memberIDs, a.ID)
	}
	if len(memberIDs) == 0 {
		memberIDs = []string{sched.AgentID}
	}
	c := &store.Council{
		ID:               uuid.NewString(),
		Name:             schedulerApprovalCouncilName,
		MemberAgentIDs:   memberIDs,
		ChairmanAgentID:  memberIDs[0],
		DiscussionRounds: 0,
	}
	if err := s.stores.Council.CreateCouncil(ctx, c); err != nil {
		return "", err
	}
	return c.ID, nil
}

// runAction builds the prompt, spawns a scheduler-mode session, and blocks
// until it exits or its action-specific timeout elapses.
func (s *Scheduler) runAction(ctx context.Context, sched *store.Schedule, action store.ScheduleAction) (sessionID, outcome string) {
	prompt, err := buildPrompt(action)
	if err != nil {
		s.logger.Warn("scheduler: skipping action", "id", sched.ID, "type", action.Type, "error", err)
		return "", "skipped: " + err.Error()
	}

	timeout := customTimeout
	if action.Type == "star_repos" {
		timeout = starReposTimeout
	}
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := time.Now()
	sess := &store.Session{
		ID:            uuid.NewString(),
		AgentID:       sched.AgentID,
		Name:          "schedule-" + sched.Name,
		Status:        protocol.SessionStatusCreated,
		Source:        protocol.SessionSourceAgent,
		InitialPrompt: prompt,
		SchedulerMode: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.stores.Sessions.Create(actionCtx, sess); err != nil {
		return "", "error: " + err.Error()
	}

	if err := s.pm.StartProcess(actionCtx, sess, prompt, ""); err != nil {
		return sess.ID, "error: " + err.Error()
	}

	done := make(chan procmgr.Event, 1)
	subID, ok := s.pm.Subscribe(sess.ID, func(ev procmgr.Event) {
		if ev.Type == protocol.EventSessionExited {
			select {
			case done <- ev:
			default:
			}
		}
	})
	if !ok {
		// The child exited (and was removed) before Subscribe ran; its exit
		// status is not available here.
		return sess.ID, "completed"
	}
	defer s.pm.Unsubscribe(sess.ID, subID)

	select {
	case ev := <-done:
		if ev.IsError {
			return sess.ID, "error: " + ev.Error
		}
		return sess.ID, "completed"
	case <-actionCtx.Done():
		s.pm.StopProcess(sess.ID)
		return sess.ID, "timed out"
	}
}
