// Package council implements the Council Engine: a five-stage deliberation
// state machine (queued → responding → (discussing?)* → reviewing →
// synthesizing → complete, with failed reachable from any non-terminal
// stage) driven across a set of agent sessions. Session supervision and
// event delivery are delegated to internal/procmgr; this package owns only
// stage transitions, response aggregation, and auto-advance.
package council

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
	"github.com/nextlevelbuilder/goclaw-orchestrator/pkg/protocol"
)

// Engine is the Council Engine.
type Engine struct {
	stores *store.Stores
	pm     *procmgr.Manager
	namer  AgentNamer
	logger *slog.Logger
	emit   EmitFunc

	mu          sync.Mutex
	launchLocks map[string]*sync.Mutex
}

// New constructs a Council Engine. namer and emit are required; a nil logger
// falls back to slog.Default().
func New(stores *store.Stores, pm *procmgr.Manager, namer AgentNamer, emit EmitFunc, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		stores:      stores,
		pm:          pm,
		namer:       namer,
		logger:      logger,
		emit:        emit,
		launchLocks: make(map[string]*sync.Mutex),
	}
}

// lockLaunch serialises every trigger and auto-advance for one launch id, so
// a manually-invoked trigger can never race the auto-advance watcher for the
// same launch.
func (e *Engine) lockLaunch(launchID string) func() {
	e.mu.Lock()
	lock, ok := e.launchLocks[launchID]
	if !ok {
		lock = &sync.Mutex{}
		e.launchLocks[launchID] = lock
	}
	e.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Launch creates a new council launch at `queued`, spawns one member session
// per council member with an identical prompt, and transitions to
// `responding`. A stage spawning zero sessions (e.g. an empty member list, or
// every spawn failing) auto-advances immediately, matching spec.md's
// zero-session stage rule.
func (e *Engine) Launch(ctx context.Context, councilID, projectID, prompt string) (*store.CouncilLaunch, error) {
	council, err := e.stores.Council.GetCouncil(ctx, councilID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	launch := &store.CouncilLaunch{
		ID:        uuid.NewString(),
		CouncilID: councilID,
		ProjectID: projectID,
		Prompt:    prompt,
		Stage:     protocol.CouncilStageQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.stores.Council.CreateLaunch(ctx, launch); err != nil {
		return nil, fmt.Errorf("create launch: %w", err)
	}
	defer e.lockLaunch(launch.ID)()

	sessionIDs := e.spawnRound(ctx, launch, council.MemberAgentIDs, protocol.CouncilRoleMember, prompt)
	e.setStage(ctx, launch, protocol.CouncilStageResponding, sessionIDs)
	e.watchAutoAdvance(launch.ID, sessionIDs, protocol.CouncilRoleMember)
	return launch, nil
}

// TriggerDiscussion gathers the last assistant message of every member
// session, starts a new member session per agent for the next round, and
// moves the stage to `discussing`. Repeats up to the council's
// discussionRounds.
func (e *Engine) TriggerDiscussion(ctx context.Context, launchID string) (*TriggerResult, error) {
	defer e.lockLaunch(launchID)()

	launch, err := e.stores.Council.GetLaunch(ctx, launchID)
	if err != nil {
		return &TriggerResult{OK: false, Status: 404, Error: err.Error()}, nil
	}
	if launch.Stage != protocol.CouncilStageResponding {
		msg := (&StageError{Verb: "trigger discussion", Stage: launch.Stage}).Error()
		return &TriggerResult{OK: false, Status: 400, Error: msg}, nil
	}
	council, err := e.stores.Council.GetCouncil(ctx, launch.CouncilID)
	if err != nil {
		return &TriggerResult{OK: false, Status: 404, Error: err.Error()}, nil
	}

	round, err := e.currentRound(ctx, launchID)
	if err != nil {
		return nil, err
	}
	round++

	priorSessions, err := e.stores.Sessions.ListByLaunch(ctx, launchID)
	if err != nil {
		return nil, err
	}
	sharedContext := e.buildSharedContext(ctx, priorSessions, round)
	prompt := fmt.Sprintf("%s\n\nPrior round responses:\n\n%s", launch.Prompt, sharedContext)

	sessionIDs := e.spawnRound(ctx, launch, council.MemberAgentIDs, protocol.CouncilRoleMember, prompt)
	e.setStage(ctx, launch, protocol.CouncilStageDiscussing, sessionIDs)
	e.watchAutoAdvance(launch.ID, sessionIDs, protocol.CouncilRoleMember)
	return &TriggerResult{OK: true, SessionIDs: sessionIDs}, nil
}

// TriggerReview spawns one reviewer session per member agent, each prompted
// with every *other* member's latest response, and moves the stage to
// `reviewing`.
func (e *Engine) TriggerReview(ctx context.Context, launchID string) (*TriggerResult, error) {
	defer e.lockLaunch(launchID)()

	launch, err := e.stores.Council.GetLaunch(ctx, launchID)
	if err != nil {
		return &TriggerResult{OK: false, Status: 404, Error: err.Error()}, nil
	}
	if launch.Stage != protocol.CouncilStageResponding && launch.Stage != protocol.CouncilStageDiscussing {
		msg := (&StageError{Verb: "review", Stage: launch.Stage}).Error()
		return &TriggerResult{OK: false, Status: 400, Error: msg}, nil
	}
	council, err := e.stores.Council.GetCouncil(ctx, launch.CouncilID)
	if err != nil {
		return &TriggerResult{OK: false, Status: 404, Error: err.Error()}, nil
	}

	sessions, err := e.stores.Sessions.ListByLaunch(ctx, launchID)
	if err != nil {
		return nil, err
	}
	latest := e.latestResponses(ctx, filterByRole(sessions, protocol.CouncilRoleMember))

	var reviewSessionIDs []string
	for _, agentID := range council.MemberAgentIDs {
		var others []string
		for _, c := range latest {
			if c.session.AgentID == agentID {
				continue
			}
			others = append(others, fmt.Sprintf("### %s\n%s", e.namer(ctx, c.session.AgentID), c.content))
		}
		prompt := fmt.Sprintf("%s\n\nReview the following responses from your fellow council members:\n\n%s",
			launch.Prompt, strings.Join(others, "\n\n"))
		ids := e.spawnRound(ctx, launch, []string{agentID}, protocol.CouncilRoleReviewer, prompt)
		reviewSessionIDs = append(reviewSessionIDs, ids...)
	}

	e.setStage(ctx, launch, protocol.CouncilStageReviewing, reviewSessionIDs)
	e.watchAutoAdvance(launch.ID, reviewSessionIDs, protocol.CouncilRoleReviewer)
	return &TriggerResult{OK: true, SessionIDs: reviewSessionIDs}, nil
}

// TriggerSynthesis requires a chairman (from the council or the override),
// builds a prompt from the original question, every member's latest
// response, and optionally the discussion transcript, spawns the one
// chairman session, and moves the stage to `synthesizing`. Completion is
// driven by the chairman session's own session_exited, not by this call.
func (e *Engine) TriggerSynthesis(ctx context.Context, launchID string, formatDiscussion bool, chairmanOverrideAgentID string) (*TriggerResult, error) {
	defer e.lockLaunch(launchID)()

	launch, err := e.stores.Council.GetLaunch(ctx, launchID)
	if err != nil {
		return &TriggerResult{OK: false, Status: 404, Error: err.Error()}, nil
	}
	if launch.Stage != protocol.CouncilStageReviewing {
		msg := (&StageError{Verb: "synthesize", Stage: launch.Stage}).Error()
		return &TriggerResult{OK: false, Status: 400, Error: msg}, nil
	}
	council, err := e.stores.Council.GetCouncil(ctx, launch.CouncilID)
	if err != nil {
		return &TriggerResult{OK: false, Status: 404, Error: err.Error()}, nil
	}

	chairmanID := chairmanOverrideAgentID
	if chairmanID == "" {
		chairmanID = council.ChairmanAgentID
	}
	if chairmanID == "" {
		return &TriggerResult{OK: false, Status: 400, Error: "no chairman"}, nil
	}

	sessions, err := e.stores.Sessions.ListByLaunch(ctx, launchID)
	if err != nil {
		return nil, err
	}
	aggregated := e.aggregateResponses(ctx, sessions)

	var sb strings.Builder
	sb.WriteString(launch.Prompt)
	sb.WriteString("\n\n")
	sb.WriteString(aggregated)
	if formatDiscussion {
		if transcript := e.formatDiscussionTranscript(ctx, launchID); transcript != "" {
			sb.WriteString("\n\n--- Discussion transcript ---\n\n")
			sb.WriteString(transcript)
		}
	}

	ids := e.spawnRound(ctx, launch, []string{chairmanID}, protocol.CouncilRoleChairman, sb.String())
	if len(ids) == 0 {
		return &TriggerResult{OK: false, Status: 400, Error: "chairman session failed to start"}, nil
	}
	chairmanSessionID := ids[0]

	e.setStage(ctx, launch, protocol.CouncilStageSynthesizing, ids)
	e.watchChairman(launch.ID, chairmanSessionID)
	return &TriggerResult{OK: true, SessionID: chairmanSessionID}, nil
}

// FinishWithAggregatedSynthesis concatenates the per-agent latest responses
// with `---` separators and completes the launch without a chairman. Callable
// from any non-terminal stage — the fallback path when no chairman is
// configured or a chairman synthesis would exceed policy.
func (e *Engine) FinishWithAggregatedSynthesis(ctx context.Context, launchID string) (*TriggerResult, error) {
	defer e.lockLaunch(launchID)()

	launch, err := e.stores.Council.GetLaunch(ctx, launchID)
	if err != nil {
		return &TriggerResult{OK: false, Status: 404, Error: err.Error()}, nil
	}
	if launch.Stage == protocol.CouncilStageComplete || launch.Stage == protocol.CouncilStageFailed {
		msg := (&StageError{Verb: "finish", Stage: launch.Stage}).Error()
		return &TriggerResult{OK: false, Status: 400, Error: msg}, nil
	}

	sessions, err := e.stores.Sessions.ListByLaunch(ctx, launchID)
	if err != nil {
		return nil, err
	}
	var parts []string
	for _, c := range e.latestResponses(ctx, sessions) {
		parts = append(parts, fmt.Sprintf("### %s\n%s", e.namer(ctx, c.session.AgentID), c.content))
	}
	if len(parts) == 0 {
		launch.Synthesis = "(No responses were produced by council members)"
	} else {
		launch.Synthesis = strings.Join(parts, "\n\n---\n\n")
	}
	e.setStage(ctx, launch, protocol.CouncilStageComplete, nil)
	return &TriggerResult{OK: true}, nil
}

// Fail marks a launch failed from any non-terminal stage.
func (e *Engine) Fail(ctx context.Context, launchID, reason string) {
	defer e.lockLaunch(launchID)()

	launch, err := e.stores.Council.GetLaunch(ctx, launchID)
	if err != nil {
		return
	}
	if launch.Stage == protocol.CouncilStageComplete || launch.Stage == protocol.CouncilStageFailed {
		return
	}
	launch.Error = reason
	e.setStage(ctx, launch, protocol.CouncilStageFailed, nil)
}

// currentRound returns the highest discussion round already recorded for a
// launch (0 if none have run yet).
func (e *Engine) currentRound(ctx context.Context, launchID string) (int, error) {
	msgs, err := e.stores.Council.DiscussionMessages(ctx, launchID)
	if err != nil {
		return 0, fmt.Errorf("list discussion messages: %w", err)
	}
	max := 0
	for _, m := range msgs {
		if m.Round > max {
			max = m.Round
		}
	}
	return max, nil
}

// buildSharedContext gathers the latest response of every member session,
// persists each as a DiscussionMessage tagged with round, emits a
// discussion_message event per contribution, and returns the concatenated
// context text new member sessions are prompted with.
func (e *Engine) buildSharedContext(ctx context.Context, sessions []*store.Session, round int) string {
	var blocks []string
	for _, c := range e.latestResponses(ctx, filterByRole(sessions, protocol.CouncilRoleMember)) {
		name := e.namer(ctx, c.session.AgentID)
		msg := &store.DiscussionMessage{
			LaunchID:  c.session.CouncilLaunchID,
			AgentID:   c.session.AgentID,
			AgentName: name,
			Round:     round,
			Content:   c.content,
			CreatedAt: time.Now(),
		}
		if err := e.stores.Council.AppendDiscussionMessage(ctx, msg); err != nil {
			e.log(c.session.CouncilLaunchID, c.session.ID, "warn", "failed to persist discussion message", map[string]any{"error": err.Error()})
		}
		e.emit(Event{
			Kind: EventKindDiscussionMessage, LaunchID: c.session.CouncilLaunchID, SessionID: c.session.ID,
			AgentID: c.session.AgentID, AgentName: name, Round: round, Content: c.content,
		})
		blocks = append(blocks, fmt.Sprintf("### %s\n%s", name, c.content))
	}
	return strings.Join(blocks, "\n\n")
}

// spawnRound creates one session per agentID and starts its process. A
// per-agent failure (persistence or spawn) is logged and skipped — the stage
// is never rolled back, matching spec.md's error-handling rule.
func (e *Engine) spawnRound(ctx context.Context, launch *store.CouncilLaunch, agentIDs []string, role, prompt string) []string {
	var ids []string
	now := time.Now()
	for _, agentID := range agentIDs {
		sess := &store.Session{
			ID:              uuid.NewString(),
			ProjectID:       launch.ProjectID,
			AgentID:         agentID,
			Name:            fmt.Sprintf("%s-%s-%s", launch.ID[:8], role, agentID),
			Status:          protocol.SessionStatusCreated,
			Source:          protocol.SessionSourceAgent,
			InitialPrompt:   prompt,
			CouncilLaunchID: launch.ID,
			CouncilRole:     role,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := e.stores.Sessions.Create(ctx, sess); err != nil {
			e.log(launch.ID, "", "error", "failed to persist council session", map[string]any{"agent_id": agentID, "role": role, "error": err.Error()})
			continue
		}
		if err := e.pm.StartProcess(ctx, sess, prompt, ""); err != nil {
			e.log(launch.ID, sess.ID, "error", "failed to start council session", map[string]any{"agent_id": agentID, "role": role, "error": err.Error()})
			continue
		}
		ids = append(ids, sess.ID)
	}
	return ids
}

func (e *Engine) setStage(ctx context.Context, launch *store.CouncilLaunch, stage string, sessionIDs []string) {
	launch.Stage = stage
	launch.UpdatedAt = time.Now()
	if err := e.stores.Council.UpdateLaunch(ctx, launch); err != nil {
		e.logger.Error("council: failed to persist stage transition", "launch_id", launch.ID, "stage", stage, "error", err)
	}
	e.emit(Event{Kind: EventKindStageChange, LaunchID: launch.ID, Stage: stage, SessionIDs: sessionIDs})
}

func (e *Engine) log(launchID, sessionID, level, message string, detail map[string]any) {
	switch level {
	case "warn":
		e.logger.Warn(message, "launch_id", launchID, "session_id", sessionID)
	case "error":
		e.logger.Error(message, "launch_id", launchID, "session_id", sessionID)
	default:
		e.logger.Info(message, "launch_id", launchID, "session_id", sessionID)
	}
	e.emit(Event{Kind: EventKindLog, LaunchID: launchID, SessionID: sessionID, Level: level, Message: message, Detail: detail})
}
