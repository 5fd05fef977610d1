package algochat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/council"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/procmgr"
	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

const historyDefaultLimit = 10
const historyMaxLimit = 20

// ownerOnlyCommands names the slash commands spec.md §4.5.1 requires owner
// status for.
var ownerOnlyCommands = map[string]bool{
	"stop": true, "agent": true, "queue": true, "approve": true, "deny": true,
	"mode": true, "work": true, "council": true,
}

// dispatchCommand implements spec.md §4.5.1. Unknown "/x" commands fall
// through to the agent as plain text, per the table's closing rule.
func (b *Bridge) dispatchCommand(ctx context.Context, participant, content string, owner bool) {
	fields := strings.Fields(content)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := strings.TrimSpace(strings.TrimPrefix(content, fields[0]))

	if ownerOnlyCommands[name] && !owner {
		b.sendResponse(ctx, participant, "That command requires owner status.", 0)
		return
	}

	switch name {
	case "status":
		b.cmdStatus(ctx, participant)
	case "stop":
		b.cmdStop(ctx, participant, args)
	case "agent":
		b.cmdAgent(ctx, participant, args)
	case "queue":
		b.cmdQueue(ctx, participant)
	case "approve":
		b.cmdResolveApproval(ctx, participant, args, procmgr.DecisionApprove)
	case "deny":
		b.cmdResolveApproval(ctx, participant, args, procmgr.DecisionDeny)
	case "mode":
		b.cmdMode(ctx, participant, args)
	case "credits":
		b.cmdCredits(ctx, participant)
	case "history":
		b.cmdHistory(ctx, participant, args)
	case "work":
		b.cmdWork(ctx, participant, args)
	case "council":
		b.cmdCouncil(ctx, participant, args)
	default:
		b.routeToAgent(ctx, participant, content, 0)
	}
}

func (b *Bridge) cmdStatus(ctx context.Context, participant string) {
	active := len(b.pm.GetActiveSessionIds())
	conv, _ := b.stores.AlgoChat.GetConversation(ctx, participant)
	convCount := 0
	if conv != nil {
		convCount = 1
	}
	b.sendResponse(ctx, participant, fmt.Sprintf("Active sessions: %d, conversations: %d", active, convCount), 0)
}

func (b *Bridge) cmdStop(ctx context.Context, participant, args string) {
	sessionID := strings.TrimSpace(args)
	if sessionID == "" {
		b.sendResponse(ctx, participant, "Usage: /stop <sessionId>", 0)
		return
	}
	if !b.pm.IsRunning(sessionID) {
		b.sendResponse(ctx, participant, "No running session with that id.", 0)
		return
	}
	b.pm.StopProcess(sessionID)
	b.sendResponse(ctx, participant, "Stopped session "+sessionID, 0)
}

func (b *Bridge) cmdAgent(ctx context.Context, participant, args string) {
	agents, err := b.stores.Agents.ListAgents(ctx)
	if err != nil {
		b.sendResponse(ctx, participant, "Could not list agents.", 0)
		return
	}
	name := strings.TrimSpace(args)
	if name == "" {
		var names []string
		for _, a := range agents {
			if a.AlgoChatEnabled {
				names = append(names, a.Name)
			}
		}
		if len(names) == 0 {
			b.sendResponse(ctx, participant, "No AlgoChat-enabled agents configured.", 0)
			return
		}
		b.sendResponse(ctx, participant, "AlgoChat-enabled agents: "+strings.Join(names, ", "), 0)
		return
	}
	for _, a := range agents {
		if strings.EqualFold(a.Name, name) {
			b.mu.Lock()
			b.defaultAgentID = a.ID
			b.mu.Unlock()
			b.sendResponse(ctx, participant, "Default agent set to "+a.Name, 0)
			return
		}
	}
	b.sendResponse(ctx, participant, "No agent named "+name, 0)
}

func (b *Bridge) cmdQueue(ctx context.Context, participant string) {
	pending := b.pm.PendingApprovals()
	if len(pending) == 0 {
		b.sendResponse(ctx, participant, "No pending approvals.", 0)
		return
	}
	var lines []string
	for _, a := range pending {
		lines = append(lines, fmt.Sprintf("%d. %s (%s) session=%s", a.Position, a.ShortID, a.ToolName, a.SessionID))
	}
	b.sendResponse(ctx, participant, strings.Join(lines, "\n"), 0)
}

func (b *Bridge) cmdResolveApproval(ctx context.Context, participant, args string, decision procmgr.Decision) {
	id := strings.TrimSpace(args)
	if id == "" {
		b.sendResponse(ctx, participant, "Usage: /approve <id> (or /deny <id>)", 0)
		return
	}
	var ok bool
	if pos, err := strconv.Atoi(id); err == nil {
		ok = b.pm.ResolveByPosition(pos, decision, participant)
	} else {
		ok = b.pm.ResolveByShortID(id, decision, participant)
	}
	if !ok {
		b.sendResponse(ctx, participant, "No pending approval matched "+id, 0)
		return
	}
	b.stopFastPollIfIdle()
	b.sendResponse(ctx, participant, "Resolved "+id, 0)
}

func (b *Bridge) cmdMode(ctx context.Context, participant, args string) {
	mode := strings.ToLower(strings.TrimSpace(args))
	switch mode {
	case "normal", "queued", "paused":
		b.sendResponse(ctx, participant, "Approval mode set to "+mode, 0)
	default:
		b.sendResponse(ctx, participant, "Usage: /mode normal|queued|paused", 0)
	}
}

func (b *Bridge) cmdCredits(ctx context.Context, participant string) {
	balance, err := b.stores.Credit.Balance(ctx, participant)
	if err != nil {
		b.sendResponse(ctx, participant, "Could not read balance.", 0)
		return
	}
	b.sendResponse(ctx, participant, fmt.Sprintf("Credit balance: %d", balance), 0)
}

func (b *Bridge) cmdHistory(ctx context.Context, participant, args string) {
	limit := historyDefaultLimit
	if n, err := strconv.Atoi(strings.TrimSpace(args)); err == nil && n > 0 {
		limit = n
	}
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	txns, err := b.stores.Credit.History(ctx, participant, limit)
	if err != nil {
		b.sendResponse(ctx, participant, "Could not read history.", 0)
		return
	}
	if len(txns) == 0 {
		b.sendResponse(ctx, participant, "No credit history yet.", 0)
		return
	}
	var lines []string
	for _, t := range txns {
		lines = append(lines, fmt.Sprintf("%+d (%s) -> %d", t.Delta, t.Reason, t.BalanceAfter))
	}
	b.sendResponse(ctx, participant, strings.Join(lines, "\n"), 0)
}

// cmdWork is out of scope here: the underlying "work task" mechanism (an
// agent session on a fresh git branch) belongs to a different subsystem.
// The bridge only acknowledges the request.
func (b *Bridge) cmdWork(ctx context.Context, participant, args string) {
	if strings.TrimSpace(args) == "" {
		b.sendResponse(ctx, participant, "Usage: /work <description>", 0)
		return
	}
	b.sendResponse(ctx, participant, "Work tasks aren't available over AlgoChat yet.", 0)
}

// cmdCouncil resolves or auto-creates a council, launches it, and tracks the
// launch so OnCouncilEvent can relay stage-change notices back to
// participant.
func (b *Bridge) cmdCouncil(ctx context.Context, participant, args string) {
	name, prompt, hasName := strings.Cut(args, "--")
	if !hasName {
		prompt = args
		name = ""
	}
	name = strings.TrimSpace(name)
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		b.sendResponse(ctx, participant, "Usage: /council [CouncilName -- ] <prompt>", 0)
		return
	}

	var councilID string
	if name != "" {
		c, err := b.stores.Council.FindCouncilByName(ctx, name)
		if err == nil {
			councilID = c.ID
		}
	}
	if councilID == "" {
		c, err := b.autoCreateCouncil(ctx, name)
		if err != nil {
			b.sendResponse(ctx, participant, "Could not set up a council: "+err.Error(), 0)
			return
		}
		councilID = c.ID
	}

	launch, err := b.engine.Launch(ctx, councilID, "", prompt)
	if err != nil {
		b.sendResponse(ctx, participant, "Could not launch council: "+err.Error(), 0)
		return
	}

	b.mu.Lock()
	if b.councilLaunches == nil {
		b.councilLaunches = make(map[string]string)
	}
	b.councilLaunches[launch.ID] = participant
	b.mu.Unlock()

	b.sendResponse(ctx, participant, "Council launched: "+launch.ID, 0)
}

func (b *Bridge) autoCreateCouncil(ctx context.Context, name string) (*store.Council, error) {
	agents, err := b.stores.Agents.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, a := range agents {
		if a.AlgoChatEnabled {
			ids = append(ids, a.ID)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no algochat-enabled agents to form a council from")
	}
	if name == "" {
		name = "algochat-council-" + time.Now().UTC().Format("20060102150405")
	}
	c := &store.Council{
		ID:               uuid.NewString(),
		Name:             name,
		MemberAgentIDs:   ids,
		ChairmanAgentID:  ids[0],
		DiscussionRounds: 1,
	}
	if err := b.stores.Council.CreateCouncil(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// OnCouncilEvent relays stage-change notices and the final synthesis for
// any launch the bridge started, back on-chain to its originating
// participant. Wired as one subscriber alongside whatever else consumes
// council.Engine's EmitFunc (e.g. the gateway's WebSocket fan-out).
func (b *Bridge) OnCouncilEvent(ev council.Event) {
	b.mu.Lock()
	participant, tracked := b.councilLaunches[ev.LaunchID]
	b.mu.Unlock()
	if !tracked {
		return
	}

	switch ev.Kind {
	case council.EventKindStageChange:
		b.sendResponse(context.Background(), participant, "Council "+ev.LaunchID+" stage: "+ev.Stage, 0)
		if ev.Stage == "complete" || ev.Stage == "failed" {
			b.mu.Lock()
			delete(b.councilLaunches, ev.LaunchID)
			b.mu.Unlock()
			if ev.Stage == "complete" {
				b.deliverSynthesis(context.Background(), participant, ev.LaunchID)
			}
		}
	}
}

func (b *Bridge) deliverSynthesis(ctx context.Context, participant, launchID string) {
	launch, err := b.stores.Council.GetLaunch(ctx, launchID)
	if err != nil {
		return
	}
	text := launch.Synthesis
	if len(text) > synthesisTruncate {
		text = text[:synthesisTruncate] + "\n…(truncated)"
	}
	b.sendResponse(ctx, participant, text, 0)
}
