// Package store defines the persistent entities of spec.md §3 and the
// storage interfaces each component depends on. internal/store/sqlite
// (embedded modernc.org/sqlite) implements every interface and is the
// backend cmd/ wires; internal/store/pg (managed Postgres via jackc/pgx/v5's
// stdlib driver) implements only the Sessions, Credit and Dedup stores.
package store

import "time"

// Agent is the persistent identity a sub-process impersonates.
type Agent struct {
	ID               string
	Name             string
	Model            string
	DefaultProjectID string
	WalletAddress    string
	AlgoChatEnabled  bool
	AlgoChatAuto     bool
	ToolPermissions  []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Project is a working directory root.
type Project struct {
	ID   string
	Name string
	Path string
}

// Session is one sub-process lifetime.
type Session struct {
	ID               string
	ProjectID        string
	AgentID          string
	Name             string
	Status           string // protocol.SessionStatus*
	Source           string // protocol.SessionSource*
	InitialPrompt    string
	PID              *int
	TotalCostUsd     float64
	TotalAlgoSpent   int64
	TotalTurns       int
	CreditsConsumed  int64
	CouncilLaunchID  string
	CouncilRole      string // protocol.CouncilRole*
	WorkDir          string
	SchedulerMode    bool // true for Scheduler-spawned sessions; CLISpawner does not read it, so the child's tools are not restricted
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SessionMessage is one persisted role-tagged message.
type SessionMessage struct {
	RowID     int64
	SessionID string
	Role      string // user, assistant, system, tool
	Content   string
	CostUsd   float64
	Timestamp time.Time
}

// Council is a named deliberation group.
type Council struct {
	ID                string
	Name              string
	Description       string
	MemberAgentIDs    []string
	ChairmanAgentID   string
	DiscussionRounds  int
}

// CouncilLaunch is one execution of a council.
type CouncilLaunch struct {
	ID        string
	CouncilID string
	ProjectID string
	Prompt    string
	Stage     string // protocol.CouncilStage*
	Synthesis string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DiscussionMessage is one member's content during a discussion round.
type DiscussionMessage struct {
	LaunchID  string
	AgentID   string
	AgentName string
	Round     int
	Content   string
	CreatedAt time.Time
}

// AlgoChatConversation maps an external participant to the handling agent/session.
type AlgoChatConversation struct {
	ID             string
	ParticipantAddr string
	AgentID        string
	SessionID      string
	LastRound      int64
}

// WorkflowNode is one typed node in a workflow graph.
type WorkflowNode struct {
	ID       string
	Type     string
	Label    string
	Config   map[string]any
	PosX     float64
	PosY     float64
}

// WorkflowEdge connects two nodes, optionally gated by a CEL condition.
type WorkflowEdge struct {
	ID        string
	Source    string
	Target    string
	Condition string
	Label     string
}

// Workflow is a directed graph of typed nodes.
type Workflow struct {
	ID               string
	AgentID          string
	Name             string
	Status           string // draft, active, paused
	DefaultProjectID string
	MaxConcurrency   int
	Nodes            []WorkflowNode
	Edges            []WorkflowEdge
}

// WorkflowRun is one execution of a Workflow.
type WorkflowRun struct {
	ID             string
	WorkflowID     string
	Status         string // protocol.WorkflowRunStatus*
	Input          map[string]any
	Output         map[string]any
	SnapshotNodes  []WorkflowNode
	SnapshotEdges  []WorkflowEdge
	CurrentNodeIDs []string
	Error          string
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// WorkflowNodeRun is one node's execution within a run.
type WorkflowNodeRun struct {
	ID          string
	RunID       string
	NodeID      string
	NodeType    string
	Status      string // protocol.NodeRunStatus*
	Input       map[string]any
	Output      map[string]any
	SessionID   string
	WorkTaskID  string
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Schedule is a cron or interval trigger plus its action list.
type Schedule struct {
	ID              string
	AgentID         string
	Name            string
	Description     string
	Status          string // active, paused
	CronExpression  string
	IntervalMs      int64
	Actions         []ScheduleAction
	ApprovalPolicy  string // auto, owner_approve, council_approve
	NextRunAt       time.Time
	ExecutionCount  int
}

// ScheduleAction is one configured step of a Schedule.
type ScheduleAction struct {
	Type   string // star_repos, custom, review_prs, work_task, council_launch, send_message, github_suggest
	Config map[string]any
}

// ScheduleExecution is one firing of a Schedule.
type ScheduleExecution struct {
	ID         string
	ScheduleID string
	SessionID  string
	Outcome    string
	CreatedAt  time.Time
}

// PSKContact is one pre-shared-key encrypted-channel partner.
type PSKContact struct {
	ID             string
	Nickname       string
	Network        string
	InitialPSK     []byte
	MobileAddress  string
	Active         bool
}

// HealthSnapshot is one observation point for trend computation.
type HealthSnapshot struct {
	ID           string
	AgentID      string
	ProjectID    string
	TscErrors    int
	TestFailures int
	Todos        int
	Fixmes       int
	Hacks        int
	LargeFiles   int
	OutdatedDeps int
	TscPassed    bool
	TestsPassed  bool
	CollectedAt  time.Time
}

// Notification is one fanned-out owner notification.
type Notification struct {
	ID        string
	AgentID   string
	SessionID string
	Title     string
	Message   string
	Level     string // protocol.NotifyLevel*
	Channels  []string
	CreatedAt time.Time
}

// CreditBalance is the current credit balance for an address.
type CreditBalance struct {
	Address string
	Balance int64
}

// CreditTransaction is one append-only ledger row.
type CreditTransaction struct {
	ID           string
	Address      string
	Delta        int64
	Reason       string
	BalanceAfter int64
	CreatedAt    time.Time
}

// DedupStateRow is one persisted dedup entry (internal/dedup's crash-recovery flush).
type DedupStateRow struct {
	Namespace string
	Key       string
	ExpiresAt time.Time
}

// WebhookRegistration is one outbound webhook subscription, delivered
// whenever one of Events fires (spec.md §6 POST /api/webhooks).
type WebhookRegistration struct {
	ID        string
	URL       string
	Secret    string
	Events    []string
	Enabled   bool
	CreatedAt time.Time
}

// WebhookDelivery is one attempted delivery of an event to a registration.
type WebhookDelivery struct {
	ID         string
	WebhookID  string
	Event      string
	StatusCode int
	Error      string
	CreatedAt  time.Time
}
