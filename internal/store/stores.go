package store

import "context"

// AgentStore persists Agent rows.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
}

// SessionStore persists Session and SessionMessage rows.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]*Session, error)
	ListByLaunch(ctx context.Context, launchID string) ([]*Session, error)
	AppendMessage(ctx context.Context, m *SessionMessage) error
	LastAssistantMessage(ctx context.Context, sessionID string) (string, bool, error)
	Messages(ctx context.Context, sessionID string) ([]*SessionMessage, error)
}

// CouncilStore persists Council, CouncilLaunch and DiscussionMessage rows.
type CouncilStore interface {
	GetCouncil(ctx context.Context, id string) (*Council, error)
	FindCouncilByName(ctx context.Context, name string) (*Council, error)
	CreateCouncil(ctx context.Context, c *Council) error
	CreateLaunch(ctx context.Context, l *CouncilLaunch) error
	GetLaunch(ctx context.Context, id string) (*CouncilLaunch, error)
	UpdateLaunch(ctx context.Context, l *CouncilLaunch) error
	AppendDiscussionMessage(ctx context.Context, m *DiscussionMessage) error
	DiscussionMessages(ctx context.Context, launchID string) ([]*DiscussionMessage, error)
}

// AlgoChatStore persists AlgoChatConversation rows.
type AlgoChatStore interface {
	GetConversation(ctx context.Context, participantAddr string) (*AlgoChatConversation, error)
	UpsertConversation(ctx context.Context, c *AlgoChatConversation) error
}

// WorkflowStore persists Workflow, WorkflowRun and WorkflowNodeRun rows.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	CreateRun(ctx context.Context, r *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateRun(ctx context.Context, r *WorkflowRun) error
	CreateNodeRun(ctx context.Context, nr *WorkflowNodeRun) (created bool, err error)
	GetNodeRun(ctx context.Context, runID, nodeID string) (*WorkflowNodeRun, error)
	UpdateNodeRun(ctx context.Context, nr *WorkflowNodeRun) error
	NodeRunsByRun(ctx context.Context, runID string) ([]*WorkflowNodeRun, error)
}

// ScheduleStore persists Schedule and ScheduleExecution rows.
type ScheduleStore interface {
	DueSchedules(ctx context.Context, now int64) ([]*Schedule, error)
	ClaimSchedule(ctx context.Context, id string, nextRunAt int64) error
	RecordExecution(ctx context.Context, e *ScheduleExecution) error
}

// PSKStore persists PSKContact rows and the legacy-claim migration path.
type PSKStore interface {
	GetContact(ctx context.Context, id string) (*PSKContact, error)
	ContactByMobileAddress(ctx context.Context, addr string) (*PSKContact, error)
	UnmatchedContacts(ctx context.Context) ([]*PSKContact, error)
	SetMobileAddress(ctx context.Context, contactID, addr string) error
	DeactivateContact(ctx context.Context, contactID string) error
}

// HealthStore persists HealthSnapshot rows for trend computation.
type HealthStore interface {
	SaveSnapshot(ctx context.Context, s *HealthSnapshot) error
	RecentSnapshots(ctx context.Context, agentID, projectID string, limit int) ([]*HealthSnapshot, error)
}

// NotifyStore persists Notification rows.
type NotifyStore interface {
	SaveNotification(ctx context.Context, n *Notification) error
}

// CreditStore persists CreditBalance and CreditTransaction rows.
type CreditStore interface {
	Balance(ctx context.Context, address string) (int64, error)
	ApplyDelta(ctx context.Context, address string, delta int64, reason string) (*CreditTransaction, error)
	History(ctx context.Context, address string, limit int) ([]*CreditTransaction, error)
	HasReceivedWelcomeGrant(ctx context.Context, address string) (bool, error)
}

// DedupPersistence is the optional crash-recovery backing store for internal/dedup.
type DedupPersistence interface {
	LoadNamespace(ctx context.Context, ns string, now int64) ([]DedupStateRow, error)
	FlushNamespace(ctx context.Context, ns string, rows []DedupStateRow) error
}

// WebhookStore persists WebhookRegistration and WebhookDelivery rows.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w *WebhookRegistration) error
	GetWebhook(ctx context.Context, id string) (*WebhookRegistration, error)
	ListWebhooks(ctx context.Context) ([]*WebhookRegistration, error)
	UpdateWebhook(ctx context.Context, w *WebhookRegistration) error
	DeleteWebhook(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, d *WebhookDelivery) error
	DeliveriesByWebhook(ctx context.Context, webhookID string, limit int) ([]*WebhookDelivery, error)
	RecentDeliveries(ctx context.Context, limit int) ([]*WebhookDelivery, error)
}

// Stores is the top-level container wired into every component at startup.
type Stores struct {
	Agents   AgentStore
	Sessions SessionStore
	Council  CouncilStore
	AlgoChat AlgoChatStore
	Workflow WorkflowStore
	Schedule ScheduleStore
	PSK      PSKStore
	Health   HealthStore
	Notify   NotifyStore
	Credit   CreditStore
	Dedup    DedupPersistence
	Webhooks WebhookStore
}
