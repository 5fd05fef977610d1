package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration tree for the orchestration gateway
// (spec.md §6's env-var surface, expressed as a JSON file + env overlay
// per the teacher's own config pattern).
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	AlgoChat  AlgoChatConfig  `json:"algochat,omitempty"`
	WorkTasks WorkTasksConfig `json:"work_tasks,omitempty"`
	Credit    CreditConfig    `json:"credit,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// DatabaseConfig configures Postgres for managed mode.
// PostgresDSN is NEVER read from config.json (secret) — only from env GOCLAW_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`              // from env GOCLAW_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"` // "standalone" (default, embedded sqlite) or "managed"
}

// IsManagedMode returns true if the gateway is running in managed (Postgres) mode.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// AgentsConfig contains agent defaults and per-agent overrides. Scoped to
// what the Process Manager actually needs to launch a sub-process
// (spec.md §4.2) — the teacher's richer per-agent runtime knobs (sandbox
// mode, subagent fan-out, memory/compaction tuning) belong to a fuller
// coding-assistant runtime this system's Process Manager doesn't own: it
// launches an opaque sub-process and speaks its event protocol, it does not
// configure the sub-process's internals.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings applied to every agent unless
// overridden in AgentsConfig.List.
type AgentDefaults struct {
	Workspace           string `json:"workspace"`
	RestrictToWorkspace bool   `json:"restrict_to_workspace"`
	Model               string `json:"model"`
	MaxToolIterations   int    `json:"max_tool_iterations,omitempty"`
	// Binary is the agent CLI executable the Process Manager spawns one
	// child process of per session (spec.md §4.2), e.g. "claude", "codex".
	Binary string `json:"binary,omitempty"`
}

// AgentSpec is a per-agent configuration override.
type AgentSpec struct {
	DisplayName string `json:"displayName,omitempty"`
	Model       string `json:"model,omitempty"`
	Workspace   string `json:"workspace,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// SchedulerConfig controls the Scheduler (spec.md §4.6).
type SchedulerConfig struct {
	TickInterval string `json:"tick_interval,omitempty"` // Go duration string, default "1s"
}

// AlgoChatConfig controls the AlgoChat Bridge (spec.md §4.5) and its
// on-chain network connection.
type AlgoChatConfig struct {
	Network          string `json:"network,omitempty"`           // "mainnet", "testnet", "betanet"
	AlgodURL         string `json:"algod_url,omitempty"`
	AlgodToken       string `json:"-"`                            // env ALGOCHAT_ALGOD_TOKEN only
	IndexerURL       string `json:"indexer_url,omitempty"`
	Mnemonic         string `json:"-"`                            // env ALGOCHAT_MNEMONIC only, never persisted
	DefaultAgentID   string `json:"default_agent_id,omitempty"`
	DailyFeeBudget   int64  `json:"daily_fee_budget_microunit,omitempty"`
	FastPollSeconds  int    `json:"fast_poll_seconds,omitempty"`  // default 2
	SlowPollSeconds  int    `json:"slow_poll_seconds,omitempty"`  // default 15
}

// WorkTasksConfig bounds the Work Task queue (spec.md §4's work_tasks table).
type WorkTasksConfig struct {
	MaxPerDay int `json:"max_per_day,omitempty"` // default 100, env WORK_TASK_MAX_PER_DAY
}

// CreditConfig is the "credit configuration" spec.md §4.2 refers to:
// "if a credit configuration is present... deducts credits using the
// formula creditsToCharge = ceil(creditsPerTurn) + extras". Enabled is
// false by default, matching the spec's conditional — a zero-value
// CreditConfig must not silently start charging.
type CreditConfig struct {
	Enabled     bool    `json:"enabled,omitempty"`
	PerTurn     float64 `json:"per_turn,omitempty"`
	Extras      int64   `json:"extras,omitempty"`
	CreditsPerAlgo float64 `json:"credits_per_algo,omitempty"` // spec.md §4.5's paid-message credit rate
	WelcomeGrant   int64   `json:"welcome_grant,omitempty"`    // one-time grant for first-time senders
}

// TelemetryConfig configures OpenTelemetry span export for council launches
// and workflow runs (env OTEL_EXPORTER_OTLP_ENDPOINT).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Scheduler = src.Scheduler
	c.AlgoChat = src.AlgoChat
	c.WorkTasks = src.WorkTasks
	c.Credit = src.Credit
	c.Database = src.Database
	c.Telemetry = src.Telemetry
}

// Hash returns a SHA-256-derived fingerprint of the config, for optimistic
// concurrency on config reload.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
