package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// DefaultAgentID is used when no agent in AgentsConfig.List is marked default.
const DefaultAgentID = "default"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.goclaw-orchestrator/workspace",
				RestrictToWorkspace: true,
				Model:               "claude-opus-4",
				MaxToolIterations:   20,
				Binary:              "claude",
			},
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         3000,
			RateLimitRPM: 20,
		},
		Scheduler: SchedulerConfig{
			TickInterval: "1s",
		},
		AlgoChat: AlgoChatConfig{
			Network:         "testnet",
			FastPollSeconds: 2,
			SlowPollSeconds: 15,
		},
		WorkTasks: WorkTasksConfig{
			MaxPerDay: 100,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error — Default() plus env overrides is a valid config.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config (spec.md §6's env-var
// surface). Env vars take precedence over file values and are the only
// source for secrets (never round-tripped through the JSON file).
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Gateway
	envStr("BIND_HOST", &c.Gateway.Host)
	envInt("PORT", &c.Gateway.Port)
	envStr("GOCLAW_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("ADMIN_API_KEY", &c.Gateway.AdminAPIKey)

	// Database
	envStr("GOCLAW_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("GOCLAW_MODE", &c.Database.Mode)

	// Telemetry (OTLP)
	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OTEL_EXPORTER_OTLP_PROTOCOL", &c.Telemetry.Protocol)
	envStr("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("OTEL_EXPORTER_OTLP_INSECURE", &c.Telemetry.Insecure)
	if c.Telemetry.Endpoint != "" {
		c.Telemetry.Enabled = true
	}

	// Work tasks
	envInt("WORK_TASK_MAX_PER_DAY", &c.WorkTasks.MaxPerDay)

	// Credit accounting
	envBool("GOCLAW_CREDIT_ENABLED", &c.Credit.Enabled)
	if v := os.Getenv("GOCLAW_CREDIT_PER_TURN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Credit.PerTurn = f
		}
	}

	// AlgoChat / on-chain network
	envStr("ALGOCHAT_NETWORK", &c.AlgoChat.Network)
	envStr("ALGOCHAT_ALGOD_URL", &c.AlgoChat.AlgodURL)
	envStr("ALGOCHAT_ALGOD_TOKEN", &c.AlgoChat.AlgodToken)
	envStr("ALGOCHAT_INDEXER_URL", &c.AlgoChat.IndexerURL)
	envStr("ALGOCHAT_MNEMONIC", &c.AlgoChat.Mnemonic)
	envStr("ALGOCHAT_DEFAULT_AGENT_ID", &c.AlgoChat.DefaultAgentID)

	// Notify channel secrets
	envStr("GOCLAW_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("GOCLAW_SLACK_SIGNING_SECRET", &c.Channels.Slack.SigningSecret)
	envStr("GOCLAW_TELEGRAM_BOT_TOKEN", &c.Channels.Telegram.BotToken)
	envStr("GOCLAW_GITHUB_TOKEN", &c.Channels.Github.Token)
	envStr("GOCLAW_GITHUB_WEBHOOK_SECRET", &c.Channels.Github.WebhookSecret)
	if c.Channels.Slack.BotToken != "" {
		c.Channels.Slack.Enabled = true
	}

	// Agent defaults
	envStr("GOCLAW_MODEL", &c.Agents.Defaults.Model)
	envStr("GOCLAW_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("AGENT_BINARY", &c.Agents.Defaults.Binary)
}

// Save writes the config to a JSON file. Secrets (struct tags `json:"-"`)
// are never written, matching the "secrets never round-trip through the
// JSON file" rule.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call this after modifying config to restore runtime secrets.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// WorkspacePath returns the expanded default workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// ResolveAgent returns the effective config for a given agent ID, merging
// defaults with any per-agent override.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
	}
	return d
}

// ResolveDefaultAgentID returns the ID of the agent marked as default, or
// DefaultAgentID if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveDisplayName returns the display name for an agent, falling back
// to its id if none is configured.
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return agentID
}
