package config

import "github.com/nextlevelbuilder/goclaw-orchestrator/internal/gateway"

// ChannelsConfig configures the notify.Channel destinations (spec.md §4.8)
// and the Slack ingress adapter (spec.md §1). Unlike the teacher's chat-bot
// channel configs (Telegram/Discord/WhatsApp/Zalo/Feishu — full bot
// sessions with DM/group policy, streaming, reactions), notify channels
// here are one-shot outbound posts, so each config is just "how do I reach
// this agent's configured destination."
type ChannelsConfig struct {
	Slack    SlackConfig    `json:"slack"`
	Discord  DiscordChannelConfig  `json:"discord,omitempty"`
	Telegram TelegramChannelConfig `json:"telegram,omitempty"`
	Github   GithubChannelConfig   `json:"github,omitempty"`
}

// SlackConfig configures both the outbound notify.Channel (bot token) and
// the inbound ingress adapter (signing secret).
type SlackConfig struct {
	Enabled       bool   `json:"enabled"`
	BotToken      string `json:"-"` // env GOCLAW_SLACK_BOT_TOKEN only
	SigningSecret string `json:"-"` // env GOCLAW_SLACK_SIGNING_SECRET only
	// ChannelByAgent maps an agent id to the Slack channel/user id
	// notifications for that agent are posted to.
	ChannelByAgent map[string]string `json:"channel_by_agent,omitempty"`
}

// DiscordChannelConfig configures the outbound Discord webhook notify channel.
type DiscordChannelConfig struct {
	WebhookByAgent map[string]string `json:"webhook_by_agent,omitempty"`
}

// TelegramChannelConfig configures the outbound Telegram bot notify channel.
type TelegramChannelConfig struct {
	BotToken   string            `json:"-"` // env GOCLAW_TELEGRAM_BOT_TOKEN only
	ChatByAgent map[string]string `json:"chat_by_agent,omitempty"`
}

// GithubChannelConfig configures the outbound GitHub issue-comment notify channel.
type GithubChannelConfig struct {
	Token         string            `json:"-"` // env GOCLAW_GITHUB_TOKEN only
	IssueByAgent  map[string]string `json:"issue_by_agent,omitempty"` // agentID -> "owner/repo#number"
	WebhookSecret string            `json:"-"`                        // env GOCLAW_GITHUB_WEBHOOK_SECRET, inbound ingress (spec.md §6 /webhooks/github)
}

// GatewayConfig controls the HTTP/WebSocket gateway (internal/gateway).
type GatewayConfig struct {
	Host           string   `json:"host"`             // default "127.0.0.1", env BIND_HOST
	Port           int      `json:"port"`             // default 3000, env PORT
	Token          string   `json:"-"`                // bearer token, env GOCLAW_GATEWAY_TOKEN
	AdminAPIKey    string   `json:"-"`                // env ADMIN_API_KEY
	OwnerIDs       []string `json:"owner_ids,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"` // default 20, 0 = disabled
}

// ToGatewayConfig adapts the full config's gateway section onto the narrow
// gateway.Config struct internal/gateway actually takes — kept here rather
// than in internal/gateway so the gateway package stays free of a
// dependency on internal/config, per DESIGN.md.
func (c *Config) ToGatewayConfig() *gateway.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &gateway.Config{
		Host:                c.Gateway.Host,
		Port:                c.Gateway.Port,
		Token:               c.Gateway.Token,
		AdminAPIKey:         c.Gateway.AdminAPIKey,
		AllowedOrigins:      c.Gateway.AllowedOrigins,
		RateLimitRPM:        c.Gateway.RateLimitRPM,
		GithubWebhookSecret: c.Channels.Github.WebhookSecret,
		SlackSigningSecret:  c.Channels.Slack.SigningSecret,
	}
}
