package channels

import "context"

// DiscordChannel delivers notify.Bus messages (spec.md §4.8) to a Discord
// incoming webhook per agent. discordgo (a full gateway-bot client) is not
// needed here — notifications are one-shot outbound posts, not a bot
// session — so this is a plain webhook POST, matching the "send a text
// message to this endpoint identified by this opaque config" contract.
type DiscordChannel struct {
	client      httpDo
	webhookURLs map[string]string // agentID -> Discord webhook URL
}

func NewDiscordChannel(webhookURLs map[string]string) *DiscordChannel {
	return &DiscordChannel{client: defaultClient(), webhookURLs: webhookURLs}
}

func (c *DiscordChannel) Name() string { return "discord" }

func (c *DiscordChannel) Send(ctx context.Context, agentID, message string) error {
	url, ok := c.webhookURLs[agentID]
	if !ok || url == "" {
		return nil // agent has no discord webhook configured
	}
	return postJSON(ctx, c.client, url, map[string]string{"content": message})
}
