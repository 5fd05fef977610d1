package channels

import (
	"context"
	"fmt"
)

// TelegramChannel delivers notify.Bus messages via the Telegram Bot HTTP
// API's sendMessage call. Like DiscordChannel, this is a one-shot outbound
// post, so mymmrac/telego's full bot-session client isn't needed.
type TelegramChannel struct {
	client   httpDo
	botToken string
	chatIDs  map[string]string // agentID -> chat id
}

func NewTelegramChannel(botToken string, chatIDs map[string]string) *TelegramChannel {
	return &TelegramChannel{client: defaultClient(), botToken: botToken, chatIDs: chatIDs}
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Send(ctx context.Context, agentID, message string) error {
	if c.botToken == "" {
		return nil
	}
	chatID, ok := c.chatIDs[agentID]
	if !ok || chatID == "" {
		return nil
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.botToken)
	return postJSON(ctx, c.client, url, map[string]string{"chat_id": chatID, "text": message})
}
