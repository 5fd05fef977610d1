package channels

import "context"

// algoSender is the slice of algochat.Bridge this package depends on —
// narrow on purpose so channels never imports the full bridge package for
// wiring reasons (avoids an import cycle with cmd/'s construction order).
type algoSender interface {
	SendNotification(ctx context.Context, address, text string) error
}

// AlgoChatChannel fans notify.Bus messages out over the on-chain transport
// to an agent's wallet address, reusing the bridge's own egress path
// (chunking, PSK-vs-public-key routing, fee budget) rather than duplicating it.
type AlgoChatChannel struct {
	bridge    algoSender
	addresses map[string]string // agentID -> destination wallet address
}

func NewAlgoChatChannel(bridge algoSender, addresses map[string]string) *AlgoChatChannel {
	return &AlgoChatChannel{bridge: bridge, addresses: addresses}
}

func (c *AlgoChatChannel) Name() string { return "algochat" }

func (c *AlgoChatChannel) Send(ctx context.Context, agentID, message string) error {
	addr, ok := c.addresses[agentID]
	if !ok || addr == "" {
		return nil
	}
	return c.bridge.SendNotification(ctx, addr, message)
}
