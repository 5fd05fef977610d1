// Package channels implements the outbound notify.Channel adapters
// (spec.md §4.8: "discord, telegram, github, algochat, slack — each
// adapter is an external collaborator bound by the interface 'send a text
// message to this endpoint identified by this opaque config'") and the
// Slack ingress adapter (spec.md §1's "Slack/mobile bridge").
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// httpDo is the minimal surface every webhook-style channel needs; letting
// tests substitute a fake keeps these adapters free of a live network call.
type httpDo interface {
	Do(req *http.Request) (*http.Response, error)
}

func defaultClient() httpDo {
	return &http.Client{Timeout: 10 * time.Second}
}

// postJSON is the shared "POST a JSON body, fail on non-2xx" helper every
// webhook-style notify.Channel below uses.
func postJSON(ctx context.Context, client httpDo, url string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("channels: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("channels: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("channels: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("channels: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
