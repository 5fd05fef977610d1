package channels

import (
	"context"
	"fmt"
	"net/http"
)

// GithubChannel delivers notify.Bus messages as a comment on a tracking
// issue per agent, using the REST API directly — no SDK, matching the
// teacher's preference for hand-written HTTP calls over generated clients
// for small, single-endpoint integrations.
type GithubChannel struct {
	client       httpDo
	token        string
	issueByAgent map[string]string // agentID -> "owner/repo#number"
}

func NewGithubChannel(token string, issueByAgent map[string]string) *GithubChannel {
	return &GithubChannel{client: defaultClient(), token: token, issueByAgent: issueByAgent}
}

func (c *GithubChannel) Name() string { return "github" }

func (c *GithubChannel) Send(ctx context.Context, agentID, message string) error {
	if c.token == "" {
		return nil
	}
	ref, ok := c.issueByAgent[agentID]
	if !ok || ref == "" {
		return nil
	}
	ownerRepo, number := splitIssueRef(ref)
	if ownerRepo == "" || number == "" {
		return nil
	}
	url := fmt.Sprintf("https://api.github.com/repos/%s/issues/%s/comments", ownerRepo, number)
	return postJSON(ctx, authedClient{c.client, c.token}, url, map[string]string{"body": message})
}

// splitIssueRef parses "owner/repo#number" into its two halves.
func splitIssueRef(ref string) (ownerRepo, number string) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '#' {
			return ref[:i], ref[i+1:]
		}
	}
	return "", ""
}

// authedClient adds a GitHub bearer token to every request before delegating.
type authedClient struct {
	inner httpDo
	token string
}

func (c authedClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	return c.inner.Do(req)
}
