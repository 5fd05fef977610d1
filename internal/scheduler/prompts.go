package scheduler

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw-orchestrator/internal/store"
)

// buildPrompt constructs the initial prompt for one ScheduleAction. Real
// teacher deployments delegate this to an external prompt-template
// collaborator (spec.md's "prompts.buildPrompt"); star_repos and custom are
// the two action types this scheduler actually executes, so those are built
// in-package rather than introducing a templating dependency for two cases.
func buildPrompt(action store.ScheduleAction) (string, error) {
	switch action.Type {
	case "star_repos":
		return buildStarReposPrompt(action.Config), nil
	case "custom":
		prompt, _ := action.Config["prompt"].(string)
		if strings.TrimSpace(prompt) == "" {
			return "", fmt.Errorf("custom action missing a prompt")
		}
		return prompt, nil
	default:
		return "", fmt.Errorf("action type %q is declared but not executable by this scheduler", action.Type)
	}
}

func buildStarReposPrompt(cfg map[string]any) string {
	var repos []string
	if raw, ok := cfg["repos"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				repos = append(repos, s)
			}
		}
	}
	var sb strings.Builder
	sb.WriteString("Star the following GitHub repositories if they look relevant and well-maintained")
	if reason, ok := cfg["reason"].(string); ok && reason != "" {
		sb.WriteString(" (")
		sb.WriteString(reason)
		sb.WriteString(")")
	}
	sb.WriteString(":\n")
	for _, r := range repos {
		sb.WriteString("- ")
		sb.WriteString(r)
		sb.WriteString("\n")
	}
	return sb.String()
}
