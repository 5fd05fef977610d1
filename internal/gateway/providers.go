package gateway

import (
	"net/http"
	"strings"
)

// knownProviders and their catalog are a fixed list rather than a persisted
// domain type: no provider/model-catalog store exists in this system (agents
// only record a free-form Model string), so /api/providers advertises the
// spawner-recognised provider identifiers instead of a managed CRUD
// resource.
var knownProviders = map[string][]string{
	"anthropic":  {"claude-opus-4", "claude-sonnet-4", "claude-haiku-4"},
	"openai":     {"gpt-5", "gpt-5-mini"},
	"google":     {"gemini-2.5-pro", "gemini-2.5-flash"},
	"minimax":    {"abab-7"},
	"cohere":     {"command-r-plus"},
	"perplexity": {"sonar-pro"},
	"ollama":     {"llama3", "qwen2.5"},
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(knownProviders))
	for name := range knownProviders {
		names = append(names, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": names})
}

func (s *Server) handleProviderModels(w http.ResponseWriter, r *http.Request) {
	providerType := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/providers/"), "/models")
	models, ok := knownProviders[providerType]
	if !ok {
		http.Error(w, "unknown provider type", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": providerType, "models": models})
}
