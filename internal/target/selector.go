package target

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/enrich"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/llm"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
)

const selectorSystemPrompt = `You route automation runs to an execution environment.
You are given a task summary and a list of configuration ids.
Respond with a single JSON object of the form {"configurationId": "<id>"}.
You must pick one of the listed ids; never invent a new one.`

// LLMSelector asks a model to pick among the allowed configuration ids.
// Anything the model returns outside that list is treated as a failure.
type LLMSelector struct {
	provider llm.Provider
}

func NewLLMSelector(provider llm.Provider) *LLMSelector {
	return &LLMSelector{provider: provider}
}

func (s *LLMSelector) SelectConfiguration(ctx context.Context, automation store.Automation, payload *enrich.Payload, allowed []string) (string, error) {
	if len(allowed) == 0 {
		return "", fmt.Errorf("automation %s allows no configurations", automation.ID)
	}

	var task strings.Builder
	task.WriteString("Task: ")
	if payload != nil {
		task.WriteString(payload.Summary.Title)
		if payload.Summary.Description != "" {
			task.WriteString("\n")
			task.WriteString(payload.Summary.Description)
		}
		if payload.SuggestedRepoID != "" {
			fmt.Fprintf(&task, "\nSuggested repository: %s", payload.SuggestedRepoID)
		}
	}
	fmt.Fprintf(&task, "\nConfiguration ids: %s", strings.Join(allowed, ", "))

	content, err := s.provider.Generate(ctx, []llm.Message{
		{Role: "system", Content: selectorSystemPrompt},
		{Role: "user", Content: task.String()},
	})
	if err != nil {
		return "", err
	}

	var parsed struct {
		ConfigurationID string `json:"configurationId"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(content)), &parsed); err != nil {
		return "", fmt.Errorf("selector returned malformed response: %w", err)
	}
	chosen := strings.TrimSpace(parsed.ConfigurationID)
	for _, id := range allowed {
		if chosen == id {
			return chosen, nil
		}
	}
	return "", fmt.Errorf("selector chose %q which is not an allowed configuration", chosen)
}

// extractJSONObject tolerates models that wrap the object in a code fence
// or surrounding prose.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
