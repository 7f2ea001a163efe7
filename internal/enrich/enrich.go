// Package enrich turns a trigger event's parsed context into the
// normalized enrichment payload the execution stage consumes. The
// transform is pure: no network, no store writes.
package enrich

import (
	"fmt"
	"strings"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
)

const PayloadVersion = 1

type Summary struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type Source struct {
	URL        string `json:"url,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
	EventType  string `json:"eventType,omitempty"`
}

type Payload struct {
	Version           int            `json:"version"`
	Provider          string         `json:"provider"`
	Summary           Summary        `json:"summary"`
	Source            Source         `json:"source"`
	RelatedFiles      []string       `json:"relatedFiles"`
	SuggestedRepoID   string         `json:"suggestedRepoId,omitempty"`
	ProviderContext   map[string]any `json:"providerContext,omitempty"`
	AutomationContext map[string]any `json:"automationContext,omitempty"`
}

// Error marks a permanently malformed trigger event. The caller fails the
// run instead of retrying; infrastructure errors never use this type.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("enrichment: %s", e.Message)
}

// urlKeys in precedence order. The first non-empty context value wins.
var urlKeys = []string{
	"linearIssueUrl",
	"sentryIssueUrl",
	"githubIssueUrl",
	"githubPrUrl",
	"githubCompareUrl",
	"githubWorkflowUrl",
	"analyticsEventUrl",
}

// BuildPayload produces the enrichment payload for a trigger event.
func BuildPayload(event store.TriggerEvent, automation store.Automation) (*Payload, error) {
	context := event.ParsedContext
	if context == nil {
		return nil, &Error{Message: "trigger event has no parsed context"}
	}
	title := strings.TrimSpace(stringValue(context, "title"))
	if title == "" {
		return nil, &Error{Message: "parsed context is missing a title"}
	}

	payload := &Payload{
		Version:  PayloadVersion,
		Provider: event.Provider,
		Summary: Summary{
			Title:       title,
			Description: strings.TrimSpace(stringValue(context, "description")),
		},
		Source: Source{
			URL:        sourceURL(context),
			ExternalID: event.ExternalEventID,
			EventType:  event.ProviderEventType,
		},
		RelatedFiles:    stringSlice(context, "relatedFiles"),
		SuggestedRepoID: strings.TrimSpace(stringValue(context, "suggestedRepoId")),
	}
	if provider, ok := context["providerContext"].(map[string]any); ok {
		payload.ProviderContext = provider
	}
	payload.AutomationContext = map[string]any{
		"automationId":   automation.ID,
		"automationName": automation.Name,
	}
	return payload, nil
}

func sourceURL(context map[string]any) string {
	for _, key := range urlKeys {
		if url := strings.TrimSpace(stringValue(context, key)); url != "" {
			return url
		}
	}
	return ""
}

func stringValue(context map[string]any, key string) string {
	if value, ok := context[key].(string); ok {
		return value
	}
	return ""
}

func stringSlice(context map[string]any, key string) []string {
	result := []string{}
	switch values := context[key].(type) {
	case []string:
		result = append(result, values...)
	case []any:
		for _, value := range values {
			if text, ok := value.(string); ok && strings.TrimSpace(text) != "" {
				result = append(result, text)
			}
		}
	}
	return result
}
