package enrich

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
)

func triggerEvent(context map[string]any) store.TriggerEvent {
	return store.TriggerEvent{
		ID:                "evt-1",
		OrganizationID:    "org-1",
		Provider:          "linear",
		ProviderEventType: "issue.created",
		ExternalEventID:   "LIN-42",
		ParsedContext:     context,
	}
}

var automation = store.Automation{ID: "auto-1", Name: "Triage bugs"}

func TestBuildPayload_Basic(t *testing.T) {
	payload, err := BuildPayload(triggerEvent(map[string]any{
		"title":       "Fix bug",
		"description": "Null pointer in parser",
	}), automation)
	require.NoError(t, err)
	require.Equal(t, 1, payload.Version)
	require.Equal(t, "linear", payload.Provider)
	require.Equal(t, "Fix bug", payload.Summary.Title)
	require.Equal(t, "Null pointer in parser", payload.Summary.Description)
	require.Equal(t, "LIN-42", payload.Source.ExternalID)
	require.Equal(t, "issue.created", payload.Source.EventType)
	require.Equal(t, "auto-1", payload.AutomationContext["automationId"])
	require.Equal(t, "Triage bugs", payload.AutomationContext["automationName"])
	require.Empty(t, payload.RelatedFiles)
}

func TestBuildPayload_MissingContextIsPermanentError(t *testing.T) {
	_, err := BuildPayload(triggerEvent(nil), automation)
	require.Error(t, err)
	var enrichErr *Error
	require.True(t, errors.As(err, &enrichErr))
}

func TestBuildPayload_MissingTitleIsPermanentError(t *testing.T) {
	_, err := BuildPayload(triggerEvent(map[string]any{"description": "no title"}), automation)
	var enrichErr *Error
	require.True(t, errors.As(err, &enrichErr))

	_, err = BuildPayload(triggerEvent(map[string]any{"title": "   "}), automation)
	require.True(t, errors.As(err, &enrichErr))

	_, err = BuildPayload(triggerEvent(map[string]any{"title": 42}), automation)
	require.True(t, errors.As(err, &enrichErr))
}

func TestBuildPayload_SourceURLPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		context map[string]any
		want    string
	}{
		{
			name: "linear beats everything",
			context: map[string]any{
				"title":             "t",
				"linearIssueUrl":    "https://linear.app/issue/LIN-42",
				"sentryIssueUrl":    "https://sentry.io/issues/9",
				"githubIssueUrl":    "https://github.com/org/repo/issues/1",
				"analyticsEventUrl": "https://analytics.example.com/e/1",
			},
			want: "https://linear.app/issue/LIN-42",
		},
		{
			name: "sentry beats github",
			context: map[string]any{
				"title":          "t",
				"sentryIssueUrl": "https://sentry.io/issues/9",
				"githubPrUrl":    "https://github.com/org/repo/pull/2",
			},
			want: "https://sentry.io/issues/9",
		},
		{
			name: "github issue beats pr",
			context: map[string]any{
				"title":          "t",
				"githubIssueUrl": "https://github.com/org/repo/issues/1",
				"githubPrUrl":    "https://github.com/org/repo/pull/2",
			},
			want: "https://github.com/org/repo/issues/1",
		},
		{
			name: "github pr beats compare",
			context: map[string]any{
				"title":            "t",
				"githubPrUrl":      "https://github.com/org/repo/pull/2",
				"githubCompareUrl": "https://github.com/org/repo/compare/a...b",
			},
			want: "https://github.com/org/repo/pull/2",
		},
		{
			name: "compare beats workflow",
			context: map[string]any{
				"title":             "t",
				"githubCompareUrl":  "https://github.com/org/repo/compare/a...b",
				"githubWorkflowUrl": "https://github.com/org/repo/actions/runs/3",
			},
			want: "https://github.com/org/repo/compare/a...b",
		},
		{
			name: "analytics last",
			context: map[string]any{
				"title":             "t",
				"analyticsEventUrl": "https://analytics.example.com/e/1",
			},
			want: "https://analytics.example.com/e/1",
		},
		{
			name:    "none",
			context: map[string]any{"title": "t"},
			want:    "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := BuildPayload(triggerEvent(tt.context), automation)
			require.NoError(t, err)
			require.Equal(t, tt.want, payload.Source.URL)
		})
	}
}

func TestBuildPayload_RelatedFilesAndSuggestedRepo(t *testing.T) {
	payload, err := BuildPayload(triggerEvent(map[string]any{
		"title":           "Fix bug",
		"relatedFiles":    []any{"internal/parser.go", "", "internal/parser_test.go", 7},
		"suggestedRepoId": "repo-9",
		"providerContext": map[string]any{"team": "core"},
	}), automation)
	require.NoError(t, err)
	require.Equal(t, []string{"internal/parser.go", "internal/parser_test.go"}, payload.RelatedFiles)
	require.Equal(t, "repo-9", payload.SuggestedRepoID)
	require.Equal(t, map[string]any{"team": "core"}, payload.ProviderContext)
}
