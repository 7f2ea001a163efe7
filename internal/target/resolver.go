// Package target decides which repository/configuration a run executes
// against. Resolution never mutates anything; the execution stage records
// and acts on the result.
package target

import (
	"context"
	"fmt"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/enrich"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
)

type ResolutionType string

const (
	ResolutionDefault  ResolutionType = "default"
	ResolutionSelected ResolutionType = "selected"
	ResolutionFallback ResolutionType = "fallback"
)

const (
	ReasonSelectionDisabled    = "selection_disabled"
	ReasonSelectionFailed      = "selection_failed"
	ReasonAgentSelected        = "agent_selected"
	ReasonNoSuggestion         = "no_suggestion"
	ReasonRepoNotFound         = "repo_not_found_or_wrong_org"
	ReasonSuggestionReused     = "enrichment_suggestion_reused"
	ReasonSuggestionNew        = "enrichment_suggestion_new"
	ReasonMissingConfiguration = "missing_configuration"
)

type Resolution struct {
	Type            ResolutionType `json:"type"`
	ConfigurationID string         `json:"configurationId,omitempty"`
	RepoIDs         []string       `json:"repoIds,omitempty"`
	Reason          string         `json:"reason"`
	SuggestedRepoID string         `json:"suggestedRepoId,omitempty"`
}

// Usable reports whether the resolution names anything the execution
// stage can launch a session against.
func (r Resolution) Usable() bool {
	return r.ConfigurationID != "" || len(r.RepoIDs) > 0
}

// Selector chooses one configuration id out of allowed. Implementations
// may call a model; failures fall back to the automation's fallback
// configuration and never create new configurations.
type Selector interface {
	SelectConfiguration(ctx context.Context, automation store.Automation, payload *enrich.Payload, allowed []string) (string, error)
}

// RepoDirectory is the read-only slice of the store the heuristic path
// needs.
type RepoDirectory interface {
	RepoExists(ctx context.Context, orgID string, repoID string) (bool, error)
	FindConfigurationByRepo(ctx context.Context, orgID string, repoID string) (string, error)
}

type Resolver struct {
	repos    RepoDirectory
	selector Selector
}

func NewResolver(repos RepoDirectory, selector Selector) *Resolver {
	return &Resolver{repos: repos, selector: selector}
}

func (r *Resolver) Resolve(ctx context.Context, automation store.Automation, payload *enrich.Payload, orgID string) (Resolution, error) {
	if !automation.AllowAgenticRepoSelection {
		return Resolution{
			Type:            ResolutionDefault,
			ConfigurationID: automation.DefaultConfigurationID,
			Reason:          ReasonSelectionDisabled,
		}, nil
	}

	if automation.ConfigSelectionStrategy == store.SelectionAgentDecide {
		return r.resolveAgentDecide(ctx, automation, payload), nil
	}

	return r.resolveHeuristic(ctx, automation, payload, orgID)
}

func (r *Resolver) resolveAgentDecide(ctx context.Context, automation store.Automation, payload *enrich.Payload) Resolution {
	fallback := automation.FallbackConfigurationID
	if fallback == "" {
		fallback = automation.DefaultConfigurationID
	}
	if r.selector == nil {
		return Resolution{Type: ResolutionFallback, ConfigurationID: fallback, Reason: ReasonSelectionFailed}
	}
	chosen, err := r.selector.SelectConfiguration(ctx, automation, payload, automation.AllowedConfigurationIDs)
	if err != nil || chosen == "" {
		return Resolution{Type: ResolutionFallback, ConfigurationID: fallback, Reason: ReasonSelectionFailed}
	}
	return Resolution{Type: ResolutionSelected, ConfigurationID: chosen, Reason: ReasonAgentSelected}
}

func (r *Resolver) resolveHeuristic(ctx context.Context, automation store.Automation, payload *enrich.Payload, orgID string) (Resolution, error) {
	suggested := ""
	if payload != nil {
		suggested = payload.SuggestedRepoID
	}
	if suggested == "" {
		return Resolution{
			Type:            ResolutionDefault,
			ConfigurationID: automation.DefaultConfigurationID,
			Reason:          ReasonNoSuggestion,
		}, nil
	}

	exists, err := r.repos.RepoExists(ctx, orgID, suggested)
	if err != nil {
		return Resolution{}, fmt.Errorf("check repo %s: %w", suggested, err)
	}
	if !exists {
		fallback := automation.FallbackConfigurationID
		if fallback == "" {
			fallback = automation.DefaultConfigurationID
		}
		return Resolution{
			Type:            ResolutionFallback,
			ConfigurationID: fallback,
			Reason:          ReasonRepoNotFound,
			SuggestedRepoID: suggested,
		}, nil
	}

	configurationID, err := r.repos.FindConfigurationByRepo(ctx, orgID, suggested)
	if err != nil {
		return Resolution{}, fmt.Errorf("find configuration for repo %s: %w", suggested, err)
	}
	if configurationID != "" {
		return Resolution{
			Type:            ResolutionSelected,
			ConfigurationID: configurationID,
			Reason:          ReasonSuggestionReused,
			SuggestedRepoID: suggested,
		}, nil
	}

	return Resolution{
		Type:            ResolutionSelected,
		RepoIDs:         []string{suggested},
		Reason:          ReasonSuggestionNew,
		SuggestedRepoID: suggested,
	}, nil
}
