package target

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/enrich"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/llm"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
)

type stubProvider struct {
	response string
	err      error
	messages []llm.Message
}

func (s *stubProvider) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	s.messages = messages
	return s.response, s.err
}

func selectorAutomation() store.Automation {
	return store.Automation{ID: "auto-1", AllowedConfigurationIDs: []string{"cfg-a", "cfg-b"}}
}

func TestLLMSelector_PicksAllowedConfiguration(t *testing.T) {
	provider := &stubProvider{response: `{"configurationId":"cfg-b"}`}
	selector := NewLLMSelector(provider)

	chosen, err := selector.SelectConfiguration(context.Background(), selectorAutomation(), &enrich.Payload{
		Summary: enrich.Summary{Title: "Fix bug", Description: "crash in parser"},
	}, []string{"cfg-a", "cfg-b"})
	require.NoError(t, err)
	require.Equal(t, "cfg-b", chosen)
	require.Len(t, provider.messages, 2)
	require.Contains(t, provider.messages[1].Content, "Fix bug")
	require.Contains(t, provider.messages[1].Content, "cfg-a, cfg-b")
}

func TestLLMSelector_ToleratesCodeFence(t *testing.T) {
	provider := &stubProvider{response: "```json\n{\"configurationId\": \"cfg-a\"}\n```"}
	selector := NewLLMSelector(provider)

	chosen, err := selector.SelectConfiguration(context.Background(), selectorAutomation(), nil, []string{"cfg-a"})
	require.NoError(t, err)
	require.Equal(t, "cfg-a", chosen)
}

func TestLLMSelector_RejectsUnknownConfiguration(t *testing.T) {
	provider := &stubProvider{response: `{"configurationId":"cfg-invented"}`}
	selector := NewLLMSelector(provider)

	_, err := selector.SelectConfiguration(context.Background(), selectorAutomation(), nil, []string{"cfg-a", "cfg-b"})
	require.Error(t, err)
}

func TestLLMSelector_EmptyAllowedList(t *testing.T) {
	selector := NewLLMSelector(&stubProvider{})
	_, err := selector.SelectConfiguration(context.Background(), selectorAutomation(), nil, nil)
	require.Error(t, err)
}

func TestLLMSelector_ProviderErrorPropagates(t *testing.T) {
	selector := NewLLMSelector(&stubProvider{err: errors.New("timeout")})
	_, err := selector.SelectConfiguration(context.Background(), selectorAutomation(), nil, []string{"cfg-a"})
	require.Error(t, err)
}

func TestLLMSelector_MalformedResponse(t *testing.T) {
	selector := NewLLMSelector(&stubProvider{response: "I would pick cfg-a"})
	_, err := selector.SelectConfiguration(context.Background(), selectorAutomation(), nil, []string{"cfg-a"})
	require.Error(t, err)
}
