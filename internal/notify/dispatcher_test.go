package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
	"github.com/proliferate-ai/proliferate/orchestrator/internal/store/memory"
)

type fakeSlack struct {
	posts    []string
	channels []string
	postErr  error
	dmID     string
	dmErr    error
}

func (f *fakeSlack) PostMessage(ctx context.Context, channelID string, text string) error {
	if f.postErr != nil {
		return f.postErr
	}
	f.channels = append(f.channels, channelID)
	f.posts = append(f.posts, text)
	return nil
}

func (f *fakeSlack) OpenDM(ctx context.Context, userID string) (string, error) {
	if f.dmErr != nil {
		return "", f.dmErr
	}
	return f.dmID, nil
}

func seedRun(st *memory.MemoryStore, status store.RunStatus) {
	st.PutAutomation(store.Automation{
		ID:                      "auto-1",
		OrganizationID:          "org-1",
		Name:                    "Triage bot",
		NotificationDestination: store.NotifyChannel,
		NotificationChannelID:   "C100",
	})
	st.PutRun(store.AutomationRun{
		ID:             "run-1",
		OrganizationID: "org-1",
		AutomationID:   "auto-1",
		Status:         status,
		CompletionJSON: []byte(`{"summary":"patched the leak"}`),
	})
}

func TestNotifyPostsOncePerStatus(t *testing.T) {
	st := memory.New()
	seedRun(st, store.RunStatusSucceeded)
	slack := &fakeSlack{}
	d := NewDispatcher(slack, st)

	require.NoError(t, d.NotifyRunTerminal(context.Background(), "run-1"))
	require.NoError(t, d.NotifyRunTerminal(context.Background(), "run-1"))

	require.Len(t, slack.posts, 1)
	require.Equal(t, "C100", slack.channels[0])
	require.Contains(t, slack.posts[0], "patched the leak")

	exists, err := st.SideEffectExists(context.Background(), "org-1", "notify:run-1:channel:succeeded")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestNotifyChannelFallsBackToLegacy(t *testing.T) {
	st := memory.New()
	st.PutAutomation(store.Automation{
		ID:                      "auto-1",
		OrganizationID:          "org-1",
		NotificationDestination: store.NotifyChannel,
		LegacyToolChannelID:     "C-legacy",
	})
	st.PutRun(store.AutomationRun{
		ID: "run-1", OrganizationID: "org-1", AutomationID: "auto-1",
		Status: store.RunStatusTimedOut,
	})
	slack := &fakeSlack{}
	require.NoError(t, NewDispatcher(slack, st).NotifyRunTerminal(context.Background(), "run-1"))
	require.Equal(t, []string{"C-legacy"}, slack.channels)
	require.Contains(t, slack.posts[0], "timed out")
}

func TestNotifyDMOpensConversation(t *testing.T) {
	st := memory.New()
	st.PutAutomation(store.Automation{
		ID: "auto-1", OrganizationID: "org-1",
		NotificationDestination: store.NotifyDM,
		SlackUserID:             "U42",
	})
	st.PutRun(store.AutomationRun{
		ID: "run-1", OrganizationID: "org-1", AutomationID: "auto-1",
		Status:         store.RunStatusNeedsHuman,
		CompletionJSON: []byte(`{"summary":"needs credentials"}`),
	})
	slack := &fakeSlack{dmID: "D77"}
	require.NoError(t, NewDispatcher(slack, st).NotifyRunTerminal(context.Background(), "run-1"))
	require.Equal(t, []string{"D77"}, slack.channels)
	require.Contains(t, slack.posts[0], "needs credentials")
}

func TestNotifyNoDestinationIsNoOp(t *testing.T) {
	st := memory.New()
	st.PutAutomation(store.Automation{
		ID: "auto-1", OrganizationID: "org-1",
		NotificationDestination: store.NotifyNone,
	})
	st.PutRun(store.AutomationRun{
		ID: "run-1", OrganizationID: "org-1", AutomationID: "auto-1",
		Status: store.RunStatusFailed,
	})
	slack := &fakeSlack{}
	require.NoError(t, NewDispatcher(slack, st).NotifyRunTerminal(context.Background(), "run-1"))
	require.Empty(t, slack.posts)
}

func TestNotifyDMWithoutUserIsNoOp(t *testing.T) {
	st := memory.New()
	st.PutAutomation(store.Automation{
		ID: "auto-1", OrganizationID: "org-1",
		NotificationDestination: store.NotifyDM,
	})
	st.PutRun(store.AutomationRun{
		ID: "run-1", OrganizationID: "org-1", AutomationID: "auto-1",
		Status: store.RunStatusSucceeded,
	})
	slack := &fakeSlack{}
	require.NoError(t, NewDispatcher(slack, st).NotifyRunTerminal(context.Background(), "run-1"))
	require.Empty(t, slack.posts)
}

func TestNotifySendFailureLeavesNoLedgerRow(t *testing.T) {
	st := memory.New()
	seedRun(st, store.RunStatusSucceeded)
	slack := &fakeSlack{postErr: errors.New("rate limited")}
	d := NewDispatcher(slack, st)

	require.Error(t, d.NotifyRunTerminal(context.Background(), "run-1"))
	exists, err := st.SideEffectExists(context.Background(), "org-1", "notify:run-1:channel:succeeded")
	require.NoError(t, err)
	require.False(t, exists)

	// The retry after the transient failure still posts exactly once.
	slack.postErr = nil
	require.NoError(t, d.NotifyRunTerminal(context.Background(), "run-1"))
	require.Len(t, slack.posts, 1)
}

func TestNotifyNonTerminalRunIsError(t *testing.T) {
	st := memory.New()
	seedRun(st, store.RunStatusRunning)
	err := NewDispatcher(&fakeSlack{}, st).NotifyRunTerminal(context.Background(), "run-1")
	require.ErrorContains(t, err, "not terminal")
}

func TestFailedMessageCarriesReasonAndError(t *testing.T) {
	st := memory.New()
	st.PutAutomation(store.Automation{
		ID: "auto-1", OrganizationID: "org-1", Name: "Triage bot",
		NotificationDestination: store.NotifyChannel,
		NotificationChannelID:   "C100",
	})
	st.PutRun(store.AutomationRun{
		ID: "run-1", OrganizationID: "org-1", AutomationID: "auto-1",
		Status:       store.RunStatusFailed,
		StatusReason: "enrichment_failed",
		ErrorMessage: "missing title",
	})
	slack := &fakeSlack{}
	require.NoError(t, NewDispatcher(slack, st).NotifyRunTerminal(context.Background(), "run-1"))
	require.Contains(t, slack.posts[0], "enrichment_failed")
	require.Contains(t, slack.posts[0], "missing title")
}
