package chatmention

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/core/internal/domain"
	syncerrors "github.com/syncbridge/core/internal/shared/errors"
)

type fakeAPI struct {
	replies           []ThreadReply
	posted            []string
	added, removed    []string
	tenant            string
	authTestErr       error
	dialRealtimeErr   error
	dialRealtimeCalls int
}

func (f *fakeAPI) FetchThreadReplies(ctx context.Context, token, channel, threadTS string) ([]ThreadReply, error) {
	return f.replies, nil
}
func (f *fakeAPI) PostMessage(ctx context.Context, token, channel, threadTS, text string) error {
	f.posted = append(f.posted, text)
	return nil
}
func (f *fakeAPI) AddReaction(ctx context.Context, token, channel, timestamp, emoji string) error {
	f.added = append(f.added, emoji)
	return nil
}
func (f *fakeAPI) RemoveReaction(ctx context.Context, token, channel, timestamp, emoji string) error {
	f.removed = append(f.removed, emoji)
	return nil
}
func (f *fakeAPI) ResolveWorkspaceTenant(ctx context.Context, token, workspaceID string) (string, error) {
	return f.tenant, nil
}
func (f *fakeAPI) AuthTest(ctx context.Context, token string) error { return f.authTestErr }
func (f *fakeAPI) DialRealtime(ctx context.Context, token string) error {
	f.dialRealtimeCalls++
	return f.dialRealtimeErr
}

func TestParseIncomingIgnoresNonMentionEvents(t *testing.T) {
	a := New(&fakeAPI{}, "U123", nil)
	parsed, err := a.ParseIncoming(context.Background(), map[string]any{
		"event": map[string]any{"type": "message", "text": "hello"},
	})
	require.NoError(t, err)
	assert.Nil(t, parsed)
}

func TestParseIncomingExtractsMention(t *testing.T) {
	api := &fakeAPI{tenant: "tenant-1"}
	a := New(api, "U123", nil)
	parsed, err := a.ParseIncoming(context.Background(), map[string]any{
		"team_id": "T1",
		"event": map[string]any{
			"type":    "app_mention",
			"channel": "C1",
			"ts":      "1700000000.000100",
			"user":    "U999",
			"text":    "<@U123> please sync this",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Equal(t, "chat_mention", parsed.SourceType)
	assert.Equal(t, "C1:1700000000.000100", parsed.SourceThreadID)
	assert.Equal(t, "please sync this", parsed.Content)
	assert.Equal(t, "tenant-1", parsed.TenantID)
}

func TestParseIncomingUsesThreadTSWhenReply(t *testing.T) {
	a := New(&fakeAPI{}, "U123", nil)
	parsed, err := a.ParseIncoming(context.Background(), map[string]any{
		"event": map[string]any{
			"type":      "app_mention",
			"channel":   "C1",
			"ts":        "1700000050.000200",
			"thread_ts": "1700000000.000100",
			"user":      "U999",
			"text":      "<@U123> status?",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Equal(t, "C1:1700000000.000100", parsed.SourceThreadID)
}

func TestPostReplySkipsCallWhenPostConfirmationDisabled(t *testing.T) {
	api := &fakeAPI{}
	a := New(api, "U123", nil)
	posted, err := a.PostReply(context.Background(), domain.SourceConfig{PostConfirmation: false}, "C1:1700000000.000100", "done")
	require.NoError(t, err)
	assert.False(t, posted)
	assert.Empty(t, api.posted)
}

func TestPostReplyPostsWhenPostConfirmationEnabled(t *testing.T) {
	api := &fakeAPI{}
	a := New(api, "U123", nil)
	posted, err := a.PostReply(context.Background(), domain.SourceConfig{PostConfirmation: true}, "C1:1700000000.000100", "done")
	require.NoError(t, err)
	assert.True(t, posted)
	assert.Equal(t, []string{"done"}, api.posted)
}

func TestUpdateStatusRemovesOthersBeforeAdding(t *testing.T) {
	api := &fakeAPI{}
	a := New(api, "U123", nil)
	err := a.UpdateStatus(context.Background(), domain.SourceConfig{}, "C1:1700000000.000100", domain.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, []string{"white_check_mark"}, api.added)
	assert.Len(t, api.removed, len(statusReactions)-1)
}

func TestFetchThreadBuildsParticipants(t *testing.T) {
	api := &fakeAPI{replies: []ThreadReply{
		{User: "alice", Text: "root message", Timestamp: "1700000000.000100"},
		{User: "bob", Text: "reply one", Timestamp: "1700000010.000100"},
		{User: "alice", Text: "reply two", Timestamp: "1700000020.000100"},
	}}
	a := New(api, "U123", nil)
	thread, err := a.FetchThread(context.Background(), domain.SourceConfig{}, "C1:1700000000.000100")
	require.NoError(t, err)
	assert.Equal(t, "alice", thread.Root.Author)
	assert.Len(t, thread.Replies, 2)
	assert.Equal(t, []string{"alice", "bob"}, thread.Participants)
}

func TestTestConnectionSucceedsWhenAuthTestSucceeds(t *testing.T) {
	api := &fakeAPI{}
	a := New(api, "U123", nil)
	require.NoError(t, a.TestConnection(context.Background(), domain.SourceConfig{}))
	assert.Zero(t, api.dialRealtimeCalls)
}

func TestTestConnectionDoesNotFallBackOnPermanentAuthError(t *testing.T) {
	api := &fakeAPI{authTestErr: syncerrors.NewPermanentError(errors.New("invalid_auth"), "")}
	a := New(api, "U123", nil)
	err := a.TestConnection(context.Background(), domain.SourceConfig{})
	require.Error(t, err)
	assert.Zero(t, api.dialRealtimeCalls)
}

func TestTestConnectionFallsBackToRealtimeOnTransientAuthError(t *testing.T) {
	api := &fakeAPI{authTestErr: syncerrors.NewTransientError(errors.New("dial tcp: timeout"), "")}
	a := New(api, "U123", nil)
	require.NoError(t, a.TestConnection(context.Background(), domain.SourceConfig{}))
	assert.Equal(t, 1, api.dialRealtimeCalls)
}

func TestTestConnectionFailsWhenBothRestAndRealtimeFail(t *testing.T) {
	api := &fakeAPI{
		authTestErr:     syncerrors.NewTransientError(errors.New("dial tcp: timeout"), ""),
		dialRealtimeErr: errors.New("websocket handshake failed"),
	}
	a := New(api, "U123", nil)
	err := a.TestConnection(context.Background(), domain.SourceConfig{})
	require.Error(t, err)
	assert.Equal(t, 1, api.dialRealtimeCalls)
}
