package designemail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/core/internal/domain"
)

type fakeAPI struct {
	thread  []Comment
	set     []string
	cleared []string
	tenant  string
}

func (f *fakeAPI) FetchComment(ctx context.Context, token, fileKey, commentID string) (Comment, error) {
	return Comment{}, nil
}
func (f *fakeAPI) FetchCommentThread(ctx context.Context, token, fileKey, commentID string) ([]Comment, error) {
	return f.thread, nil
}
func (f *fakeAPI) PostCommentReply(ctx context.Context, token, fileKey, commentID, message string) error {
	return nil
}
func (f *fakeAPI) SetCommentReaction(ctx context.Context, token, fileKey, commentID, glyph string) error {
	f.set = append(f.set, glyph)
	return nil
}
func (f *fakeAPI) ClearCommentReaction(ctx context.Context, token, fileKey, commentID, glyph string) error {
	f.cleared = append(f.cleared, glyph)
	return nil
}
func (f *fakeAPI) ResolveSlugTenant(ctx context.Context, token, slug string) (string, error) {
	return f.tenant, nil
}
func (f *fakeAPI) VerifyToken(ctx context.Context, token string) error { return nil }

func TestParseIncomingExtractsFileKeyAndTenant(t *testing.T) {
	api := &fakeAPI{tenant: "tenant-9"}
	a := New(api, "@design-bot", nil)

	html := `<html><body><div data-file-key="abcdef1234"></div><p>@design-bot please file this as a task</p></body></html>`
	parsed, err := a.ParseIncoming(context.Background(), map[string]any{
		"html":       html,
		"recipient":  "acme@design.example.com",
		"comment_id": "c1",
		"sender":     "pat",
	})
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Equal(t, "design_email", parsed.SourceType)
	assert.Equal(t, "abcdef1234:c1", parsed.SourceThreadID)
	assert.Equal(t, "tenant-9", parsed.TenantID)
	assert.Contains(t, parsed.Content, "please file this as a task")
}

func TestParseIncomingIgnoresEmailsWithoutFileKey(t *testing.T) {
	a := New(&fakeAPI{}, "@design-bot", nil)
	parsed, err := a.ParseIncoming(context.Background(), map[string]any{
		"html": `<html><body><p>no file reference here</p></body></html>`,
	})
	require.NoError(t, err)
	assert.Nil(t, parsed)
}

func TestFetchThreadOrdersByParentChain(t *testing.T) {
	now := time.Now()
	api := &fakeAPI{thread: []Comment{
		{ID: "c2", ParentID: "c1", Author: "bob", Message: "reply", CreatedAt: now},
		{ID: "c1", Author: "alice", Message: "root", CreatedAt: now},
		{ID: "c3", ParentID: "c2", Author: "alice", Message: "reply2", CreatedAt: now},
	}}
	a := New(api, "@design-bot", nil)
	thread, err := a.FetchThread(context.Background(), domain.SourceConfig{}, "filekey:c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", thread.Root.Author)
	require.Len(t, thread.Replies, 2)
	assert.Equal(t, "bob", thread.Replies[0].Author)
	assert.Equal(t, "alice", thread.Replies[1].Author)
}

func TestPostReplySkipsCallWhenPostConfirmationDisabled(t *testing.T) {
	api := &fakeAPI{}
	a := New(api, "@design-bot", nil)
	posted, err := a.PostReply(context.Background(), domain.SourceConfig{PostConfirmation: false}, "filekey:c1", "done")
	require.NoError(t, err)
	assert.False(t, posted)
}

func TestUpdateStatusClearsOthersBeforeSetting(t *testing.T) {
	api := &fakeAPI{}
	a := New(api, "@design-bot", nil)
	err := a.UpdateStatus(context.Background(), domain.SourceConfig{}, "filekey:c1", domain.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, []string{"blocked"}, api.set)
	assert.Len(t, api.cleared, len(statusReactions)-1)
}
