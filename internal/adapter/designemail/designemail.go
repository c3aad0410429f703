// Package designemail implements the design-platform adapter: the
// design tool emails a notification whenever someone comments on a
// design file, and this adapter turns that email into a Discussion
// (spec §4.3).
package designemail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/syncbridge/core/internal/adapter"
	"github.com/syncbridge/core/internal/domain"
	"github.com/syncbridge/core/internal/extract"
	"github.com/syncbridge/core/internal/logging"
)

const sourceType = "design_email"

// statusReactions maps a domain.Status to the design platform's comment
// reaction glyph, mirroring chatmention's glyph table (spec §4.3).
var statusReactions = map[domain.Status]string{
	domain.StatusPending:    "eyes",
	domain.StatusProcessing: "in-progress",
	domain.StatusCompleted:  "resolved",
	domain.StatusFailed:     "blocked",
}

// API is the subset of the design platform's HTTP surface this adapter
// needs; production code wires it to internal/client/designapi.Client.
type API interface {
	FetchComment(ctx context.Context, token, fileKey, commentID string) (Comment, error)
	FetchCommentThread(ctx context.Context, token, fileKey, commentID string) ([]Comment, error)
	PostCommentReply(ctx context.Context, token, fileKey, commentID, message string) error
	SetCommentReaction(ctx context.Context, token, fileKey, commentID, glyph string) error
	ClearCommentReaction(ctx context.Context, token, fileKey, commentID, glyph string) error
	ResolveSlugTenant(ctx context.Context, token, slug string) (string, error)
	VerifyToken(ctx context.Context, token string) error
}

// Comment is one message in a design-file comment thread, addressed by
// ParentID when it is a reply.
type Comment struct {
	ID, ParentID, Author, Message string
	CreatedAt                     time.Time
}

// Adapter implements adapter.Adapter for design-platform email sources.
type Adapter struct {
	api       API
	botHandle string
	logger    logging.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New constructs a design-email Adapter. botHandle is the mention token
// the design platform substitutes for the synced bot account (e.g.
// "@design-bot"), used by extract.CommentText's mention strategies.
func New(api API, botHandle string, logger logging.Logger) *Adapter {
	return &Adapter{api: api, botHandle: botHandle, logger: logging.OrNop(logger)}
}

func (a *Adapter) Name() string { return sourceType }

// ParseIncoming treats the webhook payload as a raw notification email:
// payload["html"] carries the HTML body and payload["recipient"] the
// slug@host address the email was sent to, which resolves the tenant.
func (a *Adapter) ParseIncoming(ctx context.Context, payload map[string]any) (*domain.ParsedDiscussion, error) {
	html, _ := payload["html"].(string)
	if html == "" {
		return nil, nil
	}

	author, _ := payload["sender"].(string)

	fileKey := extract.FileKey(html, author)
	if fileKey == "" {
		a.logger.Debug("designemail: no file key found, ignoring notification")
		return nil, nil
	}

	commentResult := extract.CommentText(html, a.botHandle)
	if commentResult.Text == "" {
		a.logger.Debug("designemail: no usable comment text extracted for file %s", fileKey)
		return nil, nil
	}

	commentID, _ := payload["comment_id"].(string)
	recipient, _ := payload["recipient"].(string)

	tenantID, err := a.resolveTenant(ctx, recipient)
	if err != nil {
		return nil, err
	}

	return &domain.ParsedDiscussion{
		SourceType:     sourceType,
		SourceThreadID: fileKey + ":" + commentID,
		SourceURL:      fmt.Sprintf("https://design.example.com/file/%s#comment=%s", fileKey, commentID),
		TenantID:       tenantID,
		AuthorHandle:   author,
		Content:        commentResult.Text,
		Timestamp:      time.Now().UTC(),
		Metadata: map[string]string{
			"file_key":   fileKey,
			"comment_id": commentID,
			"strategy":   commentResult.Strategy,
		},
	}, nil
}

// resolveTenant extracts the local-part slug from a "slug@host" address
// and resolves it to a tenant id.
func (a *Adapter) resolveTenant(ctx context.Context, recipient string) (string, error) {
	slug, _, found := strings.Cut(recipient, "@")
	if !found || slug == "" {
		return "", fmt.Errorf("designemail: cannot resolve tenant from recipient %q", recipient)
	}
	tenantID, err := a.api.ResolveSlugTenant(ctx, "", slug)
	if err != nil {
		return "", fmt.Errorf("designemail: resolve tenant for slug %q: %w", slug, err)
	}
	return tenantID, nil
}

// FetchThread resolves fileKey and commentID out of sourceThreadID
// ("fileKey:commentID") and walks the comment's parent chain to build
// the full thread.
func (a *Adapter) FetchThread(ctx context.Context, cfg domain.SourceConfig, sourceThreadID string) (*domain.Thread, error) {
	fileKey, commentID, err := splitThreadID(sourceThreadID)
	if err != nil {
		return nil, err
	}
	token := decryptedToken(cfg)

	comments, err := a.api.FetchCommentThread(ctx, token, fileKey, commentID)
	if err != nil {
		return nil, fmt.Errorf("designemail: fetch comment thread: %w", err)
	}
	if len(comments) == 0 {
		return nil, fmt.Errorf("designemail: comment thread %s is empty", sourceThreadID)
	}

	ordered := orderByParentChain(comments, commentID)
	root := toThreadMessage(ordered[0])
	replies := make([]domain.ThreadMessage, 0, len(ordered)-1)
	participants := []string{root.Author}
	for _, c := range ordered[1:] {
		msg := toThreadMessage(c)
		replies = append(replies, msg)
		participants = append(participants, msg.Author)
	}

	return &domain.Thread{
		ID:           sourceThreadID,
		Root:         root,
		Replies:      replies,
		Participants: domain.DedupeParticipants(participants),
		Metadata:     map[string]string{"file_key": fileKey},
	}, nil
}

// orderByParentChain walks commentID's ParentID chain up to its root and
// returns that root followed by its descendants, each placed after its
// parent, even when the API returns comments out of order. When commentID
// is not among comments, every root's subtree is returned.
func orderByParentChain(comments []Comment, commentID string) []Comment {
	byID := make(map[string]Comment, len(comments))
	for _, c := range comments {
		byID[c.ID] = c
	}

	var roots []Comment
	children := make(map[string][]Comment)
	for _, c := range comments {
		if c.ParentID == "" || byID[c.ParentID].ID == "" {
			roots = append(roots, c)
			continue
		}
		children[c.ParentID] = append(children[c.ParentID], c)
	}
	if start, ok := byID[commentID]; ok {
		for i := 0; i < len(comments) && start.ParentID != "" && byID[start.ParentID].ID != ""; i++ {
			start = byID[start.ParentID]
		}
		roots = []Comment{start}
	}

	var ordered []Comment
	var walk func(Comment)
	walk = func(c Comment) {
		ordered = append(ordered, c)
		for _, child := range children[c.ID] {
			walk(child)
		}
	}
	for _, root := range roots {
		walk(root)
	}
	return ordered
}

func toThreadMessage(c Comment) domain.ThreadMessage {
	return domain.ThreadMessage{
		ID:        c.ID,
		Author:    c.Author,
		Content:   c.Message,
		Timestamp: c.CreatedAt,
	}
}

func splitThreadID(sourceThreadID string) (fileKey, commentID string, err error) {
	idx := strings.IndexByte(sourceThreadID, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("designemail: malformed source thread id %q", sourceThreadID)
	}
	return sourceThreadID[:idx], sourceThreadID[idx+1:], nil
}

// PostReply posts message as a reply on the original comment, unless
// cfg.PostConfirmation is false, in which case it returns (false, nil)
// without calling the design tool's API at all (spec §4.1).
func (a *Adapter) PostReply(ctx context.Context, cfg domain.SourceConfig, sourceThreadID string, message string) (bool, error) {
	if !cfg.PostConfirmation {
		return false, nil
	}
	fileKey, commentID, err := splitThreadID(sourceThreadID)
	if err != nil {
		return false, err
	}
	if err := a.api.PostCommentReply(ctx, decryptedToken(cfg), fileKey, commentID, message); err != nil {
		return false, fmt.Errorf("designemail: post reply: %w", err)
	}
	return true, nil
}

// UpdateStatus clears every other status glyph before setting the one
// for status (spec §4.3).
func (a *Adapter) UpdateStatus(ctx context.Context, cfg domain.SourceConfig, sourceThreadID string, status domain.Status) error {
	fileKey, commentID, err := splitThreadID(sourceThreadID)
	if err != nil {
		return err
	}
	target, ok := statusReactions[status]
	if !ok {
		return fmt.Errorf("designemail: no reaction mapped for status %q", status)
	}
	token := decryptedToken(cfg)

	for s, glyph := range statusReactions {
		if s == status {
			continue
		}
		if err := a.api.ClearCommentReaction(ctx, token, fileKey, commentID, glyph); err != nil {
			a.logger.Debug("designemail: clear reaction %s on %s: %v (likely already absent)", glyph, sourceThreadID, err)
		}
	}
	if err := a.api.SetCommentReaction(ctx, token, fileKey, commentID, target); err != nil {
		return fmt.Errorf("designemail: set reaction %s: %w", target, err)
	}
	return nil
}

// ValidateConfig requires an API token to be present.
func (a *Adapter) ValidateConfig(cfg domain.SourceConfig) error {
	if cfg.EncryptedAPIToken == "" {
		return fmt.Errorf("designemail: source config %s missing api token", cfg.ID)
	}
	return nil
}

// TestConnection verifies the design platform token is valid.
func (a *Adapter) TestConnection(ctx context.Context, cfg domain.SourceConfig) error {
	if err := a.api.VerifyToken(ctx, decryptedToken(cfg)); err != nil {
		return fmt.Errorf("designemail: test connection: %w", err)
	}
	return nil
}

func decryptedToken(cfg domain.SourceConfig) string {
	return cfg.EncryptedAPIToken
}
