// Package chatmention implements the chat-platform adapter: a bot is
// @-mentioned in a channel thread, and the mention (plus its thread) is
// turned into a Discussion (spec §4.3).
//
// The adapter only reacts to app_mention events; all other chat event
// types are ignored by returning (nil, nil) from ParseIncoming, per the
// filtering rule in spec §4.3.
package chatmention

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/syncbridge/core/internal/adapter"
	"github.com/syncbridge/core/internal/domain"
	"github.com/syncbridge/core/internal/logging"
	syncerrors "github.com/syncbridge/core/internal/shared/errors"
)

const sourceType = "chat_mention"

// statusReactions maps a domain.Status onto the reaction glyph the chat
// platform shows on the mentioned message (spec §4.3). Transitioning to a
// new status removes every other glyph in this map before adding the
// target one, so at most one of them is present at a time.
var statusReactions = map[domain.Status]string{
	domain.StatusPending:    "eyes",
	domain.StatusProcessing: "hourglass_flowing_sand",
	domain.StatusCompleted:  "white_check_mark",
	domain.StatusFailed:     "x",
}

// API is the subset of the chat platform's HTTP surface this adapter
// needs. Production code wires it to internal/client/chatapi.Client;
// tests use a fake.
type API interface {
	FetchThreadReplies(ctx context.Context, token, channel, threadTS string) ([]ThreadReply, error)
	PostMessage(ctx context.Context, token, channel, threadTS, text string) error
	AddReaction(ctx context.Context, token, channel, timestamp, emoji string) error
	RemoveReaction(ctx context.Context, token, channel, timestamp, emoji string) error
	ResolveWorkspaceTenant(ctx context.Context, token, workspaceID string) (string, error)
	AuthTest(ctx context.Context, token string) error
	DialRealtime(ctx context.Context, token string) error
}

// ThreadReply is one message in a chat-platform conversation.
type ThreadReply struct {
	User      string
	Text      string
	Timestamp string
	Files     []ThreadFile
}

// ThreadFile is an attachment on a ThreadReply.
type ThreadFile struct {
	ID, Name, URL, Mimetype string
}

// Adapter implements adapter.Adapter for chat-mention sources.
type Adapter struct {
	api       API
	botUserID string
	logger    logging.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New constructs a chat-mention Adapter. botUserID is the bot's own
// platform user id, used to strip the leading "<@BOTID>" token from
// mention text (spec §4.3).
func New(api API, botUserID string, logger logging.Logger) *Adapter {
	return &Adapter{api: api, botUserID: botUserID, logger: logging.OrNop(logger)}
}

func (a *Adapter) Name() string { return sourceType }

// ParseIncoming accepts only app_mention events. Any other event type
// (message, reaction_added, channel_rename, ...) is ignored.
func (a *Adapter) ParseIncoming(ctx context.Context, payload map[string]any) (*domain.ParsedDiscussion, error) {
	event, _ := payload["event"].(map[string]any)
	if event == nil {
		return nil, nil
	}
	if eventType, _ := event["type"].(string); eventType != "app_mention" {
		return nil, nil
	}

	channel, _ := event["channel"].(string)
	ts, _ := event["ts"].(string)
	user, _ := event["user"].(string)
	text, _ := event["text"].(string)

	threadTS := ts
	if parent, ok := event["thread_ts"].(string); ok && parent != "" {
		threadTS = parent
	}
	if channel == "" || ts == "" {
		return nil, fmt.Errorf("chatmention: app_mention missing channel or ts")
	}

	workspaceID, _ := payload["team_id"].(string)
	tenantID := workspaceID
	if a.api != nil && workspaceID != "" {
		token, _ := payload["bot_access_token"].(string)
		if resolved, err := a.api.ResolveWorkspaceTenant(ctx, token, workspaceID); err == nil && resolved != "" {
			tenantID = resolved
		}
	}

	return &domain.ParsedDiscussion{
		SourceType:     sourceType,
		SourceThreadID: channel + ":" + threadTS,
		SourceURL:      fmt.Sprintf("slack://channel/%s/p%s", channel, strings.ReplaceAll(ts, ".", "")),
		TenantID:       tenantID,
		AuthorHandle:   user,
		Content:        a.stripBotMention(text),
		Timestamp:      parseSlackTimestamp(ts),
		Metadata: map[string]string{
			"channel":   channel,
			"thread_ts": threadTS,
			"ts":        ts,
		},
	}, nil
}

// stripBotMention removes a single leading "<@BOTID>" token (optionally
// followed by whitespace) from text.
func (a *Adapter) stripBotMention(text string) string {
	if a.botUserID == "" {
		return strings.TrimSpace(text)
	}
	mention := "<@" + a.botUserID + ">"
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, mention) {
		return strings.TrimSpace(trimmed[len(mention):])
	}
	return trimmed
}

func parseSlackTimestamp(ts string) time.Time {
	var seconds int64
	var micros int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &seconds, &micros); err != nil {
		return time.Now().UTC()
	}
	return time.Unix(seconds, micros*1000).UTC()
}

// FetchThread resolves channel and thread_ts out of sourceThreadID
// ("channel:thread_ts", as produced by ParseIncoming) and retrieves the
// full reply chain.
func (a *Adapter) FetchThread(ctx context.Context, cfg domain.SourceConfig, sourceThreadID string) (*domain.Thread, error) {
	channel, threadTS, err := splitThreadID(sourceThreadID)
	if err != nil {
		return nil, err
	}
	token := decryptedToken(cfg)

	replies, err := a.api.FetchThreadReplies(ctx, token, channel, threadTS)
	if err != nil {
		return nil, fmt.Errorf("chatmention: fetch thread: %w", err)
	}
	if len(replies) == 0 {
		return nil, fmt.Errorf("chatmention: thread %s has no messages", sourceThreadID)
	}

	root := toThreadMessage(replies[0])
	rest := make([]domain.ThreadMessage, 0, len(replies)-1)
	participants := []string{root.Author}
	for _, reply := range replies[1:] {
		msg := toThreadMessage(reply)
		rest = append(rest, msg)
		participants = append(participants, msg.Author)
	}

	return &domain.Thread{
		ID:           sourceThreadID,
		Root:         root,
		Replies:      rest,
		Participants: domain.DedupeParticipants(participants),
		Metadata:     map[string]string{"channel": channel, "thread_ts": threadTS},
	}, nil
}

func toThreadMessage(r ThreadReply) domain.ThreadMessage {
	attachments := make([]domain.Attachment, 0, len(r.Files))
	for _, f := range r.Files {
		attachments = append(attachments, domain.Attachment{
			ID: f.ID, Kind: domain.AttachmentFile, URL: f.URL, Name: f.Name, Mime: f.Mimetype,
		})
	}
	return domain.ThreadMessage{
		ID:          r.Timestamp,
		Author:      r.User,
		Content:     r.Text,
		Timestamp:   parseSlackTimestamp(r.Timestamp),
		Attachments: attachments,
	}
}

func splitThreadID(sourceThreadID string) (channel, threadTS string, err error) {
	idx := strings.IndexByte(sourceThreadID, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("chatmention: malformed source thread id %q", sourceThreadID)
	}
	return sourceThreadID[:idx], sourceThreadID[idx+1:], nil
}

// PostReply posts message as a threaded reply under sourceThreadID,
// unless cfg.PostConfirmation is false, in which case it returns
// (false, nil) without calling the chat API at all (spec §4.1).
func (a *Adapter) PostReply(ctx context.Context, cfg domain.SourceConfig, sourceThreadID string, message string) (bool, error) {
	if !cfg.PostConfirmation {
		return false, nil
	}
	channel, threadTS, err := splitThreadID(sourceThreadID)
	if err != nil {
		return false, err
	}
	if err := a.api.PostMessage(ctx, decryptedToken(cfg), channel, threadTS, message); err != nil {
		return false, fmt.Errorf("chatmention: post reply: %w", err)
	}
	return true, nil
}

// UpdateStatus removes every other status reaction before adding the one
// for status, so the mentioned message always shows at most one status
// glyph (spec §4.3).
func (a *Adapter) UpdateStatus(ctx context.Context, cfg domain.SourceConfig, sourceThreadID string, status domain.Status) error {
	channel, threadTS, err := splitThreadID(sourceThreadID)
	if err != nil {
		return err
	}
	target, ok := statusReactions[status]
	if !ok {
		return fmt.Errorf("chatmention: no reaction mapped for status %q", status)
	}
	token := decryptedToken(cfg)

	for s, emoji := range statusReactions {
		if s == status {
			continue
		}
		if err := a.api.RemoveReaction(ctx, token, channel, threadTS, emoji); err != nil {
			a.logger.Debug("chatmention: remove reaction %s on %s: %v (likely already absent)", emoji, sourceThreadID, err)
		}
	}
	if err := a.api.AddReaction(ctx, token, channel, threadTS, target); err != nil {
		return fmt.Errorf("chatmention: add reaction %s: %w", target, err)
	}
	return nil
}

// ValidateConfig requires an API token to be present.
func (a *Adapter) ValidateConfig(cfg domain.SourceConfig) error {
	if cfg.EncryptedAPIToken == "" {
		return fmt.Errorf("chatmention: source config %s missing api token", cfg.ID)
	}
	return nil
}

// TestConnection calls the chat platform's auth-check endpoint, falling
// back to a realtime-socket handshake when the REST call fails with a
// transient (network-level) error rather than an auth rejection.
func (a *Adapter) TestConnection(ctx context.Context, cfg domain.SourceConfig) error {
	token := decryptedToken(cfg)
	err := a.api.AuthTest(ctx, token)
	if err == nil {
		return nil
	}
	if !syncerrors.IsTransient(err) {
		return fmt.Errorf("chatmention: test connection: %w", err)
	}
	if wsErr := a.api.DialRealtime(ctx, token); wsErr != nil {
		return fmt.Errorf("chatmention: test connection: rest failed (%v), realtime fallback failed: %w", err, wsErr)
	}
	return nil
}

// decryptedToken is a placeholder seam: callers are expected to pass in
// a SourceConfig whose token fields have already been decrypted by the
// processor before the adapter call (see internal/processor). Adapters
// never hold a master key.
func decryptedToken(cfg domain.SourceConfig) string {
	return cfg.EncryptedAPIToken
}
