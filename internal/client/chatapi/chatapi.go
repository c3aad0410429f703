// Package chatapi is the outbound client for the chat platform's Web
// API, implementing the chatmention.API surface the chat-mention
// adapter depends on (spec §4.3/§4.4).
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syncbridge/core/internal/adapter/chatmention"
	"github.com/syncbridge/core/internal/httpclient"
	"github.com/syncbridge/core/internal/logging"
	"github.com/syncbridge/core/internal/metrics"
	"github.com/syncbridge/core/internal/resilience"
	syncerrors "github.com/syncbridge/core/internal/shared/errors"
)

const (
	defaultBaseURL    = "https://slack.com/api"
	defaultRateCap    = 1
	defaultRateRefill = 1

	// defaultRealtimeURL is dialed by DialRealtime as a connectivity
	// fallback when the REST auth-check can't reach the API (spec §4.3).
	defaultRealtimeURL = "wss://slack.com/api/rtm.connect"
)

// reactionAlreadyAdded and noReactionToRemove are the chat platform's
// "nothing to do" error codes; callers treat them as success (spec §4.3
// reaction idempotency).
const (
	reactionAlreadyAdded = "already_reacted"
	noReactionToRemove   = "no_reaction"
)

// Client implements chatmention.API against the chat platform's HTTP API.
type Client struct {
	baseURL     string
	realtimeURL string
	http        *http.Client
	dialer      *websocket.Dialer
	breaker     *resilience.CircuitBreaker
	limiter     *resilience.RateLimiter
	retry       syncerrors.RetryConfig
	logger      logging.Logger
}

var _ chatmention.API = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the chat platform API base URL.
func WithBaseURL(url string) Option { return func(c *Client) { c.baseURL = url } }

// WithRealtimeURL overrides the websocket URL DialRealtime connects to.
func WithRealtimeURL(url string) Option { return func(c *Client) { c.realtimeURL = url } }

// New builds a Client wired with the standard resilience stack.
func New(logger logging.Logger, opts ...Option) *Client {
	logger = logging.OrNop(logger)
	c := &Client{
		baseURL:     defaultBaseURL,
		realtimeURL: defaultRealtimeURL,
		dialer:      websocket.DefaultDialer,
		breaker:     resilience.NewCircuitBreaker("chatapi", metrics.InstrumentedBreakerConfig(resilience.DefaultBreakerConfig())),
		limiter:     resilience.NewRateLimiter(defaultRateCap, defaultRateRefill),
		retry:       syncerrors.DefaultRetryConfig(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	transport := httpclient.WrapWithRateLimit(httpclient.Transport(logger), c.limiter)
	transport = httpclient.WrapWithCircuitBreaker(transport, c.breaker)
	c.http = &http.Client{Timeout: 20 * time.Second, Transport: transport}
	return c
}

func (c *Client) FetchThreadReplies(ctx context.Context, token, channel, threadTS string) ([]chatmention.ThreadReply, error) {
	var out []chatmention.ThreadReply
	_, err := syncerrors.RetryWithResult(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		query := url.Values{"channel": {channel}, "ts": {threadTS}}
		var decoded struct {
			OK       bool `json:"ok"`
			Error    string `json:"error"`
			Messages []struct {
				User  string `json:"user"`
				Text  string `json:"text"`
				TS    string `json:"ts"`
				Files []struct {
					ID, Name, URLPrivate, Mimetype string
				} `json:"files"`
			} `json:"messages"`
		}
		if err := c.get(ctx, token, "/conversations.replies", query, &decoded); err != nil {
			return struct{}{}, err
		}
		if !decoded.OK {
			return struct{}{}, syncerrors.NewPermanentError(fmt.Errorf("chatapi: %s", decoded.Error), "")
		}
		out = make([]chatmention.ThreadReply, 0, len(decoded.Messages))
		for _, m := range decoded.Messages {
			files := make([]chatmention.ThreadFile, 0, len(m.Files))
			for _, f := range m.Files {
				files = append(files, chatmention.ThreadFile{ID: f.ID, Name: f.Name, URL: f.URLPrivate, Mimetype: f.Mimetype})
			}
			out = append(out, chatmention.ThreadReply{User: m.User, Text: m.Text, Timestamp: m.TS, Files: files})
		}
		return struct{}{}, nil
	})
	return out, err
}

func (c *Client) PostMessage(ctx context.Context, token, channel, threadTS, text string) error {
	return c.post(ctx, token, "/chat.postMessage", map[string]any{
		"channel":   channel,
		"thread_ts": threadTS,
		"text":      text,
	})
}

func (c *Client) AddReaction(ctx context.Context, token, channel, timestamp, emoji string) error {
	err := c.post(ctx, token, "/reactions.add", map[string]any{
		"channel": channel, "timestamp": timestamp, "name": emoji,
	})
	if isAPIError(err, reactionAlreadyAdded) {
		return nil
	}
	return err
}

func (c *Client) RemoveReaction(ctx context.Context, token, channel, timestamp, emoji string) error {
	err := c.post(ctx, token, "/reactions.remove", map[string]any{
		"channel": channel, "timestamp": timestamp, "name": emoji,
	})
	if isAPIError(err, noReactionToRemove) {
		return nil
	}
	return err
}

func (c *Client) ResolveWorkspaceTenant(ctx context.Context, token, workspaceID string) (string, error) {
	var decoded struct {
		OK   bool   `json:"ok"`
		Team string `json:"team_id"`
	}
	if err := c.get(ctx, token, "/team.info", nil, &decoded); err != nil {
		return "", err
	}
	if decoded.Team == "" {
		return workspaceID, nil
	}
	return decoded.Team, nil
}

func (c *Client) AuthTest(ctx context.Context, token string) error {
	var decoded struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := c.get(ctx, token, "/auth.test", nil, &decoded); err != nil {
		return err
	}
	if !decoded.OK {
		return syncerrors.NewPermanentError(fmt.Errorf("chatapi: auth test failed: %s", decoded.Error), "")
	}
	return nil
}

func (c *Client) get(ctx context.Context, token, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return syncerrors.NewPermanentError(fmt.Errorf("chatapi: build request: %w", err), "")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, token, path string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return syncerrors.NewPermanentError(fmt.Errorf("chatapi: marshal request: %w", err), "")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return syncerrors.NewPermanentError(fmt.Errorf("chatapi: build request: %w", err), "")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	var decoded struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := c.do(req, &decoded); err != nil {
		return err
	}
	if !decoded.OK {
		return syncerrors.NewPermanentError(fmt.Errorf("chatapi: %s", decoded.Error), "")
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return syncerrors.NewTransientError(fmt.Errorf("chatapi: request failed: %w", err), "")
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, 1<<20)
	if err != nil {
		return syncerrors.NewTransientError(fmt.Errorf("chatapi: read response: %w", err), "")
	}
	if resp.StatusCode >= 400 {
		return &syncerrors.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return syncerrors.NewPermanentError(fmt.Errorf("chatapi: decode response: %w", err), "")
	}
	return nil
}

func isAPIError(err error, code string) bool {
	return err != nil && strings.Contains(err.Error(), code)
}

// DialRealtime opens and immediately closes a connection to the chat
// platform's realtime (websocket) endpoint. It's used as a connectivity
// fallback when the REST auth-check endpoint is unreachable: some
// deployments firewall outbound REST calls but leave the long-lived
// realtime socket open, so a dial-only handshake can still confirm the
// token and network path are good.
func (c *Client) DialRealtime(ctx context.Context, token string) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := c.dialer.DialContext(ctx, c.realtimeURL, header)
	if err != nil {
		return syncerrors.NewTransientError(fmt.Errorf("chatapi: realtime dial failed: %w", err), "")
	}
	defer conn.Close()
	return nil
}
