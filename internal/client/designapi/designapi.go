// Package designapi is the outbound client for the design platform's
// REST API, implementing the designemail.API surface the design-email
// adapter depends on (spec §4.3/§4.4).
package designapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/syncbridge/core/internal/adapter/designemail"
	"github.com/syncbridge/core/internal/httpclient"
	"github.com/syncbridge/core/internal/logging"
	"github.com/syncbridge/core/internal/metrics"
	"github.com/syncbridge/core/internal/resilience"
	syncerrors "github.com/syncbridge/core/internal/shared/errors"
)

const (
	defaultBaseURL    = "https://api.design.example.com/v1"
	defaultRateCap    = 2
	defaultRateRefill = 2
)

// Client implements designemail.API against the design platform's REST API.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	limiter *resilience.RateLimiter
	retry   syncerrors.RetryConfig
	logger  logging.Logger
}

var _ designemail.API = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the design platform API base URL.
func WithBaseURL(url string) Option { return func(c *Client) { c.baseURL = url } }

// New builds a Client wired with the standard resilience stack.
func New(logger logging.Logger, opts ...Option) *Client {
	logger = logging.OrNop(logger)
	c := &Client{
		baseURL: defaultBaseURL,
		breaker: resilience.NewCircuitBreaker("designapi", metrics.InstrumentedBreakerConfig(resilience.DefaultBreakerConfig())),
		limiter: resilience.NewRateLimiter(defaultRateCap, defaultRateRefill),
		retry:   syncerrors.DefaultRetryConfig(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	transport := httpclient.WrapWithRateLimit(httpclient.Transport(logger), c.limiter)
	transport = httpclient.WrapWithCircuitBreaker(transport, c.breaker)
	c.http = &http.Client{Timeout: 20 * time.Second, Transport: transport}
	return c
}

func (c *Client) FetchComment(ctx context.Context, token, fileKey, commentID string) (designemail.Comment, error) {
	var decoded commentDTO
	err := c.get(ctx, token, fmt.Sprintf("/files/%s/comments/%s", fileKey, commentID), &decoded)
	if err != nil {
		return designemail.Comment{}, err
	}
	return decoded.toComment(), nil
}

func (c *Client) FetchCommentThread(ctx context.Context, token, fileKey, commentID string) ([]designemail.Comment, error) {
	var decoded struct {
		Comments []commentDTO `json:"comments"`
	}
	if err := c.get(ctx, token, fmt.Sprintf("/files/%s/comments", fileKey), &decoded); err != nil {
		return nil, err
	}
	out := make([]designemail.Comment, 0, len(decoded.Comments))
	for _, c := range decoded.Comments {
		out = append(out, c.toComment())
	}
	return out, nil
}

func (c *Client) PostCommentReply(ctx context.Context, token, fileKey, commentID, message string) error {
	return c.post(ctx, token, fmt.Sprintf("/files/%s/comments", fileKey), map[string]any{
		"message":   message,
		"comment_id": commentID,
	}, nil)
}

func (c *Client) SetCommentReaction(ctx context.Context, token, fileKey, commentID, glyph string) error {
	return c.post(ctx, token, fmt.Sprintf("/files/%s/comments/%s/reactions", fileKey, commentID), map[string]any{
		"emoji": glyph,
	}, nil)
}

func (c *Client) ClearCommentReaction(ctx context.Context, token, fileKey, commentID, glyph string) error {
	err := c.post(ctx, token, fmt.Sprintf("/files/%s/comments/%s/reactions/delete", fileKey, commentID), map[string]any{
		"emoji": glyph,
	}, nil)
	if err != nil && syncerrors.IsPermanent(err) {
		// Clearing a reaction that was never set is not an error for our
		// purposes — the net effect (glyph absent) is already achieved.
		return nil
	}
	return err
}

func (c *Client) ResolveSlugTenant(ctx context.Context, token, slug string) (string, error) {
	var decoded struct {
		TenantID string `json:"tenant_id"`
	}
	if err := c.get(ctx, token, "/orgs/"+slug, &decoded); err != nil {
		return "", err
	}
	if decoded.TenantID == "" {
		return slug, nil
	}
	return decoded.TenantID, nil
}

func (c *Client) VerifyToken(ctx context.Context, token string) error {
	return c.get(ctx, token, "/me", &struct{}{})
}

type commentDTO struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id"`
	Author    struct{ Handle string `json:"handle"` } `json:"author"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (d commentDTO) toComment() designemail.Comment {
	return designemail.Comment{
		ID: d.ID, ParentID: d.ParentID, Author: d.Author.Handle, Message: d.Message, CreatedAt: d.CreatedAt,
	}
}

func (c *Client) get(ctx context.Context, token, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return syncerrors.NewPermanentError(fmt.Errorf("designapi: build request: %w", err), "")
	}
	req.Header.Set("X-Design-Token", token)
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, token, path string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return syncerrors.NewPermanentError(fmt.Errorf("designapi: marshal request: %w", err), "")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return syncerrors.NewPermanentError(fmt.Errorf("designapi: build request: %w", err), "")
	}
	req.Header.Set("X-Design-Token", token)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return syncerrors.NewTransientError(fmt.Errorf("designapi: request failed: %w", err), "")
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, 1<<20)
	if err != nil {
		return syncerrors.NewTransientError(fmt.Errorf("designapi: read response: %w", err), "")
	}
	if resp.StatusCode >= 400 {
		return &syncerrors.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return syncerrors.NewPermanentError(fmt.Errorf("designapi: decode response: %w", err), "")
	}
	return nil
}
