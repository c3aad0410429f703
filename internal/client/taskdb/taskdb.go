// Package taskdb is the outbound client for the external task-tracking
// database used as the sync target (spec §4.4). Every call is wrapped
// retry -> circuit breaker -> rate limiter -> HTTP, the same resilience
// stack layering as the other outbound clients in this module.
package taskdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/syncbridge/core/internal/domain"
	"github.com/syncbridge/core/internal/httpclient"
	"github.com/syncbridge/core/internal/logging"
	"github.com/syncbridge/core/internal/metrics"
	"github.com/syncbridge/core/internal/resilience"
	syncerrors "github.com/syncbridge/core/internal/shared/errors"
)

const (
	defaultBaseURL       = "https://api.taskdb.example.com/v1"
	dedupeCacheSize      = 1024
	dedupeCacheTTL       = 10 * time.Minute
	duplicateCacheSize   = 1024
	duplicateCacheTTL    = 10 * time.Minute
	defaultRateCapacity  = 3
	defaultRateRefillSec = 3
)

// Client creates task database pages for synced discussions.
type Client struct {
	baseURL   string
	apiKey    string
	http      *http.Client
	breaker   *resilience.CircuitBreaker
	limiter   *resilience.RateLimiter
	retry     syncerrors.RetryConfig
	dedupe    *resilience.Cache[string, string]
	duplicate *resilience.Cache[string, duplicateEntry]
	inflight  singleflight.Group
	logger    logging.Logger
}

// duplicateEntry is a cached findDuplicateByUrl outcome. Both a miss
// (Found=false) and a hit are cached, so a second lookup for the same
// (database, url) never reaches the upstream API (spec §8 invariant 12).
type duplicateEntry struct {
	Found  bool
	PageID string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the task database API base URL.
func WithBaseURL(url string) Option { return func(c *Client) { c.baseURL = url } }

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option { return func(c *Client) { c.apiKey = key } }

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg syncerrors.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// New builds a Client wired with the standard resilience stack.
func New(logger logging.Logger, opts ...Option) *Client {
	logger = logging.OrNop(logger)
	c := &Client{
		baseURL: defaultBaseURL,
		breaker: resilience.NewCircuitBreaker("taskdb", metrics.InstrumentedBreakerConfig(resilience.DefaultBreakerConfig())),
		limiter: resilience.NewRateLimiter(defaultRateCapacity, defaultRateRefillSec),
		retry:     syncerrors.DefaultRetryConfig(),
		dedupe:    resilience.NewCache[string, string](dedupeCacheSize, dedupeCacheTTL),
		duplicate: resilience.NewCache[string, duplicateEntry](duplicateCacheSize, duplicateCacheTTL),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	transport := httpclient.WrapWithRateLimit(httpclient.Transport(logger), c.limiter)
	transport = httpclient.WrapWithCircuitBreaker(transport, c.breaker)
	c.http = &http.Client{Timeout: 30 * time.Second, Transport: transport}
	return c
}

// Page is the created task-database record.
type Page struct {
	ID  string
	URL string
}

// Block is one content block in the page body, built from a Thread's
// messages (spec §4.4).
type Block struct {
	Type    string
	Author  string
	Content string
}

// CreatePageRequest is the mapped, ready-to-send representation of a
// sync operation's output.
type CreatePageRequest struct {
	DatabaseID string
	Properties map[string]any
	Blocks     []Block
}

// TaskProperties is the raw field data BuildProperties maps onto
// task-DB property names. Any field left empty is simply omitted from
// the result (there's no sentinel "unset" distinct from "blank").
type TaskProperties struct {
	Title      string
	Status     string
	SourceURL  string
	Priority   string
	Assignee   string
	Due        string
	Tags       string
}

// BuildProperties maps discussion/task data onto task-DB property names
// using mapping, omitting any property whose mapping is empty (spec §3
// FieldMapping invariant).
func BuildProperties(mapping domain.FieldMapping, props TaskProperties) map[string]any {
	out := make(map[string]any)
	setIfMapped(out, mapping.Title, props.Title)
	setIfMapped(out, mapping.Status, props.Status)
	setIfMapped(out, mapping.SourceURL, props.SourceURL)
	setIfMapped(out, mapping.Priority, props.Priority)
	setIfMapped(out, mapping.Assignee, props.Assignee)
	setIfMapped(out, mapping.Due, props.Due)
	setIfMapped(out, mapping.Tags, props.Tags)
	return out
}

func setIfMapped(props map[string]any, key, value string) {
	if key == "" || value == "" {
		return
	}
	props[key] = value
}

// BuildSummaryBlock renders the AI-generated thread summary as a
// callout block. It returns no blocks when summary is empty, which
// happens whenever AI analysis was skipped or degraded (spec §4.7).
func BuildSummaryBlock(summary string) []Block {
	if summary == "" {
		return nil
	}
	return []Block{{Type: "callout", Content: summary}}
}

// BuildDescriptionBlock renders a thread's messages as a sequence of
// paragraph blocks, root first.
func BuildDescriptionBlock(thread domain.Thread) []Block {
	messages := thread.AllMessages()
	blocks := make([]Block, 0, len(messages))
	for _, m := range messages {
		blocks = append(blocks, Block{Type: "paragraph", Author: m.Author, Content: m.Content})
	}
	return blocks
}

// BuildMetadataBlock renders the thread's participants as a compact
// key/value block, or no block at all when there are none recorded.
func BuildMetadataBlock(thread domain.Thread) []Block {
	if len(thread.Participants) == 0 {
		return nil
	}
	return []Block{{Type: "metadata", Content: "participants: " + strings.Join(thread.Participants, ", ")}}
}

// BuildSourceLinkBlock renders a link back to the originating
// discussion thread, or no block when sourceURL is empty.
func BuildSourceLinkBlock(sourceURL string) []Block {
	if sourceURL == "" {
		return nil
	}
	return []Block{{Type: "link", Content: sourceURL}}
}

// DividerBlock is a visual separator between sections of a page.
func DividerBlock() Block { return Block{Type: "divider"} }

// BuildBlocks assembles a full task page body out of the named
// block-builders above: summary, a divider, the thread's messages,
// another divider, then metadata and the source link. No single
// builder here produces more than a handful of blocks; BuildBlocks
// only decides the order they appear in.
func BuildBlocks(thread domain.Thread, summary, sourceURL string) []Block {
	var blocks []Block
	if summaryBlocks := BuildSummaryBlock(summary); len(summaryBlocks) > 0 {
		blocks = append(blocks, summaryBlocks...)
		blocks = append(blocks, DividerBlock())
	}
	blocks = append(blocks, BuildDescriptionBlock(thread)...)
	blocks = append(blocks, DividerBlock())
	blocks = append(blocks, BuildMetadataBlock(thread)...)
	blocks = append(blocks, BuildSourceLinkBlock(sourceURL)...)
	return blocks
}

// BuildTaskBlocks assembles a page body for a single detected task
// (spec §4.7 multi-task creation), reusing the same named
// block-builders as BuildBlocks but around a task's own description
// rather than a full thread transcript.
func BuildTaskBlocks(description, summary, sourceURL string) []Block {
	var blocks []Block
	if summaryBlocks := BuildSummaryBlock(summary); len(summaryBlocks) > 0 {
		blocks = append(blocks, summaryBlocks...)
		blocks = append(blocks, DividerBlock())
	}
	blocks = append(blocks, Block{Type: "paragraph", Content: description})
	blocks = append(blocks, DividerBlock())
	blocks = append(blocks, BuildSourceLinkBlock(sourceURL)...)
	return blocks
}

// CreatePage creates a page in the task database for req, guarded by the
// dedupe cache keyed on dedupeKey (typically tenant:sourceThreadID) so a
// retried or duplicate-delivered webhook never creates two pages for the
// same discussion (spec §8 invariant 2). Concurrent misses on the same
// dedupeKey (e.g. a webhook delivered twice back-to-back, before the first
// delivery's page exists yet) are collapsed into a single in-flight
// request via singleflight, so the dedupe cache can't be raced.
func (c *Client) CreatePage(ctx context.Context, dedupeKey string, req CreatePageRequest) (Page, error) {
	if pageID, ok := c.dedupe.Get(dedupeKey); ok {
		metrics.RecordCacheResult("taskdb_dedupe", true)
		return Page{ID: pageID}, nil
	}
	metrics.RecordCacheResult("taskdb_dedupe", false)

	result, err, _ := c.inflight.Do(dedupeKey, func() (interface{}, error) {
		if pageID, ok := c.dedupe.Get(dedupeKey); ok {
			return Page{ID: pageID}, nil
		}
		page, err := c.createPageRetried(ctx, req)
		if err != nil {
			return Page{}, err
		}
		c.dedupe.Set(dedupeKey, page.ID)
		return page, nil
	})
	if err != nil {
		return Page{}, err
	}
	return result.(Page), nil
}

func (c *Client) createPageRetried(ctx context.Context, req CreatePageRequest) (Page, error) {
	return syncerrors.RetryWithResult(ctx, c.retry, func(ctx context.Context) (Page, error) {
		return c.createPageOnce(ctx, req)
	})
}

// CreateTasks creates one page per task, in order, and returns the
// pages created before any failure along with an error describing how
// far it got (spec §4.7 multi-task creation). It is intentionally
// sequential rather than fanned out: the shared rate-limited transport
// already spaces requests, and partial progress needs a stable,
// reportable order.
func (c *Client) CreateTasks(ctx context.Context, databaseID string, mapping domain.FieldMapping, sourceURL, summary string, tasks []TaskInput) ([]Page, error) {
	pages := make([]Page, 0, len(tasks))
	for i, task := range tasks {
		req := CreatePageRequest{
			DatabaseID: databaseID,
			Properties: BuildProperties(mapping, TaskProperties{
				Title:    task.Title,
				Status:   task.Status,
				Priority: task.Priority,
			}),
			Blocks: BuildTaskBlocks(task.Description, summary, sourceURL),
		}
		page, err := c.createPageRetried(ctx, req)
		if err != nil {
			return pages, fmt.Errorf("taskdb: create task %d/%d: %w (created %d of %d before failure)", i+1, len(tasks), err, len(pages), len(tasks))
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// TaskInput is one task to create as its own page via CreateTasks.
type TaskInput struct {
	Title       string
	Description string
	Priority    string
	Status      string
}

// UpdatePage applies a partial update to an existing page.
func (c *Client) UpdatePage(ctx context.Context, pageID string, req UpdatePageRequest) (Page, error) {
	return syncerrors.RetryWithResult(ctx, c.retry, func(ctx context.Context) (Page, error) {
		body, err := json.Marshal(map[string]any{
			"properties": req.Properties,
			"blocks":     req.Blocks,
		})
		if err != nil {
			return Page{}, syncerrors.NewPermanentError(fmt.Errorf("taskdb: marshal request: %w", err), "")
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/pages/"+pageID, bytes.NewReader(body))
		if err != nil {
			return Page{}, syncerrors.NewPermanentError(fmt.Errorf("taskdb: build request: %w", err), "")
		}
		c.authorize(httpReq)
		var decoded struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		}
		if err := c.doJSON(httpReq, &decoded); err != nil {
			return Page{}, err
		}
		return Page{ID: decoded.ID, URL: decoded.URL}, nil
	})
}

// UpdatePageRequest is a partial page update; nil fields are left
// unchanged upstream.
type UpdatePageRequest struct {
	Properties map[string]any
	Blocks     []Block
}

// QueryFilter narrows QueryDatabase to pages whose SourceURL property
// equals SourceURLEquals, when set.
type QueryFilter struct {
	SourceURLEquals string
}

// QueryResult is one page of QueryDatabase results.
type QueryResult struct {
	Pages      []Page
	NextCursor string
	HasMore    bool
}

// QueryDatabase returns a single cursor-paginated page of results
// matching filter. Callers needing every match loop until HasMore is
// false.
func (c *Client) QueryDatabase(ctx context.Context, databaseID string, filter QueryFilter, cursor string) (QueryResult, error) {
	return syncerrors.RetryWithResult(ctx, c.retry, func(ctx context.Context) (QueryResult, error) {
		body, err := json.Marshal(map[string]any{
			"filter":      map[string]any{"source_url": filter.SourceURLEquals},
			"start_cursor": cursor,
		})
		if err != nil {
			return QueryResult{}, syncerrors.NewPermanentError(fmt.Errorf("taskdb: marshal request: %w", err), "")
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/databases/"+databaseID+"/query", bytes.NewReader(body))
		if err != nil {
			return QueryResult{}, syncerrors.NewPermanentError(fmt.Errorf("taskdb: build request: %w", err), "")
		}
		c.authorize(httpReq)
		var decoded struct {
			Results []struct {
				ID  string `json:"id"`
				URL string `json:"url"`
			} `json:"results"`
			NextCursor string `json:"next_cursor"`
			HasMore    bool   `json:"has_more"`
		}
		if err := c.doJSON(httpReq, &decoded); err != nil {
			return QueryResult{}, err
		}
		out := QueryResult{NextCursor: decoded.NextCursor, HasMore: decoded.HasMore}
		for _, r := range decoded.Results {
			out.Pages = append(out.Pages, Page{ID: r.ID, URL: r.URL})
		}
		return out, nil
	})
}

// Database is a task-database container's identity, as returned by
// RetrieveDatabase.
type Database struct {
	ID   string
	Name string
}

// RetrieveDatabase fetches a database's identity. It's used by
// testConnection to verify a configured database ID is reachable and
// valid before a source config is activated.
func (c *Client) RetrieveDatabase(ctx context.Context, databaseID string) (Database, error) {
	return syncerrors.RetryWithResult(ctx, c.retry, func(ctx context.Context) (Database, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/databases/"+databaseID, nil)
		if err != nil {
			return Database{}, syncerrors.NewPermanentError(fmt.Errorf("taskdb: build request: %w", err), "")
		}
		c.authorize(httpReq)
		var decoded struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := c.doJSON(httpReq, &decoded); err != nil {
			return Database{}, err
		}
		return Database{ID: decoded.ID, Name: decoded.Name}, nil
	})
}

// TestConnection verifies databaseID is reachable with the client's
// current credentials, for use by source-config validation flows.
func (c *Client) TestConnection(ctx context.Context, databaseID string) error {
	_, err := c.RetrieveDatabase(ctx, databaseID)
	return err
}

// FindDuplicateByURL reports whether a page with the given source URL
// already exists in databaseID. Both hits and misses are cached keyed
// on (databaseID, sourceURL), so a second lookup for the same pair
// never calls upstream (spec §8 invariant 12).
func (c *Client) FindDuplicateByURL(ctx context.Context, databaseID, sourceURL string) (string, bool, error) {
	cacheKey := databaseID + "|" + sourceURL
	if entry, ok := c.duplicate.Get(cacheKey); ok {
		metrics.RecordCacheResult("taskdb_duplicate", true)
		return entry.PageID, entry.Found, nil
	}
	metrics.RecordCacheResult("taskdb_duplicate", false)

	cursor := ""
	for {
		result, err := c.QueryDatabase(ctx, databaseID, QueryFilter{SourceURLEquals: sourceURL}, cursor)
		if err != nil {
			return "", false, err
		}
		if len(result.Pages) > 0 {
			page := result.Pages[0]
			c.duplicate.Set(cacheKey, duplicateEntry{Found: true, PageID: page.ID})
			return page.ID, true, nil
		}
		if !result.HasMore {
			break
		}
		cursor = result.NextCursor
	}
	c.duplicate.Set(cacheKey, duplicateEntry{Found: false})
	return "", false, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return syncerrors.NewTransientError(fmt.Errorf("taskdb: request failed: %w", err), "")
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, 1<<20)
	if err != nil {
		return syncerrors.NewTransientError(fmt.Errorf("taskdb: read response: %w", err), "")
	}
	if resp.StatusCode >= 400 {
		return &syncerrors.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return syncerrors.NewPermanentError(fmt.Errorf("taskdb: decode response: %w", err), "")
	}
	return nil
}

func (c *Client) createPageOnce(ctx context.Context, req CreatePageRequest) (Page, error) {
	body, err := json.Marshal(map[string]any{
		"database_id": req.DatabaseID,
		"properties":  req.Properties,
		"blocks":      req.Blocks,
	})
	if err != nil {
		return Page{}, syncerrors.NewPermanentError(fmt.Errorf("taskdb: marshal request: %w", err), "")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pages", bytes.NewReader(body))
	if err != nil {
		return Page{}, syncerrors.NewPermanentError(fmt.Errorf("taskdb: build request: %w", err), "")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Page{}, syncerrors.NewTransientError(fmt.Errorf("taskdb: request failed: %w", err), "")
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, 1<<20)
	if err != nil {
		return Page{}, syncerrors.NewTransientError(fmt.Errorf("taskdb: read response: %w", err), "")
	}
	if resp.StatusCode >= 400 {
		return Page{}, &syncerrors.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var decoded struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Page{}, syncerrors.NewPermanentError(fmt.Errorf("taskdb: decode response: %w", err), "")
	}
	return Page{ID: decoded.ID, URL: decoded.URL}, nil
}
