// Package llm is the outbound client used by the ai_analysis pipeline
// stage to summarize a thread and detect the tasks a comment describes
// (spec §4.4/§4.7). Failures here are degraded, never fatal: the
// processor falls back to posting the thread unsummarized rather than
// failing the whole sync (spec §4.7, §7).
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/syncbridge/core/internal/domain"
	"github.com/syncbridge/core/internal/httpclient"
	"github.com/syncbridge/core/internal/logging"
	"github.com/syncbridge/core/internal/metrics"
	"github.com/syncbridge/core/internal/resilience"
	syncerrors "github.com/syncbridge/core/internal/shared/errors"
)

const (
	defaultBaseURL    = "https://api.llm.example.com/v1"
	summaryCacheSize  = 512
	summaryCacheTTL   = 15 * time.Minute
	taskCacheSize     = 512
	taskCacheTTL      = 15 * time.Minute
	defaultRateCap    = 5
	defaultRateRefill = 5

	maxTaskTitleLen = 50
)

// validPriorities is the enum detectTasks coerces an out-of-range
// priority value into medium against (spec §4.4).
var validPriorities = map[string]bool{"low": true, "medium": true, "high": true}

const defaultPriority = "medium"

// SummaryResult is the structured output of generateSummary.
type SummaryResult struct {
	Summary          string
	KeyPoints        []string
	SuggestedActions []string
	Cached           bool
}

// Task is one unit of work detectTasks extracted from a comment.
type Task struct {
	ID          string
	Title       string
	Description string
	Priority    string
}

// TaskDetectionResult is the structured output of detectTasks.
type TaskDetectionResult struct {
	IsMultiTask    bool
	Tasks          []Task
	OverallContext string
}

// Client calls the LLM provider to summarize threads and detect tasks.
type Client struct {
	baseURL       string
	model         string
	apiKey        string
	http          *http.Client
	breaker       *resilience.CircuitBreaker
	limiter       *resilience.RateLimiter
	retry         syncerrors.RetryConfig
	summaryCache  *resilience.Cache[string, SummaryResult]
	taskCache     *resilience.Cache[string, TaskDetectionResult]
	logger        logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the LLM API base URL.
func WithBaseURL(url string) Option { return func(c *Client) { c.baseURL = url } }

// WithModel overrides the model identifier sent with every request.
func WithModel(model string) Option { return func(c *Client) { c.model = model } }

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
		baseURL:      defaultBaseURL,
		model:        "default",
		breaker:      resilience.NewCircuitBreaker("llm", metrics.InstrumentedBreakerConfig(resilience.DefaultBreakerConfig())),
		limiter:      resilience.NewRateLimiter(defaultRateCap, defaultRateRefill),
		retry:        syncerrors.DefaultRetryConfig(),
		summaryCache: resilience.NewCache[string, SummaryResult](summaryCacheSize, summaryCacheTTL),
		taskCache:    resilience.NewCache[string, TaskDetectionResult](taskCacheSize, taskCacheTTL),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	transport := httpclient.WrapWithRateLimit(httpclient.Transport(logger), c.limiter)
	transport = httpclient.WrapWithCircuitBreaker(transport, c.breaker)
	c.http = &http.Client{Timeout: 45 * time.Second, Transport: transport}
	return c
}

// GenerateSummary summarizes thread, caching the result under a hash of
// the thread's ordered message ids so a retried run of the same thread
// doesn't re-spend tokens (spec §4.4). fileName and customPrompt are
// optional context hints passed straight through to the prompt.
func (c *Client) GenerateSummary(ctx context.Context, thread domain.Thread, fileName, customPrompt string) (SummaryResult, error) {
	cacheKey := hashMessageIDs(thread)
	if cached, ok := c.summaryCache.Get(cacheKey); ok {
		metrics.RecordCacheResult("llm_summary", true)
		cached.Cached = true
		return cached, nil
	}
	metrics.RecordCacheResult("llm_summary", false)

	result, err := syncerrors.RetryWithResult(ctx, c.retry, func(ctx context.Context) (SummaryResult, error) {
		return c.generateSummaryOnce(ctx, thread, fileName, customPrompt)
	})
	if err != nil {
		return SummaryResult{}, syncerrors.NewDegradedError(err, "llm: summary unavailable, continuing without it")
	}
	c.summaryCache.Set(cacheKey, result)
	return result, nil
}

// DetectTasks decides whether commentText describes one or more distinct
// tasks, caching the result under a hash of the comment text itself
// (spec §4.4) — unlike GenerateSummary, the cache key does not depend on
// the surrounding thread, since the same comment detected in isolation
// should hit the cache regardless of which thread it arrived on.
func (c *Client) DetectTasks(ctx context.Context, commentText, threadContext, fileName, customPrompt string) (TaskDetectionResult, error) {
	cacheKey := hashText(commentText)
	if cached, ok := c.taskCache.Get(cacheKey); ok {
		metrics.RecordCacheResult("llm_detect_tasks", true)
		return cached, nil
	}
	metrics.RecordCacheResult("llm_detect_tasks", false)

	result, err := syncerrors.RetryWithResult(ctx, c.retry, func(ctx context.Context) (TaskDetectionResult, error) {
		return c.detectTasksOnce(ctx, commentText, threadContext, fileName, customPrompt)
	})
	if err != nil {
		return TaskDetectionResult{}, syncerrors.NewDegradedError(err, "llm: task detection unavailable, continuing without it")
	}
	c.taskCache.Set(cacheKey, result)
	return result, nil
}

func (c *Client) generateSummaryOnce(ctx context.Context, thread domain.Thread, fileName, customPrompt string) (SummaryResult, error) {
	prompt := buildThreadPrompt(thread, fileName, customPrompt)
	content, err := c.complete(ctx, summarySystemPrompt, prompt)
	if err != nil {
		return SummaryResult{}, err
	}
	return coerceSummary(content), nil
}

func (c *Client) detectTasksOnce(ctx context.Context, commentText, threadContext, fileName, customPrompt string) (TaskDetectionResult, error) {
	prompt := buildDetectTasksPrompt(commentText, threadContext, fileName, customPrompt)
	content, err := c.complete(ctx, detectTasksSystemPrompt, prompt)
	if err != nil {
		return TaskDetectionResult{}, err
	}
	return coerceDetectTasks(content, commentText), nil
}

// complete issues a single chat-completion request and returns the first
// choice's raw message content. Shared by both operations; they differ
// only in system prompt, user prompt, and how the reply is coerced.
func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
	})
	if err != nil {
		return "", syncerrors.NewPermanentError(fmt.Errorf("llm: marshal request: %w", err), "")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", syncerrors.NewPermanentError(fmt.Errorf("llm: build request: %w", err), "")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", syncerrors.NewTransientError(fmt.Errorf("llm: request failed: %w", err), "")
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, 2<<20)
	if err != nil {
		return "", syncerrors.NewTransientError(fmt.Errorf("llm: read response: %w", err), "")
	}
	if resp.StatusCode >= 400 {
		return "", &syncerrors.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", syncerrors.NewPermanentError(fmt.Errorf("llm: decode response: %w", err), "")
	}
	if len(decoded.Choices) == 0 {
		return "", syncerrors.NewPermanentError(fmt.Errorf("llm: empty response"), "")
	}
	return decoded.Choices[0].Message.Content, nil
}

const summarySystemPrompt = "Summarize the discussion thread as a single JSON object " +
	`{"summary":string,"keyPoints":string[],"suggestedActions":string[]}. ` +
	"keyPoints and suggestedActions may be empty arrays."

const detectTasksSystemPrompt = "Read the comment and decide, as a single JSON object " +
	`{"isMultiTask":bool,"tasks":[{"id":string,"title":string,"description":string,"priority":"low"|"medium"|"high"}],"overallContext":string}, ` +
	"whether it describes one or more than one distinct piece of work."

func buildThreadPrompt(thread domain.Thread, fileName, customPrompt string) string {
	var b strings.Builder
	if fileName != "" {
		fmt.Fprintf(&b, "File: %s\n", fileName)
	}
	for _, m := range thread.AllMessages() {
		fmt.Fprintf(&b, "%s: %s\n", m.Author, m.Content)
	}
	if customPrompt != "" {
		fmt.Fprintf(&b, "\n%s\n", customPrompt)
	}
	return b.String()
}

func buildDetectTasksPrompt(commentText, threadContext, fileName, customPrompt string) string {
	var b strings.Builder
	if fileName != "" {
		fmt.Fprintf(&b, "File: %s\n", fileName)
	}
	fmt.Fprintf(&b, "Comment: %s\n", commentText)
	if threadContext != "" {
		fmt.Fprintf(&b, "Thread context: %s\n", threadContext)
	}
	if customPrompt != "" {
		fmt.Fprintf(&b, "\n%s\n", customPrompt)
	}
	return b.String()
}

// coerceSummary parses the model's JSON reply, falling back to the raw
// text as the summary if the model didn't return valid JSON — the model
// is not a trusted parser, and a malformed reply must not fail the
// pipeline stage (spec §4.7).
func coerceSummary(raw string) SummaryResult {
	var decoded struct {
		Summary          string   `json:"summary"`
		KeyPoints        []string `json:"keyPoints"`
		SuggestedActions []string `json:"suggestedActions"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &decoded); err != nil {
		return SummaryResult{Summary: raw}
	}
	return SummaryResult{
		Summary:          decoded.Summary,
		KeyPoints:        decoded.KeyPoints,
		SuggestedActions: decoded.SuggestedActions,
	}
}

// coerceDetectTasks parses the model's JSON reply into a
// TaskDetectionResult, applying the three normalisations spec §4.4
// requires of every task object (id generation, priority coercion,
// title truncation) and the two fallback paths (zero tasks synthesised
// from the comment, unparsable reply folded into a single task) — the
// parse error itself is never surfaced to the pipeline.
func coerceDetectTasks(raw, commentText string) TaskDetectionResult {
	var decoded struct {
		IsMultiTask    bool   `json:"isMultiTask"`
		OverallContext string `json:"overallContext"`
		Tasks          []struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			Description string `json:"description"`
			Priority    string `json:"priority"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &decoded); err != nil {
		return TaskDetectionResult{Tasks: []Task{singleTaskFrom(commentText)}}
	}

	tasks := make([]Task, 0, len(decoded.Tasks))
	for _, t := range decoded.Tasks {
		tasks = append(tasks, normalizeTask(t.ID, t.Title, t.Description, t.Priority))
	}
	if len(tasks) == 0 {
		return TaskDetectionResult{OverallContext: decoded.OverallContext, Tasks: []Task{singleTaskFrom(commentText)}}
	}

	return TaskDetectionResult{
		IsMultiTask:    decoded.IsMultiTask && len(tasks) >= 2,
		Tasks:          tasks,
		OverallContext: decoded.OverallContext,
	}
}

func singleTaskFrom(commentText string) Task {
	return normalizeTask("", commentText, commentText, "")
}

func normalizeTask(id, title, description, priority string) Task {
	if id == "" {
		id = uuid.New().String()
	}
	if !validPriorities[priority] {
		priority = defaultPriority
	}
	if runes := []rune(title); len(runes) > maxTaskTitleLen {
		title = string(runes[:maxTaskTitleLen])
	}
	return Task{ID: id, Title: title, Description: description, Priority: priority}
}

func hashMessageIDs(thread domain.Thread) string {
	var b strings.Builder
	for _, m := range thread.AllMessages() {
		b.WriteString(m.ID)
		b.WriteByte('\n')
	}
	return hashText(b.String())
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
