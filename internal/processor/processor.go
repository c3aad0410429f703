// Package processor runs the seven-stage sync pipeline that turns a
// pending Discussion into one or more tasks (spec §4.7):
// pending -> team_resolution -> config_loading -> thread_building ->
// [ai_analysis] -> task_creation -> [notification] -> completed.
//
// Stage transitions are one-way and tracked on a flat SyncJob record
// rather than a generic workflow graph, since this pipeline's stages are
// fixed and never branch; the job record is saved once the run ends.
package processor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/syncbridge/core/internal/adapter"
	"github.com/syncbridge/core/internal/client/llm"
	"github.com/syncbridge/core/internal/client/taskdb"
	"github.com/syncbridge/core/internal/crypto"
	"github.com/syncbridge/core/internal/domain"
	"github.com/syncbridge/core/internal/logging"
	"github.com/syncbridge/core/internal/metrics"
	syncerrors "github.com/syncbridge/core/internal/shared/errors"
	"github.com/syncbridge/core/internal/store"
	"github.com/syncbridge/core/internal/tracing"
)

// defaultMaxAttempts and the backoff parameters govern ProcessWithRetry
// (spec §4.7): base 2s, capped at 30s, doubling per attempt.
const (
	defaultMaxAttempts = 3
	retryBackoffBase   = 2 * time.Second
	retryBackoffCap    = 30 * time.Second
)

// TeamResolver resolves a discussion's tenant to the owning team/user,
// stamping domain.Discussion.Owner. Pluggable because team resolution is
// tenant-topology-specific and outside this module's persistence model.
type TeamResolver interface {
	ResolveOwner(ctx context.Context, tenantID string) (string, error)
}

// Notifier posts the sync result back to the source thread once task
// creation succeeds. Notification failure is non-fatal (spec §4.7): the
// job still completes successfully if only this stage fails. The bool
// return mirrors Adapter.PostReply's "did it actually post" contract,
// since a Notifier only wraps PostReply honoring the same policy flag.
type Notifier interface {
	Notify(ctx context.Context, a adapter.Adapter, cfg domain.SourceConfig, sourceThreadID string, result Result) (bool, error)
}

// AdapterNotifier is the default Notifier: it posts a short confirmation
// message back to the originating thread through the same Adapter the
// pipeline used to fetch it (spec §4.1 postReply).
type AdapterNotifier struct{}

// Notify delegates to a.PostReply with a message summarizing what
// task_creation produced.
func (AdapterNotifier) Notify(ctx context.Context, a adapter.Adapter, cfg domain.SourceConfig, sourceThreadID string, result Result) (bool, error) {
	return a.PostReply(ctx, cfg, sourceThreadID, confirmationMessage(result))
}

func confirmationMessage(result Result) string {
	switch {
	case len(result.TaskURLs) > 1:
		return fmt.Sprintf("Created %d tasks: %s", len(result.TaskURLs), joinURLs(result.TaskURLs))
	case result.TaskURL != "":
		return "Created task: " + result.TaskURL
	default:
		return "Processed: " + result.Summary
	}
}

func joinURLs(urls []string) string {
	out := urls[0]
	for _, u := range urls[1:] {
		out += ", " + u
	}
	return out
}

// Result summarizes what task_creation produced, passed to Notifier.
// TaskURLs holds one entry per created page when a comment was split
// into multiple tasks (spec §4.7); TaskURL stays the single-task page
// URL for the common case.
type Result struct {
	TaskIDs  []string
	TaskURL  string
	TaskURLs []string
	Summary  string
}

// Processor runs the pipeline for one discussion at a time.
type Processor struct {
	registry *adapter.Registry
	store    store.Store
	resolver TeamResolver
	llm      *llm.Client
	taskdb    *taskdb.Client
	notifier  Notifier
	retry     syncerrors.RetryConfig
	masterKey string
	logger    logging.Logger
	latency   *logging.LatencyLogger
	now       func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithRetryConfig overrides the stage retry policy.
func WithRetryConfig(cfg syncerrors.RetryConfig) Option {
	return func(p *Processor) { p.retry = cfg }
}

// WithNotifier sets the optional notification stage handler.
func WithNotifier(n Notifier) Option { return func(p *Processor) { p.notifier = n } }

// WithMasterKey sets the key used to decrypt a SourceConfig's stored
// credentials before they're handed to an adapter (spec §6). Adapters
// never hold this key themselves.
func WithMasterKey(key string) Option { return func(p *Processor) { p.masterKey = key } }

// New builds a Processor.
func New(registry *adapter.Registry, st store.Store, resolver TeamResolver, llmClient *llm.Client, taskdbClient *taskdb.Client, logger logging.Logger, opts ...Option) *Processor {
	p := &Processor{
		registry: registry,
		store:    st,
		resolver: resolver,
		llm:      llmClient,
		taskdb:   taskdbClient,
		retry:    syncerrors.DefaultRetryConfig(),
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
	p.latency = logging.NewLatencyLoggerFrom(p.logger)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the pipeline once for discussionID, persisting a SyncJob
// that tracks progress and the final outcome. It never panics on a
// single-discussion failure; all errors are captured on the job record.
func (p *Processor) Process(ctx context.Context, discussionID string) error {
	return p.processAttempt(ctx, discussionID, 1, defaultMaxAttempts)
}

// ProcessWithRetry runs the pipeline for discussionID up to
// defaultMaxAttempts (3) times, stopping at the first success (spec
// §4.7). Each attempt gets its own SyncJob record rather than reusing one
// across retries, and failed attempts back off exponentially: base 2s,
// doubling per attempt, capped at 30s.
func (p *Processor) ProcessWithRetry(ctx context.Context, discussionID string) error {
	maxAttempts := defaultMaxAttempts
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = p.processAttempt(ctx, discussionID, attempt, maxAttempts)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoffDelay(attempt)):
		}
	}
	return lastErr
}

// retryBackoffDelay is base*2^(attempt-1), capped at retryBackoffCap.
func retryBackoffDelay(attempt int) time.Duration {
	delay := time.Duration(float64(retryBackoffBase) * math.Pow(2, float64(attempt-1)))
	if delay > retryBackoffCap {
		return retryBackoffCap
	}
	return delay
}

func (p *Processor) processAttempt(ctx context.Context, discussionID string, attempt, maxAttempts int) error {
	discussion, err := p.store.GetDiscussion(ctx, discussionID)
	if err != nil {
		return fmt.Errorf("processor: load discussion %s: %w", discussionID, err)
	}

	job := domain.SyncJob{
		ID:           fmt.Sprintf("%s:job:%d", discussionID, attempt),
		TenantID:     discussion.TenantID,
		DiscussionID: discussionID,
		Status:       domain.StatusProcessing,
		Stage:        domain.StagePending,
		Attempt:      attempt,
		MaxAttempts:  maxAttempts,
		StartedAt:    p.now(),
	}

	result, err := p.run(ctx, &job, &discussion)
	job.CompletedAt = ptrTime(p.now())
	job.ProcessingTimeMS = job.CompletedAt.Sub(job.StartedAt).Milliseconds()
	p.latency.Record("processor.process_discussion", job.CompletedAt.Sub(job.StartedAt))

	if err != nil {
		job.Status = domain.StatusFailed
		job.ErrorMessage = err.Error()
		discussion.Status = domain.StatusFailed
	} else {
		job.Status = domain.StatusCompleted
		job.Stage = domain.StageCompleted
		job.TaskIDs = result.TaskIDs
		discussion.Status = domain.StatusCompleted
		discussion.ProcessedAt = job.CompletedAt
	}
	discussion.JobID = job.ID
	metrics.JobsTotal.WithLabelValues(discussion.SourceType, string(job.Status)).Inc()

	if saveErr := p.store.SaveJob(ctx, job); saveErr != nil {
		p.logger.Error("processor: save job %s: %v", job.ID, saveErr)
	}
	if saveErr := p.store.SaveDiscussion(ctx, discussion); saveErr != nil {
		p.logger.Error("processor: save discussion %s: %v", discussion.ID, saveErr)
	}

	return err
}

// run advances job.Stage strictly forward through the pipeline (spec §8
// invariant 10), returning the task_creation result on success.
func (p *Processor) run(ctx context.Context, job *domain.SyncJob, discussion *domain.Discussion) (Result, error) {
	ids := tracing.Ids{DiscussionID: discussion.ID, JobID: job.ID, TenantID: discussion.TenantID}

	if err := p.advance(job, domain.StageTeamResolution); err != nil {
		return Result{}, err
	}
	stageCtx, span := tracing.StartStage(ctx, string(domain.StageTeamResolution), ids)
	stageStart := time.Now()
	owner, err := p.resolveTeam(stageCtx, discussion.TenantID)
	metrics.StageDuration.WithLabelValues(string(domain.StageTeamResolution)).Observe(time.Since(stageStart).Seconds())
	tracing.End(span, err)
	if err != nil {
		return Result{}, fmt.Errorf("processor: team_resolution: %w", err)
	}
	discussion.Owner = owner
	job.Owner = owner

	if err := p.advance(job, domain.StageConfigLoading); err != nil {
		return Result{}, err
	}
	stageCtx, span = tracing.StartStage(ctx, string(domain.StageConfigLoading), ids)
	stageStart = time.Now()
	cfg, err := p.loadConfig(stageCtx, discussion.TenantID, discussion.SourceType)
	metrics.StageDuration.WithLabelValues(string(domain.StageConfigLoading)).Observe(time.Since(stageStart).Seconds())
	tracing.End(span, err)
	if err != nil {
		return Result{}, fmt.Errorf("processor: config_loading: %w", err)
	}
	discussion.SourceConfigID = cfg.ID
	job.SourceConfigID = cfg.ID

	if err := p.decryptCredentials(&cfg); err != nil {
		return Result{}, fmt.Errorf("processor: config_loading: %w", err)
	}

	a, err := p.registry.Get(discussion.SourceType)
	if err != nil {
		return Result{}, fmt.Errorf("processor: config_loading: %w", err)
	}

	if err := p.advance(job, domain.StageThreadBuilding); err != nil {
		return Result{}, err
	}
	stageCtx, span = tracing.StartStage(ctx, string(domain.StageThreadBuilding), ids)
	stageStart = time.Now()
	thread, err := p.buildThread(stageCtx, a, cfg, discussion.SourceThreadID)
	metrics.StageDuration.WithLabelValues(string(domain.StageThreadBuilding)).Observe(time.Since(stageStart).Seconds())
	tracing.End(span, err)
	if err != nil {
		return Result{}, fmt.Errorf("processor: thread_building: %w", err)
	}
	discussion.ThreadID = thread.ID

	summary := discussion.Content
	var detected *llm.TaskDetectionResult
	if cfg.AIEnabled && p.llm != nil {
		if err := p.advance(job, domain.StageAIAnalysis); err != nil {
			return Result{}, err
		}
		stageCtx, span = tracing.StartStage(ctx, string(domain.StageAIAnalysis), ids)
		stageStart = time.Now()

		summaryResult, summaryErr := p.llm.GenerateSummary(stageCtx, *thread, "", "")
		if summaryErr != nil && !syncerrors.IsDegraded(summaryErr) {
			metrics.StageDuration.WithLabelValues(string(domain.StageAIAnalysis)).Observe(time.Since(stageStart).Seconds())
			tracing.End(span, summaryErr)
			return Result{}, fmt.Errorf("processor: ai_analysis: %w", summaryErr)
		}
		if summaryErr == nil {
			summary = summaryResult.Summary
		} else {
			p.logger.Warn("processor: generate_summary degraded for job %s: %v", job.ID, summaryErr)
		}

		detectResult, detectErr := p.llm.DetectTasks(stageCtx, discussion.Content, summary, "", "")
		metrics.StageDuration.WithLabelValues(string(domain.StageAIAnalysis)).Observe(time.Since(stageStart).Seconds())
		tracing.End(span, detectErr)
		if detectErr != nil && !syncerrors.IsDegraded(detectErr) {
			return Result{}, fmt.Errorf("processor: ai_analysis: %w", detectErr)
		}
		if detectErr == nil {
			detected = &detectResult
		} else {
			p.logger.Warn("processor: detect_tasks degraded for job %s: %v", job.ID, detectErr)
		}
	}

	if err := p.advance(job, domain.StageTaskCreation); err != nil {
		return Result{}, err
	}
	stageCtx, span = tracing.StartStage(ctx, string(domain.StageTaskCreation), ids)
	stageStart = time.Now()
	result, err := p.createTask(stageCtx, cfg, discussion, thread, summary, detected)
	metrics.StageDuration.WithLabelValues(string(domain.StageTaskCreation)).Observe(time.Since(stageStart).Seconds())
	tracing.End(span, err)
	if err != nil {
		return Result{}, fmt.Errorf("processor: task_creation: %w", err)
	}

	if p.notifier != nil && cfg.PostConfirmation {
		if err := p.advance(job, domain.StageNotification); err != nil {
			return Result{}, err
		}
		posted, notifyErr := p.notifier.Notify(ctx, a, cfg, discussion.SourceThreadID, result)
		if notifyErr != nil {
			// Notification failure does not fail the job (spec §4.7).
			p.logger.Warn("processor: notification failed for job %s: %v", job.ID, notifyErr)
		}
		if posted {
			if err := a.UpdateStatus(ctx, cfg, discussion.SourceThreadID, domain.StatusCompleted); err != nil {
				p.logger.Warn("processor: update status failed for job %s: %v", job.ID, err)
			}
		}
	}

	return result, nil
}

// advance enforces strict forward-only stage transitions: it refuses to
// move to a stage at or before the job's current one.
func (p *Processor) advance(job *domain.SyncJob, next domain.Stage) error {
	current := domain.StageIndex(job.Stage)
	target := domain.StageIndex(next)
	if target <= current {
		return fmt.Errorf("processor: illegal stage transition %s -> %s", job.Stage, next)
	}
	job.Stage = next
	return nil
}

func (p *Processor) resolveTeam(ctx context.Context, tenantID string) (string, error) {
	if p.resolver == nil {
		return "", nil
	}
	return syncerrors.RetryWithResult(ctx, p.retry, func(ctx context.Context) (string, error) {
		return p.resolver.ResolveOwner(ctx, tenantID)
	})
}

func (p *Processor) loadConfig(ctx context.Context, tenantID, sourceType string) (domain.SourceConfig, error) {
	return syncerrors.RetryWithResult(ctx, p.retry, func(ctx context.Context) (domain.SourceConfig, error) {
		return p.store.FindActiveSourceConfig(ctx, tenantID, sourceType)
	})
}

// decryptCredentials replaces cfg's three optional credential fields
// with their plaintext values before it's handed to an adapter, which
// never holds a master key itself (spec §6). A SourceConfig with no
// credential in a given field leaves that field untouched.
func (p *Processor) decryptCredentials(cfg *domain.SourceConfig) error {
	for _, field := range []*string{&cfg.EncryptedAPIToken, &cfg.EncryptedTaskDBToken, &cfg.EncryptedLLMKey} {
		if *field == "" {
			continue
		}
		plaintext, err := crypto.Decrypt(*field, p.masterKey)
		if err != nil {
			return fmt.Errorf("decrypt credential: %w", err)
		}
		*field = plaintext
	}
	return nil
}

func (p *Processor) buildThread(ctx context.Context, a adapter.Adapter, cfg domain.SourceConfig, sourceThreadID string) (*domain.Thread, error) {
	return syncerrors.RetryWithResult(ctx, p.retry, func(ctx context.Context) (*domain.Thread, error) {
		return a.FetchThread(ctx, cfg, sourceThreadID)
	})
}

// createTask turns a detected workload into one or more task-DB pages.
// A comment describing more than one distinct piece of work (spec
// §4.7) becomes one page per detected task; everything else becomes a
// single page, same as before detection existed.
func (p *Processor) createTask(ctx context.Context, cfg domain.SourceConfig, discussion *domain.Discussion, thread *domain.Thread, summary string, detected *llm.TaskDetectionResult) (Result, error) {
	if detected != nil && detected.IsMultiTask && len(detected.Tasks) >= 2 {
		return p.createTasksBatch(ctx, cfg, discussion, summary, detected.Tasks)
	}

	if discussion.SourceURL != "" {
		if pageID, found, err := p.taskdb.FindDuplicateByURL(ctx, cfg.TaskDBID, discussion.SourceURL); err != nil {
			p.logger.Warn("processor: find_duplicate_by_url failed for discussion %s: %v", discussion.ID, err)
		} else if found {
			return Result{TaskIDs: []string{pageID}, Summary: summary}, nil
		}
	}

	title := discussion.Title
	description := discussion.Content
	priority := ""
	if detected != nil && len(detected.Tasks) == 1 {
		title = detected.Tasks[0].Title
		description = detected.Tasks[0].Description
		priority = detected.Tasks[0].Priority
	}
	if title == "" {
		title = description
	}

	props := taskdb.BuildProperties(cfg.FieldMapping, taskdb.TaskProperties{
		Title:     title,
		Status:    string(domain.StatusPending),
		SourceURL: discussion.SourceURL,
		Priority:  priority,
	})
	blocks := taskdb.BuildBlocks(*thread, summary, discussion.SourceURL)

	page, err := p.taskdb.CreatePage(ctx, discussion.TenantID+":"+discussion.SourceThreadID, taskdb.CreatePageRequest{
		DatabaseID: cfg.TaskDBID,
		Properties: props,
		Blocks:     blocks,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{TaskIDs: []string{page.ID}, TaskURL: page.URL, Summary: summary}, nil
}

func (p *Processor) createTasksBatch(ctx context.Context, cfg domain.SourceConfig, discussion *domain.Discussion, summary string, tasks []llm.Task) (Result, error) {
	inputs := make([]taskdb.TaskInput, len(tasks))
	for i, t := range tasks {
		inputs[i] = taskdb.TaskInput{
			Title:       t.Title,
			Description: t.Description,
			Priority:    t.Priority,
			Status:      string(domain.StatusPending),
		}
	}
	pages, err := p.taskdb.CreateTasks(ctx, cfg.TaskDBID, cfg.FieldMapping, discussion.SourceURL, summary, inputs)
	if err != nil {
		return Result{}, err
	}
	ids := make([]string, len(pages))
	urls := make([]string, len(pages))
	for i, page := range pages {
		ids[i] = page.ID
		urls[i] = page.URL
	}
	return Result{TaskIDs: ids, TaskURLs: urls, Summary: summary}, nil
}

func ptrTime(t time.Time) *time.Time { return &t }
