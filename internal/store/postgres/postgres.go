// Package postgres is the production Store implementation, backed by
// pgx (spec §3 persistence): upsert-on-conflict writes and an
// EnsureSchema that creates its tables if they don't already exist.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syncbridge/core/internal/domain"
	"github.com/syncbridge/core/internal/logging"
	"github.com/syncbridge/core/internal/store"
)

const (
	discussionsTable   = "discussions"
	sourceConfigsTable = "source_configs"
	jobsTable          = "sync_jobs"
)

// Store is a pgx-backed store.Store implementation.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ store.Store = (*Store)(nil)

// New wraps an already-connected pgxpool.Pool.
func New(pool *pgxpool.Pool, logger logging.Logger) *Store {
	return &Store{pool: pool, logger: logging.OrNop(logger)}
}

// EnsureSchema creates the three tables and their lookup indexes if they
// don't already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    owner TEXT,
    source_type TEXT NOT NULL,
    source_thread_id TEXT NOT NULL,
    source_url TEXT,
    source_config_id TEXT,
    title TEXT,
    content TEXT,
    author_handle TEXT,
    participants JSONB,
    status TEXT NOT NULL,
    thread_id TEXT,
    job_id TEXT,
    raw_payload JSONB,
    metadata JSONB,
    processed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`, discussionsTable),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_natural_key ON %s (tenant_id, source_type, source_thread_id);`,
			discussionsTable, discussionsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    source_type TEXT NOT NULL,
    display_name TEXT,
    encrypted_api_token TEXT,
    encrypted_task_db_token TEXT,
    task_db_id TEXT,
    field_mapping JSONB,
    encrypted_llm_key TEXT,
    ai_enabled BOOLEAN NOT NULL DEFAULT false,
    auto_sync BOOLEAN NOT NULL DEFAULT false,
    post_confirmation BOOLEAN NOT NULL DEFAULT false,
    active BOOLEAN NOT NULL DEFAULT false,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`, sourceConfigsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant_source ON %s (tenant_id, source_type, active);`,
			sourceConfigsTable, sourceConfigsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    owner TEXT,
    discussion_id TEXT NOT NULL,
    source_config_id TEXT,
    status TEXT NOT NULL,
    stage TEXT NOT NULL,
    attempt INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL DEFAULT 3,
    error_message TEXT,
    error_stack TEXT,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    processing_time_ms BIGINT,
    task_ids JSONB,
    metadata JSONB
);`, jobsTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) SaveDiscussion(ctx context.Context, d domain.Discussion) error {
	participants, err := json.Marshal(d.Participants)
	if err != nil {
		return fmt.Errorf("postgres: marshal participants: %w", err)
	}
	rawPayload, err := json.Marshal(d.RawPayload)
	if err != nil {
		return fmt.Errorf("postgres: marshal raw_payload: %w", err)
	}
	metadata, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err = s.pool.Exec(ctx, `
INSERT INTO `+discussionsTable+` (id, tenant_id, owner, source_type, source_thread_id, source_url,
    source_config_id, title, content, author_handle, participants, status, thread_id, job_id,
    raw_payload, metadata, processed_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::jsonb,$12,$13,$14,$15::jsonb,$16::jsonb,$17,$18,$19)
ON CONFLICT (id) DO UPDATE SET
    title = EXCLUDED.title, content = EXCLUDED.content, status = EXCLUDED.status,
    thread_id = EXCLUDED.thread_id, job_id = EXCLUDED.job_id, processed_at = EXCLUDED.processed_at,
    metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at
`, d.ID, d.TenantID, d.Owner, d.SourceType, d.SourceThreadID, d.SourceURL, d.SourceConfigID,
		d.Title, d.Content, d.AuthorHandle, participants, string(d.Status), d.ThreadID, d.JobID,
		rawPayload, metadata, d.ProcessedAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save discussion: %w", err)
	}
	return nil
}

func (s *Store) FindDiscussionByNaturalKey(ctx context.Context, tenantID, sourceType, sourceThreadID string) (domain.Discussion, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, tenant_id, owner, source_type, source_thread_id, source_url, source_config_id, title,
    content, author_handle, participants, status, thread_id, job_id, raw_payload, metadata,
    processed_at, created_at, updated_at
FROM `+discussionsTable+`
WHERE tenant_id = $1 AND source_type = $2 AND source_thread_id = $3
`, tenantID, sourceType, sourceThreadID)
	return scanDiscussion(row)
}

func (s *Store) GetDiscussion(ctx context.Context, id string) (domain.Discussion, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, tenant_id, owner, source_type, source_thread_id, source_url, source_config_id, title,
    content, author_handle, participants, status, thread_id, job_id, raw_payload, metadata,
    processed_at, created_at, updated_at
FROM `+discussionsTable+` WHERE id = $1
`, id)
	return scanDiscussion(row)
}

func scanDiscussion(row pgx.Row) (domain.Discussion, error) {
	var d domain.Discussion
	var status string
	var participants, rawPayload, metadata []byte
	err := row.Scan(&d.ID, &d.TenantID, &d.Owner, &d.SourceType, &d.SourceThreadID, &d.SourceURL,
		&d.SourceConfigID, &d.Title, &d.Content, &d.AuthorHandle, &participants, &status, &d.ThreadID,
		&d.JobID, &rawPayload, &metadata, &d.ProcessedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Discussion{}, store.ErrNotFound
		}
		return domain.Discussion{}, fmt.Errorf("postgres: scan discussion: %w", err)
	}
	d.Status = domain.Status(status)
	_ = json.Unmarshal(participants, &d.Participants)
	_ = json.Unmarshal(rawPayload, &d.RawPayload)
	_ = json.Unmarshal(metadata, &d.Metadata)
	return d, nil
}

func (s *Store) SaveSourceConfig(ctx context.Context, cfg domain.SourceConfig) error {
	fieldMapping, err := json.Marshal(cfg.FieldMapping)
	if err != nil {
		return fmt.Errorf("postgres: marshal field_mapping: %w", err)
	}
	metadata, err := json.Marshal(cfg.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	now := time.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	_, err = s.pool.Exec(ctx, `
INSERT INTO `+sourceConfigsTable+` (id, tenant_id, source_type, display_name, encrypted_api_token,
    encrypted_task_db_token, task_db_id, field_mapping, encrypted_llm_key, ai_enabled, auto_sync,
    post_confirmation, active, metadata, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11,$12,$13,$14::jsonb,$15,$16)
ON CONFLICT (id) DO UPDATE SET
    display_name = EXCLUDED.display_name, encrypted_api_token = EXCLUDED.encrypted_api_token,
    encrypted_task_db_token = EXCLUDED.encrypted_task_db_token, task_db_id = EXCLUDED.task_db_id,
    field_mapping = EXCLUDED.field_mapping, encrypted_llm_key = EXCLUDED.encrypted_llm_key,
    ai_enabled = EXCLUDED.ai_enabled, auto_sync = EXCLUDED.auto_sync,
    post_confirmation = EXCLUDED.post_confirmation, active = EXCLUDED.active,
    metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at
`, cfg.ID, cfg.TenantID, cfg.SourceType, cfg.DisplayName, cfg.EncryptedAPIToken, cfg.EncryptedTaskDBToken,
		cfg.TaskDBID, fieldMapping, cfg.EncryptedLLMKey, cfg.AIEnabled, cfg.AutoSync, cfg.PostConfirmation,
		cfg.Active, metadata, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save source config: %w", err)
	}
	return nil
}

func (s *Store) GetSourceConfig(ctx context.Context, id string) (domain.SourceConfig, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, tenant_id, source_type, display_name, encrypted_api_token, encrypted_task_db_token,
    task_db_id, field_mapping, encrypted_llm_key, ai_enabled, auto_sync, post_confirmation, active,
    metadata, created_at, updated_at
FROM `+sourceConfigsTable+` WHERE id = $1
`, id)
	return scanSourceConfig(row)
}

func (s *Store) FindActiveSourceConfig(ctx context.Context, tenantID, sourceType string) (domain.SourceConfig, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, tenant_id, source_type, display_name, encrypted_api_token, encrypted_task_db_token,
    task_db_id, field_mapping, encrypted_llm_key, ai_enabled, auto_sync, post_confirmation, active,
    metadata, created_at, updated_at
FROM `+sourceConfigsTable+` WHERE tenant_id = $1 AND source_type = $2 AND active = true
`, tenantID, sourceType)
	return scanSourceConfig(row)
}

func scanSourceConfig(row pgx.Row) (domain.SourceConfig, error) {
	var cfg domain.SourceConfig
	var fieldMapping, metadata []byte
	err := row.Scan(&cfg.ID, &cfg.TenantID, &cfg.SourceType, &cfg.DisplayName, &cfg.EncryptedAPIToken,
		&cfg.EncryptedTaskDBToken, &cfg.TaskDBID, &fieldMapping, &cfg.EncryptedLLMKey, &cfg.AIEnabled,
		&cfg.AutoSync, &cfg.PostConfirmation, &cfg.Active, &metadata, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.SourceConfig{}, store.ErrNotFound
		}
		return domain.SourceConfig{}, fmt.Errorf("postgres: scan source config: %w", err)
	}
	_ = json.Unmarshal(fieldMapping, &cfg.FieldMapping)
	_ = json.Unmarshal(metadata, &cfg.Metadata)
	return cfg, nil
}

func (s *Store) ListSourceConfigs(ctx context.Context) ([]domain.SourceConfig, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, tenant_id, source_type, display_name, encrypted_api_token, encrypted_task_db_token,
    task_db_id, field_mapping, encrypted_llm_key, ai_enabled, auto_sync, post_confirmation, active,
    metadata, created_at, updated_at
FROM `+sourceConfigsTable)
	if err != nil {
		return nil, fmt.Errorf("postgres: list source configs: %w", err)
	}
	defer rows.Close()

	var configs []domain.SourceConfig
	for rows.Next() {
		cfg, err := scanSourceConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan source config row: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list source configs: %w", err)
	}
	return configs, nil
}

func (s *Store) SaveJob(ctx context.Context, job domain.SyncJob) error {
	taskIDs, err := json.Marshal(job.TaskIDs)
	if err != nil {
		return fmt.Errorf("postgres: marshal task_ids: %w", err)
	}
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO `+jobsTable+` (id, tenant_id, owner, discussion_id, source_config_id, status, stage,
    attempt, max_attempts, error_message, error_stack, started_at, completed_at, processing_time_ms,
    task_ids, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15::jsonb,$16::jsonb)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status, stage = EXCLUDED.stage, attempt = EXCLUDED.attempt,
    error_message = EXCLUDED.error_message, error_stack = EXCLUDED.error_stack,
    completed_at = EXCLUDED.completed_at, processing_time_ms = EXCLUDED.processing_time_ms,
    task_ids = EXCLUDED.task_ids, metadata = EXCLUDED.metadata
`, job.ID, job.TenantID, job.Owner, job.DiscussionID, job.SourceConfigID, string(job.Status),
		string(job.Stage), job.Attempt, job.MaxAttempts, job.ErrorMessage, job.ErrorStack,
		job.StartedAt, job.CompletedAt, job.ProcessingTimeMS, taskIDs, metadata)
	if err != nil {
		return fmt.Errorf("postgres: save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.SyncJob, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, tenant_id, owner, discussion_id, source_config_id, status, stage, attempt, max_attempts,
    error_message, error_stack, started_at, completed_at, processing_time_ms, task_ids, metadata
FROM `+jobsTable+` WHERE id = $1
`, id)

	var job domain.SyncJob
	var status, stage string
	var taskIDs, metadata []byte
	err := row.Scan(&job.ID, &job.TenantID, &job.Owner, &job.DiscussionID, &job.SourceConfigID, &status,
		&stage, &job.Attempt, &job.MaxAttempts, &job.ErrorMessage, &job.ErrorStack, &job.StartedAt,
		&job.CompletedAt, &job.ProcessingTimeMS, &taskIDs, &metadata)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.SyncJob{}, store.ErrNotFound
		}
		return domain.SyncJob{}, fmt.Errorf("postgres: scan job: %w", err)
	}
	job.Status = domain.Status(status)
	job.Stage = domain.Stage(stage)
	_ = json.Unmarshal(taskIDs, &job.TaskIDs)
	_ = json.Unmarshal(metadata, &job.Metadata)
	return job, nil
}
