package store

import (
	"context"
	"sync"

	"github.com/syncbridge/core/internal/domain"
)

// MemoryStore is an in-memory Store implementation used by tests and by
// the adapter self-test CLI.
type MemoryStore struct {
	mu            sync.RWMutex
	discussions   map[string]domain.Discussion
	sourceConfigs map[string]domain.SourceConfig
	jobs          map[string]domain.SyncJob
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty, ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		discussions:   make(map[string]domain.Discussion),
		sourceConfigs: make(map[string]domain.SourceConfig),
		jobs:          make(map[string]domain.SyncJob),
	}
}

func (m *MemoryStore) SaveDiscussion(ctx context.Context, d domain.Discussion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discussions[d.ID] = d
	return nil
}

func (m *MemoryStore) FindDiscussionByNaturalKey(ctx context.Context, tenantID, sourceType, sourceThreadID string) (domain.Discussion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.discussions {
		if d.TenantID == tenantID && d.SourceType == sourceType && d.SourceThreadID == sourceThreadID {
			return d, nil
		}
	}
	return domain.Discussion{}, ErrNotFound
}

func (m *MemoryStore) GetDiscussion(ctx context.Context, id string) (domain.Discussion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.discussions[id]
	if !ok {
		return domain.Discussion{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) SaveSourceConfig(ctx context.Context, cfg domain.SourceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceConfigs[cfg.ID] = cfg
	return nil
}

func (m *MemoryStore) GetSourceConfig(ctx context.Context, id string) (domain.SourceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.sourceConfigs[id]
	if !ok {
		return domain.SourceConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (m *MemoryStore) FindActiveSourceConfig(ctx context.Context, tenantID, sourceType string) (domain.SourceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cfg := range m.sourceConfigs {
		if cfg.TenantID == tenantID && cfg.SourceType == sourceType && cfg.Active {
			return cfg, nil
		}
	}
	return domain.SourceConfig{}, ErrNotFound
}

func (m *MemoryStore) ListSourceConfigs(ctx context.Context) ([]domain.SourceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	configs := make([]domain.SourceConfig, 0, len(m.sourceConfigs))
	for _, cfg := range m.sourceConfigs {
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (m *MemoryStore) SaveJob(ctx context.Context, job domain.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (domain.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.SyncJob{}, ErrNotFound
	}
	return job, nil
}
