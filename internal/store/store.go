// Package store defines the narrow persistence interface the core
// pipeline depends on (spec §3), independent of the backing database.
// internal/store/postgres provides the production implementation; tests
// use the in-memory implementation in this package.
package store

import (
	"context"
	"errors"

	"github.com/syncbridge/core/internal/domain"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence surface the ingress and processor packages
// depend on.
type Store interface {
	// SaveDiscussion inserts or updates a discussion.
	SaveDiscussion(ctx context.Context, d domain.Discussion) error
	// FindDiscussionByNaturalKey looks up a discussion by the
	// (tenant, source type, source thread id) triple used for dedupe
	// (spec §3 Discussion uniqueness invariant).
	FindDiscussionByNaturalKey(ctx context.Context, tenantID, sourceType, sourceThreadID string) (domain.Discussion, error)
	GetDiscussion(ctx context.Context, id string) (domain.Discussion, error)

	SaveSourceConfig(ctx context.Context, cfg domain.SourceConfig) error
	GetSourceConfig(ctx context.Context, id string) (domain.SourceConfig, error)
	// FindActiveSourceConfig returns the active config for a tenant and
	// source type. Inactive configs are never returned (spec §3 invariant).
	FindActiveSourceConfig(ctx context.Context, tenantID, sourceType string) (domain.SourceConfig, error)
	// ListSourceConfigs returns every SourceConfig regardless of tenant or
	// active state, for operator tooling such as master-key rotation
	// (spec §6).
	ListSourceConfigs(ctx context.Context) ([]domain.SourceConfig, error)

	SaveJob(ctx context.Context, job domain.SyncJob) error
	GetJob(ctx context.Context, id string) (domain.SyncJob, error)
}
