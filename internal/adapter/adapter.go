// Package adapter defines the contract every source integration must
// satisfy (spec §4.1) and a thread-safe registry mapping source-type
// names to adapter factories.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/syncbridge/core/internal/domain"
)

// Adapter is the per-source integration surface the processor and
// ingress packages depend on. Implementations are expected to be
// stateless with respect to tenant data; any credential needed for an
// operation is passed in via domain.SourceConfig, already decrypted by
// the caller.
type Adapter interface {
	// Name returns the adapter's source-type identifier, e.g. "chat_mention".
	Name() string

	// ParseIncoming extracts a ParsedDiscussion from a raw webhook payload.
	// It returns (nil, nil) when the payload is a recognised event this
	// adapter intentionally ignores (spec §4.3 filtering rules).
	ParseIncoming(ctx context.Context, payload map[string]any) (*domain.ParsedDiscussion, error)

	// FetchThread retrieves the full conversation for a previously parsed
	// discussion, given its decrypted source config.
	FetchThread(ctx context.Context, cfg domain.SourceConfig, sourceThreadID string) (*domain.Thread, error)

	// PostReply posts a confirmation message back to the source thread,
	// honoring cfg.PostConfirmation (spec §4.1): when the flag is false
	// it returns (false, nil) without calling the remote at all. The
	// bool return tells the caller whether a message was actually sent.
	PostReply(ctx context.Context, cfg domain.SourceConfig, sourceThreadID string, message string) (bool, error)

	// UpdateStatus reflects a domain.Status onto the source's native
	// status gesture (reaction glyph, label, etc).
	UpdateStatus(ctx context.Context, cfg domain.SourceConfig, sourceThreadID string, status domain.Status) error

	// ValidateConfig checks that cfg carries everything this adapter
	// needs before it is persisted as active.
	ValidateConfig(cfg domain.SourceConfig) error

	// TestConnection performs a live, side-effect-free credential check.
	TestConnection(ctx context.Context, cfg domain.SourceConfig) error
}

// Factory constructs a fresh Adapter instance. Registered factories are
// invoked once per Registry.Get call so adapters never leak tenant
// state across callers that share a process (spec §4.1).
type Factory func() Adapter

// Registry maps source-type names to adapter factories. The zero value
// is ready to use. Safe for concurrent use: Register happens at startup
// wiring, Get is called once per inbound webhook on whatever goroutine
// net/http dispatches to it.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates name with factory, overwriting any existing
// registration under the same name (spec §4.1 — last registration wins,
// supporting hot-swap in tests).
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	r.factories[name] = factory
}

// Get returns a freshly constructed Adapter for name. It returns an
// error naming the registered source types when name is unknown.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter: unknown source type %q (registered: %v)", name, r.Names())
	}
	return factory(), nil
}

// Names returns the registered source-type names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
