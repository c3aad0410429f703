package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/core/internal/domain"
)

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string { return s.name }
func (s stubAdapter) ParseIncoming(context.Context, map[string]any) (*domain.ParsedDiscussion, error) {
	return nil, nil
}
func (s stubAdapter) FetchThread(context.Context, domain.SourceConfig, string) (*domain.Thread, error) {
	return nil, nil
}
func (s stubAdapter) PostReply(context.Context, domain.SourceConfig, string, string) (bool, error) {
	return true, nil
}
func (s stubAdapter) UpdateStatus(context.Context, domain.SourceConfig, string, domain.Status) error {
	return nil
}
func (s stubAdapter) ValidateConfig(domain.SourceConfig) error { return nil }
func (s stubAdapter) TestConnection(context.Context, domain.SourceConfig) error { return nil }

func TestRegistryGetReturnsFreshInstancePerCall(t *testing.T) {
	registry := NewRegistry()
	calls := 0
	registry.Register("chat_mention", func() Adapter {
		calls++
		return stubAdapter{name: "chat_mention"}
	})

	first, err := registry.Get("chat_mention")
	require.NoError(t, err)
	second, err := registry.Get("chat_mention")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, first.Name(), second.Name())
}

func TestRegistryGetUnknownNameListsRegistered(t *testing.T) {
	registry := NewRegistry()
	registry.Register("chat_mention", func() Adapter { return stubAdapter{name: "chat_mention"} })

	_, err := registry.Get("nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat_mention")
}

func TestRegistryRegisterOverwritesExisting(t *testing.T) {
	registry := NewRegistry()
	registry.Register("chat_mention", func() Adapter { return stubAdapter{name: "v1"} })
	registry.Register("chat_mention", func() Adapter { return stubAdapter{name: "v2"} })

	got, err := registry.Get("chat_mention")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name())
}
