package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/core/internal/crypto"
	"github.com/syncbridge/core/internal/domain"
	"github.com/syncbridge/core/internal/logging"
	"github.com/syncbridge/core/internal/store"
)

func TestRotateSourceConfigReencryptsNonEmptyFields(t *testing.T) {
	const oldKey, newKey = "old-secret", "new-secret"
	apiToken, err := crypto.Encrypt("chat-token", oldKey)
	require.NoError(t, err)

	cfg := domain.SourceConfig{ID: "cfg1", EncryptedAPIToken: apiToken}

	changed, err := rotateSourceConfig(&cfg, oldKey, newKey)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, cfg.EncryptedTaskDBToken)

	decrypted, err := crypto.Decrypt(cfg.EncryptedAPIToken, newKey)
	require.NoError(t, err)
	assert.Equal(t, "chat-token", decrypted)
}

func TestRotateSourceConfigLeavesEmptyConfigUnchanged(t *testing.T) {
	cfg := domain.SourceConfig{ID: "cfg2"}

	changed, err := rotateSourceConfig(&cfg, "old-secret", "new-secret")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRotateSourceConfigErrorsOnWrongOldKey(t *testing.T) {
	apiToken, err := crypto.Encrypt("chat-token", "right-key")
	require.NoError(t, err)
	cfg := domain.SourceConfig{ID: "cfg3", EncryptedAPIToken: apiToken}

	_, err = rotateSourceConfig(&cfg, "wrong-key", "new-secret")
	assert.Error(t, err)
}

func TestRotateAllSourceConfigsPersistsOnlyChangedConfigs(t *testing.T) {
	const oldKey, newKey = "old-secret", "new-secret"
	ctx := context.Background()
	st := store.NewMemoryStore()

	apiToken, err := crypto.Encrypt("chat-token", oldKey)
	require.NoError(t, err)
	require.NoError(t, st.SaveSourceConfig(ctx, domain.SourceConfig{ID: "with-creds", EncryptedAPIToken: apiToken}))
	require.NoError(t, st.SaveSourceConfig(ctx, domain.SourceConfig{ID: "without-creds"}))

	logger := logging.NewComponentLoggerAt("test", logging.LevelError)
	require.NoError(t, rotateAllSourceConfigs(ctx, st, oldKey, newKey, logger))

	rotated, err := st.GetSourceConfig(ctx, "with-creds")
	require.NoError(t, err)
	decrypted, err := crypto.Decrypt(rotated.EncryptedAPIToken, newKey)
	require.NoError(t, err)
	assert.Equal(t, "chat-token", decrypted)
}
