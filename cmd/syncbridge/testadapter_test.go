package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/core/internal/config"
	"github.com/syncbridge/core/internal/crypto"
	"github.com/syncbridge/core/internal/domain"
)

func TestDecryptSourceConfigCredentialsDecryptsEachField(t *testing.T) {
	const masterKey = "master-secret"
	apiToken, err := crypto.Encrypt("chat-token", masterKey)
	require.NoError(t, err)

	sourceConfig := domain.SourceConfig{EncryptedAPIToken: apiToken}
	cfg := config.Config{MasterEncryptionKey: masterKey}

	require.NoError(t, decryptSourceConfigCredentials(&sourceConfig, cfg))
	assert.Equal(t, "chat-token", sourceConfig.EncryptedAPIToken)
}

func TestDecryptSourceConfigCredentialsRequiresMasterKey(t *testing.T) {
	sourceConfig := domain.SourceConfig{EncryptedAPIToken: "anything"}
	cfg := config.Config{}

	err := decryptSourceConfigCredentials(&sourceConfig, cfg)
	assert.Error(t, err)
}
