package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncbridge/core/internal/adapter"
	"github.com/syncbridge/core/internal/adapter/chatmention"
	"github.com/syncbridge/core/internal/adapter/designemail"
	"github.com/syncbridge/core/internal/client/chatapi"
	"github.com/syncbridge/core/internal/client/designapi"
	"github.com/syncbridge/core/internal/client/taskdb"
	"github.com/syncbridge/core/internal/config"
	"github.com/syncbridge/core/internal/crypto"
	"github.com/syncbridge/core/internal/domain"
	"github.com/syncbridge/core/internal/logging"
)

// newTestAdapterCommand wires a one-off ValidateConfig/TestConnection
// check for a single SourceConfig, outside the HTTP path — useful for
// admin scripts verifying a newly entered credential before it's
// marked active.
func newTestAdapterCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test-adapter <config-id>",
		Short: "Validate and test the connection for one SourceConfig",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTestAdapter(cmd, args[0], *configPath)
		},
	}
	return cmd
}

func runTestAdapter(cmd *cobra.Command, configID, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("test-adapter: load config: %w", err)
	}
	logger := logging.NewComponentLoggerAt("syncbridge-test-adapter", logging.ParseLevel(cfg.LogLevel))

	ctx := cmd.Context()
	st, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("test-adapter: build store: %w", err)
	}
	defer closeStore()

	sourceConfig, err := st.GetSourceConfig(ctx, configID)
	if err != nil {
		return fmt.Errorf("test-adapter: get source config %s: %w", configID, err)
	}
	if err := decryptSourceConfigCredentials(&sourceConfig, cfg); err != nil {
		return fmt.Errorf("test-adapter: %w", err)
	}

	registry := adapter.NewRegistry()
	registry.Register(sourceChatMention, func() adapter.Adapter {
		return chatmention.New(chatapi.New(logger, chatapi.WithBaseURL(cfg.ChatBaseURL)), cfg.ChatBotUserID, logger)
	})
	registry.Register(sourceDesignEmail, func() adapter.Adapter {
		return designemail.New(designapi.New(logger, designapi.WithBaseURL(cfg.DesignBaseURL)), cfg.DesignBotHandle, logger)
	})

	a, err := registry.Get(sourceConfig.SourceType)
	if err != nil {
		return fmt.Errorf("test-adapter: %w", err)
	}

	if err := a.ValidateConfig(sourceConfig); err != nil {
		return fmt.Errorf("test-adapter: validate config: %w", err)
	}
	if err := a.TestConnection(ctx, sourceConfig); err != nil {
		return fmt.Errorf("test-adapter: test connection: %w", err)
	}

	if sourceConfig.TaskDBID != "" {
		taskdbClient := taskdb.New(logger, taskdb.WithBaseURL(cfg.TaskDBBaseURL), taskdb.WithAPIKey(sourceConfig.EncryptedTaskDBToken))
		if err := taskdbClient.TestConnection(ctx, sourceConfig.TaskDBID); err != nil {
			return fmt.Errorf("test-adapter: test task database connection: %w", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%s) validated and reachable\n", sourceConfig.ID, sourceConfig.SourceType)
	return nil
}

// decryptSourceConfigCredentials mirrors processor.decryptCredentials:
// an adapter is only ever handed plaintext credentials, never a master
// key, so a config loaded outside the processor (as here) must be
// decrypted at the same point the processor would decrypt it.
func decryptSourceConfigCredentials(sourceConfig *domain.SourceConfig, cfg config.Config) error {
	masterKey, err := cfg.RequireMasterKey()
	if err != nil {
		return err
	}
	for _, field := range []*string{&sourceConfig.EncryptedAPIToken, &sourceConfig.EncryptedTaskDBToken, &sourceConfig.EncryptedLLMKey} {
		if *field == "" {
			continue
		}
		plaintext, err := crypto.Decrypt(*field, masterKey)
		if err != nil {
			return fmt.Errorf("decrypt credential: %w", err)
		}
		*field = plaintext
	}
	return nil
}
