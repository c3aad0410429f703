package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncbridge/core/internal/config"
	"github.com/syncbridge/core/internal/crypto"
	"github.com/syncbridge/core/internal/domain"
	"github.com/syncbridge/core/internal/logging"
	"github.com/syncbridge/core/internal/store"
)

func newRotateKeyCommand(configPath *string) *cobra.Command {
	var newKey string
	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Re-encrypt every stored credential under a new master key",
		Long: `rotate-key decrypts every SourceConfig's stored credentials with the
currently configured master key and re-encrypts them under --new-key,
then persists the result (spec §6: key rotation is decrypt-with-old
then encrypt-with-new).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if newKey == "" {
				return fmt.Errorf("rotate-key: --new-key is required")
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("rotate-key: load config: %w", err)
			}
			oldKey, err := cfg.RequireMasterKey()
			if err != nil {
				return err
			}

			logger := logging.NewComponentLoggerAt("syncbridge-rotate-key", logging.ParseLevel(cfg.LogLevel))
			st, closeStore, err := buildStore(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("rotate-key: build store: %w", err)
			}
			defer closeStore()

			return rotateAllSourceConfigs(cmd.Context(), st, oldKey, newKey, logger)
		},
	}
	cmd.Flags().StringVar(&newKey, "new-key", "", "the new master encryption key")
	return cmd
}

// rotateAllSourceConfigs walks every SourceConfig the store knows about,
// active or not, and rotates its three optional encrypted fields.
func rotateAllSourceConfigs(ctx context.Context, st store.Store, oldKey, newKey string, logger logging.Logger) error {
	configs, err := st.ListSourceConfigs(ctx)
	if err != nil {
		return fmt.Errorf("rotate-key: list source configs: %w", err)
	}

	rotated := 0
	for _, cfg := range configs {
		changed, err := rotateSourceConfig(&cfg, oldKey, newKey)
		if err != nil {
			logger.Error("rotate-key: %s: %v", cfg.ID, err)
			continue
		}
		if !changed {
			continue
		}
		if err := st.SaveSourceConfig(ctx, cfg); err != nil {
			logger.Error("rotate-key: save %s: %v", cfg.ID, err)
			continue
		}
		rotated++
	}
	logger.Info("rotate-key: rotated %d of %d source configs", rotated, len(configs))
	return nil
}

func rotateSourceConfig(cfg *domain.SourceConfig, oldKey, newKey string) (bool, error) {
	changed := false
	for _, field := range []*string{&cfg.EncryptedAPIToken, &cfg.EncryptedTaskDBToken, &cfg.EncryptedLLMKey} {
		if *field == "" {
			continue
		}
		rotatedValue, err := crypto.RotateKey(*field, oldKey, newKey)
		if err != nil {
			return changed, err
		}
		*field = rotatedValue
		changed = true
	}
	return changed, nil
}
