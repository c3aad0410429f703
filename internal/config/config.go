// Package config is the layered configuration loader: built-in defaults,
// overridden by an optional config file, overridden by environment
// variables (spec §6), implemented with spf13/viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	// HTTPAddr is the address the ingress HTTP server listens on.
	HTTPAddr string `mapstructure:"http_addr"`
	// AdminAddr is the address the cmd/syncbridge-admin health/metrics
	// surface listens on.
	AdminAddr string `mapstructure:"admin_addr"`
	// DevMode disables webhook signature verification (spec §6); local
	// development only.
	DevMode bool `mapstructure:"dev_mode"`
	// LogLevel is one of debug/info/warn/error (internal/logging).
	LogLevel string `mapstructure:"log_level"`

	// PostgresDSN is the connection string for internal/store/postgres.
	PostgresDSN string `mapstructure:"postgres_dsn"`

	// MasterEncryptionKey derives the credential-at-rest key
	// (internal/crypto, spec §6).
	MasterEncryptionKey string `mapstructure:"master_encryption_key"`

	// LLMAPIKey, LLMBaseURL configure internal/client/llm.
	LLMAPIKey  string `mapstructure:"llm_api_key"`
	LLMBaseURL string `mapstructure:"llm_base_url"`
	LLMModel   string `mapstructure:"llm_model"`

	// TaskDBAPIKey, TaskDBBaseURL configure internal/client/taskdb.
	TaskDBAPIKey  string `mapstructure:"taskdb_api_key"`
	TaskDBBaseURL string `mapstructure:"taskdb_base_url"`

	// ChatClientID/Secret/SigningSecret configure the chat-mention
	// adapter and internal/client/chatapi; ChatBaseURL overrides the
	// API base for on-prem or test deployments.
	ChatClientID     string `mapstructure:"chat_client_id"`
	ChatClientSecret string `mapstructure:"chat_client_secret"`
	ChatSigningSecret string `mapstructure:"chat_signing_secret"`
	ChatBaseURL      string `mapstructure:"chat_base_url"`
	// ChatBotUserID is the platform's own user id for the bot account,
	// used by the chat-mention adapter to strip the leading "<@BOTID>"
	// token from mention text (spec §4.3). Not one of spec §6's named
	// credentials, but required to run the adapter against a real
	// workspace.
	ChatBotUserID string `mapstructure:"chat_bot_user_id"`

	// EmailWebhookSecret/EmailDomain configure the design-email adapter;
	// DesignAPIKey/DesignBaseURL configure internal/client/designapi.
	EmailWebhookSecret string `mapstructure:"email_webhook_secret"`
	EmailDomain        string `mapstructure:"email_domain"`
	DesignAPIKey       string `mapstructure:"design_api_key"`
	DesignBaseURL      string `mapstructure:"design_base_url"`
	// DesignBotHandle is the mention token the design platform
	// substitutes for the synced bot account (e.g. "@design-bot"),
	// used by the design-email adapter's comment-text extraction.
	DesignBotHandle string `mapstructure:"design_bot_handle"`

	// ReplayWindowChat/ReplayWindowEmail bound webhook signature freshness
	// (spec §6: 5 minutes chat, 15 minutes email).
	ReplayWindowChat  time.Duration `mapstructure:"replay_window_chat"`
	ReplayWindowEmail time.Duration `mapstructure:"replay_window_email"`
}

func defaults() map[string]any {
	return map[string]any{
		"http_addr":           ":8080",
		"admin_addr":          ":8081",
		"dev_mode":            false,
		"log_level":           "info",
		"llm_base_url":        "https://api.llm.example.com/v1",
		"llm_model":           "default",
		"taskdb_base_url":     "https://api.taskdb.example.com/v1",
		"chat_base_url":       "https://api.chat.example.com",
		"design_base_url":     "https://api.design.example.com",
		"replay_window_chat":  5 * time.Minute,
		"replay_window_email": 15 * time.Minute,
	}
}

// envAliases maps mapstructure keys to the environment variable names
// named in spec §6, since those names don't mechanically derive from the
// Go field names (e.g. LLMAPIKey would otherwise bind to
// SYNCBRIDGE_LLMAPIKEY, not SYNCBRIDGE_LLM_API_KEY).
var envAliases = map[string]string{
	"http_addr":             "SYNCBRIDGE_HTTP_ADDR",
	"admin_addr":            "SYNCBRIDGE_ADMIN_ADDR",
	"dev_mode":              "SYNCBRIDGE_DEV_MODE",
	"log_level":             "SYNCBRIDGE_LOG_LEVEL",
	"postgres_dsn":          "SYNCBRIDGE_POSTGRES_DSN",
	"master_encryption_key": "SYNCBRIDGE_MASTER_KEY",
	"llm_api_key":           "SYNCBRIDGE_LLM_API_KEY",
	"llm_base_url":          "SYNCBRIDGE_LLM_BASE_URL",
	"llm_model":             "SYNCBRIDGE_LLM_MODEL",
	"taskdb_api_key":        "SYNCBRIDGE_TASKDB_API_KEY",
	"taskdb_base_url":       "SYNCBRIDGE_TASKDB_BASE_URL",
	"chat_client_id":        "SYNCBRIDGE_CHAT_CLIENT_ID",
	"chat_client_secret":    "SYNCBRIDGE_CHAT_CLIENT_SECRET",
	"chat_signing_secret":   "SYNCBRIDGE_CHAT_SIGNING_SECRET",
	"chat_base_url":         "SYNCBRIDGE_CHAT_BASE_URL",
	"chat_bot_user_id":      "SYNCBRIDGE_CHAT_BOT_USER_ID",
	"email_webhook_secret":  "SYNCBRIDGE_EMAIL_WEBHOOK_SECRET",
	"email_domain":          "SYNCBRIDGE_EMAIL_DOMAIN",
	"design_api_key":        "SYNCBRIDGE_DESIGN_API_KEY",
	"design_base_url":       "SYNCBRIDGE_DESIGN_BASE_URL",
	"design_bot_handle":     "SYNCBRIDGE_DESIGN_BOT_HANDLE",
	"replay_window_chat":    "SYNCBRIDGE_REPLAY_WINDOW_CHAT",
	"replay_window_email":   "SYNCBRIDGE_REPLAY_WINDOW_EMAIL",
}

// Load resolves a Config from built-in defaults, an optional file at
// path (skipped silently if empty or absent — spec §6 says absence of a
// not-yet-used key is never a startup failure), and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("config: bind env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// RequireMasterKey returns the master encryption key or an error
// identifying it as missing (spec §6: absence at first use is a clear
// runtime error, not a startup failure).
func (c Config) RequireMasterKey() (string, error) {
	if c.MasterEncryptionKey == "" {
		return "", fmt.Errorf("config: SYNCBRIDGE_MASTER_KEY is required for credential encryption but is not set")
	}
	return c.MasterEncryptionKey, nil
}

// RequireLLMAPIKey returns the LLM API key or a missing-key error.
func (c Config) RequireLLMAPIKey() (string, error) {
	if c.LLMAPIKey == "" {
		return "", fmt.Errorf("config: SYNCBRIDGE_LLM_API_KEY is required for ai_analysis but is not set")
	}
	return c.LLMAPIKey, nil
}

// RequireTaskDBAPIKey returns the task-database API key or a missing-key
// error.
func (c Config) RequireTaskDBAPIKey() (string, error) {
	if c.TaskDBAPIKey == "" {
		return "", fmt.Errorf("config: SYNCBRIDGE_TASKDB_API_KEY is required for task_creation but is not set")
	}
	return c.TaskDBAPIKey, nil
}
