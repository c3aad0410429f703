package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/syncbridge/core/internal/adapter"
	"github.com/syncbridge/core/internal/adapter/chatmention"
	"github.com/syncbridge/core/internal/adapter/designemail"
	"github.com/syncbridge/core/internal/client/chatapi"
	"github.com/syncbridge/core/internal/client/designapi"
	"github.com/syncbridge/core/internal/client/llm"
	"github.com/syncbridge/core/internal/client/taskdb"
	"github.com/syncbridge/core/internal/config"
	"github.com/syncbridge/core/internal/crypto"
	"github.com/syncbridge/core/internal/ingress"
	"github.com/syncbridge/core/internal/logging"
	"github.com/syncbridge/core/internal/processor"
	"github.com/syncbridge/core/internal/store"
	"github.com/syncbridge/core/internal/store/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
)

const sourceChatMention = "chat_mention"
const sourceDesignEmail = "design_email"

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook ingress and processor pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}
	logger := logging.NewComponentLoggerAt("syncbridge", logging.ParseLevel(cfg.LogLevel))

	shutdownTracing, err := setupTracing(ctx)
	if err != nil {
		logger.Warn("serve: tracing disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("serve: build store: %w", err)
	}
	defer closeStore()

	registry := adapter.NewRegistry()
	chatClient := chatapi.New(logger, chatapi.WithBaseURL(cfg.ChatBaseURL))
	designClient := designapi.New(logger, designapi.WithBaseURL(cfg.DesignBaseURL))
	registry.Register(sourceChatMention, func() adapter.Adapter {
		return chatmention.New(chatClient, cfg.ChatBotUserID, logger)
	})
	registry.Register(sourceDesignEmail, func() adapter.Adapter {
		return designemail.New(designClient, cfg.DesignBotHandle, logger)
	})

	llmClient := llm.New(logger, llm.WithBaseURL(cfg.LLMBaseURL), llm.WithModel(cfg.LLMModel), llm.WithAPIKey(cfg.LLMAPIKey))
	taskdbClient := taskdb.New(logger, taskdb.WithBaseURL(cfg.TaskDBBaseURL), taskdb.WithAPIKey(cfg.TaskDBAPIKey))

	proc := processor.New(registry, st, nil, llmClient, taskdbClient, logger,
		processor.WithMasterKey(cfg.MasterEncryptionKey),
		processor.WithNotifier(processor.AdapterNotifier{}))

	verifiers := map[string]ingress.SignatureVerifier{
		sourceChatMention: chatSignatureVerifier(cfg.ChatSigningSecret),
		sourceDesignEmail: emailSignatureVerifier(cfg.EmailWebhookSecret),
	}

	replayWindows := map[string]time.Duration{
		sourceChatMention: cfg.ReplayWindowChat,
		sourceDesignEmail: cfg.ReplayWindowEmail,
	}

	handler := ingress.New(registry, st, verifiers, func(ctx context.Context, discussionID string, retry bool) {
		var err error
		if retry {
			err = proc.ProcessWithRetry(ctx, discussionID)
		} else {
			err = proc.Process(ctx, discussionID)
		}
		if err != nil {
			logger.Error("serve: process discussion %s failed: %v", discussionID, err)
		}
	}, logger, ingress.WithDevMode(cfg.DevMode), ingress.WithReplayWindows(replayWindows))

	mux := http.NewServeMux()
	handler.Routes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serve: listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("serve: received %s, shutting down", sig)
	case <-ctx.Done():
		logger.Info("serve: context canceled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("serve: graceful shutdown: %w", err)
	}
	return <-errCh
}

// buildStore selects the postgres-backed store when a DSN is configured,
// falling back to the in-memory store for local development (spec §6 —
// absence of postgres_dsn is not a startup failure).
func buildStore(ctx context.Context, cfg config.Config, logger logging.Logger) (store.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("serve: no postgres_dsn configured, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	pgStore := postgres.New(pool, logger)
	if err := pgStore.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return pgStore, pool.Close, nil
}

// chatSignatureVerifier builds the chat platform's HMAC-SHA256 check over
// "v0:{timestamp}:{raw-body}" (spec §6).
func chatSignatureVerifier(secret string) ingress.SignatureVerifier {
	return func(r *http.Request, body []byte) (string, bool) {
		timestamp := r.Header.Get("X-Signature-Timestamp")
		signature := r.Header.Get("X-Signature")
		if timestamp == "" || signature == "" {
			return "", false
		}
		signingString := crypto.ChatSigningString(timestamp, string(body))
		return timestamp, crypto.VerifyHMAC(secret, signingString, signature)
	}
}

// emailSignatureVerifier builds the email provider's HMAC-SHA256 check
// over "{timestamp}{token}" (spec §6; intentionally not the raw body).
func emailSignatureVerifier(secret string) ingress.SignatureVerifier {
	return func(r *http.Request, body []byte) (string, bool) {
		timestamp := r.Header.Get("X-Webhook-Timestamp")
		token := r.Header.Get("X-Webhook-Token")
		signature := r.Header.Get("X-Webhook-Signature")
		if timestamp == "" || signature == "" {
			return "", false
		}
		signingString := crypto.EmailSigningString(timestamp, token)
		return timestamp, crypto.VerifyHMAC(secret, signingString, signature)
	}
}

func setupTracing(ctx context.Context) (func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("new otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", "syncbridge")))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
