// Package ingress exposes the webhook HTTP surface external sources
// call into (spec §4.6/§6): signature verification, replay-window and
// dedup checks, tenant/config resolution, persistence, and a
// fire-and-forget enqueue of the processor pipeline.
//
// Routes use Go 1.22+ method-specific ServeMux patterns rather than a
// routing framework, since there are only two endpoints to mount.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/syncbridge/core/internal/adapter"
	"github.com/syncbridge/core/internal/crypto"
	"github.com/syncbridge/core/internal/domain"
	"github.com/syncbridge/core/internal/httpclient"
	"github.com/syncbridge/core/internal/logging"
	"github.com/syncbridge/core/internal/metrics"
	"github.com/syncbridge/core/internal/resilience"
	"github.com/syncbridge/core/internal/store"
)

const (
	maxBodyBytes    = 1 << 20
	eventDedupeSize = 4096
	eventDedupeTTL  = 15 * time.Minute

	// defaultReplayWindow applies to any source with no entry in
	// replayWindows (WithReplayWindows).
	defaultReplayWindow = 5 * time.Minute
)

// SignatureVerifier validates an inbound webhook's signature. Chat and
// email sources each have a provider-specific signing-string builder
// (internal/crypto), so the handler is parameterized over this
// interface rather than hardcoding one scheme.
type SignatureVerifier func(r *http.Request, body []byte) (timestamp string, ok bool)

// ProcessFunc is invoked, fire-and-forget, once a discussion has been
// persisted in pending state (spec §4.6 — enqueue, don't block the
// webhook response on pipeline completion). retry selects between a
// single attempt and the processor's bounded-retry entry point.
type ProcessFunc func(ctx context.Context, discussionID string, retry bool)

// Handler serves the webhook and internal process-trigger endpoints.
type Handler struct {
	registry      *adapter.Registry
	store         store.Store
	verifiers     map[string]SignatureVerifier
	replayWindows map[string]time.Duration
	process       ProcessFunc
	devMode       bool
	eventIDs      *resilience.Cache[string, struct{}]
	logger        logging.Logger
	latency       *logging.LatencyLogger
	now           func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithDevMode disables signature verification, for local development
// only (spec §6).
func WithDevMode(enabled bool) Option { return func(h *Handler) { h.devMode = enabled } }

// WithReplayWindows sets the per-source replay window used by
// verifySignature (spec §6: 5 minutes for chat, 15 minutes for email).
// A source with no entry falls back to defaultReplayWindow.
func WithReplayWindows(windows map[string]time.Duration) Option {
	return func(h *Handler) { h.replayWindows = windows }
}

// New builds a webhook Handler.
func New(registry *adapter.Registry, st store.Store, verifiers map[string]SignatureVerifier, process ProcessFunc, logger logging.Logger, opts ...Option) *Handler {
	h := &Handler{
		registry:  registry,
		store:     st,
		verifiers: verifiers,
		process:   process,
		eventIDs:  resilience.NewCache[string, struct{}](eventDedupeSize, eventDedupeTTL),
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
	h.latency = logging.NewLatencyLoggerFrom(h.logger)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the public webhook endpoint and the internal
// process-trigger endpoint onto mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.Handle("POST /webhook/{source}/events", http.HandlerFunc(h.handleWebhookEvent))
	mux.Handle("POST /internal/process-discussion", http.HandlerFunc(h.handleProcessDiscussion))
}

func (h *Handler) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	source := r.PathValue("source")
	defer func() { h.latency.Record("ingress.handle_webhook_event", h.now().Sub(start)) }()

	body, err := httpclient.ReadAllWithLimit(r.Body, maxBodyBytes)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(source, "body_rejected").Inc()
		writeError(w, http.StatusBadRequest, "body too large or unreadable")
		return
	}

	if !h.devMode {
		if err := h.verifySignature(source, r, body); err != nil {
			h.logger.Warn("ingress: signature verification failed for %s: %v", source, err)
			metrics.WebhookEventsTotal.WithLabelValues(source, "signature_rejected").Inc()
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(source, "malformed").Inc()
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	// url_verification is a one-time handshake some chat platforms send
	// when a webhook URL is registered; it must be echoed back verbatim
	// and never reaches an adapter (spec §4.6).
	if challenge, ok := payload["challenge"].(string); ok && payload["type"] == "url_verification" {
		metrics.WebhookEventsTotal.WithLabelValues(source, "url_verification").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
		return
	}

	eventID, _ := payload["event_id"].(string)
	if eventID != "" {
		if _, seen := h.eventIDs.Get(eventID); seen {
			metrics.RecordCacheResult("webhook_event_ids", true)
			metrics.WebhookEventsTotal.WithLabelValues(source, "duplicate").Inc()
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		metrics.RecordCacheResult("webhook_event_ids", false)
		h.eventIDs.Set(eventID, struct{}{})
	}

	a, err := h.registry.Get(source)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(source, "unknown_source").Inc()
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	parsed, err := a.ParseIncoming(r.Context(), payload)
	if err != nil {
		h.logger.Warn("ingress: %s parse failed: %v", source, err)
		metrics.WebhookEventsTotal.WithLabelValues(source, "parse_failed").Inc()
		writeError(w, http.StatusUnprocessableEntity, "could not parse payload")
		return
	}
	if parsed == nil {
		// Recognised but intentionally ignored event type.
		metrics.WebhookEventsTotal.WithLabelValues(source, "ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if _, err := h.store.FindActiveSourceConfig(r.Context(), parsed.TenantID, source); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(source, "config_not_found").Inc()
		writeError(w, http.StatusNotFound, "no active source config for tenant")
		return
	}

	discussionID, err := h.persistDiscussion(r.Context(), *parsed, payload)
	if err != nil {
		h.logger.Error("ingress: persist discussion failed: %v", err)
		metrics.WebhookEventsTotal.WithLabelValues(source, "persist_failed").Inc()
		writeError(w, http.StatusInternalServerError, "could not persist discussion")
		return
	}

	if h.process != nil {
		go h.process(detachedContext(r.Context()), discussionID, false)
	}

	metrics.WebhookEventsTotal.WithLabelValues(source, "accepted").Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "discussion_id": discussionID})
}

// persistDiscussion checks the dedupe key (spec §3 uniqueness invariant)
// before inserting; an existing discussion for the same natural key is
// returned unchanged rather than duplicated.
func (h *Handler) persistDiscussion(ctx context.Context, parsed domain.ParsedDiscussion, rawPayload map[string]any) (string, error) {
	existing, err := h.store.FindDiscussionByNaturalKey(ctx, parsed.TenantID, parsed.SourceType, parsed.SourceThreadID)
	if err == nil {
		return existing.ID, nil
	}
	if err != store.ErrNotFound {
		return "", err
	}

	now := h.now()
	d := domain.Discussion{
		ID:             newID(parsed),
		TenantID:       parsed.TenantID,
		SourceType:     parsed.SourceType,
		SourceThreadID: parsed.SourceThreadID,
		SourceURL:      parsed.SourceURL,
		Title:          parsed.Title,
		Content:        parsed.Content,
		AuthorHandle:   parsed.AuthorHandle,
		Participants:   domain.DedupeParticipants(parsed.Participants),
		Status:         domain.StatusPending,
		RawPayload:     rawPayload,
		Metadata:       parsed.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.SaveDiscussion(ctx, d); err != nil {
		return "", err
	}
	return d.ID, nil
}

func newID(parsed domain.ParsedDiscussion) string {
	return fmt.Sprintf("%s:%s:%s", parsed.TenantID, parsed.SourceType, parsed.SourceThreadID)
}

func (h *Handler) verifySignature(source string, r *http.Request, body []byte) error {
	verifier, ok := h.verifiers[source]
	if !ok {
		return fmt.Errorf("no signature verifier registered for source %q", source)
	}
	timestamp, ok := verifier(r, body)
	if !ok {
		return fmt.Errorf("signature check failed")
	}
	window := defaultReplayWindow
	if w, ok := h.replayWindows[source]; ok {
		window = w
	}
	if !crypto.WithinReplayWindow(timestamp, window, h.now()) {
		return fmt.Errorf("request timestamp outside replay window")
	}
	return nil
}

// handleProcessDiscussion lets an operator manually re-trigger
// processing of an already-persisted discussion.
func (h *Handler) handleProcessDiscussion(w http.ResponseWriter, r *http.Request) {
	body, err := httpclient.ReadAllWithLimit(r.Body, maxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "body too large or unreadable")
		return
	}
	var req struct {
		DiscussionID string `json:"discussionId"`
		Retry        bool   `json:"retry"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.DiscussionID == "" {
		writeError(w, http.StatusBadRequest, "discussionId is required")
		return
	}
	if _, err := h.store.GetDiscussion(r.Context(), req.DiscussionID); err != nil {
		writeError(w, http.StatusNotFound, "discussion not found")
		return
	}
	if h.process != nil {
		go h.process(detachedContext(r.Context()), req.DiscussionID, req.Retry)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func detachedContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
