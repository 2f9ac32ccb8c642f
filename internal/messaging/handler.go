package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relaypoint-ai/wa-gateway/internal/audit"
	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/kv"
	"github.com/relaypoint-ai/wa-gateway/internal/observability/metrics"
	"github.com/relaypoint-ai/wa-gateway/internal/queue"
	"github.com/relaypoint-ai/wa-gateway/internal/ratelimit"
	"github.com/relaypoint-ai/wa-gateway/internal/tasks"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

var webhookTracer = otel.Tracer("gateway.internal.messaging")

const idempotencyPrefix = "message:sid:"

// Handler is the webhook ingress: verify, dedupe, rate limit, audit,
// enqueue, acknowledge. Everything slow happens later in the worker.
type Handler struct {
	authToken      string
	publicBaseURL  string
	cache          *kv.Cache
	limiter        *ratelimit.Limiter
	webhookRule    ratelimit.Rule
	audit          *audit.Service
	publisher      *queue.Publisher
	taskStore      *tasks.Store
	metrics        *metrics.GatewayMetrics
	logger         *logging.Logger
	idempotencyTTL time.Duration
}

// HandlerConfig wires the ingress dependencies.
type HandlerConfig struct {
	AuthToken      string
	PublicBaseURL  string
	Cache          *kv.Cache
	Limiter        *ratelimit.Limiter
	WebhookRule    ratelimit.Rule
	Audit          *audit.Service
	Publisher      *queue.Publisher
	TaskStore      *tasks.Store
	Metrics        *metrics.GatewayMetrics
	Logger         *logging.Logger
	IdempotencyTTL time.Duration
}

// NewHandler builds the webhook ingress handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Cache == nil {
		panic("messaging: nil cache")
	}
	if cfg.Publisher == nil {
		panic("messaging: nil publisher")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = time.Hour
	}
	return &Handler{
		authToken:      cfg.AuthToken,
		publicBaseURL:  cfg.PublicBaseURL,
		cache:          cfg.Cache,
		limiter:        cfg.Limiter,
		webhookRule:    cfg.WebhookRule,
		audit:          cfg.Audit,
		publisher:      cfg.Publisher,
		taskStore:      cfg.TaskStore,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		idempotencyTTL: cfg.IdempotencyTTL,
	}
}

// Webhook accepts one inbound transport delivery.
//
// The rate limit check runs after the idempotency check on purpose: vendor
// retries of an already-accepted message must never burn rate budget or
// produce anything but the duplicate acknowledgement.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := webhookTracer.Start(r.Context(), "messaging.webhook")
	defer span.End()

	if !VerifySignature(r, h.authToken, h.webhookURL(r)) {
		h.metrics.ObserveWebhook("rejected")
		h.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		errmap.WriteError(w, errmap.New(errmap.CodeForbidden, "webhook.verify", "invalid transport signature"), "webhook.verify")
		return
	}

	msg, err := ParseInbound(r)
	if err != nil {
		h.metrics.ObserveWebhook("invalid")
		span.RecordError(err)
		errmap.WriteError(w, errmap.Wrap(errmap.CodeValidationError, "webhook.parse", err), "webhook.parse")
		return
	}
	span.SetAttributes(
		attribute.String("webhook.message_sid", msg.MessageSid),
		attribute.Int("webhook.num_media", msg.NumMedia),
	)

	created, err := h.cache.SetFlag(ctx, idempotencyPrefix+msg.MessageSid, h.idempotencyTTL)
	if err != nil {
		h.metrics.ObserveWebhook("error")
		errmap.WriteError(w, errmap.Wrap(errmap.CodeKVError, "webhook.idempotency", err), "webhook.idempotency")
		return
	}
	if !created {
		h.metrics.ObserveWebhook("duplicate")
		h.logger.Info("duplicate webhook suppressed", "message_sid", msg.MessageSid)
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "success",
			"detail": "Duplicate message",
		})
		return
	}

	if h.limiter != nil {
		result, err := h.limiter.Check(ctx, h.webhookRule, ratelimit.ClientIP(r))
		if err != nil {
			h.logger.Warn("webhook rate limit check failed, allowing", "error", err)
		} else if !result.Allowed {
			h.metrics.ObserveWebhook("rate_limited")
			errmap.WriteError(w, errmap.New(errmap.CodeRateLimit, "webhook.rate_limit", "").
				WithRetryAfter(result.RetryAfterSeconds()), "webhook.rate_limit")
			return
		}
	}

	requestLogID := h.logRequest(ctx, r, msg, http.StatusOK)

	taskID := uuid.NewString()
	job := queue.ProcessMessageJob{
		MessageSid:   msg.MessageSid,
		Sender:       msg.From,
		Recipient:    msg.To,
		Body:         msg.Body,
		MediaURLs:    msg.MediaURLs,
		RequestLogID: requestLogID,
	}
	if err := h.publisher.EnqueueProcessMessage(ctx, taskID, job); err != nil {
		h.metrics.ObserveWebhook("error")
		h.logger.Error("webhook enqueue failed", "message_sid", msg.MessageSid, "error", err)
		h.logEnqueueFailure(ctx, msg, taskID, requestLogID, err)
		errmap.WriteError(w, errmap.Wrap(errmap.CodeSystemError, "webhook.enqueue", err), "webhook.enqueue")
		return
	}

	if h.taskStore != nil {
		if err := h.taskStore.PutQueued(ctx, taskID, msg.MessageSid, msg.From); err != nil {
			h.logger.Warn("task record write failed", "task_id", taskID, "error", err)
		}
	}

	h.metrics.ObserveWebhook("accepted")
	h.logger.Info("webhook accepted",
		"message_sid", msg.MessageSid, "task_id", taskID, "media", msg.NumMedia)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "accepted",
		"task_id": taskID,
	})
}

// webhookURL is the URL the vendor signed: the configured public base plus
// the path when fronted by a proxy, otherwise reconstructed from headers.
func (h *Handler) webhookURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL + r.URL.RequestURI()
	}
	return buildAbsoluteURL(r)
}

func (h *Handler) logRequest(ctx context.Context, r *http.Request, msg *InboundMessage, status int) int64 {
	if h.audit == nil {
		return 0
	}
	row := audit.RequestLog{
		MessageSid: msg.MessageSid,
		Sender:     msg.From,
		Recipient:  msg.To,
		Body:       msg.Body,
		NumMedia:   msg.NumMedia,
		ClientIP:   ratelimit.ClientIP(r),
		RequestID:  r.Header.Get("X-Request-ID"),
		StatusCode: status,
	}
	if len(msg.MediaURLs) > 0 {
		row.MediaURL = msg.MediaURLs[0]
	}
	if len(msg.MediaContentTypes) > 0 {
		row.MediaContentType = msg.MediaContentTypes[0]
	}
	id, err := h.audit.LogRequest(ctx, row)
	if err != nil {
		h.logger.Error("request log write failed", "message_sid", msg.MessageSid, "error", err)
		return 0
	}
	return id
}

func (h *Handler) logEnqueueFailure(ctx context.Context, msg *InboundMessage, taskID string, requestLogID int64, cause error) {
	if h.audit == nil {
		return
	}
	if requestLogID != 0 {
		if err := h.audit.UpdateRequestStatus(ctx, requestLogID, http.StatusInternalServerError); err != nil {
			h.logger.Error("request status update failed", "request_log_id", requestLogID, "error", err)
		}
	}
	detail, _ := json.Marshal(map[string]any{"error": cause.Error()})
	if err := h.audit.LogError(ctx, audit.ErrorLog{
		Operation:  "webhook.enqueue",
		ErrorCode:  string(errmap.CodeOf(cause)),
		Message:    "failed to enqueue inbound message",
		TaskID:     taskID,
		MessageSid: msg.MessageSid,
		Context:    detail,
	}); err != nil {
		h.logger.Error("error log write failed", "message_sid", msg.MessageSid, "error", err)
	}
}

func buildAbsoluteURL(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	if r.URL.Scheme != "" {
		return r.URL.String()
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
		if r.TLS == nil {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
