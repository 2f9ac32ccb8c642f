package conversation

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/kv"
	"github.com/relaypoint-ai/wa-gateway/internal/messaging"
	"github.com/relaypoint-ai/wa-gateway/internal/observability/metrics"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

var mediatorTracer = otel.Tracer("gateway.internal.conversation")

const (
	threadKeyPrefix  = "dify_chat:conv:"
	threadLockPrefix = "lock:conv:"
)

// Mediator drives one user message through the backend: it resolves the
// user's conversation thread (cached for threadTTL), serializes concurrent
// lookups per sender behind a distributed lock, and sanitizes both
// directions.
type Mediator struct {
	backend   Backend
	cache     *kv.Cache
	locker    *kv.Locker
	metrics   *metrics.GatewayMetrics
	logger    *logging.Logger
	threadTTL time.Duration
	now       func() time.Time
}

// NewMediator builds a mediator. threadTTL <= 0 defaults to one hour.
func NewMediator(backend Backend, cache *kv.Cache, locker *kv.Locker, threadTTL time.Duration, gatewayMetrics *metrics.GatewayMetrics, logger *logging.Logger) *Mediator {
	if backend == nil {
		panic("conversation: nil backend")
	}
	if cache == nil {
		panic("conversation: nil cache")
	}
	if locker == nil {
		panic("conversation: nil locker")
	}
	if threadTTL <= 0 {
		threadTTL = time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Mediator{
		backend:   backend,
		cache:     cache,
		locker:    locker,
		metrics:   gatewayMetrics,
		logger:    logger,
		threadTTL: threadTTL,
		now:       time.Now,
	}
}

// Respond sends one inbound message to the backend and returns the
// sanitized answer. The sender may carry the transport's channel prefix.
func (m *Mediator) Respond(ctx context.Context, sender, body string) (Reply, error) {
	user, err := messaging.NormalizeNumber(sender)
	if err != nil {
		return Reply{}, err
	}
	query := Sanitize(body)
	if query == "" {
		return Reply{}, errmap.New(errmap.CodeInvalidData, "conversation.respond", "empty message body")
	}

	ctx, span := mediatorTracer.Start(ctx, "conversation.respond")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.user", user))

	var reply Reply
	lockErr := m.locker.WithLock(ctx, threadLockPrefix+user, func(ctx context.Context) error {
		threadID := m.threadID(ctx, user)

		started := m.now()
		r, err := m.backend.Send(ctx, user, query, threadID)
		if errors.Is(err, errThreadGone) {
			// The cached thread outlived the backend's retention; start over.
			m.logger.Info("cached thread gone, starting new one", "user", user, "thread_id", threadID)
			if delErr := m.cache.Delete(ctx, threadKeyPrefix+user); delErr != nil {
				m.logger.Warn("thread cache delete failed", "user", user, "error", delErr)
			}
			r, err = m.backend.Send(ctx, user, query, "")
		}
		if err != nil {
			return err
		}
		m.metrics.ObserveBackendLatency(m.now().Sub(started).Seconds())

		if r.ConversationID != "" {
			if err := m.cache.SetString(ctx, threadKeyPrefix+user, r.ConversationID, m.threadTTL); err != nil {
				m.logger.Warn("thread cache write failed", "user", user, "error", err)
			}
		}
		reply = r
		return nil
	})
	if lockErr != nil {
		span.RecordError(lockErr)
		if errors.Is(lockErr, kv.ErrLockNotAcquired) {
			return Reply{}, errmap.Wrap(errmap.CodeLockAcquisitionFailed, "conversation.respond", lockErr)
		}
		return Reply{}, lockErr
	}

	reply.Answer = Sanitize(reply.Answer)
	return reply, nil
}

// threadID resolves the conversation to continue: the cached binding when
// present, otherwise the backend's most recent thread if it was active
// within the TTL. Resolution failures fall back to a fresh thread rather
// than failing the message.
func (m *Mediator) threadID(ctx context.Context, user string) string {
	id, ok, err := m.cache.GetString(ctx, threadKeyPrefix+user)
	if err != nil {
		m.logger.Warn("thread cache read failed", "user", user, "error", err)
	}
	if ok && id != "" {
		return id
	}

	threads, err := m.backend.ListThreads(ctx, user, 1)
	if err != nil {
		m.logger.Warn("thread listing failed, starting new thread", "user", user, "error", err)
		return ""
	}
	if len(threads) == 0 {
		return ""
	}
	latest := threads[0]
	if m.now().Sub(latest.UpdatedAt) >= m.threadTTL {
		return ""
	}
	if err := m.cache.SetString(ctx, threadKeyPrefix+user, latest.ID, m.threadTTL); err != nil {
		m.logger.Warn("thread cache write failed", "user", user, "error", err)
	}
	return latest.ID
}
