package worker

import (
	"context"
	"strings"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/conversation"
	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/messaging"
	"github.com/relaypoint-ai/wa-gateway/internal/observability/metrics"
	"github.com/relaypoint-ai/wa-gateway/internal/queue"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

// Responder produces the reply for one inbound message.
type Responder interface {
	Respond(ctx context.Context, sender, body string) (conversation.Reply, error)
}

// NumberPicker selects the outbound channel number and records the
// dispatch against its load window.
type NumberPicker interface {
	Pick(ctx context.Context) (string, error)
	RecordDispatch(ctx context.Context, number string) error
}

type historyStore interface {
	InsertMessageLog(ctx context.Context, q messaging.Querier, rec messaging.MessageLog) (int64, error)
}

// Processor runs one queued message end to end: backend reply, channel
// selection, outbound send, and the conversation history row.
type Processor struct {
	responder Responder
	picker    NumberPicker
	sender    messaging.Sender
	media     *messaging.MediaValidator
	history   historyStore
	metrics   *metrics.GatewayMetrics
	logger    *logging.Logger
	now       func() time.Time
}

// ProcessorConfig carries the processor's dependencies. Responder,
// Picker, and Sender are required; History and Media may be nil.
type ProcessorConfig struct {
	Responder Responder
	Picker    NumberPicker
	Sender    messaging.Sender
	Media     *messaging.MediaValidator
	History   historyStore
	Metrics   *metrics.GatewayMetrics
	Logger    *logging.Logger
}

// NewProcessor builds a processor from cfg.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Responder == nil {
		panic("worker: nil responder")
	}
	if cfg.Picker == nil {
		panic("worker: nil picker")
	}
	if cfg.Sender == nil {
		panic("worker: nil sender")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Processor{
		responder: cfg.Responder,
		picker:    cfg.Picker,
		sender:    cfg.Sender,
		media:     cfg.Media,
		history:   cfg.History,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// Process handles one dequeued message. Errors it returns carry the
// taxonomy code the worker uses to decide between retry and dead-letter.
func (p *Processor) Process(ctx context.Context, job queue.ProcessMessageJob) error {
	started := p.now()

	reply, err := p.responder.Respond(ctx, job.Sender, job.Body)
	if err != nil {
		return err
	}

	from, err := p.picker.Pick(ctx)
	if err != nil {
		return err
	}

	urls := messaging.ExtractMediaURLs(reply.Answer)
	text := reply.Answer
	if len(urls) > 0 {
		text = strings.TrimSpace(messaging.StripMediaURLs(reply.Answer))
		if p.media != nil {
			urls = p.media.Validate(ctx, urls)
		}
	}

	out := messaging.OutboundMessage{
		To:        job.Sender,
		From:      from,
		Body:      text,
		MediaURLs: urls,
	}
	sid, err := p.sender.Send(ctx, out)
	if err != nil && len(urls) > 0 && text != "" {
		// Media delivery is best effort: when the attachment sinks the
		// whole send, the text still reaches the user.
		p.logger.Warn("send with media failed, retrying text only",
			"to", job.Sender, "media_count", len(urls), "error", err)
		out.MediaURLs = nil
		sid, err = p.sender.Send(ctx, out)
	}
	if err != nil {
		p.metrics.ObserveSend("error", len(urls) > 0)
		return err
	}
	p.metrics.ObserveSend("ok", len(out.MediaURLs) > 0)

	if err := p.picker.RecordDispatch(ctx, from); err != nil {
		p.logger.Warn("dispatch count update failed", "number", from, "error", err)
	}

	if p.history != nil {
		rec := messaging.MessageLog{
			MessageSid:     job.MessageSid,
			Sender:         job.Sender,
			Recipient:      job.Recipient,
			Body:           job.Body,
			Reply:          reply.Answer,
			ConversationID: reply.ConversationID,
			ChannelNumber:  from,
			MediaCount:     len(out.MediaURLs),
			ProcessingMS:   p.now().Sub(started).Milliseconds(),
			RequestLogID:   job.RequestLogID,
		}
		if _, err := p.history.InsertMessageLog(ctx, nil, rec); err != nil {
			// The reply already went out; failing here would re-send it.
			p.logger.Error("message log insert failed",
				"message_sid", job.MessageSid, "outbound_sid", sid, "error", err)
		}
	}

	p.logger.Info("message processed",
		"message_sid", job.MessageSid,
		"from", from,
		"media_count", len(out.MediaURLs),
		"duration_ms", p.now().Sub(started).Milliseconds())
	return nil
}

// retryable reports whether a failed job is worth another attempt.
// Malformed input stays malformed no matter how often it is replayed.
func retryable(err error) bool {
	switch errmap.CodeOf(err) {
	case errmap.CodeInvalidData, errmap.CodeInvalidPhone, errmap.CodeValidationError:
		return false
	}
	return true
}
