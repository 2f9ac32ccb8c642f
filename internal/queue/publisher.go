package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

// Publisher enqueues typed jobs onto the queue set. Handlers depend on it
// rather than on raw clients so lane selection stays in one place.
type Publisher struct {
	queues *Set
	logger *logging.Logger
}

// NewPublisher builds a publisher over a queue set.
func NewPublisher(queues *Set, logger *logging.Logger) *Publisher {
	if queues == nil {
		panic("queue: nil queue set")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queues: queues, logger: logger}
}

// EnqueueProcessMessage publishes one inbound message job on the high lane.
// taskID becomes the envelope ID so the ingress response and the queued job
// share an identifier.
func (p *Publisher) EnqueueProcessMessage(ctx context.Context, taskID string, job ProcessMessageJob) error {
	env := Envelope{
		ID:      taskID,
		Kind:    KindProcessMessage,
		Attempt: 1,
		Message: &job,
	}
	return p.Enqueue(ctx, PriorityHigh, env, 0)
}

// Enqueue publishes an envelope on the given lane with an optional delay.
// Retry paths use the delay for backoff between attempts.
func (p *Publisher) Enqueue(ctx context.Context, priority Priority, env Envelope, delay time.Duration) error {
	env, body, err := Encode(env)
	if err != nil {
		return err
	}
	if err := p.queues.For(priority).Send(ctx, body, delay); err != nil {
		return fmt.Errorf("queue: enqueue %s job %s: %w", env.Kind, env.ID, err)
	}
	p.logger.Debug("job enqueued",
		"job_id", env.ID,
		"kind", string(env.Kind),
		"priority", string(priority),
		"attempt", env.Attempt,
		"delay_seconds", int(delay/time.Second),
	)
	return nil
}

// DeadLetter forwards an exhausted envelope to the dead-letter queue. When
// none is configured the job is dropped with a warning so the worker loop
// never wedges on poison messages.
func (p *Publisher) DeadLetter(ctx context.Context, env Envelope) error {
	dead := p.queues.DeadLetter()
	if dead == nil {
		p.logger.Warn("dead-letter queue not configured, dropping job",
			"job_id", env.ID, "kind", string(env.Kind), "attempt", env.Attempt)
		return nil
	}
	_, body, err := Encode(env)
	if err != nil {
		return err
	}
	if err := dead.Send(ctx, body, 0); err != nil {
		return fmt.Errorf("queue: dead-letter job %s: %w", env.ID, err)
	}
	p.logger.Warn("job dead-lettered", "job_id", env.ID, "kind", string(env.Kind), "attempt", env.Attempt)
	return nil
}
