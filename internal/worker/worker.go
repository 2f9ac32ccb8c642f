// Package worker consumes queued messages and drives them through the
// conversation backend to an outbound send. Pools are per priority lane;
// failed jobs are re-enqueued with exponential delay and dead-lettered
// after the attempt budget.
package worker

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/relaypoint-ai/wa-gateway/internal/audit"
	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/observability/metrics"
	"github.com/relaypoint-ai/wa-gateway/internal/queue"
	"github.com/relaypoint-ai/wa-gateway/internal/tasks"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

const (
	defaultWorkerCount      = 2
	defaultWaitSeconds      = 2
	defaultBatchSize        = 1
	defaultMaxJobsPerWorker = 1000

	maxWaitSeconds      = 20
	maxReceiveBatchSize = 10
	maxAttempts         = 3

	deleteTimeoutSeconds = 5
)

type workerConfig struct {
	workers          int
	laneWorkers      map[queue.Priority]int
	waitSeconds      int
	batchSize        int
	maxJobsPerWorker int
}

// WorkerOption adjusts worker pool behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of goroutines per priority lane.
func WithWorkerCount(n int) WorkerOption {
	return func(cfg *workerConfig) {
		if n > 0 {
			cfg.workers = n
		}
	}
}

// WithLaneWorkerCount overrides the pool size for one priority lane, so
// high can run a larger pool than low. Aliased lanes share the pool of
// the highest priority that maps to their client.
func WithLaneWorkerCount(lane queue.Priority, n int) WorkerOption {
	return func(cfg *workerConfig) {
		if n > 0 {
			if cfg.laneWorkers == nil {
				cfg.laneWorkers = make(map[queue.Priority]int)
			}
			cfg.laneWorkers[lane] = n
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait, capped at the
// transport maximum of 20 seconds.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds >= 0 {
			if seconds > maxWaitSeconds {
				seconds = maxWaitSeconds
			}
			cfg.waitSeconds = seconds
		}
	}
}

// WithReceiveBatchSize sets how many messages one receive may return,
// capped at the transport maximum of 10.
func WithReceiveBatchSize(n int) WorkerOption {
	return func(cfg *workerConfig) {
		if n > 0 {
			if n > maxReceiveBatchSize {
				n = maxReceiveBatchSize
			}
			cfg.batchSize = n
		}
	}
}

// WithMaxJobsPerWorker sets how many jobs a goroutine handles before it
// is replaced by a fresh one.
func WithMaxJobsPerWorker(n int) WorkerOption {
	return func(cfg *workerConfig) {
		if n > 0 {
			cfg.maxJobsPerWorker = n
		}
	}
}

// Worker runs receive loops over every configured priority lane.
type Worker struct {
	queues    *queue.Set
	publisher *queue.Publisher
	processor *Processor
	tasks     *tasks.Store
	auditor   *audit.Service
	metrics   *metrics.GatewayMetrics
	logger    *logging.Logger
	cfg       workerConfig

	wg sync.WaitGroup
}

// NewWorker builds a worker pool over the given lanes. Tasks, auditor,
// and metrics may be nil.
func NewWorker(queues *queue.Set, publisher *queue.Publisher, processor *Processor, taskStore *tasks.Store, auditor *audit.Service, gatewayMetrics *metrics.GatewayMetrics, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if queues == nil {
		panic("worker: nil queue set")
	}
	if publisher == nil {
		panic("worker: nil publisher")
	}
	if processor == nil {
		panic("worker: nil processor")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		waitSeconds:      defaultWaitSeconds,
		batchSize:        defaultBatchSize,
		maxJobsPerWorker: defaultMaxJobsPerWorker,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{
		queues:    queues,
		publisher: publisher,
		processor: processor,
		tasks:     taskStore,
		auditor:   auditor,
		metrics:   gatewayMetrics,
		logger:    logger,
		cfg:       cfg,
	}
}

// Start launches the receive loops. Lanes that alias the same client
// (an unconfigured priority falls back to high) get one pool, not two.
func (w *Worker) Start(ctx context.Context) {
	seen := make(map[queue.Client]bool)
	for _, p := range queue.Priorities() {
		client := w.queues.For(p)
		if client == nil || seen[client] {
			continue
		}
		seen[client] = true
		count := w.cfg.workers
		if n, ok := w.cfg.laneWorkers[p]; ok {
			count = n
		}
		for i := 0; i < count; i++ {
			w.wg.Add(1)
			go w.supervise(ctx, p, client, i)
		}
	}
	w.logger.Info("worker pools started",
		"lanes", len(seen),
		"workers_per_lane", w.cfg.workers,
		"wait_seconds", w.cfg.waitSeconds,
		"batch_size", w.cfg.batchSize)
}

// Wait blocks until every worker goroutine has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// supervise keeps one worker slot occupied: when a run loop retires
// after maxJobsPerWorker, a fresh one takes its place.
func (w *Worker) supervise(ctx context.Context, lane queue.Priority, client queue.Client, id int) {
	defer w.wg.Done()
	for {
		w.run(ctx, lane, client, id)
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.logger.Debug("worker recycled", "lane", string(lane), "worker", id)
	}
}

func (w *Worker) run(ctx context.Context, lane queue.Priority, client queue.Client, id int) {
	w.logger.Debug("worker started", "lane", string(lane), "worker", id)

	handled := 0
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("worker stopping", "lane", string(lane), "worker", id)
			return
		default:
		}

		msgs, err := client.Receive(ctx, w.cfg.batchSize, w.cfg.waitSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("receive failed", "lane", string(lane), "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
				if backoff > 5*time.Second {
					backoff = 5 * time.Second
				}
			}
			continue
		}
		backoff = time.Second

		for _, msg := range msgs {
			w.handleMessage(ctx, lane, msg)
			handled++
		}
		if handled >= w.cfg.maxJobsPerWorker {
			return
		}
	}
}

// handleMessage runs one dequeued envelope to completion. The broker
// message is always deleted except when a retry re-enqueue itself
// failed, in which case redelivery is the retry.
func (w *Worker) handleMessage(ctx context.Context, lane queue.Priority, msg queue.Message) {
	env, err := queue.Decode(msg.Body)
	if err != nil {
		w.logger.Error("malformed envelope, dropping", "lane", string(lane), "error", err)
		w.metrics.ObserveJob(string(lane), "malformed", 0)
		w.deleteMessage(lane, msg)
		return
	}

	switch env.Kind {
	case queue.KindProcessMessage:
		if env.Message == nil {
			w.logger.Error("envelope missing job payload", "task_id", env.ID)
			w.metrics.ObserveJob(string(lane), "malformed", 0)
			w.deleteMessage(lane, msg)
			return
		}
		w.handleProcessMessage(ctx, lane, msg, env)
	default:
		w.logger.Error("unknown job kind, dropping", "kind", env.Kind, "task_id", env.ID)
		w.metrics.ObserveJob(string(lane), "malformed", 0)
		w.deleteMessage(lane, msg)
	}
}

func (w *Worker) handleProcessMessage(ctx context.Context, lane queue.Priority, msg queue.Message, env queue.Envelope) {
	job := *env.Message
	started := time.Now()

	if w.tasks != nil {
		if err := w.tasks.MarkProcessing(ctx, env.ID, env.Attempt); err != nil {
			w.logger.Warn("task status update failed", "task_id", env.ID, "error", err)
		}
	}

	err := w.processor.Process(ctx, job)
	if err == nil {
		if w.tasks != nil {
			if err := w.tasks.MarkCompleted(ctx, env.ID, "reply delivered"); err != nil {
				w.logger.Warn("task status update failed", "task_id", env.ID, "error", err)
			}
		}
		w.metrics.ObserveJob(string(lane), "ok", time.Since(started).Seconds())
		w.deleteMessage(lane, msg)
		return
	}

	code := string(errmap.CodeOf(err))
	w.logger.Error("job failed",
		"task_id", env.ID,
		"message_sid", job.MessageSid,
		"attempt", env.Attempt,
		"error_code", code,
		"error", err)
	w.logJobError(env, job, code, err)

	if retryable(err) && env.Attempt < maxAttempts {
		retry := env
		retry.Attempt = env.Attempt + 1
		delay := retryDelay(env.Attempt)
		if enqErr := w.publisher.Enqueue(ctx, lane, retry, delay); enqErr != nil {
			// Leave the broker message in place; redelivery is the retry.
			w.logger.Error("retry enqueue failed, leaving message for redelivery",
				"task_id", env.ID, "error", enqErr)
			w.metrics.ObserveJob(string(lane), "retry_enqueue_failed", time.Since(started).Seconds())
			return
		}
		w.logger.Info("job scheduled for retry",
			"task_id", env.ID, "attempt", retry.Attempt, "delay", delay.String())
		w.metrics.ObserveJob(string(lane), "retried", time.Since(started).Seconds())
		w.deleteMessage(lane, msg)
		return
	}

	if dlErr := w.publisher.DeadLetter(ctx, env); dlErr != nil {
		w.logger.Error("dead-letter forward failed", "task_id", env.ID, "error", dlErr)
	}
	if w.tasks != nil {
		if err := w.tasks.MarkFailed(ctx, env.ID, code, err.Error()); err != nil {
			w.logger.Warn("task status update failed", "task_id", env.ID, "error", err)
		}
	}
	w.metrics.ObserveJob(string(lane), "dead_lettered", time.Since(started).Seconds())
	w.deleteMessage(lane, msg)
}

// logJobError writes the audit row for one failed attempt.
func (w *Worker) logJobError(env queue.Envelope, job queue.ProcessMessageJob, code string, err error) {
	if w.auditor == nil {
		return
	}
	detail, _ := json.Marshal(map[string]any{
		"attempt":   env.Attempt,
		"sender":    job.Sender,
		"recipient": job.Recipient,
	})
	logCtx, cancel := context.WithTimeout(context.Background(), deleteTimeoutSeconds*time.Second)
	defer cancel()
	if logErr := w.auditor.LogError(logCtx, audit.ErrorLog{
		Operation:  "worker.process_message",
		ErrorCode:  code,
		Message:    err.Error(),
		TaskID:     env.ID,
		MessageSid: job.MessageSid,
		Context:    detail,
	}); logErr != nil {
		w.logger.Warn("error log write failed", "task_id", env.ID, "error", logErr)
	}
}

// deleteMessage removes a handled message from the broker. It runs on a
// fresh context so shutdown does not strand completed work.
func (w *Worker) deleteMessage(lane queue.Priority, msg queue.Message) {
	if msg.ReceiptHandle == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queues.For(lane).Delete(ctx, msg.ReceiptHandle); err != nil {
		w.logger.Error("message delete failed", "lane", string(lane), "error", err)
	}
}

// retryDelay is 2^attempt seconds plus up to a second of jitter so
// simultaneous failures do not come back in step.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(1<<uint(attempt)) * time.Second
	return base + time.Duration(rand.Intn(1000))*time.Millisecond
}
