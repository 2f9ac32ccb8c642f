package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaypoint-ai/wa-gateway/cmd/mainconfig"
	"github.com/relaypoint-ai/wa-gateway/internal/audit"
	appconfig "github.com/relaypoint-ai/wa-gateway/internal/config"
	"github.com/relaypoint-ai/wa-gateway/internal/conversation"
	"github.com/relaypoint-ai/wa-gateway/internal/kv"
	"github.com/relaypoint-ai/wa-gateway/internal/loadbalancer"
	"github.com/relaypoint-ai/wa-gateway/internal/messaging"
	"github.com/relaypoint-ai/wa-gateway/internal/notify"
	"github.com/relaypoint-ai/wa-gateway/internal/observability/metrics"
	"github.com/relaypoint-ai/wa-gateway/internal/queue"
	"github.com/relaypoint-ai/wa-gateway/internal/tasks"
	"github.com/relaypoint-ai/wa-gateway/internal/worker"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

const taskRecordTTL = 24 * time.Hour

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting wa-gateway worker",
		"env", cfg.Env,
		"queue_high", cfg.QueueURLHigh,
	)

	if cfg.UseMemoryQueue {
		logger.Error("the standalone worker needs a broker; memory-queue mode runs inside the API binary")
		os.Exit(1)
	}
	if cfg.QueueURLHigh == "" {
		logger.Error("QUEUE_URL_HIGH is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := kv.BuildClient(ctx, cfg, logger, true)
	if redisClient == nil {
		logger.Error("shared KV store is required", "addr", cfg.KVAddr())
		os.Exit(1)
	}
	cache := kv.NewCache(redisClient)

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	byURL := func(url string) queue.Client {
		if url == "" {
			return nil
		}
		return queue.NewSQSQueue(sqsClient, url)
	}
	queues := queue.NewSet(
		byURL(cfg.QueueURLHigh),
		byURL(cfg.QueueURLDefault),
		byURL(cfg.QueueURLLow),
		byURL(cfg.DeadLetterQueueURL),
	)
	publisher := queue.NewPublisher(queues, logger)
	taskStore := tasks.NewStore(cache, taskRecordTTL)

	auditDB := connectAuditDB(ctx, cfg.DatabaseURL, logger)
	var auditor *audit.Service
	if auditDB != nil {
		auditor = audit.NewService(auditDB)
	}
	history := messaging.NewStore(connectPgxPool(ctx, cfg.DatabaseURL, logger))

	gatewayMetrics := metrics.NewGatewayMetrics(prometheus.NewRegistry())

	var notifier loadbalancer.AlertNotifier
	if wn := notify.NewWebhookNotifier(cfg.AlertWebhookURL, logger); wn != nil {
		notifier = wn
	}
	var statsSink loadbalancer.StatsSink
	if auditor != nil {
		statsSink = auditor
	}
	balancer := loadbalancer.New(cache, loadbalancer.Config{
		Numbers:        cfg.Numbers,
		MaxMps:         cfg.MaxMessagesPerSecond,
		HighThreshold:  cfg.HighThreshold,
		AlertThreshold: cfg.AlertThreshold,
		WindowSeconds:  cfg.LoadWindowSeconds,
		Cooldown:       cfg.AlertCooldown,
	}, logger, statsSink, notifier, gatewayMetrics)

	backend := conversation.NewClient(cfg.BackendURL, cfg.BackendKey, cfg.BackendTimeout, logger)
	locker := kv.NewLocker(redisClient, cfg.LockTTL, cfg.LockMaxRetries)
	mediator := conversation.NewMediator(backend, cache, locker, time.Hour, gatewayMetrics, logger)
	sender := messaging.NewWhatsAppSender(cfg.TransportAccountSID, cfg.TransportAuthToken,
		cfg.TransportAPIURL, cfg.TransportTimeout, logger)

	processor := worker.NewProcessor(worker.ProcessorConfig{
		Responder: mediator,
		Picker:    balancer,
		Sender:    sender,
		Media:     messaging.NewMediaValidator(logger),
		History:   history,
		Metrics:   gatewayMetrics,
		Logger:    logger,
	})
	pool := worker.NewWorker(queues, publisher, processor, taskStore, auditor, gatewayMetrics, logger,
		worker.WithWorkerCount(cfg.WorkerCountDefault),
		worker.WithLaneWorkerCount(queue.PriorityHigh, cfg.WorkerCountHigh),
		worker.WithLaneWorkerCount(queue.PriorityLow, cfg.WorkerCountLow),
		worker.WithMaxJobsPerWorker(cfg.WorkerMaxJobs),
		worker.WithReceiveWaitSeconds(10),
	)

	pool.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		pool.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("worker stopped")
	case <-doneCtx.Done():
		logger.Error("worker shutdown timed out", "error", doneCtx.Err())
	}
}

// connectAuditDB opens the database/sql handle for the audit sink. An
// empty URL disables auditing rather than failing startup.
func connectAuditDB(ctx context.Context, databaseURL string, logger *logging.Logger) *sql.DB {
	if databaseURL == "" {
		logger.Warn("DATABASE_URL not set; audit logging disabled")
		return nil
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		logger.Error("open audit db failed", "error", err)
		return nil
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("audit db unreachable", "error", err)
		_ = db.Close()
		return nil
	}
	return db
}

// connectPgxPool opens the native pool the message-log store uses.
func connectPgxPool(ctx context.Context, databaseURL string, logger *logging.Logger) *pgxpool.Pool {
	if databaseURL == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("open pgx pool failed", "error", err)
		return nil
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("pgx pool unreachable", "error", err)
		pool.Close()
		return nil
	}
	return pool
}
