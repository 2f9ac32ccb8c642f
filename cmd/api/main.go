package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaypoint-ai/wa-gateway/cmd/mainconfig"
	"github.com/relaypoint-ai/wa-gateway/internal/api/router"
	"github.com/relaypoint-ai/wa-gateway/internal/audit"
	appconfig "github.com/relaypoint-ai/wa-gateway/internal/config"
	"github.com/relaypoint-ai/wa-gateway/internal/conversation"
	"github.com/relaypoint-ai/wa-gateway/internal/http/handlers"
	"github.com/relaypoint-ai/wa-gateway/internal/identity"
	"github.com/relaypoint-ai/wa-gateway/internal/kv"
	"github.com/relaypoint-ai/wa-gateway/internal/loadbalancer"
	"github.com/relaypoint-ai/wa-gateway/internal/messaging"
	"github.com/relaypoint-ai/wa-gateway/internal/notify"
	"github.com/relaypoint-ai/wa-gateway/internal/observability/metrics"
	"github.com/relaypoint-ai/wa-gateway/internal/queue"
	"github.com/relaypoint-ai/wa-gateway/internal/ratelimit"
	"github.com/relaypoint-ai/wa-gateway/internal/registration"
	"github.com/relaypoint-ai/wa-gateway/internal/sequence"
	"github.com/relaypoint-ai/wa-gateway/internal/tasks"
	"github.com/relaypoint-ai/wa-gateway/internal/worker"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

const taskRecordTTL = 24 * time.Hour

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting wa-gateway API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"numbers", len(cfg.Numbers),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := kv.BuildClient(ctx, cfg, logger, true)
	if redisClient == nil {
		logger.Error("shared KV store is required", "addr", cfg.KVAddr())
		os.Exit(1)
	}
	cache := kv.NewCache(redisClient)

	auditDB := connectAuditDB(ctx, cfg.DatabaseURL, logger)
	var auditor *audit.Service
	if auditDB != nil {
		auditor = audit.NewService(auditDB)
	}
	history := messaging.NewStore(connectPgxPool(ctx, cfg.DatabaseURL, logger))

	metricsHandler, gatewayMetrics := setupMetrics()

	queues, err := buildQueues(ctx, cfg, logger)
	if err != nil {
		logger.Error("queue setup failed", "error", err)
		os.Exit(1)
	}
	publisher := queue.NewPublisher(queues, logger)
	taskStore := tasks.NewStore(cache, taskRecordTTL)

	limiter := ratelimit.NewLimiter(redisClient, logger)
	rules := ratelimit.Load(cfg.RateLimitOverrides)

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

	sequences := sequence.NewManager(redisClient, cfg.SequenceTTL, cfg.LockTTL, cfg.LockMaxRetries, logger)

	// Registration needs the identity authority; without it the step
	// endpoints stay off the router rather than half-working.
	var directory *identity.Client
	var registrationHandler *registration.Handler
	if cfg.IdentityURL != "" && cfg.IdentityRealm != "" {
		directory = identity.NewClient(cfg.IdentityURL, cfg.IdentityRealm, cfg.IdentityClientID,
			cfg.IdentityUser, cfg.IdentityPass, cfg.IdentityTimeout, logger)
		mailer := notify.NewOTPMailer(buildEmailSender(ctx, cfg, logger), logger)
		otp := registration.NewOTPService(cache, cfg.OtpTTL, cfg.MaxOtpAttempts, logger)
		registrationHandler = registration.NewHandler(registration.HandlerConfig{
			Sequences: sequences,
			Directory: directory,
			OTP:       otp,
			Mailer:    mailer,
			Limiter:   limiter,
			Rules:     rules,
			Metrics:   gatewayMetrics,
			Logger:    logger,
		})
	} else {
		logger.Warn("identity store not configured; registration endpoints disabled")
	}

	webhookHandler := messaging.NewHandler(messaging.HandlerConfig{
		AuthToken:      cfg.TransportAuthToken,
		PublicBaseURL:  cfg.PublicBaseURL,
		Cache:          cache,
		Limiter:        limiter,
		WebhookRule:    rules["webhook"],
		Audit:          auditor,
		Publisher:      publisher,
		TaskStore:      taskStore,
		Metrics:        gatewayMetrics,
		Logger:         logger,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	r := router.New(&router.Config{
		Logger:       logger,
		Webhook:      webhookHandler,
		Signup:       handlers.NewSignupHandler(balancer, auditor, logger),
		Registration: registrationHandler,
		Health:       handlers.NewHealthHandler(cache, auditDB, queues, directory, logger),
		Stats:        handlers.NewStatsHandler(balancer, logger),
		Tasks:        handlers.NewTasksHandler(taskStore, logger),
		Admin: handlers.NewAdminHandler(handlers.AdminHandlerConfig{
			Sequences: sequences,
			Limiter:   limiter,
			Rules:     rules,
			History:   history,
			Logger:    logger,
		}),
		Limiter:        limiter,
		Rules:          rules,
		APIKey:         cfg.APIKey,
		AdminJWTSecret: cfg.AdminJWTSecret,
		MetricsHandler: metricsHandler,
	})

	// Dev mode runs the worker in-process against the memory queue so a
	// single binary serves the whole round trip.
	var embedded *worker.Worker
	if cfg.UseMemoryQueue {
		embedded = setupEmbeddedWorker(cfg, logger, cache, queues, publisher,
			taskStore, auditor, history, balancer, gatewayMetrics)
		embedded.Start(ctx)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if embedded != nil {
		cancel()
		embedded.Wait()
	}

	logger.Info("server stopped")
}

// setupMetrics builds the process registry and its scrape handler.
func setupMetrics() (http.Handler, *metrics.GatewayMetrics) {
	registry := prometheus.NewRegistry()
	gatewayMetrics := metrics.NewGatewayMetrics(registry)
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return handler, gatewayMetrics
}

// connectAuditDB opens the database/sql handle the audit sink writes
// through. An empty URL disables auditing rather than failing startup.
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

// buildQueues wires the three priority lanes plus the dead-letter queue.
func buildQueues(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*queue.Set, error) {
	if cfg.UseMemoryQueue {
		logger.Info("using in-memory work queue")
		return queue.NewSet(queue.NewMemoryQueue(256), nil, nil, nil), nil
	}
	if cfg.QueueURLHigh == "" {
		return nil, fmt.Errorf("QUEUE_URL_HIGH is required when the memory queue is disabled")
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg)
	byURL := func(url string) queue.Client {
		if url == "" {
			return nil
		}
		return queue.NewSQSQueue(client, url)
	}
	return queue.NewSet(
		byURL(cfg.QueueURLHigh),
		byURL(cfg.QueueURLDefault),
		byURL(cfg.QueueURLLow),
		byURL(cfg.DeadLetterQueueURL),
	), nil
}

// buildEmailSender selects the OTP mail provider. "auto" prefers SendGrid
// when an API key is present, falls back to SES, and ends at the logging
// stub so dev environments never hard-fail on mail.
func buildEmailSender(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) notify.EmailSender {
	sesSender := func() notify.EmailSender {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Warn("SES unavailable", "error", err)
			return nil
		}
		s := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		}, logger)
		if s == nil {
			return nil
		}
		return s
	}
	sendgridSender := func() notify.EmailSender {
		s := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.EmailAPIKey,
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		}, logger)
		if s == nil {
			return nil
		}
		return s
	}

	switch cfg.EmailProvider {
	case "sendgrid":
		if s := sendgridSender(); s != nil {
			logger.Info("email provider selected", "provider", "sendgrid")
			return s
		}
		logger.Warn("sendgrid requested but EMAIL_API_KEY missing; using stub sender")
	case "ses":
		if s := sesSender(); s != nil {
			logger.Info("email provider selected", "provider", "ses")
			return s
		}
		logger.Warn("ses requested but not configured; using stub sender")
	default:
		if s := sendgridSender(); s != nil {
			logger.Info("email provider selected", "provider", "sendgrid", "reason", "auto")
			return s
		}
		// Auto only falls through to SES when credentials are explicit;
		// the SDK default chain succeeding says nothing about SES access.
		if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
			if s := sesSender(); s != nil {
				logger.Info("email provider selected", "provider", "ses", "reason", "auto")
				return s
			}
		}
		logger.Warn("no email provider configured; using stub sender")
	}
	return notify.NewStubEmailSender(logger)
}

// setupEmbeddedWorker builds the in-process consumer used in memory-queue
// mode. The conversation backend and transport sender are constructed here
// because only the worker path needs them.
func setupEmbeddedWorker(
	cfg *appconfig.Config,
	logger *logging.Logger,
	cache *kv.Cache,
	queues *queue.Set,
	publisher *queue.Publisher,
	taskStore *tasks.Store,
	auditor *audit.Service,
	history *messaging.Store,
	balancer *loadbalancer.Balancer,
	gatewayMetrics *metrics.GatewayMetrics,
) *worker.Worker {
	backend := conversation.NewClient(cfg.BackendURL, cfg.BackendKey, cfg.BackendTimeout, logger)
	locker := kv.NewLocker(cache.Client(), cfg.LockTTL, cfg.LockMaxRetries)
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
	return worker.NewWorker(queues, publisher, processor, taskStore, auditor, gatewayMetrics, logger,
		worker.WithWorkerCount(cfg.WorkerCountDefault),
		worker.WithLaneWorkerCount(queue.PriorityHigh, cfg.WorkerCountHigh),
		worker.WithLaneWorkerCount(queue.PriorityLow, cfg.WorkerCountLow),
		worker.WithMaxJobsPerWorker(cfg.WorkerMaxJobs),
	)
}
