// Command api is the HTTP surface for the clinic booking core: it
// serves the dashboard/kiosk read routes, the booking write routes, and
// the tool-invocation surface the realtime session bridge drives
// (internal/orchestrator). In single-process/dev mode (USE_MEMORY_QUEUE,
// the default) it also runs an inline worker pool over the in-memory job
// queue instead of requiring a separate cmd/scheduleworker process.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking-core/internal/api/handlers"
	"github.com/wolfman30/clinic-booking-core/internal/api/router"
	"github.com/wolfman30/clinic-booking-core/internal/archive"
	"github.com/wolfman30/clinic-booking-core/internal/availability"
	"github.com/wolfman30/clinic-booking-core/internal/catalog"
	"github.com/wolfman30/clinic-booking-core/internal/config"
	"github.com/wolfman30/clinic-booking-core/internal/facts"
	"github.com/wolfman30/clinic-booking-core/internal/idempotency"
	"github.com/wolfman30/clinic-booking-core/internal/jobqueue"
	"github.com/wolfman30/clinic-booking-core/internal/jobstore"
	"github.com/wolfman30/clinic-booking-core/internal/notify"
	"github.com/wolfman30/clinic-booking-core/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-core/internal/orchestrator"
	"github.com/wolfman30/clinic-booking-core/internal/planner"
	"github.com/wolfman30/clinic-booking-core/internal/reasoner"
	"github.com/wolfman30/clinic-booking-core/internal/scheduling"
	"github.com/wolfman30/clinic-booking-core/internal/visits"
	"github.com/wolfman30/clinic-booking-core/internal/worker"
	"github.com/wolfman30/clinic-booking-core/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat := catalog.New(cfg.CatalogDir, cfg.CatalogDataDirs, logger)
	schedMetrics := metrics.NewSchedulingMetrics(nil)

	schedStore, err := scheduling.Open(cfg.SchedulingDBPath, cat, schedMetrics, logger)
	if err != nil {
		logger.Error("failed to open scheduling store", "error", err)
		os.Exit(1)
	}
	defer schedStore.Close()

	visitStore, err := visits.Open(cfg.VisitsDBPath, cfg.VisitsOutDir, visits.SaveMode(cfg.SaveVisitFiles), logger)
	if err != nil {
		logger.Error("failed to open visits store", "error", err)
		os.Exit(1)
	}
	defer visitStore.Close()

	availabilityAggregator := availability.New(cat, schedStore)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Warn("failed to load AWS config, AWS-backed services will be unavailable", "error", err)
	}

	reasonerClient := buildReasoner(ctx, cfg, awsCfg, logger)

	plan := planner.New(reasonerClient, cat, schedStore, cfg.Stage1ModelID, cfg.Stage2ModelID, logger)
	factsExtractor := facts.New(reasonerClient, cfg.FactsModelID, logger)

	var idemStore *idempotency.Store
	if !cfg.UseMemoryQueue && cfg.IdempotencyTable != "" {
		idemStore = idempotency.New(dynamodb.NewFromConfig(awsCfg), cfg.IdempotencyTable)
	}

	notifier := buildNotifier(cfg, awsCfg, logger)
	var archiver *archive.Store
	if cfg.S3ArchiveBucket != "" {
		archiver = archive.NewStore(s3.NewFromConfig(awsCfg), cfg.S3ArchiveBucket, logger.Logger)
	}

	var processorOpts []worker.Option
	if archiver != nil {
		processorOpts = append(processorOpts, worker.WithArchive(archiver))
	}
	if len(cfg.OpsNotifyEmails) > 0 {
		processorOpts = append(processorOpts, worker.WithNotifier(notifier, cfg.OpsNotifyEmails))
	}
	if idemStore != nil {
		processorOpts = append(processorOpts, worker.WithIdempotency(idemStore))
	}
	jobProcessor := worker.New(plan, factsExtractor, visitStore, logger, processorOpts...)

	var queue jobqueue.Client
	var memQueue *jobqueue.MemoryQueue
	if cfg.UseMemoryQueue {
		memQueue = jobqueue.NewMemoryQueue(256)
		queue = memQueue
	} else {
		queue = jobqueue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.JobQueueURL)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not available, reply-gate will serialize locally only", "error", err)
			redisClient = nil
		}
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithHoldTTLSeconds(cfg.HoldTTLSeconds),
	}
	if redisClient != nil {
		orchOpts = append(orchOpts, orchestrator.WithRedis(redisClient))
	}
	if !cfg.UseMemoryQueue && cfg.JobsTable != "" {
		jobStore := jobstore.New(dynamodb.NewFromConfig(awsCfg), cfg.JobsTable, logger)
		orchOpts = append(orchOpts, orchestrator.WithJobStore(jobStore))
	}

	orch := orchestrator.New(schedStore, visitStore, cat, queue, logger, orchOpts...)

	// Single-process/dev mode: an in-memory queue has no separate
	// cmd/scheduleworker consumer, so drain it here with an inline pool
	// and deliver results straight back to the waiting orchestrator call.
	if memQueue != nil {
		workerCount := cfg.WorkerCount
		if workerCount < 1 {
			workerCount = 1
		}
		for i := 0; i < workerCount; i++ {
			go runInlineWorker(ctx, memQueue, jobProcessor, orch, logger)
		}
	}

	h := &handlers.Handlers{
		Catalog:         cat,
		Scheduling:      schedStore,
		Availability:    availabilityAggregator,
		Visits:          visitStore,
		Orchestrator:    orch,
		Logger:          logger,
		JoinTokenSecret: cfg.JoinTokenSecret,
		JoinTokenTTL:    cfg.JoinTokenTTL,
	}

	routerCfg := &router.Config{
		Logger:             logger,
		Handlers:           h,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		AdminJWTSecret:     cfg.AdminJWTSecret,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
		DashboardStaticDir: cfg.DashboardStaticDir,
		KioskStaticDir:     cfg.KioskStaticDir,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.New(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("clinic booking api listening", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// runInlineWorker drains the in-memory queue directly, the single-process
// equivalent of cmd/scheduleworker's SQS polling loop.
func runInlineWorker(ctx context.Context, queue *jobqueue.MemoryQueue, proc *worker.Processor, orch *orchestrator.Orchestrator, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		messages, err := queue.Receive(ctx, 1, 5)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("inline worker: receive failed", "error", err)
			continue
		}
		for _, msg := range messages {
			var payload jobqueue.Payload
			if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
				logger.Error("inline worker: malformed job payload", "error", err)
				continue
			}
			result, procErr := proc.Process(ctx, payload)
			orch.DeliverJobResult(payload.ID, result, procErr)
			_ = queue.Delete(ctx, msg.ReceiptHandle)
		}
	}
}

// buildReasoner composes the Bedrock-primary/Gemini-fallback reasoner
// client per internal/config's LLMProvider/LLMFallbackEnabled fields.
func buildReasoner(ctx context.Context, cfg *config.Config, awsCfg aws.Config, logger *logging.Logger) reasoner.Client {
	bedrockClient := reasoner.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID, cfg.BedrockMaxTokens)

	var geminiClient *reasoner.GeminiClient
	if cfg.GeminiAPIKey != "" {
		client, err := reasoner.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			logger.Warn("failed to build gemini client", "error", err)
		} else {
			geminiClient = client
		}
	}

	var primary reasoner.Client = bedrockClient
	var fallback reasoner.Client
	if cfg.LLMProvider == "gemini" && geminiClient != nil {
		primary = geminiClient
		fallback = bedrockClient
	} else if geminiClient != nil {
		fallback = geminiClient
	}
	return reasoner.NewFallbackClient(primary, fallback, cfg.LLMFallbackEnabled && fallback != nil)
}

// buildNotifier picks an ops-notification email sender per config,
// preferring SES, then SendGrid, falling back to a stub that only logs.
func buildNotifier(cfg *config.Config, awsCfg aws.Config, logger *logging.Logger) notify.EmailSender {
	if cfg.SESFromEmail != "" {
		sesCfg := notify.SESConfig{FromEmail: cfg.SESFromEmail, FromName: cfg.SESFromName}
		if sender := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), sesCfg, logger); sender != nil {
			return sender
		}
	}
	if cfg.SendGridAPIKey != "" {
		sgCfg := notify.SendGridConfig{APIKey: cfg.SendGridAPIKey, FromEmail: cfg.SendGridFromEmail, FromName: cfg.SendGridFromName}
		if sender := notify.NewSendGridSender(sgCfg, logger); sender != nil {
			return sender
		}
	}
	return notify.NewStubEmailSender(logger)
}
