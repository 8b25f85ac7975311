// Command scheduleworker drains internal/jobqueue and runs the same job
// body cmd/api's dev-mode inline pool runs (internal/worker.Processor):
// two-stage planning and finalize-visit persistence. This is the
// production consumer for the SQS-backed deployment shape; cmd/api only
// enqueues and polls internal/jobstore for the result.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking-core/internal/archive"
	"github.com/wolfman30/clinic-booking-core/internal/catalog"
	"github.com/wolfman30/clinic-booking-core/internal/config"
	"github.com/wolfman30/clinic-booking-core/internal/facts"
	"github.com/wolfman30/clinic-booking-core/internal/idempotency"
	"github.com/wolfman30/clinic-booking-core/internal/jobqueue"
	"github.com/wolfman30/clinic-booking-core/internal/jobstore"
	"github.com/wolfman30/clinic-booking-core/internal/notify"
	"github.com/wolfman30/clinic-booking-core/internal/observability/metrics"
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

	if cfg.UseMemoryQueue {
		logger.Error("scheduleworker requires a real queue; set USE_MEMORY_QUEUE=false and JOB_QUEUE_URL")
		os.Exit(1)
	}

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

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	reasonerClient := buildReasoner(ctx, cfg, awsCfg, logger)
	plan := planner.New(reasonerClient, cat, schedStore, cfg.Stage1ModelID, cfg.Stage2ModelID, logger)
	factsExtractor := facts.New(reasonerClient, cfg.FactsModelID, logger)

	var processorOpts []worker.Option
	if cfg.S3ArchiveBucket != "" {
		processorOpts = append(processorOpts, worker.WithArchive(archive.NewStore(s3.NewFromConfig(awsCfg), cfg.S3ArchiveBucket, logger.Logger)))
	}
	if len(cfg.OpsNotifyEmails) > 0 {
		processorOpts = append(processorOpts, worker.WithNotifier(buildNotifier(cfg, awsCfg, logger), cfg.OpsNotifyEmails))
	}
	if cfg.IdempotencyTable != "" {
		processorOpts = append(processorOpts, worker.WithIdempotency(idempotency.New(dynamodb.NewFromConfig(awsCfg), cfg.IdempotencyTable)))
	}
	processor := worker.New(plan, factsExtractor, visitStore, logger, processorOpts...)

	queue := jobqueue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.JobQueueURL)
	jobs := jobstore.New(dynamodb.NewFromConfig(awsCfg), cfg.JobsTable, logger)

	// Reply-gate cross-pod Redis is only consulted by the orchestrator
	// inside cmd/api; this worker never touches it directly, but a shared
	// Redis instance is still dialed here so future hold-expiry sweeps
	// can run out of this process without a second config surface.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not available", "error", err)
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	workerCount := cfg.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			pollLoop(ctx, id, queue, jobs, processor, logger)
		}(i)
	}

	logger.Info("scheduleworker started", "workers", workerCount, "queue_url", cfg.JobQueueURL)
	<-ctx.Done()
	logger.Info("shutting down scheduleworker")
	wg.Wait()
}

// pollLoop is one worker's receive/process/delete cycle against the
// shared queue, recording each job's lifecycle into internal/jobstore so
// cmd/api can report completion to a waiting caller.
func pollLoop(ctx context.Context, id int, queue jobqueue.Client, jobs *jobstore.Store, processor *worker.Processor, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := queue.Receive(ctx, 1, 20)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("worker: receive failed", "worker_id", id, "error", err)
			continue
		}

		for _, msg := range messages {
			var payload jobqueue.Payload
			if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
				logger.Error("worker: malformed job payload, dropping", "error", err)
				_ = queue.Delete(ctx, msg.ReceiptHandle)
				continue
			}

			record := &jobstore.Record{JobID: payload.ID, Kind: payload.Kind, Status: jobstore.StatusPending}
			if payload.Plan != nil {
				record.SessionID = payload.Plan.SessionID
			} else if payload.Finalize != nil {
				record.SessionID = payload.Finalize.SessionID
			}
			if err := jobs.PutPending(ctx, record); err != nil {
				logger.Warn("worker: failed to record pending job", "job_id", payload.ID, "error", err)
			}

			result, procErr := processor.Process(ctx, payload)
			if procErr != nil {
				logger.Error("worker: job failed", "job_id", payload.ID, "kind", payload.Kind, "error", procErr)
				if err := jobs.MarkFailed(ctx, payload.ID, procErr.Error()); err != nil {
					logger.Warn("worker: failed to record job failure", "job_id", payload.ID, "error", err)
				}
			} else if err := jobs.MarkCompleted(ctx, payload.ID, result); err != nil {
				logger.Warn("worker: failed to record job completion", "job_id", payload.ID, "error", err)
			}

			_ = queue.Delete(ctx, msg.ReceiptHandle)
		}
	}
}

// buildReasoner composes the Bedrock-primary/Gemini-fallback reasoner
// client per internal/config's LLMProvider/LLMFallbackEnabled fields.
// Duplicated from cmd/api/main.go: both binaries build the same reasoner
// from the same config but neither imports the other's main package.
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
