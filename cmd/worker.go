package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	weaviateClient "github.com/weaviate/weaviate-go-client/v4/weaviate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"distillery/src/core/acquisition"
	"distillery/src/core/cleanup"
	"distillery/src/core/extractionflow"
	"distillery/src/infrastructure/dlq"
	"distillery/src/infrastructure/integrations/ollama"
	"distillery/src/infrastructure/integrations/unstructured"
	"distillery/src/infrastructure/job"
	"distillery/src/infrastructure/llmq"
	"distillery/src/infrastructure/metrics"
	"distillery/src/infrastructure/notify"
	"distillery/src/log"
	"distillery/src/storage/elastic"
	"distillery/src/storage/minioctrl"
	"distillery/src/storage/postgres/documentctrl"
	"distillery/src/storage/postgres/recordctrl"
	"distillery/src/storage/postgres/unitctrl"
	"distillery/src/storage/weaviate"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long: `The worker command runs the job scheduler, the LLM request queue
consumer and the cleanup enqueuer. It owns the database migrations, so
start one worker before the API server on a fresh database. Several
workers may share one database; the claim protocol keeps them from
processing the same job twice.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	settingDefaultConfig()
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Initialize PostgreSQL connection
	host := viper.GetString("postgres.host")
	user := viper.GetString("postgres.user")
	password := viper.GetString("postgres.password")
	dbname := viper.GetString("postgres.db")
	port := viper.GetString("postgres.port")

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		host, user, password, dbname, port)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}

	// Get underlying *sql.DB for cleanup
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %v", err)
	}
	defer sqlDB.Close()

	// Initialize storage services and run migrations
	documentService, err := documentctrl.NewDocumentService(db)
	if err != nil {
		return fmt.Errorf("failed to initialize document service: %v", err)
	}
	if err := documentService.Migrate(); err != nil {
		return err
	}
	unitService, err := unitctrl.NewUnitService(db)
	if err != nil {
		return fmt.Errorf("failed to initialize unit service: %v", err)
	}
	if err := unitService.Migrate(); err != nil {
		return err
	}
	recordService, err := recordctrl.NewRecordService(db)
	if err != nil {
		return fmt.Errorf("failed to initialize record service: %v", err)
	}
	if err := recordService.Migrate(); err != nil {
		return err
	}

	jobRepo := job.NewPostgresRepository(db)
	if err := jobRepo.Migrate(); err != nil {
		return err
	}
	requestRepo := llmq.NewPostgresRepository(db)
	if err := requestRepo.Migrate(); err != nil {
		return err
	}
	letters, err := dlq.NewGormStore(db)
	if err != nil {
		return fmt.Errorf("failed to initialize dead letter store: %v", err)
	}
	if err := letters.Migrate(); err != nil {
		return err
	}

	// Initialize MinioService and make sure the buckets exist
	minioService, err := minioctrl.NewMinioService(
		viper.GetString("minio.endpoint"),
		viper.GetString("minio.access_key"),
		viper.GetString("minio.secret_key"),
		viper.GetBool("minio.use_ssl"),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize minio service: %v", err)
	}
	for _, bucket := range []string{minioctrl.DocumentsBucket, minioctrl.UnitsBucket} {
		if err := minioService.EnsureBucketExists(context.Background(), bucket); err != nil {
			return fmt.Errorf("failed to ensure bucket %s: %v", bucket, err)
		}
	}

	// Initialize Ollama backend
	backend, err := ollama.NewBackend(
		viper.GetString("ollama.url"),
		viper.GetString("ollama.model"),
		viper.GetString("ollama.embed_model"),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize ollama backend: %v", err)
	}

	// Initialize Elasticsearch index over extraction records
	esClient, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{viper.GetString("elastic.url")},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize elasticsearch client: %v", err)
	}
	index := elastic.NewIndexService(esClient, viper.GetString("elastic.index"))
	if err := index.EnsureIndex(context.Background()); err != nil {
		return err
	}

	// Initialize Weaviate artifact store
	wc := weaviateClient.New(weaviateClient.Config{
		Host:   viper.GetString("weaviate.host"),
		Scheme: viper.GetString("weaviate.scheme"),
	})
	artifacts := weaviate.NewArtifactStore(wc)
	if err := artifacts.EnsureSchema(context.Background()); err != nil {
		return err
	}

	// Initialize the notification bus. Every worker process gets its own
	// AMQP queue so each process sees every announcement.
	var bus *notify.Bus
	if viper.GetString("notify.driver") == "channel" {
		bus = notify.NewGoChannelBus()
	} else {
		suffix, err := os.Hostname()
		if err != nil || suffix == "" {
			suffix = uuid.NewString()
		}
		bus, err = notify.NewAMQPBus(viper.GetString("amqp.url"), suffix)
		if err != nil {
			return fmt.Errorf("failed to connect to amqp: %v", err)
		}
	}
	defer bus.Close()
	dispatcher := notify.NewDispatcher(bus)

	// Initialize job and LLM request services
	jobService, err := job.NewService(jobRepo, viper.GetInt("jobs.default_max_attempts"))
	if err != nil {
		return fmt.Errorf("failed to initialize job service: %v", err)
	}
	requestService := llmq.NewService(requestRepo, dispatcher, llmq.ServiceConfig{
		OverallTimeout:       viper.GetDuration("llm.overall_timeout"),
		FallbackPollInterval: viper.GetDuration("llm.fallback_poll"),
		DefaultMaxAttempts:   viper.GetInt("llm.max_attempts"),
	})

	// Initialize the LLM queue worker
	llmWorker := llmq.NewWorker(requestRepo, backend, dlq.NewRequestSink(letters), bus, llmq.WorkerConfig{
		Concurrency:    viper.GetInt("llm.concurrency"),
		AttemptTimeout: viper.GetDuration("llm.attempt_timeout"),
		ClaimFor:       viper.GetDuration("llm.claim_for"),
		PollInterval:   viper.GetDuration("llm.poll_interval"),
		ResponseTTL:    viper.GetDuration("llm.response_ttl"),
	})

	// Initialize executors
	fetcher := acquisition.NewHTTPFetcher(nil,
		viper.GetString("acquisition.user_agent"),
		viper.GetInt64("acquisition.max_fetch_bytes"),
	)
	partition := unstructured.NewPartitionService(viper.GetString("unstructured.url"))
	acquisitionExec := acquisition.NewExecutor(
		fetcher, nil, partition,
		documentService, unitService, recordService, minioService, jobService,
		acquisition.ExecutorConfig{
			ChunkSize:    viper.GetInt("acquisition.chunk_size"),
			ChunkOverlap: viper.GetInt("acquisition.chunk_overlap"),
		},
	)
	crawlExec := acquisition.NewCrawlExecutor(fetcher, documentService, jobService)

	flow := extractionflow.NewExtractionFlow(requestService,
		extractionflow.WithModel(viper.GetString("ollama.model")),
		extractionflow.WithMaxAttempts(viper.GetInt("llm.max_attempts")),
	)
	extractionExec := extractionflow.NewExecutor(
		flow, documentService, unitService, recordService, minioService,
		backend, artifacts, index,
	)

	cleanupExec := cleanup.NewExecutor(requestRepo, jobRepo, cleanup.ExecutorConfig{
		Retention: viper.GetDuration("cleanup.retention"),
		Batch:     viper.GetInt("cleanup.batch"),
	})
	cleanupEnqueuer := cleanup.NewEnqueuer(jobService, jobRepo, cleanup.EnqueuerConfig{
		Interval: viper.GetDuration("cleanup.interval"),
		Batch:    viper.GetInt("cleanup.batch"),
	})

	// Initialize the scheduler and register one pool per job type
	scheduler := job.NewScheduler(jobRepo, job.Config{
		PollInterval: viper.GetDuration("scheduler.poll_interval"),
		DrainTimeout: viper.GetDuration("scheduler.drain_timeout"),
	}, dlq.NewJobSink(letters))
	scheduler.Register(acquisitionExec)
	scheduler.Register(crawlExec)
	scheduler.Register(extractionExec)
	scheduler.Register(cleanupExec)

	// Log the queue state so restarts after a crash are visible
	collector := metrics.NewCollector(jobRepo, requestRepo, letters)
	if snapshot, err := collector.Collect(context.Background()); err != nil {
		log.Error(err, "Failed to collect startup metrics")
	} else {
		log.Info("Queue state at startup",
			"queue_depth", snapshot.QueueDepth,
			"job_counters", len(snapshot.Jobs),
			"dead_letter_kinds", len(snapshot.DeadLetters),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error(err, "Notification dispatcher stopped")
		}
	}()
	go func() {
		if err := llmWorker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error(err, "LLM queue worker stopped")
		}
	}()
	go func() {
		if err := cleanupEnqueuer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error(err, "Cleanup enqueuer stopped")
		}
	}()

	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- scheduler.Run(ctx)
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	log.Info("Shutting down...")
	cancel()
	if err := <-schedulerDone; err != nil {
		log.Error(err, "Scheduler exited with error")
	}
	log.Info("Worker stopped")

	return nil
}
