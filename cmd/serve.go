/*
Copyright © 2024 Dean
*/
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	weaviateClient "github.com/weaviate/weaviate-go-client/v4/weaviate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	httpHdlr "distillery/handler/http"
	"distillery/src/infrastructure/dlq"
	"distillery/src/infrastructure/integrations/ollama"
	"distillery/src/infrastructure/job"
	"distillery/src/infrastructure/llmq"
	"distillery/src/infrastructure/metrics"
	"distillery/src/log"
	"distillery/src/storage/elastic"
	"distillery/src/storage/minioctrl"
	"distillery/src/storage/postgres/documentctrl"
	"distillery/src/storage/postgres/recordctrl"
	"distillery/src/storage/postgres/unitctrl"
	"distillery/src/storage/weaviate"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the distillery API server",
	Long:  `The serve command starts an HTTP server that exposes jobs, documents, record search, dead letters and metrics.`,
	Run:   RunServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	settingDefaultConfig()
}

func RunServer(cmd *cobra.Command, args []string) {
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
		log.Error(err, "Failed to connect to database")
		return
	}

	// Initialize storage services
	documentService, err := documentctrl.NewDocumentService(db)
	if err != nil {
		log.Error(err, "Failed to create document service")
		return
	}
	unitService, err := unitctrl.NewUnitService(db)
	if err != nil {
		log.Error(err, "Failed to create unit service")
		return
	}
	recordService, err := recordctrl.NewRecordService(db)
	if err != nil {
		log.Error(err, "Failed to create record service")
		return
	}

	// Initialize MinIO service
	minioService, err := minioctrl.NewMinioService(
		viper.GetString("minio.endpoint"),
		viper.GetString("minio.access_key"),
		viper.GetString("minio.secret_key"),
		viper.GetBool("minio.use_ssl"),
	)
	if err != nil {
		log.Error(err, "Failed to create minio service")
		return
	}

	// Initialize Elasticsearch index over extraction records
	esClient, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{viper.GetString("elastic.url")},
	})
	if err != nil {
		log.Error(err, "Failed to create elasticsearch client")
		return
	}
	index := elastic.NewIndexService(esClient, viper.GetString("elastic.index"))

	// Initialize Weaviate artifact store
	wc := weaviateClient.New(weaviateClient.Config{
		Host:   viper.GetString("weaviate.host"),
		Scheme: viper.GetString("weaviate.scheme"),
	})
	artifacts := weaviate.NewArtifactStore(wc)

	// Initialize Ollama backend, used here to embed hybrid search queries
	backend, err := ollama.NewBackend(
		viper.GetString("ollama.url"),
		viper.GetString("ollama.model"),
		viper.GetString("ollama.embed_model"),
	)
	if err != nil {
		log.Error(err, "Failed to create ollama backend")
		return
	}

	// Initialize job and LLM request services. The API process only
	// submits requests; waiting happens in the worker, so no dispatcher
	// is wired here.
	jobRepo := job.NewPostgresRepository(db)
	jobService, err := job.NewService(jobRepo, viper.GetInt("jobs.default_max_attempts"))
	if err != nil {
		log.Error(err, "Failed to create job service")
		return
	}
	requestRepo := llmq.NewPostgresRepository(db)
	requestService := llmq.NewService(requestRepo, nil, llmq.ServiceConfig{
		OverallTimeout:       viper.GetDuration("llm.overall_timeout"),
		FallbackPollInterval: viper.GetDuration("llm.fallback_poll"),
		DefaultMaxAttempts:   viper.GetInt("llm.max_attempts"),
	})

	// Initialize dead letter store, replayer and metrics collector
	letters, err := dlq.NewGormStore(db)
	if err != nil {
		log.Error(err, "Failed to create dead letter store")
		return
	}
	replayer := dlq.NewReplayer(letters, jobService, requestService)
	collector := metrics.NewCollector(jobRepo, requestRepo, letters)

	// Initialize HTTP handler with individual services
	handler := httpHdlr.NewHandler(
		jobService,
		letters,
		replayer,
		collector,
		documentService,
		unitService,
		recordService,
		minioService,
		index,
		artifacts,
		backend,
	)

	// Setup gin router
	r := gin.Default()

	// Register routes
	handler.RegisterRoutes(r)

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + viper.GetString("server.port"),
		Handler: r,
	}

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "Failed to start server")
			return
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	// Parse shutdown timeout
	timeout, err := time.ParseDuration(viper.GetString("server.shutdown_timeout"))
	if err != nil {
		log.Error(err, "Invalid shutdown timeout, using default 5s")
		timeout = 5 * time.Second
	}

	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Get underlying *sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		log.Error(err, "Failed to get underlying *sql.DB")
	} else {
		// Close database connection
		if err := sqlDB.Close(); err != nil {
			log.Error(err, "Error closing database connection")
		}
	}

	// Attempt graceful shutdown
	if err := srv.Shutdown(ctx); err != nil {
		log.Error(err, "Server forced to shutdown")
	}

	log.Info("Server exited")
}
