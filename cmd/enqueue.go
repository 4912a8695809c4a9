package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"distillery/src/infrastructure/job"
)

var (
	enqueueType        string
	enqueuePayload     string
	enqueueMaxAttempts int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a job",
	Long: `Enqueue a job without going through the HTTP API.

Examples:
  distillery enqueue --type acquisition --payload '{"source_url":"https://example.com/spec.html","project_id":"demo"}'
  distillery enqueue --type crawl --payload '{"list_url":"https://example.com/docs/","project_id":"demo"}' --max-attempts 1
  distillery enqueue --type cleanup --payload '{}'`,
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	settingDefaultConfig()

	enqueueCmd.Flags().StringVar(&enqueueType, "type", "", "job type: acquisition, crawl, extraction or cleanup")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "job payload as JSON")
	enqueueCmd.Flags().IntVar(&enqueueMaxAttempts, "max-attempts", 0, "attempt budget, 0 uses the service default")
	enqueueCmd.MarkFlagRequired("type")
	enqueueCmd.MarkFlagRequired("payload")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
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

	// Initialize job repository and service
	jobRepo := job.NewPostgresRepository(db)
	jobService, err := job.NewService(jobRepo, viper.GetInt("jobs.default_max_attempts"))
	if err != nil {
		return fmt.Errorf("failed to initialize job service: %v", err)
	}

	// Enqueue job
	ctx := context.Background()
	j, err := jobService.EnqueueRaw(ctx, job.Type(enqueueType), json.RawMessage(enqueuePayload), enqueueMaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	fmt.Printf("Successfully enqueued job with ID: %s\n", j.ID)
	return nil
}
