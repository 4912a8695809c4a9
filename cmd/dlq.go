package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"distillery/src/infrastructure/dlq"
	"distillery/src/infrastructure/job"
	"distillery/src/infrastructure/llmq"
)

var (
	dlqListKind   string
	dlqListLimit  int
	dlqListOffset int
	dlqRequeueAll bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead letters",
	Long: `Dead letters are jobs and LLM requests that exhausted their attempt
budget. The subcommands list them, show their payload and error history,
requeue them as fresh work, or drop them.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, oldest first",
	RunE:  runDLQList,
}

var dlqShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one dead letter with its payload and error history",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQShow,
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue [id]",
	Short: "Requeue a dead letter as a fresh job or request",
	RunE:  runDLQRequeue,
}

var dlqDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a dead letter without replaying it",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQDelete,
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqShowCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	dlqCmd.AddCommand(dlqDeleteCmd)
	settingDefaultConfig()

	dlqListCmd.Flags().StringVar(&dlqListKind, "kind", "", "filter by source kind: llm_request or acquisition_job")
	dlqListCmd.Flags().IntVar(&dlqListLimit, "limit", 50, "maximum letters to list")
	dlqListCmd.Flags().IntVar(&dlqListOffset, "offset", 0, "letters to skip")
	dlqRequeueCmd.Flags().BoolVar(&dlqRequeueAll, "all", false, "requeue every dead letter, oldest first")
}

// openDeadLetterStore connects to PostgreSQL and returns the store plus
// the connection for deferred cleanup.
func openDeadLetterStore() (*gorm.DB, *dlq.GormStore, error) {
	host := viper.GetString("postgres.host")
	user := viper.GetString("postgres.user")
	password := viper.GetString("postgres.password")
	dbname := viper.GetString("postgres.db")
	port := viper.GetString("postgres.port")

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		host, user, password, dbname, port)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	store, err := dlq.NewGormStore(db)
	if err != nil {
		return nil, nil, err
	}
	return db, store, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

func parseKind(raw string) (dlq.SourceKind, error) {
	switch dlq.SourceKind(raw) {
	case "", dlq.SourceLLMRequest, dlq.SourceAcquisitionJob:
		return dlq.SourceKind(raw), nil
	default:
		return "", fmt.Errorf("unknown kind %q", raw)
	}
}

func runDLQList(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(dlqListKind)
	if err != nil {
		return err
	}

	db, store, err := openDeadLetterStore()
	if err != nil {
		return err
	}
	defer closeDB(db)

	items, err := store.List(context.Background(), kind, dlqListLimit, dlqListOffset)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No dead letters")
		return nil
	}

	fmt.Printf("%-20s %-16s %-38s %-8s %s\n", "ID", "KIND", "SOURCE", "ATTEMPTS", "CREATED")
	for _, item := range items {
		fmt.Printf("%-20d %-16s %-38s %-8d %s\n",
			item.ID, item.SourceKind, item.SourceID, item.Attempts,
			item.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runDLQShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid dead letter id %q", args[0])
	}

	db, store, err := openDeadLetterStore()
	if err != nil {
		return err
	}
	defer closeDB(db)

	item, err := store.Get(context.Background(), id)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runDLQRequeue(cmd *cobra.Command, args []string) error {
	if !dlqRequeueAll && len(args) != 1 {
		return errors.New("requeue needs a dead letter id or --all")
	}

	db, store, err := openDeadLetterStore()
	if err != nil {
		return err
	}
	defer closeDB(db)

	jobService, err := job.NewService(job.NewPostgresRepository(db), viper.GetInt("jobs.default_max_attempts"))
	if err != nil {
		return fmt.Errorf("failed to initialize job service: %v", err)
	}
	requestService := llmq.NewService(llmq.NewPostgresRepository(db), nil, llmq.ServiceConfig{
		DefaultMaxAttempts: viper.GetInt("llm.max_attempts"),
	})
	replayer := dlq.NewReplayer(store, jobService, requestService)

	ctx := context.Background()

	if !dlqRequeueAll {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid dead letter id %q", args[0])
		}
		newID, err := replayer.Requeue(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Requeued dead letter %d as %s\n", id, newID)
		return nil
	}

	// Snapshot the ids first. Requeueing pops items, which would shift
	// offset based pagination underneath us.
	var ids []int64
	for offset := 0; ; offset += 200 {
		items, err := store.List(ctx, "", 200, offset)
		if err != nil {
			return err
		}
		for _, item := range items {
			ids = append(ids, item.ID)
		}
		if len(items) < 200 {
			break
		}
	}
	if len(ids) == 0 {
		fmt.Println("No dead letters to requeue")
		return nil
	}

	bar := progressbar.Default(int64(len(ids)), "requeueing")
	requeued, skipped, failed := 0, 0, 0
	for _, id := range ids {
		_, err := replayer.Requeue(ctx, id)
		switch {
		case err == nil:
			requeued++
		case errors.Is(err, dlq.ErrNotFound):
			// Another operator already popped it.
			skipped++
		default:
			failed++
		}
		bar.Add(1)
	}
	bar.Finish()

	fmt.Printf("Requeued %d dead letters", requeued)
	if skipped > 0 {
		fmt.Printf(", %d already gone", skipped)
	}
	if failed > 0 {
		fmt.Printf(", %d failed and were kept", failed)
	}
	fmt.Println()
	return nil
}

func runDLQDelete(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid dead letter id %q", args[0])
	}

	db, store, err := openDeadLetterStore()
	if err != nil {
		return err
	}
	defer closeDB(db)

	if err := store.Delete(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("Deleted dead letter %d\n", id)
	return nil
}
