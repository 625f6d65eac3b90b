// Package cli wires the agent's cobra commands. The same commands serve any
// binary built on the runtime, so deployments registering their own handlers
// (see examples/echo) get the full surface for free.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AI-OWL/MNM-Fasteners-Agent/internal/config"
	internal_http "github.com/AI-OWL/MNM-Fasteners-Agent/internal/http"
	"github.com/AI-OWL/MNM-Fasteners-Agent/internal/log"
	internal_storage "github.com/AI-OWL/MNM-Fasteners-Agent/internal/storage"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/agent"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/channel"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/executor"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/registry"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/scheduler"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/storage"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

func SetupCLI(rootCmd *cobra.Command, reg *registry.Registry) {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			runAgent(reg)
		},
	}

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and administer the local task queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in the local queue",
		Run: func(cmd *cobra.Command, args []string) {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			store := openStore()
			defer store.Close()
			listTasks(store, models.TaskStatus(status), limit)
		},
	}
	listCmd.Flags().String("status", "", "Filter by status (QUEUED, RUNNING, RETRYING, SUCCEEDED, FAILED, DEAD)")
	listCmd.Flags().Int("limit", 50, "Maximum number of tasks to show")

	enqueueCmd := &cobra.Command{
		Use:   "enqueue [type] [payload]",
		Short: "Enqueue a task locally, bypassing the controller",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			payload := "{}"
			if len(args) == 2 {
				payload = args[1]
			}
			if !json.Valid([]byte(payload)) {
				fmt.Fprintf(os.Stderr, "Error: payload is not valid JSON\n")
				os.Exit(1)
			}
			attempts, _ := cmd.Flags().GetInt("max-attempts")
			store := openStore()
			defer store.Close()
			task := models.Task{
				ID:          uuid.NewString(),
				Type:        args[0],
				Payload:     json.RawMessage(payload),
				MaxAttempts: attempts,
			}
			if err := store.Enqueue(task); err != nil {
				log.GetLogger().Errorf("Failed to enqueue task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to enqueue task: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Enqueued task %s (%s)\n", task.ID, task.Type)
		},
	}
	enqueueCmd.Flags().Int("max-attempts", config.DefaultMaxAttempts, "Attempt budget for the task")

	retryCmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Re-queue a dead task with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := openStore()
			defer store.Close()
			if err := store.Requeue(args[0]); err != nil {
				log.GetLogger().Errorf("Failed to re-queue task %s: %v", args[0], err)
				fmt.Fprintf(os.Stderr, "Error: failed to re-queue task %s: %v\n", args[0], err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Task %s re-queued\n", args[0])
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete reported terminal tasks from the local queue",
		Run: func(cmd *cobra.Command, args []string) {
			force, _ := cmd.Flags().GetBool("force")
			store := openStore()
			defer store.Close()
			n, err := store.Purge(force)
			if err != nil {
				log.GetLogger().Errorf("Failed to purge tasks: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to purge tasks: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Purged %d task(s)\n", n)
		},
	}
	purgeCmd.Flags().Bool("force", false, "Also delete terminal tasks whose outcome was never reported")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(os.Stdout, "%s\n", Version)
		},
	}

	queueCmd.AddCommand(listCmd, enqueueCmd, retryCmd, purgeCmd)
	rootCmd.AddCommand(runCmd, queueCmd, versionCmd)
}

func runAgent(reg *registry.Registry) {
	logger := log.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	triggers, err := config.LoadTriggers(cfg.TriggersFile)
	if err != nil {
		logger.Errorf("Failed to load triggers: %v", err)
		os.Exit(1)
	}

	store, err := internal_storage.InitStore(cfg.DBPath, storage.RetryPolicy{
		BaseDelay: cfg.RetryBaseDelay,
		MaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		logger.Errorf("Failed to open task store %s: %v", cfg.DBPath, err)
		os.Exit(1)
	}
	defer store.Close()

	a, err := agent.New(store, reg, triggers, agentConfig(cfg), logger)
	if err != nil {
		logger.Errorf("Failed to build agent: %v", err)
		os.Exit(1)
	}

	go func() {
		if err := internal_http.StartServer(cfg.HTTPAddr, store, a); err != nil {
			logger.Errorf("Status server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		logger.Errorf("Agent halted: %v", err)
		os.Exit(1)
	}
}

func agentConfig(cfg config.Config) agent.Config {
	return agent.Config{
		AgentID:      cfg.AgentID,
		Version:      Version,
		Token:        cfg.AgentSecret,
		WebsocketURL: cfg.ControllerWSURL,
		APIBaseURL:   cfg.ControllerAPIURL,
		PollInterval: cfg.PollInterval,
		DrainTimeout: cfg.DrainTimeout,
		Executor: executor.Config{
			Concurrency: cfg.Concurrency,
			TaskTimeout: cfg.TaskTimeout,
		},
		Scheduler: scheduler.Config{
			MaxAttempts: cfg.MaxAttempts,
		},
		Channel: channel.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
		},
	}
}

func openStore() *internal_storage.SQLiteStore {
	cfg, err := config.Load()
	if err != nil {
		log.GetLogger().Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(cfg.DBPath, storage.RetryPolicy{
		BaseDelay: cfg.RetryBaseDelay,
		MaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		log.GetLogger().Errorf("Failed to open task store %s: %v", cfg.DBPath, err)
		os.Exit(1)
	}
	return store
}

func listTasks(store *internal_storage.SQLiteStore, status models.TaskStatus, limit int) {
	tasks, err := store.ListTasks(status, limit)
	if err != nil {
		log.GetLogger().Errorf("Failed to list tasks: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list tasks: %v\n", err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		fmt.Fprintf(os.Stdout, "No tasks found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Tasks:\n")
	for _, task := range tasks {
		line := fmt.Sprintf("- ID: %s, Type: %s, Status: %s, Attempts: %d/%d, Created: %s",
			task.ID, task.Type, task.Status, task.Attempts, task.MaxAttempts, task.CreatedAt.Format(time.RFC3339))
		if task.Error != "" {
			line += ", Error: " + task.Error
		}
		fmt.Fprintln(os.Stdout, line)
	}
}
