package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/torale/core/internal/agentclient"
	"github.com/torale/core/internal/config"
	"github.com/torale/core/internal/coreapi"
	"github.com/torale/core/internal/model"
	"github.com/torale/core/internal/notify"
	"github.com/torale/core/internal/orchestrator"
	"github.com/torale/core/internal/store"
	"github.com/torale/core/internal/store/pg"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and manage scheduled tasks",
	}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskPauseCmd())
	cmd.AddCommand(taskResumeCmd())
	cmd.AddCommand(taskCompleteCmd())
	cmd.AddCommand(taskRunNowCmd())
	cmd.AddCommand(taskDeactivateUserCmd())
	return cmd
}

// openService builds a coreapi.Service against the configured database,
// wired with an inert orchestrator — sufficient for every task
// subcommand except run-now, which never reaches the orchestrator
// without going through ExecuteNow.
func openService() (coreapi.Service, func(), error) {
	stores, closeFn, err := openStores()
	if err != nil {
		return nil, nil, err
	}
	orc := orchestrator.New(stores, nil, nil, nil)
	return coreapi.New(stores, orc), closeFn, nil
}

// openServiceWithAgent builds a coreapi.Service with a real agent client
// and notification dispatcher, for run-now.
func openServiceWithAgent() (coreapi.Service, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	stores, closeFn, err := openStores()
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	agent := agentclient.New(cfg.Agent.URL, cfg.Agent.APIKey, cfg.Agent.RequestsPerSecond, cfg.Agent.Burst)
	dispatcher := notify.New(stores.Deliveries, notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		UseTLS:   cfg.SMTP.UseTLS,
	}, logger)
	orc := orchestrator.New(stores, agent, dispatcher, logger)

	return coreapi.New(stores, orc), closeFn, nil
}

func openStores() (store.Stores, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return store.Stores{}, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := pg.OpenDB(cfg.Database.DSN)
	if err != nil {
		return store.Stores{}, nil, fmt.Errorf("connect database: %w", err)
	}

	stores := store.Stores{
		Tasks:      pg.NewTaskStore(db, cfg.Security.EncryptionKey),
		Executions: pg.NewExecutionStore(db),
		Jobs:       pg.NewJobStore(db),
		Deliveries: pg.NewDeliveryStore(db),
	}
	return stores, func() { db.Close() }, nil
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := openService()
			if err != nil {
				return err
			}
			defer closeFn()

			tasks, err := svc.ListTasks(cmd.Context(), store.TaskFilter{})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATE\tSCHEDULE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Name, t.State, t.Schedule)
			}
			return w.Flush()
		},
	}
}

func taskPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [taskId]",
		Short: "Pause a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionTaskByArg(cmd, args[0], model.TaskPaused)
		},
	}
}

func taskResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [taskId]",
		Short: "Resume a paused task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionTaskByArg(cmd, args[0], model.TaskActive)
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete [taskId]",
		Short: "Mark a task completed and remove its scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionTaskByArg(cmd, args[0], model.TaskCompleted)
		},
	}
}

func transitionTaskByArg(cmd *cobra.Command, rawID string, target model.TaskState) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid task id: %w", err)
	}

	svc, closeFn, err := openService()
	if err != nil {
		return err
	}
	defer closeFn()

	task, err := svc.TransitionTask(cmd.Context(), id, target)
	if err != nil {
		return err
	}
	fmt.Printf("task %s is now %s\n", task.ID, task.State)
	return nil
}

func taskRunNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-now [taskId]",
		Short: "Fire a task immediately, outside its cron schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id: %w", err)
			}

			svc, closeFn, err := openServiceWithAgent()
			if err != nil {
				return err
			}
			defer closeFn()

			execID, err := svc.ExecuteNow(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("execution %s started\n", execID)
			return nil
		},
	}
}

func taskDeactivateUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate-user [userId]",
		Short: "Pause every active task owned by a deactivated user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}

			svc, closeFn, err := openService()
			if err != nil {
				return err
			}
			defer closeFn()

			ids, err := svc.DeactivateUser(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Printf("paused %d task(s)\n", len(ids))
			return nil
		},
	}
}
