package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/torale/core/internal/agentclient"
	"github.com/torale/core/internal/config"
	"github.com/torale/core/internal/notify"
	"github.com/torale/core/internal/orchestrator"
	"github.com/torale/core/internal/scheduler"
	"github.com/torale/core/internal/scheduler/leaderlock"
	"github.com/torale/core/internal/store"
	"github.com/torale/core/internal/store/pg"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// alwaysLeader satisfies scheduler.LeaderElector for single-process
// deployments where no Redis lease is configured.
type alwaysLeader struct{}

func (alwaysLeader) IsLeader(context.Context) bool { return true }

func runServe(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := pg.OpenDB(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	stores := store.Stores{
		Tasks:      pg.NewTaskStore(db, cfg.Security.EncryptionKey),
		Executions: pg.NewExecutionStore(db),
		Jobs:       pg.NewJobStore(db),
		Deliveries: pg.NewDeliveryStore(db),
	}

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

	var elector scheduler.LeaderElector = alwaysLeader{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		lease := leaderlock.New(rdb, cfg.Redis.LeaseKey, time.Duration(cfg.Redis.TTLMs)*time.Millisecond, logger)
		elector = lease
		go runLeaderLoop(ctx, lease, logger)
	}

	sched := scheduler.New(scheduler.Config{
		TickInterval:        time.Duration(cfg.Scheduler.TickIntervalMs) * time.Millisecond,
		BatchLimit:          cfg.Scheduler.BatchLimit,
		WorkerPoolSize:      cfg.Scheduler.WorkerPoolSize,
		RecoveryThreshold:   time.Duration(cfg.Scheduler.RecoveryThresholdMs) * time.Millisecond,
		ShutdownGracePeriod: time.Duration(cfg.Scheduler.ShutdownGraceMs) * time.Millisecond,
	}, stores.Jobs, stores.Executions, orc, elector, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("torale scheduler starting")
	return sched.Run(ctx)
}

// runLeaderLoop repeatedly contends for the leader lease and, once it is
// acquired, renews it via RunRenewal; each time RunRenewal returns because
// the lease was lost, the loop goes back to contending for it.
func runLeaderLoop(ctx context.Context, lease *leaderlock.Lease, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ok, err := lease.TryAcquire(ctx)
		if err != nil {
			logger.Error("leader lease acquire failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			time.Sleep(time.Second)
			continue
		}

		logger.Info("acquired scheduler leader lease")
		lease.RunRenewal(ctx)
		logger.Info("lost scheduler leader lease")
	}
}
