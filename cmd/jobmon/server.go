package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobmon-hpc/jobmon/pkg/api"
	"github.com/jobmon-hpc/jobmon/pkg/config"
	"github.com/jobmon-hpc/jobmon/pkg/coordinator"
	"github.com/jobmon-hpc/jobmon/pkg/events"
	"github.com/jobmon-hpc/jobmon/pkg/fsm"
	"github.com/jobmon-hpc/jobmon/pkg/log"
	"github.com/jobmon-hpc/jobmon/pkg/reaper"
	"github.com/jobmon-hpc/jobmon/pkg/storage"
	"github.com/jobmon-hpc/jobmon/pkg/swarm"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the jobmon server",
	Long: `Run the jobmon HTTP server together with the reaper. The server is
stateless; all state lives in the database, so multiple replicas may run
against the same database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		initLogging(cfg)
		logger := log.WithComponent("server")

		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		svc := fsm.New(store, broker, cfg.QueueMap())
		coord := coordinator.New(store, svc, cfg.HeartbeatReportByBuffer)

		rpr := reaper.New(store, svc, reaper.Config{Interval: cfg.ReaperInterval})
		rpr.Start()
		defer rpr.Stop()

		srv := api.NewServer(api.Config{
			ListenAddr:                    cfg.ListenAddr,
			AuthEnabled:                   cfg.AuthEnabled,
			RateLimit:                     cfg.RateLimit,
			DefaultMaxConcurrentlyRunning: cfg.MaxConcurrentlyRunning,
			Version:                       Version,
		}, store, svc, coord)

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil {
				errCh <- err
			}
		}()
		logger.Info().Str("addr", cfg.ListenAddr).Msg("jobmon server started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		case err := <-errCh:
			return fmt.Errorf("server error: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var swarmCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Run the controller loop for one workflow run",
	Long: `Drive a single workflow run to completion: open a run, keep its
heartbeat fresh, admit eligible tasks under the concurrency caps and roll
statuses up. Needs direct database access; runs on a login node or under
the scheduler, not inside the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		workflowID, _ := cmd.Flags().GetInt64("workflow-id")
		runID, _ := cmd.Flags().GetInt64("run-id")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		failFast, _ := cmd.Flags().GetBool("fail-fast")
		if workflowID <= 0 || runID <= 0 {
			return usagef("--workflow-id and --run-id are required")
		}

		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		initLogging(cfg)

		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		svc := fsm.New(store, broker, cfg.QueueMap())
		coord := coordinator.New(store, svc, cfg.HeartbeatReportByBuffer)

		ctrl := swarm.New(store, svc, coord, broker, workflowID, runID, swarm.Config{
			PollInterval:      cfg.SwarmPollInterval,
			HeartbeatBuffer:   cfg.HeartbeatReportByBuffer,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Timeout:           timeout,
			FailFast:          failFast,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return ctrl.Run(ctx)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to config file (default: search ./jobmon.yaml, /etc/jobmon)")

	swarmCmd.Flags().String("config", "", "Path to config file")
	swarmCmd.Flags().Int64("workflow-id", 0, "Workflow to control")
	swarmCmd.Flags().Int64("run-id", 0, "Workflow run to drive")
	swarmCmd.Flags().Duration("timeout", 0, "Halt the run after this long (0 means no timeout)")
	swarmCmd.Flags().Bool("fail-fast", false, "Stop the run on the first fatal task")

	rootCmd.AddCommand(swarmCmd)
}

func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.Format != "console",
	})
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.DatabaseURI == "" || cfg.DatabaseURI == "memory" {
		return storage.NewMemoryStore(), nil
	}
	return storage.NewPostgresStore(cfg.DatabaseURI)
}
