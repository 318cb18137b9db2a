package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dr-orchestrator/internal/artifact"
	"dr-orchestrator/internal/fault"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the backup scheduler daemon",
}

var scheduleStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduler and run until interrupted",
	Long: `Starts the cron-driven backup scheduler, the replication and retention
schedules, and the metrics endpoint. Runs until SIGINT or SIGTERM.`,
	RunE: runScheduleStart,
}

func init() {
	scheduleCmd.AddCommand(scheduleStartCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func runScheduleStart(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := rt.scheduler.Start(ctx, rt.cfg.Schedules); err != nil {
		return err
	}
	defer rt.scheduler.Stop()

	maintenance := cron.New()
	if spec := rt.cfg.Schedules.Replication; spec != "" {
		if _, err := maintenance.AddFunc(spec, func() {
			if _, err := rt.replicator.SyncAll(ctx); err != nil {
				rt.logger.Errorf("Replication pass failed: %v", err)
			}
		}); err != nil {
			return fault.Configuration("invalid cron expression for replication", err)
		}
	}
	if spec := rt.cfg.Schedules.RetentionSweep; spec != "" {
		sweeper := artifact.NewSweeper(rt.primaryStore(), rt.logger)
		if _, err := maintenance.AddFunc(spec, func() {
			if _, err := sweeper.Sweep(ctx, false); err != nil {
				rt.logger.Errorf("Retention sweep failed: %v", err)
			}
		}); err != nil {
			return fault.Configuration("invalid cron expression for retention sweep", err)
		}
	}
	maintenance.Start()
	defer func() { <-maintenance.Stop().Done() }()

	var metricsServer *http.Server
	if rt.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.metrics.Handler())
		metricsServer = &http.Server{Addr: rt.cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				rt.logger.Errorf("Metrics endpoint failed: %v", err)
			}
		}()
		rt.logger.Infof("Metrics endpoint listening on %s", rt.cfg.Metrics.ListenAddr)
	}

	rt.logger.Info("Scheduler daemon running, press Ctrl+C to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	rt.logger.Info("Shutting down")
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}
