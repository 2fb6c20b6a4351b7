package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/hive/internal/blackboard"
	"github.com/zjrosen/hive/internal/log"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long: `Run the orchestrator as a long-lived daemon. On start it re-spawns
workers recorded as live in storage, then supervises the fleet: heartbeat
sweeps, spawn queue scheduling, hook enforcement, and mail delivery.

The daemon runs until SIGINT or SIGTERM, then terminates worker
subprocesses gracefully. Worker rows keep their status so the next serve
recovers them.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}

	report, err := rt.manager.Recover(ctx)
	if err != nil {
		rt.close(context.Background())
		return fmt.Errorf("recovering workers: %w", err)
	}
	if report.Recovered+report.Failed > 0 {
		fmt.Printf("Recovered %d worker(s), %d failed\n", report.Recovered, report.Failed)
	}

	log.SafeGo(log.CatQueue, "spawn-scheduler", func() {
		rt.scheduler.Run(ctx)
	})

	sweeper := blackboard.NewSweeper(rt.board, rt.store.Swarms,
		cfg.Board.SweepInterval(), cfg.Board.MaxAge(), cfg.Board.Retention())
	log.SafeGo(log.CatBoard, "board-retention", func() {
		sweeper.Run(ctx)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("Hive orchestrator started (storage: %s, backend: %s)\n",
		cfg.Storage.Path, cfg.Storage.Backend)
	fmt.Println("Press Ctrl+C to stop")

	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	rt.close(shutdownCtx)

	fmt.Println("Orchestrator stopped")
	return nil
}
