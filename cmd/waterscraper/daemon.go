package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run ingestion cycles on a fixed interval",
	Long: `Runs an ingestion cycle immediately and then every interval (default 4
hours) until interrupted. A timer firing while a cycle is still running is
dropped, never queued, so cycles never overlap.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	interval := time.Duration(cfg.GetIntervalHours()) * time.Hour

	sched, db, cleanup, err := buildScheduler()
	if err != nil {
		return err
	}
	defer cleanup()
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("=== Daemon started, cycle every %s ===\n", interval)

	if err := sched.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("daemon: %w", err)
	}

	fmt.Println("Daemon stopped")
	return nil
}
