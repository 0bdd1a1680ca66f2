package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jgoulah/waterscraper/internal/database"
	"github.com/jgoulah/waterscraper/internal/portal"
	"github.com/jgoulah/waterscraper/internal/scheduler"
	"github.com/jgoulah/waterscraper/internal/sink"
	"github.com/jgoulah/waterscraper/internal/stats"
	"github.com/jgoulah/waterscraper/pkg/models"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion cycle",
	Long: `Runs a single ingestion cycle: computes the date range missing since the
last successful import, downloads those hourly readings from the portal, and
writes them to the Home Assistant statistics store. The cursor only advances
when the write succeeds, so a failed cycle is simply retried by the next run.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Cycle started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	sched, db, cleanup, err := buildScheduler()
	if err != nil {
		return err
	}
	defer cleanup()
	defer db.Close()

	result, err := sched.RunCycle(context.Background())
	if err != nil {
		if errors.Is(err, scheduler.ErrCycleInProgress) {
			fmt.Println("Cycle already running, nothing to do")
			return nil
		}
		if result.Imported > 0 {
			fmt.Printf("⚠ Partial cycle: imported %d readings before failing: %v\n", result.Imported, err)
		}
		return fmt.Errorf("running cycle: %w", err)
	}

	printCycleResult(result)
	return nil
}

func printCycleResult(result models.CycleResult) {
	if result.Fetched == 0 {
		fmt.Println("No new data available")
		return
	}
	fmt.Printf("✓ Fetched %d readings, imported %d (%d already imported, %d anomalies)\n",
		result.Fetched, result.Imported, result.Skipped, result.Anomalies)
	fmt.Printf("  Cursor now at %s\n", result.Cursor.Format("2006-01-02 15:04 MST"))
}

// buildScheduler wires the session, fetcher, reconciler, sink, and store
// together from config. The returned cleanup flushes the logger.
func buildScheduler() (*scheduler.Scheduler, *database.DB, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if cfg.Credentials.Username == "" || cfg.Credentials.Password == "" {
		return nil, nil, nil, fmt.Errorf("no credentials configured. Add username/password under 'credentials' in %s", getConfigPath())
	}
	if !cfg.HomeAssistant.Enabled {
		return nil, nil, nil, fmt.Errorf("Home Assistant sink is not enabled in config")
	}

	log, err := newLogger()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	// Flush the logger ourselves on failure; callers only see the
	// cleanup when construction succeeds.
	fail := func(err error) (*scheduler.Scheduler, *database.DB, func(), error) {
		log.Sync()
		return nil, nil, nil, err
	}

	session, err := portal.NewSession(cfg, log)
	if err != nil {
		return fail(fmt.Errorf("creating session: %w", err))
	}

	fetcher, err := portal.NewFetcher(session, cfg, log)
	if err != nil {
		return fail(fmt.Errorf("creating fetcher: %w", err))
	}

	haSink, err := sink.NewHomeAssistant(cfg.HomeAssistant)
	if err != nil {
		return fail(fmt.Errorf("creating statistics sink: %w", err))
	}

	db, err := openDB()
	if err != nil {
		return fail(fmt.Errorf("opening database: %w", err))
	}

	reconciler := stats.NewReconciler(haSink, log)
	sched := scheduler.New(
		fetcher,
		reconciler,
		db,
		time.Duration(cfg.GetRetentionDays())*24*time.Hour,
		time.Duration(cfg.GetProcessingLagHours())*time.Hour,
		log,
	)

	log.Debug("scheduler wired",
		zap.Int("retentionDays", cfg.GetRetentionDays()),
		zap.Int("processingLagHours", cfg.GetProcessingLagHours()))

	return sched, db, func() { log.Sync() }, nil
}
