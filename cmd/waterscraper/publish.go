package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jgoulah/waterscraper/internal/sink"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish unpublished readings to MQTT",
	Long: `Pushes cached readings that have not yet been published to the configured
MQTT broker, oldest first, and marks them published. This feeds dashboard
sensors that want the latest hourly consumption; the statistics import done
by 'run' is unaffected.`,
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Publish started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if !cfg.MQTT.Enabled {
		return fmt.Errorf("MQTT publishing is not enabled in config")
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	readings, err := db.ListUnpublished()
	if err != nil {
		return fmt.Errorf("listing unpublished readings: %w", err)
	}

	if len(readings) == 0 {
		fmt.Println("Nothing to publish")
		return nil
	}

	publisher, err := sink.NewMQTTPublisher(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting publisher: %w", err)
	}
	defer publisher.Close()

	published := 0
	for _, r := range readings {
		if err := publisher.PublishReading(r); err != nil {
			return fmt.Errorf("publishing reading at %s: %w", r.Timestamp.Format(time.RFC3339), err)
		}
		if err := db.MarkPublished(r.ID); err != nil {
			return fmt.Errorf("marking reading published: %w", err)
		}
		published++
	}

	fmt.Printf("✓ Published %d readings\n", published)
	return nil
}
