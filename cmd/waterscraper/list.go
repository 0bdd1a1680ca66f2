package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var listDays int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached readings and the import cursor",
	RunE:  runList,
}

func init() {
	listCmd.Flags().IntVar(&listDays, "days", 7, "Number of days of readings to show")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	cursor, ok, err := db.GetCursor()
	if err != nil {
		return fmt.Errorf("loading cursor: %w", err)
	}
	if ok {
		fmt.Printf("Cursor: %s (cumulative %.2f gal)\n\n",
			cursor.LastImported.Format("2006-01-02 15:04 MST"), cursor.CumulativeSum)
	} else {
		fmt.Println("Cursor: not set (no successful import yet)")
		fmt.Println()
	}

	after := time.Now().AddDate(0, 0, -listDays)
	readings, err := db.ListReadings(after)
	if err != nil {
		return fmt.Errorf("listing readings: %w", err)
	}

	if len(readings) == 0 {
		fmt.Printf("No readings in the last %d days\n", listDays)
		return nil
	}

	var total float64
	for _, r := range readings {
		fmt.Printf("%s  %8.2f gal\n", r.Timestamp.Format("2006-01-02 15:04"), r.Gallons)
		total += r.Gallons
	}
	fmt.Printf("\n%d readings, %.2f gal total\n", len(readings), total)

	return nil
}
