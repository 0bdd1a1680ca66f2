package models

import "time"

// UsageReading represents a single hour of water consumption as reported
// by the portal. Timestamp is the start of the hour in the provider's
// local time zone and uniquely identifies the reading.
type UsageReading struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Gallons   float64   `json:"gallons"`
}

// StatisticPoint is one entry in the cumulative series the statistics
// sink accepts. Sum is monotonically non-decreasing across a series.
type StatisticPoint struct {
	Start time.Time `json:"start"`
	Delta float64   `json:"delta"`
	Sum   float64   `json:"sum"`
}

// ImportCursor is the high-water mark of successfully imported data.
// LastImported is the timestamp of the newest reading written to the
// sink; CumulativeSum seeds the next batch's running sum.
type ImportCursor struct {
	LastImported  time.Time `json:"last_imported"`
	CumulativeSum float64   `json:"cumulative_sum"`
}

// MergeResult describes the outcome of reconciling a batch of readings
// against the cursor.
type MergeResult struct {
	Points    []StatisticPoint `json:"points"`
	Cursor    ImportCursor     `json:"cursor"`
	Skipped   int              `json:"skipped"`   // readings at or before the cursor
	Anomalies int              `json:"anomalies"` // negative values clamped
}

// CycleResult summarizes one scheduler cycle.
type CycleResult struct {
	Fetched   int       `json:"fetched"`
	Imported  int       `json:"imported"`
	Skipped   int       `json:"skipped"`
	Anomalies int       `json:"anomalies"`
	Cursor    time.Time `json:"cursor"`
}
