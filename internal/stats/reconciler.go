package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jgoulah/waterscraper/pkg/models"
)

// Sink accepts an ordered batch of cumulative statistic points. The write
// must be all-or-nothing: a partially applied batch would desync the
// cursor from what the statistics store actually holds.
type Sink interface {
	WriteBatch(ctx context.Context, points []models.StatisticPoint) error
}

// ReconcileError represents a failure to merge readings into the
// statistics series
type ReconcileError struct {
	Message string
	Err     error
}

func (e *ReconcileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// Reconciler converts raw hourly readings into the monotonically
// non-decreasing cumulative series the statistics sink expects,
// deduplicating against the import cursor.
type Reconciler struct {
	sink Sink
	log  *zap.Logger
}

// NewReconciler creates a reconciler writing to the given sink
func NewReconciler(sink Sink, log *zap.Logger) *Reconciler {
	return &Reconciler{sink: sink, log: log}
}

// Reconcile merges new readings against the cursor without writing
// anything. Readings at or before the cursor are discarded: they are
// either already imported or late revisions of closed history, which we
// do not reconcile retroactively. The running sum is seeded from the
// cursor's cumulative value. A negative quantity is the documented
// "negative usage" defect; the point is clamped to a zero delta and
// counted as an anomaly rather than propagated.
func (r *Reconciler) Reconcile(cursor models.ImportCursor, readings []models.UsageReading) models.MergeResult {
	sorted := make([]models.UsageReading, len(readings))
	copy(sorted, readings)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	result := models.MergeResult{Cursor: cursor}
	sum := cursor.CumulativeSum
	var lastTS time.Time

	for _, reading := range sorted {
		if !cursor.LastImported.IsZero() && !reading.Timestamp.After(cursor.LastImported) {
			result.Skipped++
			continue
		}
		if !lastTS.IsZero() && reading.Timestamp.Equal(lastTS) {
			result.Skipped++
			continue
		}

		delta := reading.Gallons
		if delta < 0 {
			r.log.Warn("negative usage reading clamped",
				zap.Time("timestamp", reading.Timestamp), zap.Float64("gallons", reading.Gallons))
			delta = 0
			result.Anomalies++
		}

		sum += delta
		result.Points = append(result.Points, models.StatisticPoint{
			Start: reading.Timestamp,
			Delta: delta,
			Sum:   sum,
		})
		lastTS = reading.Timestamp
	}

	if len(result.Points) > 0 {
		result.Cursor = models.ImportCursor{
			LastImported:  result.Points[len(result.Points)-1].Start,
			CumulativeSum: sum,
		}
	}

	return result
}

// Apply reconciles the readings and writes the merged points to the sink
// in a single batch. When nothing survives deduplication the sink is not
// touched, so re-applying an already-imported batch is a no-op. On a sink
// failure the returned cursor is the unchanged input cursor.
func (r *Reconciler) Apply(ctx context.Context, cursor models.ImportCursor, readings []models.UsageReading) (models.MergeResult, error) {
	result := r.Reconcile(cursor, readings)
	if len(result.Points) == 0 {
		return result, nil
	}

	if err := r.sink.WriteBatch(ctx, result.Points); err != nil {
		result.Cursor = cursor
		return result, &ReconcileError{Message: "writing statistics batch", Err: err}
	}

	r.log.Info("statistics batch written",
		zap.Int("points", len(result.Points)),
		zap.Int("skipped", result.Skipped),
		zap.Int("anomalies", result.Anomalies),
		zap.Time("cursor", result.Cursor.LastImported))

	return result, nil
}
