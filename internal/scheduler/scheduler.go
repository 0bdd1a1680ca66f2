package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jgoulah/waterscraper/internal/portal"
	"github.com/jgoulah/waterscraper/pkg/models"
)

// ErrCycleInProgress is returned when a cycle fires while the previous
// one is still running. The new cycle is dropped, not queued.
var ErrCycleInProgress = errors.New("ingestion cycle already in progress")

const (
	maxFetchAttempts = 3
	defaultBackoff   = 5 * time.Second
)

// Fetcher retrieves readings for a date range
type Fetcher interface {
	FetchRange(ctx context.Context, start, end time.Time) ([]models.UsageReading, error)
	Location() *time.Location
}

// Reconciler merges readings into the statistics series
type Reconciler interface {
	Apply(ctx context.Context, cursor models.ImportCursor, readings []models.UsageReading) (models.MergeResult, error)
}

// Store persists the import cursor and the local readings cache
type Store interface {
	GetCursor() (models.ImportCursor, bool, error)
	SetCursor(cursor models.ImportCursor) error
	InsertReading(r *models.UsageReading) error
}

// Scheduler drives the ingestion: it computes which range is missing
// since the last successful import, fetches it, reconciles it into the
// statistics series, and advances the cursor. It is the only initiator
// of work; a cycle runs to completion before the next is eligible.
type Scheduler struct {
	fetcher    Fetcher
	reconciler Reconciler
	store      Store
	log        *zap.Logger

	retention time.Duration // how far back the provider keeps history
	lag       time.Duration // how long the provider takes to publish

	mu      sync.Mutex // held for the duration of a cycle
	backoff time.Duration
	now     func() time.Time
}

// New creates a scheduler
func New(fetcher Fetcher, reconciler Reconciler, store Store, retention, lag time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		fetcher:    fetcher,
		reconciler: reconciler,
		store:      store,
		log:        log,
		retention:  retention,
		lag:        lag,
		backoff:    defaultBackoff,
		now:        time.Now,
	}
}

// RunCycle executes one ingestion cycle: fetch the missing range,
// reconcile, write, advance the cursor. It is the single entrypoint the
// host invokes, at startup and on its refresh interval. A cycle arriving
// while another is running returns ErrCycleInProgress.
//
// On failure the cursor is left untouched, so the next cycle retries the
// same range; the import is idempotent by construction.
func (s *Scheduler) RunCycle(ctx context.Context) (models.CycleResult, error) {
	if !s.mu.TryLock() {
		return models.CycleResult{}, ErrCycleInProgress
	}
	defer s.mu.Unlock()

	cursor, ok, err := s.store.GetCursor()
	if err != nil {
		return models.CycleResult{}, fmt.Errorf("loading cursor: %w", err)
	}

	now := s.now().In(s.fetcher.Location())
	horizon := now.Add(-s.retention)
	if !ok {
		// First run: start at the provider's retention horizon.
		cursor = models.ImportCursor{LastImported: horizon.Truncate(time.Hour)}
		s.log.Info("no cursor found, starting at retention horizon",
			zap.Time("start", cursor.LastImported))
	}

	start := cursor.LastImported.Add(time.Hour)
	if start.Before(horizon) {
		start = horizon.Truncate(time.Hour)
	}
	end := now.Add(-s.lag).Truncate(time.Hour)

	result := models.CycleResult{Cursor: cursor.LastImported}
	if start.After(end) {
		// Nothing can have been published yet; skip this cycle.
		s.log.Debug("no new range to import", zap.Time("cursor", cursor.LastImported))
		return result, nil
	}

	s.log.Info("ingestion cycle started",
		zap.Time("start", start), zap.Time("end", end))

	readings, err := s.fetchWithRetry(ctx, start, end)
	if err != nil && len(readings) == 0 {
		return result, err
	}
	fetchErr := err

	result.Fetched = len(readings)

	// Cache readings locally; duplicates are ignored by the store.
	for i := range readings {
		if err := s.store.InsertReading(&readings[i]); err != nil {
			return result, fmt.Errorf("caching reading: %w", err)
		}
	}

	merge, err := s.reconciler.Apply(ctx, cursor, readings)
	if err != nil {
		// Nothing was written; the cursor stays put and the next cycle
		// retries the same range.
		return result, err
	}

	if len(merge.Points) > 0 {
		if err := s.store.SetCursor(merge.Cursor); err != nil {
			return result, fmt.Errorf("advancing cursor: %w", err)
		}
	}

	result.Imported = len(merge.Points)
	result.Skipped = merge.Skipped
	result.Anomalies = merge.Anomalies
	result.Cursor = merge.Cursor.LastImported

	if fetchErr != nil {
		// A contiguous prefix was imported before the failure; report a
		// partial cycle so the host can surface it, the remainder is
		// picked up next cycle.
		s.log.Warn("ingestion cycle partially complete",
			zap.Int("imported", result.Imported), zap.Error(fetchErr))
		return result, fetchErr
	}

	s.log.Info("ingestion cycle complete",
		zap.Int("fetched", result.Fetched),
		zap.Int("imported", result.Imported),
		zap.Int("skipped", result.Skipped),
		zap.Int("anomalies", result.Anomalies),
		zap.Time("cursor", result.Cursor))

	return result, nil
}

// fetchWithRetry retries transient portal failures with exponential
// backoff. Invalid credentials are terminal: retrying a rejected login
// risks locking out the account.
func (s *Scheduler) fetchWithRetry(ctx context.Context, start, end time.Time) ([]models.UsageReading, error) {
	backoff := s.backoff
	var lastErr error

	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		readings, err := s.fetcher.FetchRange(ctx, start, end)
		if err == nil {
			return readings, nil
		}
		if len(readings) > 0 {
			// Partial prefix; let the caller import what we have.
			return readings, err
		}
		if portal.IsInvalidCredentials(err) {
			return nil, err
		}
		if !portal.IsPortalUnavailable(err) && !portal.IsSessionExpired(err) {
			return nil, err
		}
		lastErr = err

		if attempt < maxFetchAttempts {
			s.log.Warn("fetch failed, backing off",
				zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("fetch failed after %d attempts: %w", maxFetchAttempts, lastErr)
}

// Run executes a cycle at startup and then on every tick until the
// context is cancelled. Ticks that fire while a cycle is still running
// are dropped by RunCycle's lock.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
		s.log.Error("startup cycle failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
				s.log.Error("ingestion cycle failed", zap.Error(err))
			}
		}
	}
}
