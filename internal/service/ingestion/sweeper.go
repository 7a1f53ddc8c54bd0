package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"csv-ingest/internal/domain"
)

// DefaultRetention is how long settled dedup records are kept. It must exceed
// the delivery mechanism's message retention, or a late redelivery would be
// processed again.
const DefaultRetention = 30 * 24 * time.Hour

// Sweeper periodically purges settled dedup records.
type Sweeper struct {
	cron      *cron.Cron
	dedup     domain.DedupStore
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(dedup domain.DedupStore, retention time.Duration, logger *slog.Logger) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cron:      cron.New(),
		dedup:     dedup,
		retention: retention,
		logger:    logger.With("component", "dedup-sweeper"),
		now:       time.Now,
	}
}

// Start schedules Sweep with a standard cron expression or descriptor such as
// "@hourly".
func (s *Sweeper) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, _ = s.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	s.logger.Info("dedup sweeper started", "schedule", schedule, "retention", s.retention.String())
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("dedup sweeper stopped")
}

// Sweep deletes records settled before now minus the retention.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.dedup.Purge(ctx, cutoff)
	if err != nil {
		s.logger.Error("dedup sweep failed", "error", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Info("dedup records purged", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
