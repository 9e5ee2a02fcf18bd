// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/relay"
)

const scheduleRetryDelay = 30 * time.Second

// Evicter runs one eviction pass.
type Evicter interface {
	Evict(ctx context.Context) (relay.EvictResult, error)
}

// EvictScheduler runs eviction passes on a cron schedule.
type EvictScheduler struct {
	log    zerolog.Logger
	expr   string
	target Evicter

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewEvictScheduler creates a scheduler for a cron expression such as
// "@hourly" or "*/15 * * * *".
func NewEvictScheduler(log zerolog.Logger, expr string, target Evicter) *EvictScheduler {
	return &EvictScheduler{
		log:    log.With().Str("component", "evict_scheduler").Str("schedule", expr).Logger(),
		expr:   expr,
		target: target,
		now:    time.Now,
		after:  time.After,
	}
}

// Run blocks until ctx is cancelled, evicting at every tick. Passes never
// overlap.
func (s *EvictScheduler) Run(ctx context.Context) error {
	s.log.Info().Msg("Eviction scheduler started")
	for {
		next, err := gronx.NextTickAfter(s.expr, s.now().UTC(), false)
		wait := next.Sub(s.now())
		if err != nil {
			s.log.Err(err).Msg("Failed to compute next eviction time")
			wait = scheduleRetryDelay
		} else if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			s.log.Debug().Msg("Eviction scheduler stopped")
			return nil
		case <-s.after(wait):
		}
		if err != nil {
			continue
		}
		res, err := s.target.Evict(ctx)
		if err != nil {
			s.log.Err(err).Msg("Scheduled eviction failed")
			continue
		}
		s.log.Debug().Int("removed", res.Removed()).Int("remaining", res.Remaining).Msg("Scheduled eviction finished")
	}
}
