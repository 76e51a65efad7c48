// Package sweeper periodically transitions old active transfers to stale,
// mirroring the ticker-driven background loop pattern the observability
// package uses for periodic health checks.
package sweeper

import (
	"context"
	"time"

	"github.com/artemis/chunkrelay/internal/observability"
	"github.com/artemis/chunkrelay/internal/store"
	"go.uber.org/zap"
)

// Sweeper marks active manifests stale once they were created more than
// staleAfter ago, on a tick of every interval.
type Sweeper struct {
	store      *store.Store
	metrics    *observability.Metrics
	logger     *observability.Logger
	staleAfter time.Duration
	interval   time.Duration
}

// New builds a Sweeper.
func New(st *store.Store, metrics *observability.Metrics, logger *observability.Logger, staleAfter, interval time.Duration) *Sweeper {
	return &Sweeper{store: st, metrics: metrics, logger: logger, staleAfter: staleAfter, interval: interval}
}

// Run blocks, sweeping once per interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	before := time.Now().Add(-s.staleAfter)
	swept, err := s.store.SweepStale(before)
	if err != nil {
		s.logger.ErrorRedacted("stale sweep failed", zap.Error(err))
		return
	}
	if swept > 0 {
		observability.StaleSweeps.Add(float64(swept))
		s.logger.Info("stale sweep complete", zap.Int("swept", swept))
	}
}
