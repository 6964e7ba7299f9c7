package sidecar

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/clock/system"
	"github.com/JakeFAU/crawler-captcha/internal/metrics"
)

// Sweeper deletes stored solutions older than the retention window.
type Sweeper struct {
	store     captcha.SolutionStore
	retention time.Duration
	interval  time.Duration
	clock     captcha.Clock
	logger    *zap.Logger
}

// NewSweeper builds a sweeper. A non-positive interval sweeps once per
// retention window.
func NewSweeper(store captcha.SolutionStore, retention, interval time.Duration, clock captcha.Clock, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = retention
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		clock:     clock,
		logger:    logger,
	}
}

// SweepOnce purges rows inserted before now minus the retention window.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.retention)
	n, err := s.store.PurgeSolutions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	metrics.ObservePurge(n)
	remaining, err := s.store.CountSolutions(ctx)
	if err != nil {
		s.logger.Warn("count solutions failed", zap.Error(err))
	}
	s.logger.Info("retention sweep finished",
		zap.Int64("purged", n),
		zap.Int64("remaining", remaining),
		zap.Time("cutoff", cutoff),
	)
	return n, nil
}

// Run sweeps immediately and then every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retention sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
