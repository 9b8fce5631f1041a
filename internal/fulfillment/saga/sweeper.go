// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/pkg/logger"
	"github.com/innovationmech/fulfillment/pkg/resilience"
)

// SweeperConfig controls the operational sweep.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration `mapstructure:"interval"`
	// PendingTimeout fails ReservationPending sagas older than this.
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
	// Retention purges terminal sagas last updated longer ago. Zero keeps them forever.
	Retention time.Duration `mapstructure:"retention"`
	// BatchSize caps the sagas expired per sweep.
	BatchSize int `mapstructure:"batch_size"`
}

// DefaultSweeperConfig sweeps every minute, expiring after 5 minutes and keeping history for a week.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:       time.Minute,
		PendingTimeout: 5 * time.Minute,
		Retention:      7 * 24 * time.Hour,
		BatchSize:      100,
	}
}

// Sweeper fails sagas whose reservation reply never arrived and purges old history.
type Sweeper struct {
	repo    Repository
	orch    *Orchestrator
	cfg     SweeperConfig
	clock   resilience.Clock
	metrics *Metrics
}

// NewSweeper creates a sweeper. Expiry goes through orch so it emits OrderFailed.
func NewSweeper(repo Repository, orch *Orchestrator, cfg SweeperConfig, clock resilience.Clock, metrics *Metrics) *Sweeper {
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if clock == nil {
		clock = resilience.SystemClock
	}
	return &Sweeper{repo: repo, orch: orch, cfg: cfg, clock: clock, metrics: metrics}
}

// TimeoutReason is the failure reason of an expired saga.
func TimeoutReason(after time.Duration) string {
	return fmt.Sprintf("Inventory reservation timed out after %s", after)
}

// SweepOnce runs one pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (expired, purged int, err error) {
	now := s.clock.Now().UTC()

	stale, err := s.repo.ListByState(ctx, StateReservationPending, now.Add(-s.cfg.PendingTimeout), s.cfg.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	for _, inst := range stale {
		if err := s.orch.Expire(ctx, inst.CorrelationID, TimeoutReason(s.cfg.PendingTimeout)); err != nil {
			logger.Ctx(ctx).Warn("expire saga failed", zap.String("order_id", inst.CorrelationID), zap.Error(err))
			continue
		}
		expired++
	}
	s.metrics.expired(expired)

	if s.cfg.Retention > 0 {
		purged, err = s.repo.PurgeTerminal(ctx, now.Add(-s.cfg.Retention))
		if err != nil {
			return expired, 0, err
		}
		s.metrics.purged(purged)
	}
	return expired, purged, nil
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, purged, err := s.SweepOnce(ctx)
			if err != nil {
				logger.GetLogger().Warn("saga sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 || purged > 0 {
				logger.GetLogger().Info("saga sweep", zap.Int("expired", expired), zap.Int("purged", purged))
			}
		}
	}
}
