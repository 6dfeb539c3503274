package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper removes expired unconverted clicks and expired sessions from the
// durable stores.
type Sweeper struct {
	clicks   ClickStore
	sessions SessionStore
	logger   *zap.Logger
	nowFn    func() time.Time
}

// NewSweeper creates a sweeper over the given stores.
func NewSweeper(clicks ClickStore, sessions SessionStore, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		clicks:   clicks,
		sessions: sessions,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// SweepResult counts the records removed by one sweep.
type SweepResult struct {
	Clicks   int64
	Sessions int64
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.nowFn()
	var res SweepResult

	n, err := s.clicks.DeleteExpiredClicks(ctx, now)
	if err != nil {
		return res, err
	}
	res.Clicks = n

	n, err = s.sessions.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return res, err
	}
	res.Sessions = n

	return res, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("sweep failed", zap.Error(err))
				continue
			}
			if res.Clicks > 0 || res.Sessions > 0 {
				s.logger.Info("swept expired records",
					zap.Int64("clicks", res.Clicks),
					zap.Int64("sessions", res.Sessions),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}
