package sweeper

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler runs sweeps on a fixed interval, each bounded by a run budget so
// a slow database never lets passes pile up on each other.
type Scheduler struct {
	service  *Service
	interval time.Duration
	budget   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(service *Service, interval, budget time.Duration) *Scheduler {
	return &Scheduler{
		service:  service,
		interval: interval,
		budget:   budget,
		done:     make(chan struct{}),
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	start := time.Now()
	if err := s.service.Sweep(ctx); err != nil {
		zap.L().Error("sweep failed", zap.Error(err))
		return
	}

	zap.L().Debug("sweep completed", zap.Duration("took", time.Since(start)))
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			go s.run(runCtx)

			zap.L().Info("sweeper started", zap.Duration("interval", s.interval))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if s.cancel != nil {
				s.cancel()
			}
			select {
			case <-s.done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}
