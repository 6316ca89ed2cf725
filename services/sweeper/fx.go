package sweeper

import (
	"storefront-entitlements/pkg/config"
	"storefront-entitlements/services/notification"
	"storefront-entitlements/services/schedule"

	"go.uber.org/fx"
)

var Module = fx.Module("sweeper",
	fx.Provide(
		func(s *schedule.Service) Warnings { return s },
		func(n *notification.Service) Notifications { return n },
		func(p ServiceParams, cfg *config.Config) *Service {
			return NewService(p, cfg.Sweeper.Retention)
		},
		func(s *Service, cfg *config.Config) *Scheduler {
			return NewScheduler(s, cfg.Sweeper.Interval, cfg.Sweeper.RunBudget)
		},
	),
	fx.Invoke(StartScheduler),
)
