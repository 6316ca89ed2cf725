package notification

import (
	"storefront-entitlements/pkg/repository"
	"storefront-entitlements/services/schedule"

	"go.uber.org/fx"
)

var Module = fx.Module("notification.service",
	fx.Provide(
		repository.ProvideStore[Notification],
		NewService,
		func(s *Service) schedule.Dispatcher { return s },
	),
)
