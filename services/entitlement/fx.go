package entitlement

import (
	"storefront-entitlements/pkg/repository"

	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(
		repository.ProvideStore[Entitlement],
		NewService,
	),
)
