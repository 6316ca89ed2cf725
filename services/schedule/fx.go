package schedule

import (
	"storefront-entitlements/pkg/repository"
	"storefront-entitlements/services/entitlement"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("schedule.service",
	fx.Provide(
		repository.ProvideStore[ScheduledWarning],
		NewService,
		func(s *Service) entitlement.Scheduler { return s },
	),
	fx.Invoke(RegisterHandlers),
)

func RegisterHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(TaskWarningFire, svc.HandleWarningFireTask)
}
