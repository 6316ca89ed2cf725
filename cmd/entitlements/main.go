package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"storefront-entitlements/internal/httpapi"
	"storefront-entitlements/pkg/artifact"
	"storefront-entitlements/pkg/config"
	"storefront-entitlements/pkg/db"
	"storefront-entitlements/pkg/health"
	"storefront-entitlements/pkg/logger"
	"storefront-entitlements/pkg/minio"
	"storefront-entitlements/pkg/redis"
	"storefront-entitlements/pkg/secretmanager"
	"storefront-entitlements/pkg/server"
	"storefront-entitlements/pkg/task"
	"storefront-entitlements/services/entitlement"
	"storefront-entitlements/services/notification"
	"storefront-entitlements/services/schedule"
	"storefront-entitlements/services/sweeper"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		fx.Provide(provideSnowflakeNode),
		task.Client,
		task.Server,
		minio.Client,
		artifact.Module,
		health.Module,
		entitlement.Module,
		schedule.Module,
		notification.Module,
		sweeper.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		fx.Invoke(migrate),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&entitlement.Entitlement{},
		&schedule.ScheduledWarning{},
		&notification.Notification{},
	)
}
