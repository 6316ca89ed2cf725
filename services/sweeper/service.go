package sweeper

import (
	"context"
	"time"

	"storefront-entitlements/services/entitlement"
	"storefront-entitlements/services/schedule"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const batchSize = 500

// Warnings is the slice of the schedule service the sweeper drives.
type Warnings interface {
	OverdueUndelivered(ctx context.Context, now time.Time, limit int) ([]*schedule.ScheduledWarning, error)
	Fire(ctx context.Context, entitlementID, label string) error
	PurgeForEntitlements(ctx context.Context, entitlementIDs []string) (int64, error)
}

// Notifications is the slice of the notification service the sweeper drives.
type Notifications interface {
	PurgeForEntitlements(ctx context.Context, entitlementIDs []string) (int64, error)
}

type ServiceParams struct {
	fx.In
	DB            *gorm.DB
	Warnings      Warnings
	Notifications Notifications
}

// Service reconciles database state against wall-clock time. Timers only
// lower latency; every transition a timer performs must also be reachable
// from a sweep, so missed or lost timers cost minutes, not correctness.
type Service struct {
	db            *gorm.DB
	warnings      Warnings
	notifications Notifications
	retention     time.Duration
	now           func() time.Time
}

func NewService(p ServiceParams, retention time.Duration) *Service {
	return &Service{
		db:            p.DB,
		warnings:      p.Warnings,
		notifications: p.Notifications,
		retention:     retention,
		now:           time.Now,
	}
}

// Sweep runs one reconciliation: expire overdue leases and fire overdue
// warnings concurrently, then purge records past retention.
func (s *Service) Sweep(ctx context.Context) error {
	now := s.now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.expireOverdue(gctx, now) })
	g.Go(func() error { return s.fireOverdue(gctx, now) })
	if err := g.Wait(); err != nil {
		return err
	}

	return s.purgeAged(ctx, now)
}

// expireOverdue flips is_expired on every lease whose deadline has passed.
// The guard in the update keeps it idempotent against timers doing the same.
func (s *Service) expireOverdue(ctx context.Context, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&entitlement.Entitlement{}).
		Where("expires_at <= ? AND is_expired = ?", now, false).
		Updates(map[string]interface{}{
			"is_expired": true,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected > 0 {
		zap.L().Info("sweeper expired overdue entitlements", zap.Int64("count", res.RowsAffected))
	}

	return nil
}

// fireOverdue re-drives warnings whose fire time passed without delivery,
// covering crashed timers and restarts. Fire's conditional claim makes a
// concurrent timer firing the same warning harmless.
func (s *Service) fireOverdue(ctx context.Context, now time.Time) error {
	overdue, err := s.warnings.OverdueUndelivered(ctx, now, batchSize)
	if err != nil {
		return err
	}

	fired := 0
	for _, w := range overdue {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.warnings.Fire(ctx, w.EntitlementID, w.ThresholdLabel); err != nil {
			zap.L().Error("sweeper failed to fire warning",
				zap.String("entitlement_id", w.EntitlementID),
				zap.String("threshold_label", w.ThresholdLabel),
				zap.Error(err),
			)
			continue
		}
		fired++
	}

	if fired > 0 {
		zap.L().Info("sweeper fired overdue warnings", zap.Int("count", fired))
	}

	return nil
}

// purgeAged removes warning and notification rows for leases expired longer
// than the retention window. The lease rows themselves stay for audit.
func (s *Service) purgeAged(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.retention)

	var ids []string
	err := s.db.WithContext(ctx).Model(&entitlement.Entitlement{}).
		Where("is_expired = ? AND expires_at <= ?", true, cutoff).
		Limit(batchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		return nil
	}

	purgedWarnings, err := s.warnings.PurgeForEntitlements(ctx, ids)
	if err != nil {
		return err
	}

	purgedNotifications, err := s.notifications.PurgeForEntitlements(ctx, ids)
	if err != nil {
		return err
	}

	zap.L().Info("sweeper purged aged records",
		zap.Int("entitlements", len(ids)),
		zap.Int64("warnings", purgedWarnings),
		zap.Int64("notifications", purgedNotifications),
	)

	return nil
}
