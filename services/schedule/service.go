package schedule

import (
	"context"
	"encoding/json"
	"time"

	"storefront-entitlements/pkg/errutil"
	"storefront-entitlements/pkg/repository"
	"storefront-entitlements/pkg/task"
	"storefront-entitlements/services/entitlement"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dispatcher turns a fired warning into a user-facing notification.
// Implemented by the notification service.
type Dispatcher interface {
	Deliver(ctx context.Context, ownerID, entitlementID, thresholdLabel string, meta entitlement.ArtifactMeta) error
}

type ServiceParams struct {
	fx.In
	DB           *gorm.DB
	Node         *snowflake.Node
	Enqueuer     task.Enqueuer
	Canceller    task.Canceller
	Dispatcher   Dispatcher
	Warnings     repository.Repository[ScheduledWarning]
	Entitlements repository.Repository[entitlement.Entitlement]
}

type Service struct {
	db           *gorm.DB
	node         *snowflake.Node
	enqueuer     task.Enqueuer
	canceller    task.Canceller
	dispatcher   Dispatcher
	warnings     repository.Repository[ScheduledWarning]
	entitlements repository.Repository[entitlement.Entitlement]
	now          func() time.Time
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:           p.DB,
		node:         p.Node,
		enqueuer:     p.Enqueuer,
		canceller:    p.Canceller,
		dispatcher:   p.Dispatcher,
		warnings:     p.Warnings,
		entitlements: p.Entitlements,
		now:          time.Now,
	}
}

// Arm persists one warning per threshold still ahead of now and schedules a
// delayed queue task for each. Thresholds already in the past for short
// leases are skipped entirely. The persisted rows are the source of truth;
// a failed enqueue only costs latency because the sweeper re-fires overdue
// undelivered warnings.
func (s *Service) Arm(ctx context.Context, ent *entitlement.Entitlement) error {
	now := s.now()

	var rows []*ScheduledWarning
	for _, th := range Thresholds() {
		fireAt := ent.ExpiresAt.Add(-th.Offset)
		if !fireAt.After(now) {
			continue
		}

		rows = append(rows, &ScheduledWarning{
			ID:             s.node.Generate().String(),
			EntitlementID:  ent.ID,
			ThresholdLabel: th.Label,
			FireAt:         fireAt,
		})
	}

	if len(rows) == 0 {
		return nil
	}

	if err := s.warnings.BatchCreate(ctx, rows); err != nil {
		return errutil.Internal("failed to persist scheduled warnings", errutil.WithErr(err))
	}

	for _, w := range rows {
		payload, err := json.Marshal(WarningFirePayload{
			EntitlementID:  w.EntitlementID,
			ThresholdLabel: w.ThresholdLabel,
		})
		if err != nil {
			return errutil.Internal("failed to encode warning payload", errutil.WithErr(err))
		}

		_, err = s.enqueuer.Enqueue(
			asynq.NewTask(TaskWarningFire, payload),
			asynq.Queue(task.QueueWarnings),
			asynq.ProcessAt(w.FireAt),
			asynq.TaskID(WarningTaskID(w.EntitlementID, w.ThresholdLabel)),
			asynq.MaxRetry(5),
		)
		if err != nil {
			zap.L().Warn("failed to enqueue warning task, sweeper will pick it up",
				zap.String("entitlement_id", w.EntitlementID),
				zap.String("threshold_label", w.ThresholdLabel),
				zap.Error(err),
			)
		}
	}

	zap.L().Info("warnings armed",
		zap.String("entitlement_id", ent.ID),
		zap.Int("count", len(rows)),
	)

	return nil
}

// Fire delivers one warning. The delivered flag flip is a conditional update,
// so a timer and a sweeper pass racing on the same warning produce exactly
// one notification; the loser sees zero rows and returns without effect.
func (s *Service) Fire(ctx context.Context, entitlementID, label string) error {
	now := s.now()

	res := s.db.WithContext(ctx).Model(&ScheduledWarning{}).
		Where("entitlement_id = ? AND threshold_label = ? AND delivered = ?", entitlementID, label, false).
		Updates(map[string]interface{}{
			"delivered":    true,
			"delivered_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return errutil.Internal("failed to claim warning", errutil.WithErr(res.Error))
	}

	if res.RowsAffected == 0 {
		return nil
	}

	ent, err := s.entitlements.FindOne(ctx, &entitlement.Entitlement{ID: entitlementID})
	if err != nil {
		return errutil.Internal("failed to load entitlement for warning", errutil.WithErr(err))
	}

	if ent == nil || ent.IsDeleted {
		zap.L().Info("dropping warning for missing or deleted entitlement",
			zap.String("entitlement_id", entitlementID),
			zap.String("threshold_label", label),
		)
		return nil
	}

	if err := s.dispatcher.Deliver(ctx, ent.OwnerID, entitlementID, label, ent.Meta()); err != nil {
		zap.L().Error("failed to deliver warning notification",
			zap.String("entitlement_id", entitlementID),
			zap.String("threshold_label", label),
			zap.Error(err),
		)
	}

	if label == LabelExpired {
		if err := entitlement.MarkExpired(ctx, s.db, entitlementID); err != nil {
			return errutil.Internal("failed to expire entitlement on terminal warning", errutil.WithErr(err))
		}
	}

	zap.L().Info("warning fired",
		zap.String("entitlement_id", entitlementID),
		zap.String("threshold_label", label),
	)

	return nil
}

// Cancel removes the queued tasks for an entitlement's undelivered warnings.
// Rows stay in place; a later fire on them no-ops against the deleted lease.
func (s *Service) Cancel(ctx context.Context, entitlementID string) error {
	pending, err := s.warnings.Find(ctx, &ScheduledWarning{EntitlementID: entitlementID})
	if err != nil {
		return errutil.Internal("failed to load scheduled warnings", errutil.WithErr(err))
	}

	for _, w := range pending {
		if w.Delivered {
			continue
		}
		if err := s.canceller.DeleteTask(task.QueueWarnings, WarningTaskID(entitlementID, w.ThresholdLabel)); err != nil {
			zap.L().Warn("failed to delete queued warning task",
				zap.String("entitlement_id", entitlementID),
				zap.String("threshold_label", w.ThresholdLabel),
				zap.Error(err),
			)
		}
	}

	return nil
}

// OverdueUndelivered lists warnings whose fire time has passed without a
// delivery, oldest first. Used by the sweeper.
func (s *Service) OverdueUndelivered(ctx context.Context, now time.Time, limit int) ([]*ScheduledWarning, error) {
	var out []*ScheduledWarning
	err := s.db.WithContext(ctx).
		Where("fire_at <= ? AND delivered = ?", now, false).
		Order("fire_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, errutil.Internal("failed to list overdue warnings", errutil.WithErr(err))
	}
	return out, nil
}

// PurgeForEntitlements drops all warning rows belonging to the given
// entitlements. Used by the sweeper's retention pass.
func (s *Service) PurgeForEntitlements(ctx context.Context, entitlementIDs []string) (int64, error) {
	if len(entitlementIDs) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).
		Where("entitlement_id IN ?", entitlementIDs).
		Delete(&ScheduledWarning{})
	if res.Error != nil {
		return 0, errutil.Internal("failed to purge warnings", errutil.WithErr(res.Error))
	}
	return res.RowsAffected, nil
}
