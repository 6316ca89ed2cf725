package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"storefront-entitlements/pkg/db/option"
	"storefront-entitlements/pkg/db/pagination"
	"storefront-entitlements/pkg/errutil"
	"storefront-entitlements/pkg/repository"
	"storefront-entitlements/services/entitlement"
	"storefront-entitlements/services/schedule"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type template struct {
	title string
	body  string
}

// One template per threshold label. The body verb slot receives the artifact
// display name, or a generic fallback when the lease carries no metadata.
var templates = map[string]template{
	schedule.Label24hBefore: {
		title: "Your download expires in 24 hours",
		body:  "%s is available for another 24 hours. Download it before the link expires.",
	},
	schedule.Label12hBefore: {
		title: "Your download expires in 12 hours",
		body:  "%s is available for another 12 hours. Download it before the link expires.",
	},
	schedule.Label3hBefore: {
		title: "Your download expires in 3 hours",
		body:  "Last call: %s expires in 3 hours.",
	},
	schedule.LabelExpired: {
		title: "Your download has expired",
		body:  "The download window for %s has closed. Purchase again to get a fresh link.",
	},
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
	Repo repository.Repository[Notification]
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	repo repository.Repository[Notification]
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		repo: p.Repo,
	}
}

// Deliver records one in-app notification for a fired warning. Callers
// guarantee at-most-once semantics upstream; Deliver itself just writes.
func (s *Service) Deliver(ctx context.Context, ownerID, entitlementID, thresholdLabel string, meta entitlement.ArtifactMeta) error {
	tpl, ok := templates[thresholdLabel]
	if !ok {
		tpl = template{
			title: "Update on your download",
			body:  "There is an update on the availability of %s.",
		}
	}

	name := strings.TrimSpace(meta.DisplayName)
	if name == "" {
		name = "your download"
	}

	n := &Notification{
		ID:             s.node.Generate().String(),
		UserID:         ownerID,
		EntitlementID:  entitlementID,
		ThresholdLabel: thresholdLabel,
		Title:          tpl.title,
		Body:           fmt.Sprintf(tpl.body, name),
		Status:         StatusUnread,
	}

	if err := s.repo.Create(ctx, n); err != nil {
		return errutil.Internal("failed to store notification", errutil.WithErr(err))
	}

	zap.L().Info("notification delivered",
		zap.String("notification_id", n.ID),
		zap.String("user_id", ownerID),
		zap.String("entitlement_id", entitlementID),
		zap.String("threshold_label", thresholdLabel),
	)

	return nil
}

// ListByUser returns one page of the user's notifications in creation order.
func (s *Service) ListByUser(ctx context.Context, userID string, p pagination.Pagination) ([]*Notification, *pagination.PageInfo, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil, errutil.BadRequest("user_id is required")
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}

	probe := p
	probe.Limit = limit + 1

	out, err := s.repo.Find(ctx, &Notification{UserID: userID},
		option.ApplyPagination(probe),
	)
	if err != nil {
		return nil, nil, errutil.Internal("failed to list notifications", errutil.WithErr(err))
	}

	pageInfo := pagination.BuildCursorPageInfo(out, limit, func(n *Notification) string {
		cursor, err := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: n.CreatedAt.Format(time.RFC3339Nano),
			ID:        n.ID,
		})
		if err != nil {
			return ""
		}
		return cursor
	})

	if len(out) > limit {
		out = out[:limit]
	}

	return out, pageInfo, nil
}

// MarkRead moves a notification to read. Unknown ids and foreign owners both
// read as not found.
func (s *Service) MarkRead(ctx context.Context, id, userID string) error {
	return s.setStatus(ctx, id, userID, StatusRead)
}

// Dismiss hides a notification from the user's feed.
func (s *Service) Dismiss(ctx context.Context, id, userID string) error {
	return s.setStatus(ctx, id, userID, StatusDismissed)
}

func (s *Service) setStatus(ctx context.Context, id, userID string, status Status) error {
	if strings.TrimSpace(id) == "" {
		return errutil.BadRequest("notification id is required")
	}

	res := s.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return errutil.Internal("failed to update notification", errutil.WithErr(res.Error))
	}

	if res.RowsAffected == 0 {
		return errutil.NotFound("notification not found")
	}

	return nil
}

// PurgeForEntitlements drops all notifications tied to the given
// entitlements. Used by the sweeper's retention pass.
func (s *Service) PurgeForEntitlements(ctx context.Context, entitlementIDs []string) (int64, error) {
	if len(entitlementIDs) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).
		Where("entitlement_id IN ?", entitlementIDs).
		Delete(&Notification{})
	if res.Error != nil {
		return 0, errutil.Internal("failed to purge notifications", errutil.WithErr(res.Error))
	}
	return res.RowsAffected, nil
}
