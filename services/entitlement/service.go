package entitlement

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"storefront-entitlements/pkg/artifact"
	"storefront-entitlements/pkg/db/option"
	"storefront-entitlements/pkg/db/pagination"
	"storefront-entitlements/pkg/errutil"
	"storefront-entitlements/pkg/rediskey"
	"storefront-entitlements/pkg/repository"

	"github.com/bwmarrin/snowflake"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Scheduler arms and cancels expiry warnings for an entitlement. Implemented
// by the schedule service; declared here to keep the import direction one-way.
type Scheduler interface {
	Arm(ctx context.Context, ent *Entitlement) error
	Cancel(ctx context.Context, entitlementID string) error
}

// AccessGrant is the result of a successful download access.
type AccessGrant struct {
	Entitlement *Entitlement
	ArtifactURL string
	Remaining   int
}

// statusCacheTTL bounds how stale a cached status read can get. Write paths
// invalidate eagerly; the TTL covers transitions done outside the service,
// like the sweeper's bulk expiry.
const statusCacheTTL = 30 * time.Second

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Repo      repository.Repository[Entitlement]
	Scheduler Scheduler
	Artifacts artifact.Store
	Redis     *goredis.Client `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	repo      repository.Repository[Entitlement]
	scheduler Scheduler
	artifacts artifact.Store
	redis     *goredis.Client
	now       func() time.Time
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		repo:      p.Repo,
		scheduler: p.Scheduler,
		artifacts: p.Artifacts,
		redis:     p.Redis,
		now:       time.Now,
	}
}

// CreateLease opens a new lease for ownerID over artifactRef. Duration and
// quota come from the lease class; expires_at never moves afterwards.
func (s *Service) CreateLease(ctx context.Context, ownerID, artifactRef string, class LeaseClass, meta ArtifactMeta) (*Entitlement, error) {
	ownerID = strings.TrimSpace(ownerID)
	artifactRef = strings.TrimSpace(artifactRef)

	if ownerID == "" {
		return nil, errutil.BadRequest("owner_id is required")
	}

	if artifactRef == "" {
		return nil, errutil.BadRequest("artifact_ref is required")
	}

	cfg, ok := ClassConfigFor(class)
	if !ok {
		return nil, errutil.BadRequest("unknown lease class", errutil.WithDetails(errutil.Detail{
			Field:   "lease_class",
			Message: string(class),
		}))
	}

	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, errutil.Internal("failed to encode artifact metadata", errutil.WithErr(err))
	}

	now := s.now()
	ent := &Entitlement{
		ID:          s.node.Generate().String(),
		OwnerID:     ownerID,
		ArtifactRef: artifactRef,
		LeaseClass:  class,
		MaxAccesses: cfg.MaxAccesses,
		ExpiresAt:   now.Add(cfg.Duration),
		Metadata:    metadata,
	}

	if err := s.repo.Create(ctx, ent); err != nil {
		return nil, errutil.Internal("failed to create entitlement", errutil.WithErr(err))
	}

	// Timer arming is a latency optimization. If it fails the sweeper still
	// expires the lease on time, so the lease is returned regardless.
	if err := s.scheduler.Arm(ctx, ent); err != nil {
		zap.L().Error("failed to arm expiry warnings",
			zap.String("entitlement_id", ent.ID),
			zap.Error(err),
		)
	}

	zap.L().Info("entitlement created",
		zap.String("entitlement_id", ent.ID),
		zap.String("owner_id", ent.OwnerID),
		zap.String("lease_class", string(class)),
		zap.Time("expires_at", ent.ExpiresAt),
	)

	return ent, nil
}

// Access consumes one download slot and resolves a short-lived artifact URL.
// The quota check and increment are a single conditional update keyed on the
// previously observed access_count, so concurrent callers never overshoot
// max_accesses. A lost race re-reads and re-evaluates the guards.
func (s *Service) Access(ctx context.Context, id, requesterID string) (*AccessGrant, error) {
	for {
		ent, err := s.load(ctx, id, requesterID)
		if err != nil {
			return nil, err
		}

		if ent.IsDeleted || ent.IsExpired {
			return nil, errutil.Gone("entitlement expired")
		}

		now := s.now()
		if !now.Before(ent.ExpiresAt) {
			// Overdue but not yet swept. Heal the flag on the read path
			// and reject in the same breath.
			if err := MarkExpired(ctx, s.db, id); err != nil {
				zap.L().Error("failed to self-heal expiry flag",
					zap.String("entitlement_id", id),
					zap.Error(err),
				)
			}
			s.invalidateCache(ctx, id)
			return nil, errutil.Gone("entitlement expired")
		}

		if ent.AccessCount >= ent.MaxAccesses {
			return nil, errutil.TooManyRequests("download quota exhausted")
		}

		res := s.db.WithContext(ctx).Model(&Entitlement{}).
			Where("id = ? AND access_count = ? AND is_expired = ? AND is_deleted = ?", id, ent.AccessCount, false, false).
			Updates(map[string]interface{}{
				"access_count":     ent.AccessCount + 1,
				"last_accessed_at": now,
				"updated_at":       now,
			})
		if res.Error != nil {
			return nil, errutil.Internal("failed to record access", errutil.WithErr(res.Error))
		}

		if res.RowsAffected == 0 {
			// Another request moved the counter or a flag first. The count
			// only grows, so the loop terminates.
			continue
		}

		s.invalidateCache(ctx, id)

		url, err := s.artifacts.Resolve(ctx, ent.ArtifactRef)
		if err != nil {
			return nil, errutil.Internal("failed to resolve artifact", errutil.WithErr(err))
		}

		ent.AccessCount++
		ent.LastAccessedAt = &now

		zap.L().Info("entitlement accessed",
			zap.String("entitlement_id", id),
			zap.Int("access_count", ent.AccessCount),
			zap.Int("max_accesses", ent.MaxAccesses),
		)

		return &AccessGrant{
			Entitlement: ent,
			ArtifactURL: url,
			Remaining:   ent.RemainingAccesses(),
		}, nil
	}
}

// Status returns the entitlement as stored. Ownership mismatches read as
// not found so requesters cannot probe for other users' leases. Reads go
// through a short-lived cache; the ownership check applies either way.
func (s *Service) Status(ctx context.Context, id, requesterID string) (*Entitlement, error) {
	if s.redis != nil {
		raw, err := s.redis.Get(ctx, rediskey.BuildEntitlementKey(id)).Bytes()
		if err == nil {
			var cached Entitlement
			if err := json.Unmarshal(raw, &cached); err == nil {
				if cached.OwnerID != requesterID {
					return nil, errutil.NotFound("entitlement not found")
				}
				return &cached, nil
			}
		}
	}

	ent, err := s.load(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if raw, err := json.Marshal(ent); err == nil {
			if err := s.redis.Set(ctx, rediskey.BuildEntitlementKey(id), raw, statusCacheTTL).Err(); err != nil {
				zap.L().Warn("failed to cache entitlement status", zap.String("entitlement_id", id), zap.Error(err))
			}
		}
	}

	return ent, nil
}

func (s *Service) invalidateCache(ctx context.Context, id string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, rediskey.BuildEntitlementKey(id)).Err(); err != nil {
		zap.L().Warn("failed to invalidate entitlement cache", zap.String("entitlement_id", id), zap.Error(err))
	}
}

// ListByOwner returns one page of the owner's entitlements in creation order.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, p pagination.Pagination) ([]*Entitlement, *pagination.PageInfo, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, nil, errutil.BadRequest("owner_id is required")
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}

	// one extra row to learn whether another page exists
	probe := p
	probe.Limit = limit + 1

	ents, err := s.repo.Find(ctx, &Entitlement{OwnerID: ownerID},
		option.ApplyPagination(probe),
	)
	if err != nil {
		return nil, nil, errutil.Internal("failed to list entitlements", errutil.WithErr(err))
	}

	pageInfo := pagination.BuildCursorPageInfo(ents, limit, func(e *Entitlement) string {
		cursor, err := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
			ID:        e.ID,
		})
		if err != nil {
			return ""
		}
		return cursor
	})

	if len(ents) > limit {
		ents = ents[:limit]
	}

	return ents, pageInfo, nil
}

// Expire forces the expiry transition for id.
func (s *Service) Expire(ctx context.Context, id string) error {
	if err := MarkExpired(ctx, s.db, id); err != nil {
		return errutil.Internal("failed to expire entitlement", errutil.WithErr(err))
	}
	s.invalidateCache(ctx, id)
	return nil
}

// Delete tombstones an expired entitlement and releases its artifact. Deleting
// an active lease is a caller bug and is rejected loudly.
func (s *Service) Delete(ctx context.Context, id string) error {
	ent, err := s.repo.FindOne(ctx, &Entitlement{ID: id})
	if err != nil {
		return errutil.Internal("failed to load entitlement", errutil.WithErr(err))
	}

	if ent == nil {
		return errutil.NotFound("entitlement not found")
	}

	if ent.IsDeleted {
		return nil
	}

	if !ent.IsExpired {
		zap.L().Error("refusing to delete an active entitlement",
			zap.String("entitlement_id", id),
			zap.Time("expires_at", ent.ExpiresAt),
		)
		return errutil.UnprocessableEntity("entitlement is still active")
	}

	res := s.db.WithContext(ctx).Model(&Entitlement{}).
		Where("id = ? AND is_expired = ? AND is_deleted = ?", id, true, false).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return errutil.Internal("failed to delete entitlement", errutil.WithErr(res.Error))
	}

	if res.RowsAffected == 0 {
		return nil
	}

	s.invalidateCache(ctx, id)

	if err := s.artifacts.Release(ctx, ent.ArtifactRef); err != nil {
		zap.L().Error("failed to release artifact",
			zap.String("entitlement_id", id),
			zap.String("artifact_ref", ent.ArtifactRef),
			zap.Error(err),
		)
	}

	if err := s.scheduler.Cancel(ctx, id); err != nil {
		zap.L().Warn("failed to cancel pending warnings",
			zap.String("entitlement_id", id),
			zap.Error(err),
		)
	}

	zap.L().Info("entitlement deleted", zap.String("entitlement_id", id))

	return nil
}

func (s *Service) load(ctx context.Context, id, requesterID string) (*Entitlement, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errutil.BadRequest("entitlement id is required")
	}

	ent, err := s.repo.FindOne(ctx, &Entitlement{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load entitlement", errutil.WithErr(err))
	}

	if ent == nil || ent.OwnerID != requesterID {
		return nil, errutil.NotFound("entitlement not found")
	}

	return ent, nil
}

// MarkExpired flips is_expired for id. The guard makes repeated calls
// no-ops, so the scheduler, the sweeper and the access path can all race
// on the same transition safely.
func MarkExpired(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Model(&Entitlement{}).
		Where("id = ? AND is_expired = ?", id, false).
		Updates(map[string]interface{}{
			"is_expired": true,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected > 0 {
		zap.L().Info("entitlement expired", zap.String("entitlement_id", id))
	}

	return nil
}
