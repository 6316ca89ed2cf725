package entitlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storefront-entitlements/pkg/db/pagination"
	"storefront-entitlements/pkg/errutil"
	"storefront-entitlements/pkg/repository"
	"storefront-entitlements/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeScheduler struct {
	mu        sync.Mutex
	armed     []string
	cancelled []string
	armErr    error
}

func (f *fakeScheduler) Arm(ctx context.Context, ent *Entitlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armErr != nil {
		return f.armErr
	}
	f.armed = append(f.armed, ent.ID)
	return nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, entitlementID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, entitlementID)
	return nil
}

type fakeArtifacts struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeArtifacts) Resolve(ctx context.Context, artifactRef string) (string, error) {
	return "https://downloads.test/" + artifactRef, nil
}

func (f *fakeArtifacts) Release(ctx context.Context, artifactRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, artifactRef)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeScheduler, *fakeArtifacts) {
	t.Helper()

	db := testutil.NewTestDB(t, &Entitlement{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	scheduler := &fakeScheduler{}
	artifacts := &fakeArtifacts{}

	svc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Repo:      repository.ProvideStore[Entitlement](db),
		Scheduler: scheduler,
		Artifacts: artifacts,
	})

	return svc, scheduler, artifacts
}

func TestCreateLeaseGenerationDefaults(t *testing.T) {
	svc, scheduler, _ := newTestService(t)
	now := time.Now()
	svc.now = func() time.Time { return now }

	ent, err := svc.CreateLease(context.Background(), "user-1", "objects/track.wav", Generation, ArtifactMeta{DisplayName: "My Track"})
	require.NoError(t, err)
	require.Equal(t, 5, ent.MaxAccesses)
	require.Equal(t, 0, ent.AccessCount)
	require.True(t, ent.ExpiresAt.Equal(now.Add(48*time.Hour)))
	require.Equal(t, "My Track", ent.Meta().DisplayName)
	require.Equal(t, []string{ent.ID}, scheduler.armed)
}

func TestCreateLeaseHighDefinitionQuota(t *testing.T) {
	svc, _, _ := newTestService(t)
	now := time.Now()
	svc.now = func() time.Time { return now }

	ent, err := svc.CreateLease(context.Background(), "user-1", "objects/track.flac", HighDefinition, ArtifactMeta{})
	require.NoError(t, err)
	require.Equal(t, 3, ent.MaxAccesses)
	require.True(t, ent.ExpiresAt.Equal(now.Add(7*24*time.Hour)))
}

func TestCreateLeaseEmptyOwnerRejected(t *testing.T) {
	svc, scheduler, _ := newTestService(t)

	_, err := svc.CreateLease(context.Background(), "  ", "objects/track.wav", Generation, ArtifactMeta{})
	require.Error(t, err)
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))
	require.Empty(t, scheduler.armed)

	count, err := svc.repo.Count(context.Background(), &Entitlement{})
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCreateLeaseUnknownClassRejected(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateLease(context.Background(), "user-1", "objects/track.wav", LeaseClass("platinum"), ArtifactMeta{})
	require.Error(t, err)
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))
}

func TestCreateLeaseSurvivesArmFailure(t *testing.T) {
	svc, scheduler, _ := newTestService(t)
	scheduler.armErr = context.DeadlineExceeded

	ent, err := svc.CreateLease(context.Background(), "user-1", "objects/track.wav", Generation, ArtifactMeta{})
	require.NoError(t, err)
	require.NotNil(t, ent)
}

func TestAccessConsumesQuotaThenRejects(t *testing.T) {
	svc, _, _ := newTestService(t)

	ent, err := svc.CreateLease(context.Background(), "user-1", "objects/track.wav", Marketplace, ArtifactMeta{})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		grant, err := svc.Access(context.Background(), ent.ID, "user-1")
		require.NoError(t, err)
		require.Equal(t, "https://downloads.test/objects/track.wav", grant.ArtifactURL)
		require.Equal(t, 5-i, grant.Remaining)
	}

	_, err = svc.Access(context.Background(), ent.ID, "user-1")
	require.Error(t, err)
	require.Equal(t, errutil.StatusTooManyRequests, errutil.StatusOf(err))

	stored, err := svc.repo.FindOne(context.Background(), &Entitlement{ID: ent.ID})
	require.NoError(t, err)
	require.Equal(t, 5, stored.AccessCount)
}

func TestAccessAfterDeadlineSelfHeals(t *testing.T) {
	svc, _, _ := newTestService(t)

	ent, err := svc.CreateLease(context.Background(), "user-1", "objects/track.wav", Marketplace, ArtifactMeta{})
	require.NoError(t, err)

	svc.now = func() time.Time { return ent.ExpiresAt.Add(time.Second) }

	_, err = svc.Access(context.Background(), ent.ID, "user-1")
	require.Error(t, err)
	require.Equal(t, errutil.StatusGone, errutil.StatusOf(err))

	stored, err := svc.repo.FindOne(context.Background(), &Entitlement{ID: ent.ID})
	require.NoError(t, err)
	require.True(t, stored.IsExpired)
}

func TestAccessForeignOwnerReadsAsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	ent, err := svc.CreateLease(context.Background(), "user-1", "objects/track.wav", Generation, ArtifactMeta{})
	require.NoError(t, err)

	_, err = svc.Access(context.Background(), ent.ID, "user-2")
	require.Error(t, err)
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestAccessUnknownIDNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Access(context.Background(), "missing", "user-1")
	require.Error(t, err)
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestAccessConcurrentLastSlot(t *testing.T) {
	svc, _, _ := newTestService(t)

	ent, err := svc.CreateLease(context.Background(), "user-1", "objects/track.wav", Generation, ArtifactMeta{})
	require.NoError(t, err)

	err = svc.db.Model(&Entitlement{}).Where("id = ?", ent.ID).Update("max_accesses", 1).Error
	require.NoError(t, err)

	const parallel = 8
	var wg sync.WaitGroup
	errs := make([]error, parallel)

	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Access(context.Background(), ent.ID, "user-1")
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, err := range errs {
		if err == nil {
			granted++
			continue
		}
		require.Equal(t, errutil.StatusTooManyRequests, errutil.StatusOf(err))
	}
	require.Equal(t, 1, granted)

	stored, err := svc.repo.FindOne(context.Background(), &Entitlement{ID: ent.ID})
	require.NoError(t, err)
	require.Equal(t, 1, stored.AccessCount)
}

func TestListByOwnerReportsMorePages(t *testing.T) {
	svc, _, _ := newTestService(t)

	for _, ref := range []string{"objects/a.wav", "objects/b.wav", "objects/c.wav"} {
		_, err := svc.CreateLease(context.Background(), "user-1", ref, Generation, ArtifactMeta{})
		require.NoError(t, err)
	}

	ents, pageInfo, err := svc.ListByOwner(context.Background(), "user-1", pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, ents, 2)
	require.True(t, pageInfo.HasMore)
	require.NotEmpty(t, pageInfo.NextCursor)

	ents, pageInfo, err = svc.ListByOwner(context.Background(), "user-2", pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Empty(t, ents)
	require.False(t, pageInfo.HasMore)
}

func TestExpireIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)

	ent, err := svc.CreateLease(context.Background(), "user-1", "objects/track.wav", Generation, ArtifactMeta{})
	require.NoError(t, err)

	require.NoError(t, svc.Expire(context.Background(), ent.ID))
	require.NoError(t, svc.Expire(context.Background(), ent.ID))

	stored, err := svc.repo.FindOne(context.Background(), &Entitlement{ID: ent.ID})
	require.NoError(t, err)
	require.True(t, stored.IsExpired)
}

func TestDeleteActiveLeaseRejected(t *testing.T) {
	svc, _, artifacts := newTestService(t)

	ent, err := svc.CreateLease(context.Background(), "user-1", "objects/track.wav", Generation, ArtifactMeta{})
	require.NoError(t, err)

	err = svc.Delete(context.Background(), ent.ID)
	require.Error(t, err)
	require.Equal(t, errutil.StatusUnprocessableEntity, errutil.StatusOf(err))
	require.Empty(t, artifacts.released)
}

func TestDeleteExpiredLeaseReleasesArtifact(t *testing.T) {
	svc, scheduler, artifacts := newTestService(t)

	ent, err := svc.CreateLease(context.Background(), "user-1", "objects/track.wav", Generation, ArtifactMeta{})
	require.NoError(t, err)

	require.NoError(t, svc.Expire(context.Background(), ent.ID))
	require.NoError(t, svc.Delete(context.Background(), ent.ID))

	require.Equal(t, []string{"objects/track.wav"}, artifacts.released)
	require.Equal(t, []string{ent.ID}, scheduler.cancelled)

	// second delete is a no-op
	require.NoError(t, svc.Delete(context.Background(), ent.ID))
	require.Len(t, artifacts.released, 1)

	_, err = svc.Access(context.Background(), ent.ID, "user-1")
	require.Error(t, err)
	require.Equal(t, errutil.StatusGone, errutil.StatusOf(err))
}
