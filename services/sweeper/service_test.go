package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"storefront-entitlements/pkg/repository"
	"storefront-entitlements/services/entitlement"
	"storefront-entitlements/services/notification"
	"storefront-entitlements/services/schedule"
	"storefront-entitlements/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type nullEnqueuer struct{}

func (nullEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	// Timers never run in these tests; delivery is all on the sweeper.
	return nil, nil
}

type nullCanceller struct{}

func (nullCanceller) DeleteTask(queue, id string) error { return nil }

type fixture struct {
	db        *gorm.DB
	sweeper   *Service
	schedules *schedule.Service
	notifs    *notification.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&entitlement.Entitlement{},
		&schedule.ScheduledWarning{},
		&notification.Notification{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	notifs := notification.NewService(notification.ServiceParams{
		DB:   db,
		Node: node,
		Repo: repository.ProvideStore[notification.Notification](db),
	})

	schedules := schedule.NewService(schedule.ServiceParams{
		DB:           db,
		Node:         node,
		Enqueuer:     nullEnqueuer{},
		Canceller:    nullCanceller{},
		Dispatcher:   notifs,
		Warnings:     repository.ProvideStore[schedule.ScheduledWarning](db),
		Entitlements: repository.ProvideStore[entitlement.Entitlement](db),
	})

	sweeper := NewService(ServiceParams{
		DB:            db,
		Warnings:      schedules,
		Notifications: notifs,
	}, 30*24*time.Hour)

	return &fixture{db: db, sweeper: sweeper, schedules: schedules, notifs: notifs}
}

func (f *fixture) seedLease(t *testing.T, id string, expiresAt time.Time) *entitlement.Entitlement {
	t.Helper()

	ent := &entitlement.Entitlement{
		ID:          id,
		OwnerID:     "user-1",
		ArtifactRef: "objects/" + id,
		LeaseClass:  entitlement.Generation,
		MaxAccesses: 5,
		ExpiresAt:   expiresAt,
	}
	require.NoError(t, f.db.Create(ent).Error)
	require.NoError(t, f.schedules.Arm(context.Background(), ent))
	return ent
}

func (f *fixture) sweepAt(t *testing.T, now time.Time) {
	t.Helper()
	f.sweeper.now = func() time.Time { return now }
	require.NoError(t, f.sweeper.Sweep(context.Background()))
}

func (f *fixture) notificationCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&notification.Notification{}).Count(&count).Error)
	return count
}

// A lease lives its whole 48h without a single timer firing. Successive
// sweeps alone must deliver each warning exactly once and expire the lease.
func TestSweepDeliversFullWarningLadder(t *testing.T) {
	f := newFixture(t)
	t0 := time.Now()
	ent := f.seedLease(t, "ent-1", t0.Add(48*time.Hour))

	f.sweepAt(t, t0.Add(25*time.Hour))
	require.EqualValues(t, 1, f.notificationCount(t))

	// same instant again: nothing new
	f.sweepAt(t, t0.Add(25*time.Hour))
	require.EqualValues(t, 1, f.notificationCount(t))

	f.sweepAt(t, t0.Add(37*time.Hour))
	require.EqualValues(t, 2, f.notificationCount(t))

	f.sweepAt(t, t0.Add(46*time.Hour))
	require.EqualValues(t, 3, f.notificationCount(t))

	f.sweepAt(t, t0.Add(49*time.Hour))
	require.EqualValues(t, 4, f.notificationCount(t))

	var labels []string
	require.NoError(t, f.db.Model(&notification.Notification{}).
		Order("created_at ASC").Pluck("threshold_label", &labels).Error)
	require.Equal(t, []string{
		schedule.Label24hBefore,
		schedule.Label12hBefore,
		schedule.Label3hBefore,
		schedule.LabelExpired,
	}, labels)

	var stored entitlement.Entitlement
	require.NoError(t, f.db.Where("id = ?", ent.ID).First(&stored).Error)
	require.True(t, stored.IsExpired)
}

func TestSweepExpiresOverdueWithoutWarnings(t *testing.T) {
	f := newFixture(t)
	t0 := time.Now()

	// a lease with no warning rows at all still expires on time
	ent := &entitlement.Entitlement{
		ID:          "ent-bare",
		OwnerID:     "user-1",
		ArtifactRef: "objects/ent-bare",
		LeaseClass:  entitlement.Generation,
		MaxAccesses: 5,
		ExpiresAt:   t0.Add(-time.Minute),
	}
	require.NoError(t, f.db.Create(ent).Error)

	f.sweepAt(t, t0)

	var stored entitlement.Entitlement
	require.NoError(t, f.db.Where("id = ?", ent.ID).First(&stored).Error)
	require.True(t, stored.IsExpired)
}

func TestSweepLeavesFutureLeasesAlone(t *testing.T) {
	f := newFixture(t)
	t0 := time.Now()
	ent := f.seedLease(t, "ent-future", t0.Add(48*time.Hour))

	f.sweepAt(t, t0.Add(time.Hour))

	require.EqualValues(t, 0, f.notificationCount(t))

	var stored entitlement.Entitlement
	require.NoError(t, f.db.Where("id = ?", ent.ID).First(&stored).Error)
	require.False(t, stored.IsExpired)
}

func TestSweepPurgesAgedRecords(t *testing.T) {
	f := newFixture(t)
	t0 := time.Now()

	aged := f.seedLease(t, "ent-aged", t0.Add(48*time.Hour))
	fresh := f.seedLease(t, "ent-fresh", t0.Add(40*24*time.Hour))

	// walk the aged lease through its whole ladder
	f.sweepAt(t, t0.Add(49*time.Hour))
	require.EqualValues(t, 4, f.notificationCount(t))

	// 31 days past the aged lease's expiry: its warnings and notifications
	// go away, the fresh lease's records stay
	f.sweepAt(t, t0.Add(48*time.Hour).Add(31*24*time.Hour))

	var warningCount int64
	require.NoError(t, f.db.Model(&schedule.ScheduledWarning{}).
		Where("entitlement_id = ?", aged.ID).Count(&warningCount).Error)
	require.Zero(t, warningCount)

	var notifCount int64
	require.NoError(t, f.db.Model(&notification.Notification{}).
		Where("entitlement_id = ?", aged.ID).Count(&notifCount).Error)
	require.Zero(t, notifCount)

	require.NoError(t, f.db.Model(&schedule.ScheduledWarning{}).
		Where("entitlement_id = ?", fresh.ID).Count(&warningCount).Error)
	require.EqualValues(t, 4, warningCount)

	// the lease row itself survives for audit
	var stored entitlement.Entitlement
	require.NoError(t, f.db.Where("id = ?", aged.ID).First(&stored).Error)
	require.True(t, stored.IsExpired)
}
