package schedule

import "time"

// Threshold labels, ordered from earliest warning to the expiry transition.
const (
	Label24hBefore = "24h-before"
	Label12hBefore = "12h-before"
	Label3hBefore  = "3h-before"
	LabelExpired   = "expired"
)

// Threshold is an offset before expiry at which a warning fires. An offset of
// zero is the expiry transition itself.
type Threshold struct {
	Label  string
	Offset time.Duration
}

// Thresholds returns the warning ladder applied to every lease.
func Thresholds() []Threshold {
	return []Threshold{
		{Label: Label24hBefore, Offset: 24 * time.Hour},
		{Label: Label12hBefore, Offset: 12 * time.Hour},
		{Label: Label3hBefore, Offset: 3 * time.Hour},
		{Label: LabelExpired, Offset: 0},
	}
}

// ScheduledWarning is the durable record of one (entitlement, threshold)
// firing. The composite unique index is what makes delivery at-most-once;
// the delivered flag is flipped by a conditional update, never set directly.
type ScheduledWarning struct {
	ID             string     `gorm:"column:id;primaryKey;type:char(26)"`
	EntitlementID  string     `gorm:"column:entitlement_id;uniqueIndex:idx_warning_entitlement_threshold;not null"`
	ThresholdLabel string     `gorm:"column:threshold_label;uniqueIndex:idx_warning_entitlement_threshold;type:varchar(20);not null"`
	FireAt         time.Time  `gorm:"column:fire_at;index;not null"`
	Delivered      bool       `gorm:"column:delivered;default:false"`
	DeliveredAt    *time.Time `gorm:"column:delivered_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}
