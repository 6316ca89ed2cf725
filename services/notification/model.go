package notification

import "time"

type Status string

const (
	StatusUnread    Status = "unread"
	StatusRead      Status = "read"
	StatusDismissed Status = "dismissed"
)

// Notification is an in-app message delivered for one warning threshold.
// Rows are owned by the warning pipeline; users only move status forward.
type Notification struct {
	ID             string    `gorm:"column:id;primaryKey;type:char(26)"`
	UserID         string    `gorm:"column:user_id;index;not null"`
	EntitlementID  string    `gorm:"column:entitlement_id;index;not null"`
	ThresholdLabel string    `gorm:"column:threshold_label;type:varchar(20);not null"`
	Title          string    `gorm:"column:title;not null"`
	Body           string    `gorm:"column:body;type:text"`
	Status         Status    `gorm:"column:status;type:varchar(10);default:unread"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
