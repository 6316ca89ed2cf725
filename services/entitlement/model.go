package entitlement

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type LeaseClass string

// 'generation', 'marketplace', 'hd'
var (
	Generation     LeaseClass = "generation"
	Marketplace    LeaseClass = "marketplace"
	HighDefinition LeaseClass = "hd"
)

func (c LeaseClass) String() string {
	switch c {
	case Generation, Marketplace, HighDefinition:
		return string(c)
	default:
		return ""
	}
}

// Entitlement is a time-boxed download lease held by a single owner. Flags are
// one-way: is_expired flips false->true once, is_deleted requires is_expired.
// expires_at is fixed at creation; a new purchase creates a new record.
type Entitlement struct {
	ID             string         `gorm:"column:id;primaryKey;type:char(26)"`
	OwnerID        string         `gorm:"column:owner_id;index;not null"`
	ArtifactRef    string         `gorm:"column:artifact_ref;not null"`
	LeaseClass     LeaseClass     `gorm:"column:lease_class;type:varchar(20);not null"`
	MaxAccesses    int            `gorm:"column:max_accesses;not null"`
	AccessCount    int            `gorm:"column:access_count;not null;default:0"`
	LastAccessedAt *time.Time     `gorm:"column:last_accessed_at"`
	ExpiresAt      time.Time      `gorm:"column:expires_at;index;not null"`
	IsExpired      bool           `gorm:"column:is_expired;index;default:false"`
	IsDeleted      bool           `gorm:"column:is_deleted;default:false"`
	Metadata       datatypes.JSON `gorm:"column:metadata;type:jsonb"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// ArtifactMeta is the file metadata captured at lease creation for display in
// access responses and notifications.
type ArtifactMeta struct {
	DisplayName string `json:"display_name,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

func (e *Entitlement) Meta() ArtifactMeta {
	var meta ArtifactMeta
	if len(e.Metadata) > 0 {
		_ = json.Unmarshal(e.Metadata, &meta)
	}
	return meta
}

func (e *Entitlement) RemainingAccesses() int {
	remaining := e.MaxAccesses - e.AccessCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HoursLeft reports the time until expiry in hours, clamped at zero.
func (e *Entitlement) HoursLeft(now time.Time) float64 {
	left := e.ExpiresAt.Sub(now).Hours()
	if left < 0 {
		return 0
	}
	return left
}
