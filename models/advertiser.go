package models

import (
	"time"

	"github.com/citysign/citysign-backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CanonicalMediaSource records which resolution strategy produced the
// advertiser's current canonical Yodeck media reference.
type CanonicalMediaSource string

const (
	CanonicalSourceReused          CanonicalMediaSource = "reused"
	CanonicalSourceMatchedBySearch CanonicalMediaSource = "matched_by_search"
	CanonicalSourceFreshlyUploaded CanonicalMediaSource = "freshly_uploaded"
	CanonicalSourceCloned          CanonicalMediaSource = "cloned"
)

// String returns the string representation of the source
func (s CanonicalMediaSource) String() string {
	return string(s)
}

// Valid checks if the source is valid
func (s CanonicalMediaSource) Valid() bool {
	switch s {
	case CanonicalSourceReused, CanonicalSourceMatchedBySearch,
		CanonicalSourceFreshlyUploaded, CanonicalSourceCloned:
		return true
	default:
		return false
	}
}

// Advertiser holds the per-advertiser publishing state. The canonical
// media reference lives directly on this row (three columns), so "at
// most one canonical reference per advertiser" is structural: replacing
// it is a single UPDATE, never an INSERT.
type Advertiser struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID        uuid.UUID `gorm:"type:uuid;uniqueIndex;not null;default:gen_random_uuid()" json:"uuid"`
	CompanyName string    `gorm:"type:varchar(255);not null" json:"company_name"`
	LinkKey     string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"link_key"`

	// Canonical media reference (nil until first successful resolution).
	YodeckMediaID       *int64                `gorm:"type:bigint;index" json:"yodeck_media_id,omitempty"`
	YodeckMediaSource   *CanonicalMediaSource `gorm:"type:varchar(32)" json:"yodeck_media_source,omitempty"`
	YodeckMediaSyncedAt *time.Time            `json:"yodeck_media_synced_at,omitempty"`

	// Last terminal publish failure, cleared on success.
	PublishErrorCode    *string    `gorm:"type:varchar(64)" json:"publish_error_code,omitempty"`
	PublishErrorMessage *string    `gorm:"type:text" json:"publish_error_message,omitempty"`
	PublishFailedAt     *time.Time `json:"publish_failed_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Advertiser) TableName() string { return "advertisers" }

// BeforeCreate ensures UUID and timestamps are set.
func (a *Advertiser) BeforeCreate(tx *gorm.DB) error {
	if a.UUID == uuid.Nil {
		a.UUID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = utils.UTCNow()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = utils.UTCNow()
	}
	return nil
}

// HasCanonicalMedia reports whether a canonical reference is currently set.
func (a *Advertiser) HasCanonicalMedia() bool {
	return a.YodeckMediaID != nil && *a.YodeckMediaID > 0
}

// AdvertiserFilter represents filter criteria for advertiser queries.
type AdvertiserFilter struct {
	ID            *uint      `json:"id,omitempty"`
	UUID          *uuid.UUID `json:"uuid,omitempty"`
	LinkKey       *string    `json:"link_key,omitempty"`
	HasMedia      *bool      `json:"has_media,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
}
