package models

import (
	"path"
	"strings"
	"time"

	"github.com/citysign/citysign-backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AssetApprovalStatus represents the review state of an uploaded creative.
// Validity checking (codec/duration/resolution) happens before this core
// runs; the publisher only reads the outcome.
type AssetApprovalStatus string

const (
	AssetApprovalPending  AssetApprovalStatus = "pending"
	AssetApprovalApproved AssetApprovalStatus = "approved"
	AssetApprovalRejected AssetApprovalStatus = "rejected"
)

func (s AssetApprovalStatus) String() string { return string(s) }

// Valid checks if the status is valid
func (s AssetApprovalStatus) Valid() bool {
	switch s {
	case AssetApprovalPending, AssetApprovalApproved, AssetApprovalRejected:
		return true
	default:
		return false
	}
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".webm": true,
	".mkv":  true,
	".avi":  true,
}

// AdAsset is a locally stored creative file belonging to an advertiser.
// ConvertedPath points at the transcoded rendition when the converter has
// produced one; publishing prefers it over the original.
type AdAsset struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID             uuid.UUID `gorm:"type:uuid;uniqueIndex;not null;default:gen_random_uuid()" json:"uuid"`
	AdvertiserID     uint      `gorm:"not null;index" json:"advertiser_id"`
	OriginalFilename string    `gorm:"type:varchar(255);not null" json:"original_filename"`
	StoredPath       string    `gorm:"type:text;not null" json:"stored_path"`
	ConvertedPath    *string   `gorm:"type:text" json:"converted_path,omitempty"`
	PublicURL        *string   `gorm:"type:text" json:"public_url,omitempty"`
	SizeBytes        int64     `gorm:"type:bigint;not null" json:"size_bytes"`
	MimeType         string    `gorm:"type:varchar(100);not null" json:"mime_type"`
	Extension        string    `gorm:"type:varchar(20);not null" json:"extension"`

	ValidationPassed *bool               `json:"validation_passed,omitempty"`
	ApprovalStatus   AssetApprovalStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"approval_status"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Advertiser *Advertiser `gorm:"foreignKey:AdvertiserID;references:ID;constraint:OnDelete:CASCADE" json:"advertiser,omitempty"`
}

func (AdAsset) TableName() string { return "ad_assets" }

// BeforeCreate ensures UUID and timestamps are set.
func (a *AdAsset) BeforeCreate(tx *gorm.DB) error {
	if a.UUID == uuid.Nil {
		a.UUID = uuid.New()
	}
	if a.ApprovalStatus == "" {
		a.ApprovalStatus = AssetApprovalPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = utils.UTCNow()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = utils.UTCNow()
	}
	return nil
}

// IsVideo reports whether the asset looks like a video by mime type or
// file extension.
func (a *AdAsset) IsVideo() bool {
	if strings.HasPrefix(a.MimeType, "video/") {
		return true
	}
	return videoExtensions[strings.ToLower(a.Extension)]
}

// UploadPath returns the file that should be sent to the remote platform:
// the converted rendition when present, the original otherwise.
func (a *AdAsset) UploadPath() string {
	if a.ConvertedPath != nil && *a.ConvertedPath != "" {
		return *a.ConvertedPath
	}
	return a.StoredPath
}

// BaseName returns the upload path's filename without extension, used to
// build remote search terms.
func (a *AdAsset) BaseName() string {
	base := path.Base(a.UploadPath())
	return strings.TrimSuffix(base, path.Ext(base))
}

// AdAssetFilter represents filter criteria for ad asset queries.
type AdAssetFilter struct {
	ID               *uint                `json:"id,omitempty"`
	UUID             *uuid.UUID           `json:"uuid,omitempty"`
	AdvertiserID     *uint                `json:"advertiser_id,omitempty"`
	ApprovalStatus   *AssetApprovalStatus `json:"approval_status,omitempty"`
	ValidationPassed *bool                `json:"validation_passed,omitempty"`
	CreatedAfter     *time.Time           `json:"created_after,omitempty"`
	CreatedBefore    *time.Time           `json:"created_before,omitempty"`
}
