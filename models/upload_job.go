package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/citysign/citysign-backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UploadJobStatus tracks an upload attempt through the transactional
// state machine. The status is monotonic: it only advances through the
// step sequence or jumps to failed, never reverts.
type UploadJobStatus string

const (
	UploadJobQueued            UploadJobStatus = "queued"
	UploadJobCreated           UploadJobStatus = "created"
	UploadJobUploaded          UploadJobStatus = "uploaded"
	UploadJobFinalizeAttempted UploadJobStatus = "finalize_attempted"
	UploadJobVerifiedExists    UploadJobStatus = "verified_exists"
	UploadJobPolling           UploadJobStatus = "polling"
	UploadJobReady             UploadJobStatus = "ready"
	UploadJobFailed            UploadJobStatus = "failed"
)

func (s UploadJobStatus) String() string { return string(s) }

// Valid checks if the status is valid
func (s UploadJobStatus) Valid() bool {
	switch s {
	case UploadJobQueued, UploadJobCreated, UploadJobUploaded,
		UploadJobFinalizeAttempted, UploadJobVerifiedExists,
		UploadJobPolling, UploadJobReady, UploadJobFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the job can no longer advance.
func (s UploadJobStatus) Terminal() bool {
	return s == UploadJobReady || s == UploadJobFailed
}

// rank orders the forward step sequence; failed is reachable from anywhere.
func (s UploadJobStatus) rank() int {
	switch s {
	case UploadJobQueued:
		return 0
	case UploadJobCreated:
		return 1
	case UploadJobUploaded:
		return 2
	case UploadJobFinalizeAttempted:
		return 3
	case UploadJobVerifiedExists:
		return 4
	case UploadJobPolling:
		return 5
	case UploadJobReady:
		return 6
	default:
		return -1
	}
}

// CanTransitionTo enforces monotonic advancement.
func (s UploadJobStatus) CanTransitionTo(next UploadJobStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == UploadJobFailed {
		return true
	}
	return next.rank() > s.rank()
}

// Scan implements the sql.Scanner interface for UploadJobStatus
func (s *UploadJobStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = UploadJobStatus(v)
	case []byte:
		*s = UploadJobStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into UploadJobStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for UploadJobStatus
func (s UploadJobStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid UploadJobStatus: %s", s)
	}
	return string(s), nil
}

// UploadJob is one row per upload attempt against the Yodeck platform.
// Rows are never deleted; the row alone must be enough to diagnose a
// failure without external logs, so every step writes its raw response
// snapshot into StepResponses before the coordinator returns.
type UploadJob struct {
	ID            uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	CorrelationID uuid.UUID       `gorm:"type:uuid;uniqueIndex;not null" json:"correlation_id"`
	AssetID       uint            `gorm:"not null;index" json:"asset_id"`
	DesiredName   string          `gorm:"type:varchar(255);not null" json:"desired_name"`
	Status        UploadJobStatus `gorm:"type:varchar(32);not null;default:'queued';index" json:"status"`

	YodeckMediaID *int64 `gorm:"type:bigint;index" json:"yodeck_media_id,omitempty"`

	// StepResponses maps step name -> raw remote response snapshot.
	StepResponses json.RawMessage `gorm:"type:jsonb;not null;default:'{}'" json:"step_responses"`
	PollAttempts  int             `gorm:"not null;default:0" json:"poll_attempts"`

	ErrorCode    *string `gorm:"type:varchar(64);index" json:"error_code,omitempty"`
	ErrorDetails *string `gorm:"type:text" json:"error_details,omitempty"`

	StartedAt  time.Time  `gorm:"not null" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Asset *AdAsset `gorm:"foreignKey:AssetID;references:ID" json:"asset,omitempty"`
}

func (UploadJob) TableName() string { return "upload_jobs" }

// BeforeCreate ensures correlation ID, status and timestamps are set.
func (j *UploadJob) BeforeCreate(tx *gorm.DB) error {
	if j.CorrelationID == uuid.Nil {
		j.CorrelationID = uuid.New()
	}
	if j.Status == "" {
		j.Status = UploadJobQueued
	}
	if len(j.StepResponses) == 0 {
		j.StepResponses = json.RawMessage("{}")
	}
	if j.StartedAt.IsZero() {
		j.StartedAt = utils.UTCNow()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = utils.UTCNow()
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = utils.UTCNow()
	}
	return nil
}

// UploadJobFilter represents filter criteria for upload job queries.
type UploadJobFilter struct {
	ID            *uint            `json:"id,omitempty"`
	CorrelationID *uuid.UUID       `json:"correlation_id,omitempty"`
	AssetID       *uint            `json:"asset_id,omitempty"`
	Status        *UploadJobStatus `json:"status,omitempty"`
	ErrorCode     *string          `json:"error_code,omitempty"`
	CreatedAfter  *time.Time       `json:"created_after,omitempty"`
	CreatedBefore *time.Time       `json:"created_before,omitempty"`
}
