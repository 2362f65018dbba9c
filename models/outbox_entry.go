package models

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/citysign/citysign-backend/utils"
	"gorm.io/gorm"
)

// OutboxStatus is the lifecycle of one idempotent side-effecting action
// against the remote platform.
type OutboxStatus string

const (
	OutboxProcessing OutboxStatus = "processing"
	OutboxSucceeded  OutboxStatus = "succeeded"
	OutboxFailed     OutboxStatus = "failed"
)

func (s OutboxStatus) String() string { return string(s) }

// Valid checks if the status is valid
func (s OutboxStatus) Valid() bool {
	switch s {
	case OutboxProcessing, OutboxSucceeded, OutboxFailed:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for OutboxStatus
func (s *OutboxStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = OutboxStatus(v)
	case []byte:
		*s = OutboxStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into OutboxStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for OutboxStatus
func (s OutboxStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid OutboxStatus: %s", s)
	}
	return string(s), nil
}

// Outbox action types.
const (
	OutboxActionPlaylistAdd = "playlist_add"
)

// OutboxEntry records the intent and outcome of one side effect. A
// succeeded entry for a key permanently short-circuits re-execution; a
// processing entry is the advisory lock that blocks concurrent execution
// of the same key; a failed entry is re-claimable, so a retry under the
// same key re-runs the action. The unique index on IdempotencyKey plus
// insert-if-absent is what makes the lock work across processes.
type OutboxEntry struct {
	ID             uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	IdempotencyKey string       `gorm:"type:varchar(128);uniqueIndex;not null" json:"idempotency_key"`
	Action         string       `gorm:"type:varchar(64);not null;index" json:"action"`
	Status         OutboxStatus `gorm:"type:varchar(20);not null;default:'processing';index" json:"status"`
	Attempts       int          `gorm:"not null;default:1" json:"attempts"`

	YodeckID          *int64          `gorm:"type:bigint" json:"yodeck_id,omitempty"`
	ResponseSnapshot  json.RawMessage `gorm:"type:jsonb" json:"response_snapshot,omitempty"`
	VerifiedItemCount *int            `json:"verified_item_count,omitempty"`
	LastError         *string         `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (OutboxEntry) TableName() string { return "outbox_entries" }

// BeforeCreate ensures status and timestamps are set.
func (e *OutboxEntry) BeforeCreate(tx *gorm.DB) error {
	if e.Status == "" {
		e.Status = OutboxProcessing
	}
	if e.Attempts == 0 {
		e.Attempts = 1
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = utils.UTCNow()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = utils.UTCNow()
	}
	return nil
}

// BuildIdempotencyKey derives the deterministic key for an action and its
// target identifiers. Same action + same targets must always produce the
// same key, across processes and retries.
func BuildIdempotencyKey(action string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(action))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return action + ":" + hex.EncodeToString(h.Sum(nil))[:40]
}

// OutboxEntryFilter represents filter criteria for outbox queries.
type OutboxEntryFilter struct {
	ID             *uint         `json:"id,omitempty"`
	IdempotencyKey *string       `json:"idempotency_key,omitempty"`
	Action         *string       `json:"action,omitempty"`
	Status         *OutboxStatus `json:"status,omitempty"`
	CreatedAfter   *time.Time    `json:"created_after,omitempty"`
	CreatedBefore  *time.Time    `json:"created_before,omitempty"`
}
