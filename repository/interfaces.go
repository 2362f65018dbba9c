// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"

	"github.com/citysign/citysign-backend/models"
	"github.com/google/uuid"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// AdvertiserRepository defines operations for advertisers
type AdvertiserRepository interface {
	Repository[models.Advertiser, models.AdvertiserFilter]
	ByUUID(ctx context.Context, uuid string) (*models.Advertiser, error)
	ByLinkKey(ctx context.Context, linkKey string) (*models.Advertiser, error)
	// SetCanonicalMedia replaces the canonical media reference and clears
	// any recorded publish failure. Last writer wins.
	SetCanonicalMedia(ctx context.Context, advertiserID uint, mediaID int64, source models.CanonicalMediaSource) error
	// ClearCanonicalMedia drops the reference (remote record vanished or
	// turned invalid).
	ClearCanonicalMedia(ctx context.Context, advertiserID uint) error
	// SetPublishFailure records a terminal resolution failure on the row.
	SetPublishFailure(ctx context.Context, advertiserID uint, code, message string) error
}

// AdAssetRepository defines operations for ad assets
type AdAssetRepository interface {
	Repository[models.AdAsset, models.AdAssetFilter]
	ByUUID(ctx context.Context, uuid string) (*models.AdAsset, error)
	ByAdvertiserID(ctx context.Context, advertiserID uint, limit, offset int) ([]*models.AdAsset, error)
}

// UploadJobRepository defines operations for upload jobs
type UploadJobRepository interface {
	Repository[models.UploadJob, models.UploadJobFilter]
	ByCorrelationID(ctx context.Context, correlationID uuid.UUID) (*models.UploadJob, error)
	// Update persists the current state of a job row (status, snapshots,
	// error fields). Jobs are append-only in spirit: rows never get
	// deleted, and Update must never regress Status.
	Update(ctx context.Context, job *models.UploadJob) error
}

// OutboxRepository defines operations for outbox entries
type OutboxRepository interface {
	ByKey(ctx context.Context, idempotencyKey string) (*models.OutboxEntry, error)
	// Claim inserts a processing entry for the key if none exists, or
	// takes over a failed entry for a retry. claimed=true means this
	// caller owns the action; claimed=false returns the pre-existing
	// succeeded or processing entry (the advisory-lock case).
	Claim(ctx context.Context, entry *models.OutboxEntry) (claimed bool, existing *models.OutboxEntry, err error)
	MarkSucceeded(ctx context.Context, id uint, yodeckID *int64, snapshot []byte, itemCount int) error
	MarkFailed(ctx context.Context, id uint, code string, snapshot []byte) error
}
