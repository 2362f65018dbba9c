package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/citysign/citysign-backend/models"
	"github.com/citysign/citysign-backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxRepositoryImpl implements OutboxRepository. The unique index on
// idempotency_key plus INSERT ... ON CONFLICT DO NOTHING is the advisory
// lock: exactly one of any number of concurrent claimers for the same key
// gets claimed=true, the rest observe the existing row.
type OutboxRepositoryImpl struct {
	DB *gorm.DB
}

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &OutboxRepositoryImpl{DB: db}
}

func (r *OutboxRepositoryImpl) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(TxContextKey).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return r.DB
}

// ByKey retrieves an outbox entry by its idempotency key.
func (r *OutboxRepositoryImpl) ByKey(ctx context.Context, idempotencyKey string) (*models.OutboxEntry, error) {
	db := r.getDB(ctx)
	var row models.OutboxEntry
	err := db.Where("idempotency_key = ?", idempotencyKey).Last(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find outbox entry by key %s: %w", idempotencyKey, err)
	}
	return &row, nil
}

// Claim inserts a processing entry for the key if none exists. A failed
// row does not block the key: it is atomically flipped back to
// processing so the caller re-runs the action. Only succeeded and
// in-flight processing rows refuse the claim; those are loaded and
// returned instead.
func (r *OutboxRepositoryImpl) Claim(ctx context.Context, entry *models.OutboxEntry) (bool, *models.OutboxEntry, error) {
	if entry == nil || entry.IdempotencyKey == "" {
		return false, nil, fmt.Errorf("outbox entry requires an idempotency key")
	}
	db := r.getDB(ctx)

	entry.Status = models.OutboxProcessing
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(entry)
	if res.Error != nil {
		// Some pooler setups surface the conflict instead of suppressing
		// it; treat that the same as losing the insert race.
		if !IsUniqueViolation(res.Error) {
			return false, nil, fmt.Errorf("failed to claim outbox key %s: %w", entry.IdempotencyKey, res.Error)
		}
		res.RowsAffected = 0
	}
	if res.RowsAffected > 0 {
		return true, entry, nil
	}

	// The key exists. A failed row is a record, not a lock: take it over
	// in one guarded UPDATE so concurrent retriers still get exactly one
	// winner.
	reclaim := db.Model(&models.OutboxEntry{}).
		Where("idempotency_key = ? AND status = ?", entry.IdempotencyKey, models.OutboxFailed.String()).
		Updates(map[string]any{
			"status":     models.OutboxProcessing.String(),
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": utils.UTCNow(),
		})
	if reclaim.Error != nil {
		return false, nil, fmt.Errorf("failed to reclaim outbox key %s: %w", entry.IdempotencyKey, reclaim.Error)
	}

	existing, err := r.ByKey(ctx, entry.IdempotencyKey)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		// Conflict row vanished between insert and read; treat as contention.
		return false, nil, fmt.Errorf("outbox key %s contended", entry.IdempotencyKey)
	}
	return reclaim.RowsAffected > 0, existing, nil
}

// MarkSucceeded finalizes a claimed entry. A succeeded row is permanent
// and is never overwritten afterwards.
func (r *OutboxRepositoryImpl) MarkSucceeded(ctx context.Context, id uint, yodeckID *int64, snapshot []byte, itemCount int) error {
	db := r.getDB(ctx)
	err := db.Model(&models.OutboxEntry{}).
		Where("id = ? AND status = ?", id, models.OutboxProcessing.String()).
		Updates(map[string]any{
			"status":              models.OutboxSucceeded.String(),
			"yodeck_id":           yodeckID,
			"response_snapshot":   snapshot,
			"verified_item_count": itemCount,
			"last_error":          nil,
			"updated_at":          utils.UTCNow(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry %d succeeded: %w", id, err)
	}
	return nil
}

// MarkFailed finalizes a claimed entry with an error code. Succeeded rows
// are excluded by the status guard and stay succeeded.
func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id uint, code string, snapshot []byte) error {
	db := r.getDB(ctx)
	err := db.Model(&models.OutboxEntry{}).
		Where("id = ? AND status = ?", id, models.OutboxProcessing.String()).
		Updates(map[string]any{
			"status":            models.OutboxFailed.String(),
			"response_snapshot": snapshot,
			"last_error":        code,
			"updated_at":        utils.UTCNow(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry %d failed: %w", id, err)
	}
	return nil
}
