package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/citysign/citysign-backend/models"
	"github.com/citysign/citysign-backend/utils"
	"gorm.io/gorm"
)

// AdvertiserRepositoryImpl implements AdvertiserRepository interface.
type AdvertiserRepositoryImpl struct {
	*BaseRepository[models.Advertiser, models.AdvertiserFilter]
}

// NewAdvertiserRepository creates a new advertiser repository.
func NewAdvertiserRepository(db *gorm.DB) AdvertiserRepository {
	return &AdvertiserRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Advertiser, models.AdvertiserFilter](db),
	}
}

// ByUUID retrieves an advertiser by UUID.
func (r *AdvertiserRepositoryImpl) ByUUID(ctx context.Context, uuidStr string) (*models.Advertiser, error) {
	parsed, err := utils.ParseUUID(uuidStr)
	if err != nil {
		return nil, err
	}
	rows, err := r.ByFilter(ctx, models.AdvertiserFilter{UUID: &parsed}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// ByLinkKey retrieves an advertiser by its public link key.
func (r *AdvertiserRepositoryImpl) ByLinkKey(ctx context.Context, linkKey string) (*models.Advertiser, error) {
	rows, err := r.ByFilter(ctx, models.AdvertiserFilter{LinkKey: &linkKey}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// SetCanonicalMedia replaces the canonical media reference in place and
// clears the recorded publish failure. The reference is three columns on
// the advertiser row, so this is a single UPDATE and the at-most-one
// invariant holds structurally.
func (r *AdvertiserRepositoryImpl) SetCanonicalMedia(ctx context.Context, advertiserID uint, mediaID int64, source models.CanonicalMediaSource) error {
	db := r.getDB(ctx)
	res := db.Model(&models.Advertiser{}).
		Where("id = ?", advertiserID).
		Updates(map[string]any{
			"yodeck_media_id":        mediaID,
			"yodeck_media_source":    source.String(),
			"yodeck_media_synced_at": utils.UTCNow(),
			"publish_error_code":     nil,
			"publish_error_message":  nil,
			"publish_failed_at":      nil,
			"updated_at":             utils.UTCNow(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to set canonical media for advertiser %d: %w", advertiserID, res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ClearCanonicalMedia drops the canonical reference.
func (r *AdvertiserRepositoryImpl) ClearCanonicalMedia(ctx context.Context, advertiserID uint) error {
	db := r.getDB(ctx)
	err := db.Model(&models.Advertiser{}).
		Where("id = ?", advertiserID).
		Updates(map[string]any{
			"yodeck_media_id":        nil,
			"yodeck_media_source":    nil,
			"yodeck_media_synced_at": nil,
			"updated_at":             utils.UTCNow(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to clear canonical media for advertiser %d: %w", advertiserID, err)
	}
	return nil
}

// SetPublishFailure records a terminal resolution failure on the advertiser row.
func (r *AdvertiserRepositoryImpl) SetPublishFailure(ctx context.Context, advertiserID uint, code, message string) error {
	db := r.getDB(ctx)
	err := db.Model(&models.Advertiser{}).
		Where("id = ?", advertiserID).
		Updates(map[string]any{
			"publish_error_code":    code,
			"publish_error_message": message,
			"publish_failed_at":     utils.UTCNow(),
			"updated_at":            utils.UTCNow(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record publish failure for advertiser %d: %w", advertiserID, err)
	}
	return nil
}

// applyFilter applies filter criteria to a GORM query.
func (r *AdvertiserRepositoryImpl) applyFilter(query *gorm.DB, filter models.AdvertiserFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.LinkKey != nil {
		query = query.Where("link_key = ?", *filter.LinkKey)
	}
	if filter.HasMedia != nil {
		if *filter.HasMedia {
			query = query.Where("yodeck_media_id IS NOT NULL")
		} else {
			query = query.Where("yodeck_media_id IS NULL")
		}
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	return query
}

// ByFilter retrieves advertisers based on filter criteria.
func (r *AdvertiserRepositoryImpl) ByFilter(ctx context.Context, filter models.AdvertiserFilter, orderBy string, limit, offset int) ([]*models.Advertiser, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.Advertiser{})

	query = r.applyFilter(query, filter)

	if orderBy == "" {
		orderBy = "id DESC"
	}
	query = query.Order(orderBy)

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var rows []*models.Advertiser
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns number of advertisers matching filter.
func (r *AdvertiserRepositoryImpl) Count(ctx context.Context, filter models.AdvertiserFilter) (int64, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.Advertiser{})
	query = r.applyFilter(query, filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any advertiser matches the filter.
func (r *AdvertiserRepositoryImpl) Exists(ctx context.Context, filter models.AdvertiserFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

// ByID retrieves an advertiser by its ID.
func (r *AdvertiserRepositoryImpl) ByID(ctx context.Context, id uint) (*models.Advertiser, error) {
	db := r.getDB(ctx)
	var row models.Advertiser
	if err := db.Last(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}
