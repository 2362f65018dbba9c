package repository

import (
	"context"
	"errors"

	"github.com/citysign/citysign-backend/models"
	"github.com/citysign/citysign-backend/utils"
	"gorm.io/gorm"
)

// AdAssetRepositoryImpl implements AdAssetRepository interface.
type AdAssetRepositoryImpl struct {
	*BaseRepository[models.AdAsset, models.AdAssetFilter]
}

// NewAdAssetRepository creates a new ad asset repository.
func NewAdAssetRepository(db *gorm.DB) AdAssetRepository {
	return &AdAssetRepositoryImpl{
		BaseRepository: NewBaseRepository[models.AdAsset, models.AdAssetFilter](db),
	}
}

// ByID retrieves an ad asset by its ID.
func (r *AdAssetRepositoryImpl) ByID(ctx context.Context, id uint) (*models.AdAsset, error) {
	db := r.getDB(ctx)
	var row models.AdAsset
	if err := db.Last(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ByUUID retrieves an ad asset by UUID.
func (r *AdAssetRepositoryImpl) ByUUID(ctx context.Context, uuidStr string) (*models.AdAsset, error) {
	parsed, err := utils.ParseUUID(uuidStr)
	if err != nil {
		return nil, err
	}
	rows, err := r.ByFilter(ctx, models.AdAssetFilter{UUID: &parsed}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// ByAdvertiserID retrieves ad assets for an advertiser, newest first.
func (r *AdAssetRepositoryImpl) ByAdvertiserID(ctx context.Context, advertiserID uint, limit, offset int) ([]*models.AdAsset, error) {
	return r.ByFilter(ctx, models.AdAssetFilter{AdvertiserID: &advertiserID}, "id DESC", limit, offset)
}

// applyFilter applies filter criteria to a GORM query.
func (r *AdAssetRepositoryImpl) applyFilter(query *gorm.DB, filter models.AdAssetFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		query = query.Where("uuid = ?", *filter.UUID)
	}
	if filter.AdvertiserID != nil {
		query = query.Where("advertiser_id = ?", *filter.AdvertiserID)
	}
	if filter.ApprovalStatus != nil {
		query = query.Where("approval_status = ?", filter.ApprovalStatus.String())
	}
	if filter.ValidationPassed != nil {
		query = query.Where("validation_passed = ?", *filter.ValidationPassed)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	return query
}

// ByFilter retrieves ad assets based on filter criteria.
func (r *AdAssetRepositoryImpl) ByFilter(ctx context.Context, filter models.AdAssetFilter, orderBy string, limit, offset int) ([]*models.AdAsset, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.AdAsset{})

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

	var rows []*models.AdAsset
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns number of ad assets matching filter.
func (r *AdAssetRepositoryImpl) Count(ctx context.Context, filter models.AdAssetFilter) (int64, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.AdAsset{})
	query = r.applyFilter(query, filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any ad asset matches the filter.
func (r *AdAssetRepositoryImpl) Exists(ctx context.Context, filter models.AdAssetFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
