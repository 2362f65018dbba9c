package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/citysign/citysign-backend/models"
	"github.com/citysign/citysign-backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UploadJobRepositoryImpl implements UploadJobRepository interface.
type UploadJobRepositoryImpl struct {
	*BaseRepository[models.UploadJob, models.UploadJobFilter]
}

// NewUploadJobRepository creates a new upload job repository.
func NewUploadJobRepository(db *gorm.DB) UploadJobRepository {
	return &UploadJobRepositoryImpl{
		BaseRepository: NewBaseRepository[models.UploadJob, models.UploadJobFilter](db),
	}
}

// ByID retrieves an upload job by its ID.
func (r *UploadJobRepositoryImpl) ByID(ctx context.Context, id uint) (*models.UploadJob, error) {
	db := r.getDB(ctx)
	var row models.UploadJob
	if err := db.Last(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ByCorrelationID retrieves an upload job by its correlation ID.
func (r *UploadJobRepositoryImpl) ByCorrelationID(ctx context.Context, correlationID uuid.UUID) (*models.UploadJob, error) {
	rows, err := r.ByFilter(ctx, models.UploadJobFilter{CorrelationID: &correlationID}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Update persists the mutable fields of a job row. The status column is
// guarded in SQL so a stale writer can never move a job backwards or out
// of a terminal state.
func (r *UploadJobRepositoryImpl) Update(ctx context.Context, job *models.UploadJob) error {
	if job == nil || job.ID == 0 {
		return fmt.Errorf("upload job must be persisted before update")
	}
	db := r.getDB(ctx)
	job.UpdatedAt = utils.UTCNow()
	res := db.Model(&models.UploadJob{}).
		Where("id = ?", job.ID).
		Where("status NOT IN ?", []string{models.UploadJobReady.String(), models.UploadJobFailed.String()}).
		Updates(map[string]any{
			"status":          job.Status,
			"yodeck_media_id": job.YodeckMediaID,
			"step_responses":  job.StepResponses,
			"poll_attempts":   job.PollAttempts,
			"error_code":      job.ErrorCode,
			"error_details":   job.ErrorDetails,
			"finished_at":     job.FinishedAt,
			"updated_at":      job.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update upload job %d: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("upload job %d is terminal, refusing status change to %s", job.ID, job.Status)
	}
	return nil
}

// applyFilter applies filter criteria to a GORM query.
func (r *UploadJobRepositoryImpl) applyFilter(query *gorm.DB, filter models.UploadJobFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.CorrelationID != nil {
		query = query.Where("correlation_id = ?", *filter.CorrelationID)
	}
	if filter.AssetID != nil {
		query = query.Where("asset_id = ?", *filter.AssetID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", filter.Status.String())
	}
	if filter.ErrorCode != nil {
		query = query.Where("error_code = ?", *filter.ErrorCode)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	return query
}

// ByFilter retrieves upload jobs based on filter criteria.
func (r *UploadJobRepositoryImpl) ByFilter(ctx context.Context, filter models.UploadJobFilter, orderBy string, limit, offset int) ([]*models.UploadJob, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.UploadJob{})

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

	var rows []*models.UploadJob
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns number of upload jobs matching filter.
func (r *UploadJobRepositoryImpl) Count(ctx context.Context, filter models.UploadJobFilter) (int64, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.UploadJob{})
	query = r.applyFilter(query, filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any upload job matches the filter.
func (r *UploadJobRepositoryImpl) Exists(ctx context.Context, filter models.UploadJobFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
