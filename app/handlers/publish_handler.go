// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/citysign/citysign-backend/app/dto"
	"github.com/citysign/citysign-backend/app/middleware"
	businessflow "github.com/citysign/citysign-backend/business_flow"
	"github.com/citysign/citysign-backend/models"
	"github.com/citysign/citysign-backend/repository"
	"github.com/citysign/citysign-backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

// PublishHandlerInterface defines the contract for publish handlers.
type PublishHandlerInterface interface {
	Publish(c fiber.Ctx) error
	Resolve(c fiber.Ctx) error
	Rollback(c fiber.Ctx) error
	GetUploadJob(c fiber.Ctx) error
}

// PublishHandler handles publish, resolution and rollback requests.
type PublishHandler struct {
	publish   *businessflow.PublishFlow
	resolver  *businessflow.MediaResolverFlow
	jobs      repository.UploadJobRepository
	validator *validator.Validate
}

// NewPublishHandler creates a new publish handler.
func NewPublishHandler(
	publish *businessflow.PublishFlow,
	resolver *businessflow.MediaResolverFlow,
	jobs repository.UploadJobRepository,
) *PublishHandler {
	return &PublishHandler{
		publish:   publish,
		resolver:  resolver,
		jobs:      jobs,
		validator: validator.New(),
	}
}

func (h *PublishHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *PublishHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Publish resolves an advertiser's canonical media and fans it out to the
// requested targets. Long-running: the full upload and polling budget
// lives inside this request.
func (h *PublishHandler) Publish(c fiber.Ctx) error {
	var req dto.PublishRequest
	if err := c.Bind().Body(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationDetails(err))
	}

	targets := make([]businessflow.PublishTarget, 0, len(req.Targets))
	for _, t := range req.Targets {
		targets = append(targets, businessflow.PublishTarget{
			PlaylistID:   t.PlaylistID,
			PlaylistName: t.PlaylistName,
			DeviceID:     t.DeviceID,
			Duration:     t.Duration,
		})
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/publish", 15*time.Minute)
	defer cancel()
	report, err := h.publish.Publish(ctx, req.AdvertiserUUID, targets, req.RollbackOnPartial)
	if report != nil {
		middleware.MediaResolutionsTotal.WithLabelValues(resolutionLabel(report.Source, err)).Inc()
		for _, tr := range report.Targets {
			middleware.PlaylistAddsTotal.WithLabelValues(string(tr.Outcome)).Inc()
		}
	}
	if err != nil {
		if err == businessflow.ErrAdvertiserNotFound {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Advertiser not found", "ADVERTISER_NOT_FOUND", nil)
		}
		if be := businessflow.AsBusinessError(err); be != nil {
			return h.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Publish failed", be.Code, publishResponse(report))
		}
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Publish failed", "PUBLISH_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Publish completed", publishResponse(report))
}

// Resolve runs canonical media resolution without touching playlists.
func (h *PublishHandler) Resolve(c fiber.Ctx) error {
	var req dto.ResolveRequest
	if err := c.Bind().Body(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationDetails(err))
	}

	ctx, cancel := h.createRequestContext(c, "/api/v1/publish/resolve", 15*time.Minute)
	defer cancel()
	adv, err := h.advertiserByUUID(ctx, req.AdvertiserUUID)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusNotFound, "Advertiser not found", "ADVERTISER_NOT_FOUND", nil)
	}
	result, err := h.resolver.Resolve(ctx, adv)
	if result != nil {
		middleware.MediaResolutionsTotal.WithLabelValues(resolutionLabel(result.Source, err)).Inc()
	}
	resp := dto.ResolveResponse{}
	if result != nil {
		resp.OK = result.OK
		resp.MediaID = result.MediaID
		resp.Source = result.Source.String()
		resp.Diagnostics = result.Diagnostics
	}
	if err != nil {
		if be := businessflow.AsBusinessError(err); be != nil {
			return h.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Resolution failed", be.Code, resp)
		}
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Resolution failed", "RESOLVE_FAILED", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Resolution completed", resp)
}

// Rollback removes a media id from previously succeeded targets.
func (h *PublishHandler) Rollback(c fiber.Ctx) error {
	var req dto.RollbackRequest
	if err := c.Bind().Body(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationDetails(err))
	}

	targets := make([]businessflow.PublishTarget, 0, len(req.Targets))
	for _, t := range req.Targets {
		targets = append(targets, businessflow.PublishTarget{PlaylistID: t.PlaylistID, DeviceID: t.DeviceID})
	}
	ctx, cancel := h.createRequestContext(c, "/api/v1/publish/rollback", 2*time.Minute)
	defer cancel()
	reports := h.publish.Rollback(ctx, req.MediaID, targets)
	return h.SuccessResponse(c, fiber.StatusOK, "Rollback completed", targetResponses(reports))
}

// GetUploadJob returns one job row by correlation id for diagnostics.
func (h *PublishHandler) GetUploadJob(c fiber.Ctx) error {
	correlationID, err := uuid.Parse(c.Params("correlation_id"))
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid correlation id", "INVALID_CORRELATION_ID", nil)
	}
	ctx, cancel := h.createRequestContext(c, "/api/v1/publish/jobs/{correlation_id}", 10*time.Second)
	defer cancel()
	job, err := h.jobs.ByCorrelationID(ctx, correlationID)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load upload job", "JOB_LOOKUP_FAILED", nil)
	}
	if job == nil {
		return h.ErrorResponse(c, fiber.StatusNotFound, "Upload job not found", "JOB_NOT_FOUND", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Upload job", uploadJobResponse(job))
}

// advertiserByUUID is a small indirection kept on the handler so Resolve
// can translate UUIDs without depending on the publish flow.
func (h *PublishHandler) advertiserByUUID(ctx context.Context, advertiserUUID string) (uint, error) {
	return h.resolver.AdvertiserIDByUUID(ctx, advertiserUUID)
}

func (h *PublishHandler) createRequestContext(c fiber.Ctx, endpoint string, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	ctx = context.WithValue(ctx, utils.TimeoutKey, timeout)
	return ctx, cancel
}

func validationDetails(err error) []string {
	var details []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			details = append(details, getValidationErrorMessage(fe))
		}
	}
	return details
}

func resolutionLabel(source models.CanonicalMediaSource, err error) string {
	if err != nil {
		return "exhausted"
	}
	return source.String()
}

func publishResponse(report *businessflow.PublishReport) *dto.PublishResponse {
	if report == nil {
		return nil
	}
	return &dto.PublishResponse{
		AdvertiserUUID: report.AdvertiserUUID,
		MediaID:        report.MediaID,
		Source:         report.Source.String(),
		Targets:        targetResponses(report.Targets),
		RolledBack:     report.RolledBack,
		Diagnostics:    report.Diagnostics,
	}
}

func targetResponses(reports []businessflow.TargetReport) []dto.TargetReportResponse {
	out := make([]dto.TargetReportResponse, 0, len(reports))
	for _, tr := range reports {
		out = append(out, dto.TargetReportResponse{
			PlaylistID: tr.Target.PlaylistID,
			DeviceID:   tr.Target.DeviceID,
			Outcome:    string(tr.Outcome),
			ErrorCode:  tr.ErrorCode,
			Message:    tr.Message,
		})
	}
	return out
}

func uploadJobResponse(job *models.UploadJob) *dto.UploadJobResponse {
	resp := &dto.UploadJobResponse{
		CorrelationID: job.CorrelationID.String(),
		AssetID:       job.AssetID,
		DesiredName:   job.DesiredName,
		Status:        job.Status.String(),
		YodeckMediaID: job.YodeckMediaID,
		PollAttempts:  job.PollAttempts,
		ErrorCode:     job.ErrorCode,
		ErrorDetails:  job.ErrorDetails,
		StartedAt:     job.StartedAt.UTC().Format(time.RFC3339),
	}
	if job.FinishedAt != nil {
		finished := job.FinishedAt.UTC().Format(time.RFC3339)
		resp.FinishedAt = &finished
	}
	if len(job.StepResponses) > 0 {
		var steps map[string]any
		if err := json.Unmarshal(job.StepResponses, &steps); err == nil {
			resp.StepResponses = steps
		}
	}
	return resp
}
