package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/citysign/citysign-backend/app/middleware"
	"github.com/citysign/citysign-backend/app/services"
	"github.com/citysign/citysign-backend/config"
	"github.com/citysign/citysign-backend/models"
	"github.com/citysign/citysign-backend/repository"
	"github.com/citysign/citysign-backend/utils"
)

// UploadFlow drives one asset upload through the remote platform:
// create, resolve upload target, put bytes, best-effort finalize,
// verify-exists, poll until ready, final verification. The UploadJob row
// is persisted after every step so the row alone diagnoses any failure.
type UploadFlow struct {
	jobs   repository.UploadJobRepository
	yodeck services.YodeckAPI
	store  AssetStore
	cfg    config.PublisherConfig
	sleep  sleepFunc
}

// NewUploadFlow creates a new upload flow.
func NewUploadFlow(
	jobs repository.UploadJobRepository,
	yodeck services.YodeckAPI,
	store AssetStore,
	cfg config.PublisherConfig,
) *UploadFlow {
	return &UploadFlow{
		jobs:   jobs,
		yodeck: yodeck,
		store:  store,
		cfg:    cfg,
		sleep:  ctxSleep,
	}
}

// verifyExistsDelay gives the platform a moment to register the upload
// before the first existence check.
const verifyExistsDelay = 2 * time.Second

// Upload runs the full step sequence for one asset and returns the
// finished job row. On failure the returned job carries the error code
// and snapshots; the error wraps the same code.
func (f *UploadFlow) Upload(ctx context.Context, asset *models.AdAsset, desiredName string) (*models.UploadJob, error) {
	job := &models.UploadJob{
		AssetID:     asset.ID,
		DesiredName: desiredName,
		Status:      models.UploadJobQueued,
		StartedAt:   utils.UTCNow(),
	}
	if err := f.jobs.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create upload job: %w", err)
	}
	steps := map[string]any{}

	// Step 1: create the remote placeholder with only the required name.
	createRaw, createStatus, err := f.yodeck.CreateMedia(ctx, desiredName)
	steps["create"] = stepSnapshot(createStatus, createRaw, err)
	if err != nil {
		return job, f.fail(ctx, job, steps, CreateFailedCode(0), "create request failed", err)
	}
	if createStatus < 200 || createStatus >= 300 {
		return job, f.fail(ctx, job, steps, CreateFailedCode(createStatus),
			fmt.Sprintf("create rejected with status %d", createStatus), nil)
	}
	created := services.NormalizeMedia(createRaw)
	if created == nil || created.ID == 0 {
		return job, f.fail(ctx, job, steps, CodeCreateNoMediaID, "create response lacks a media id", nil)
	}
	job.YodeckMediaID = &created.ID
	f.advance(ctx, job, models.UploadJobCreated, steps)

	// Step 2: resolve the presigned upload URL.
	uploadURL, err := f.resolveUploadTarget(ctx, createRaw, steps)
	if err != nil {
		be := AsBusinessError(err)
		return job, f.fail(ctx, job, steps, be.Code, be.Message, be.Err)
	}

	// Step 3: put the bytes.
	data, err := f.store.Read(ctx, asset.UploadPath())
	if err != nil {
		return job, f.fail(ctx, job, steps, CodePutException, "failed to read asset bytes", err)
	}
	if len(data) == 0 {
		return job, f.fail(ctx, job, steps, CodePutEmptyFile, "asset file is empty, refusing upload", nil)
	}
	if f.cfg.MaxUploadBytes > 0 && int64(len(data)) > f.cfg.MaxUploadBytes {
		return job, f.fail(ctx, job, steps, CodeAssetNotPublishable,
			fmt.Sprintf("asset is %d bytes, over the %d byte limit", len(data), f.cfg.MaxUploadBytes), nil)
	}
	put, err := f.yodeck.PutBytes(ctx, uploadURL, data)
	steps["put"] = put
	if err != nil {
		return job, f.fail(ctx, job, steps, CodePutException, "binary upload failed in transport", err)
	}
	if !put.OK() {
		return job, f.fail(ctx, job, steps, PutFailedCode(put.StatusCode),
			fmt.Sprintf("binary upload rejected with status %d", put.StatusCode), nil)
	}
	f.advance(ctx, job, models.UploadJobUploaded, steps)

	// Step 4: best-effort finalize. All probes answering 404/405 means
	// the platform finalizes on its own; only verification decides.
	finalize, ferr := f.yodeck.ProbeFinalize(ctx, created.ID)
	outcome := "not_required"
	if finalize != nil && finalize.Accepted {
		outcome = "accepted"
	}
	steps["finalize"] = map[string]any{"outcome": outcome, "result": finalize}
	if ferr != nil {
		log.Printf("upload job %d: finalize probe error ignored: %v", job.ID, ferr)
	}
	f.advance(ctx, job, models.UploadJobFinalizeAttempted, steps)

	// Step 5: the platform may silently discard an upload; a 404 here is
	// terminal, not transient.
	if err := f.sleep(ctx, verifyExistsDelay); err != nil {
		return job, f.fail(ctx, job, steps, CodePutException, "cancelled before verification", err)
	}
	rec, status, err := f.yodeck.GetMedia(ctx, created.ID)
	steps["verify_exists"] = stepSnapshot(status, rawOf(rec), err)
	if err != nil {
		return job, f.fail(ctx, job, steps, CodeVerifyInvalid, "existence check failed in transport", err)
	}
	if status == 404 {
		return job, f.fail(ctx, job, steps, CodeVerify404, "media vanished right after upload", nil)
	}
	if rec == nil || rec.ID == 0 {
		return job, f.fail(ctx, job, steps, CodeVerifyInvalid, "existence check returned no media id", nil)
	}
	f.advance(ctx, job, models.UploadJobVerifiedExists, steps)

	// Step 6: poll until the ready vocabulary plus a positive size.
	job.Status = models.UploadJobPolling
	final, attempts, err := pollMediaUntilReady(ctx, f.yodeck, f.sleep, created.ID,
		f.cfg.UploadPollTimeout, f.cfg.MaxZeroSizeAttempts,
		func(attempt int, rec *services.MediaRecord) {
			job.PollAttempts = attempt
			steps["poll"] = map[string]any{"attempts": attempt, "last": rawOf(rec)}
			f.persist(ctx, job, steps)
		})
	if err != nil {
		if be := AsBusinessError(err); be != nil {
			return job, f.fail(ctx, job, steps, be.Code, be.Message, be.Err)
		}
		return job, f.fail(ctx, job, steps, CodePollTimeout, "polling aborted", err)
	}
	job.PollAttempts = attempts
	steps["poll"] = map[string]any{"attempts": attempts, "last": rawOf(final)}

	// Step 7: one last existence check guards against eviction between
	// the winning poll and this return.
	rec, status, err = f.yodeck.GetMedia(ctx, created.ID)
	steps["final_verify"] = stepSnapshot(status, rawOf(rec), err)
	if err != nil || status == 404 || rec == nil || rec.ID == 0 {
		return job, f.fail(ctx, job, steps, CodeVerify404, "media vanished after becoming ready", err)
	}

	job.FinishedAt = utils.UTCNowPtr()
	f.advance(ctx, job, models.UploadJobReady, steps)
	middleware.UploadJobsTotal.WithLabelValues(models.UploadJobReady.String()).Inc()
	return job, nil
}

// resolveUploadTarget turns the create response into a usable presigned
// URL: a literal storage-style URL is taken directly, anything else goes
// through the secondary upload-URL endpoint.
func (f *UploadFlow) resolveUploadTarget(ctx context.Context, createRaw map[string]any, steps map[string]any) (string, error) {
	literal, endpoint := services.UploadTargetFromCreate(createRaw)
	if literal != "" && services.IsStorageURL(literal) {
		steps["upload_target"] = map[string]any{"mode": "literal", "url_host_ok": true}
		return literal, nil
	}
	if endpoint == "" {
		return "", NewBusinessError(CodeNoUploadURLEndpoint, "create response carries neither a storage URL nor an upload endpoint")
	}
	raw, status, err := f.yodeck.FetchUploadURL(ctx, endpoint)
	steps["upload_target"] = stepSnapshot(status, raw, err)
	if err != nil {
		return "", NewBusinessError(GetUploadURLFailedCode(0), "upload-URL fetch failed in transport", err)
	}
	if status < 200 || status >= 300 {
		return "", NewBusinessErrorf(GetUploadURLFailedCode(status), "upload-URL fetch rejected with status %d", status)
	}
	url := services.ExtractUploadURL(raw)
	if url == "" {
		return "", NewBusinessError(CodeNoPresignedURL, "upload-URL response carries no presigned URL")
	}
	if !services.IsUsableUploadURL(url) {
		return "", NewBusinessErrorf(CodeInvalidPresignedURL, "presigned URL is not absolute http(s): %s", utils.TruncateString(url, 80))
	}
	return url, nil
}

// advance moves the job forward and persists it. Transition violations
// are programming errors; they are logged, not silently dropped.
func (f *UploadFlow) advance(ctx context.Context, job *models.UploadJob, next models.UploadJobStatus, steps map[string]any) {
	if !job.Status.CanTransitionTo(next) {
		log.Printf("upload job %d: refusing transition %s -> %s", job.ID, job.Status, next)
		return
	}
	job.Status = next
	f.persist(ctx, job, steps)
}

// fail records the terminal failure on the job row before returning the
// business error.
func (f *UploadFlow) fail(ctx context.Context, job *models.UploadJob, steps map[string]any, code, message string, cause error) error {
	job.Status = models.UploadJobFailed
	job.ErrorCode = utils.ToPtr(code)
	detail := message
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", message, cause)
	}
	job.ErrorDetails = utils.ToPtr(detail)
	job.FinishedAt = utils.UTCNowPtr()
	f.persist(ctx, job, steps)
	middleware.UploadJobsTotal.WithLabelValues(models.UploadJobFailed.String()).Inc()
	return NewBusinessError(code, message, cause)
}

func (f *UploadFlow) persist(ctx context.Context, job *models.UploadJob, steps map[string]any) {
	if data, err := json.Marshal(steps); err == nil {
		job.StepResponses = data
	}
	if err := f.jobs.Update(ctx, job); err != nil {
		log.Printf("upload job %d: persist failed: %v", job.ID, err)
	}
}

func stepSnapshot(status int, raw map[string]any, err error) map[string]any {
	snap := map[string]any{"status": status}
	if raw != nil {
		snap["response"] = raw
	}
	if err != nil {
		snap["error"] = err.Error()
	}
	return snap
}

func rawOf(rec *services.MediaRecord) map[string]any {
	if rec == nil {
		return nil
	}
	return rec.Raw
}
