package businessflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/citysign/citysign-backend/app/services"
	"github.com/citysign/citysign-backend/config"
	"github.com/citysign/citysign-backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUploadFlow(yodeck *fakeYodeck, jobs *fakeJobs, store *fakeStore) *UploadFlow {
	flow := NewUploadFlow(jobs, yodeck, store, config.PublisherConfig{
		UploadPollTimeout:   30 * time.Second,
		MaxZeroSizeAttempts: 3,
	})
	flow.sleep = noSleep
	return flow
}

func testAsset() *models.AdAsset {
	return &models.AdAsset{
		ID:               5,
		AdvertiserID:     1,
		OriginalFilename: "spot.mp4",
		StoredPath:       "adv/1/spot.mp4",
		MimeType:         "video/mp4",
		Extension:        ".mp4",
	}
}

func testStore() *fakeStore {
	return &fakeStore{files: map[string][]byte{
		"adv/1/spot.mp4": []byte("not really an mp4 but bytes enough"),
	}}
}

// wireHappyUpload configures the fake for a full successful run: create
// hands back an endpoint, the endpoint yields a presigned URL, and the
// media record is ready with a positive size from the first fetch.
func wireHappyUpload(yodeck *fakeYodeck, mediaID int64) {
	yodeck.createMediaFn = func(name string) (map[string]any, int, error) {
		return map[string]any{
			"id":              float64(mediaID),
			"name":            name,
			"upload_endpoint": "/media/77/upload-url/",
		}, 201, nil
	}
	yodeck.fetchUploadURLFn = func(endpoint string) (map[string]any, int, error) {
		return map[string]any{"upload_url": "https://bucket.s3.amazonaws.com/key?sig=abc"}, 200, nil
	}
	yodeck.getMediaFn = func(id int64) (*services.MediaRecord, int, error) {
		return &services.MediaRecord{
			ID:        id,
			Status:    "finished",
			SizeBytes: 1024,
			Raw:       map[string]any{"id": float64(id), "status": "finished", "size": float64(1024)},
		}, 200, nil
	}
}

func TestUpload_HappyPathPersistsEveryStep(t *testing.T) {
	yodeck := newFakeYodeck()
	wireHappyUpload(yodeck, 77)
	jobs := newFakeJobs()
	flow := newTestUploadFlow(yodeck, jobs, testStore())

	job, err := flow.Upload(context.Background(), testAsset(), "ad-acme-spot")
	require.NoError(t, err)
	assert.Equal(t, models.UploadJobReady, job.Status)
	require.NotNil(t, job.YodeckMediaID)
	assert.Equal(t, int64(77), *job.YodeckMediaID)
	assert.NotNil(t, job.FinishedAt)
	assert.Nil(t, job.ErrorCode)

	// verify-exists, one winning poll, final verification.
	assert.Equal(t, 3, yodeck.callCount("GetMedia"))

	stored, err := jobs.ByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.UploadJobReady, stored.Status)

	var steps map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(stored.StepResponses, &steps))
	for _, key := range []string{"create", "upload_target", "put", "finalize", "verify_exists", "poll", "final_verify"} {
		assert.Contains(t, steps, key)
	}
}

func TestUpload_LiteralStorageURLSkipsEndpointHop(t *testing.T) {
	yodeck := newFakeYodeck()
	wireHappyUpload(yodeck, 77)
	yodeck.createMediaFn = func(name string) (map[string]any, int, error) {
		return map[string]any{
			"id":         float64(77),
			"upload_url": "https://bucket.s3.amazonaws.com/direct?sig=abc",
		}, 201, nil
	}
	jobs := newFakeJobs()
	flow := newTestUploadFlow(yodeck, jobs, testStore())

	_, err := flow.Upload(context.Background(), testAsset(), "ad-acme-spot")
	require.NoError(t, err)
	assert.Equal(t, 0, yodeck.callCount("FetchUploadURL"))
}

func TestUpload_CreateRejectedCarriesStatusInCode(t *testing.T) {
	yodeck := newFakeYodeck()
	yodeck.createMediaFn = func(name string) (map[string]any, int, error) {
		return map[string]any{"detail": "name too long"}, 422, nil
	}
	jobs := newFakeJobs()
	flow := newTestUploadFlow(yodeck, jobs, testStore())

	job, err := flow.Upload(context.Background(), testAsset(), "ad-acme-spot")
	require.Error(t, err)
	assert.Equal(t, "CREATE_FAILED_422", ErrorCodeOf(err))
	assert.Equal(t, models.UploadJobFailed, job.Status)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, "CREATE_FAILED_422", *job.ErrorCode)
	assert.NotNil(t, job.FinishedAt)
}

func TestUpload_CreateWithoutMediaIDFails(t *testing.T) {
	yodeck := newFakeYodeck()
	yodeck.createMediaFn = func(name string) (map[string]any, int, error) {
		return map[string]any{"name": name}, 201, nil
	}
	flow := newTestUploadFlow(yodeck, newFakeJobs(), testStore())

	_, err := flow.Upload(context.Background(), testAsset(), "ad-acme-spot")
	require.Error(t, err)
	assert.Equal(t, CodeCreateNoMediaID, ErrorCodeOf(err))
}

func TestUpload_NoUploadTargetAtAllFails(t *testing.T) {
	yodeck := newFakeYodeck()
	yodeck.createMediaFn = func(name string) (map[string]any, int, error) {
		return map[string]any{"id": float64(77)}, 201, nil
	}
	jobs := newFakeJobs()
	flow := newTestUploadFlow(yodeck, jobs, testStore())

	job, err := flow.Upload(context.Background(), testAsset(), "ad-acme-spot")
	require.Error(t, err)
	assert.Equal(t, CodeNoUploadURLEndpoint, ErrorCodeOf(err))
	// The placeholder id survives on the failed row for cleanup.
	require.NotNil(t, job.YodeckMediaID)
	assert.Equal(t, int64(77), *job.YodeckMediaID)
}

func TestUpload_EmptyFileRefusedBeforeAnyPut(t *testing.T) {
	yodeck := newFakeYodeck()
	wireHappyUpload(yodeck, 77)
	store := &fakeStore{files: map[string][]byte{"adv/1/spot.mp4": {}}}
	flow := newTestUploadFlow(yodeck, newFakeJobs(), store)

	_, err := flow.Upload(context.Background(), testAsset(), "ad-acme-spot")
	require.Error(t, err)
	assert.Equal(t, CodePutEmptyFile, ErrorCodeOf(err))
	assert.Equal(t, 0, yodeck.callCount("PutBytes"))
}

func TestUpload_PutRejectedCarriesStatusInCode(t *testing.T) {
	yodeck := newFakeYodeck()
	wireHappyUpload(yodeck, 77)
	yodeck.putBytesFn = func(url string, data []byte) (*services.PutResult, error) {
		return &services.PutResult{StatusCode: 403}, nil
	}
	flow := newTestUploadFlow(yodeck, newFakeJobs(), testStore())

	_, err := flow.Upload(context.Background(), testAsset(), "ad-acme-spot")
	require.Error(t, err)
	assert.Equal(t, "PUT_FAILED_403", ErrorCodeOf(err))
}

func TestUpload_MediaVanishingAfterPutIsTerminal(t *testing.T) {
	yodeck := newFakeYodeck()
	wireHappyUpload(yodeck, 77)
	yodeck.getMediaFn = func(id int64) (*services.MediaRecord, int, error) {
		return nil, 404, nil
	}
	jobs := newFakeJobs()
	flow := newTestUploadFlow(yodeck, jobs, testStore())

	job, err := flow.Upload(context.Background(), testAsset(), "ad-acme-spot")
	require.Error(t, err)
	assert.Equal(t, CodeVerify404, ErrorCodeOf(err))
	assert.Equal(t, models.UploadJobFailed, job.Status)
}

func TestUpload_ZeroSizeInitializingAbortsEarly(t *testing.T) {
	yodeck := newFakeYodeck()
	wireHappyUpload(yodeck, 77)
	yodeck.getMediaFn = func(id int64) (*services.MediaRecord, int, error) {
		return &services.MediaRecord{ID: id, Status: "initializing"}, 200, nil
	}
	flow := newTestUploadFlow(yodeck, newFakeJobs(), testStore())

	job, err := flow.Upload(context.Background(), testAsset(), "ad-acme-spot")
	require.Error(t, err)
	assert.Equal(t, CodeInitStuck, ErrorCodeOf(err))
	// MaxZeroSizeAttempts poll fetches, each zero-size.
	assert.Equal(t, 3, job.PollAttempts)
}

func TestUpload_RemoteFailureStatusSurfacesVocabularyCode(t *testing.T) {
	yodeck := newFakeYodeck()
	wireHappyUpload(yodeck, 77)
	yodeck.getMediaFn = func(id int64) (*services.MediaRecord, int, error) {
		return &services.MediaRecord{ID: id, Status: "failed", ErrorMessage: "unsupported codec"}, 200, nil
	}
	flow := newTestUploadFlow(yodeck, newFakeJobs(), testStore())

	_, err := flow.Upload(context.Background(), testAsset(), "ad-acme-spot")
	require.Error(t, err)
	assert.Equal(t, "YODECK_STATUS_FAILED", ErrorCodeOf(err))
	assert.True(t, IsMediaFailed(err))
}

func TestUpload_PollBudgetExhaustionTimesOut(t *testing.T) {
	yodeck := newFakeYodeck()
	wireHappyUpload(yodeck, 77)
	// A status outside every vocabulary never converges.
	yodeck.getMediaFn = func(id int64) (*services.MediaRecord, int, error) {
		return &services.MediaRecord{ID: id, Status: "mystery"}, 200, nil
	}
	jobs := newFakeJobs()
	flow := NewUploadFlow(jobs, yodeck, testStore(), config.PublisherConfig{
		UploadPollTimeout:   0,
		MaxZeroSizeAttempts: 5,
	})
	flow.sleep = noSleep

	_, err := flow.Upload(context.Background(), testAsset(), "ad-acme-spot")
	require.Error(t, err)
	assert.Equal(t, CodePollTimeout, ErrorCodeOf(err))
}

func TestUpload_FailedRowIsPersistedWithCode(t *testing.T) {
	yodeck := newFakeYodeck()
	yodeck.createMediaFn = func(name string) (map[string]any, int, error) {
		return nil, 500, nil
	}
	jobs := newFakeJobs()
	flow := newTestUploadFlow(yodeck, jobs, testStore())

	job, err := flow.Upload(context.Background(), testAsset(), "ad-acme-spot")
	require.Error(t, err)

	stored, err := jobs.ByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.UploadJobFailed, stored.Status)
	require.NotNil(t, stored.ErrorCode)
	assert.Equal(t, "CREATE_FAILED_500", *stored.ErrorCode)
	require.NotNil(t, stored.ErrorDetails)
	assert.NotEmpty(t, *stored.ErrorDetails)
}
