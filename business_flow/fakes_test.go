package businessflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/citysign/citysign-backend/app/services"
	"github.com/citysign/citysign-backend/models"
	"github.com/google/uuid"
)

// noSleep makes poll loops run instantly in tests.
func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// fakeYodeck implements services.YodeckAPI with overridable hooks. Every
// call is counted so tests can assert mutation counts.
type fakeYodeck struct {
	mu    sync.Mutex
	calls map[string]int

	createMediaFn          func(name string) (map[string]any, int, error)
	getMediaFn             func(id int64) (*services.MediaRecord, int, error)
	deleteMediaFn          func(id int64) error
	searchMediaFn          func(term string) ([]*services.MediaRecord, error)
	fetchUploadURLFn       func(endpoint string) (map[string]any, int, error)
	putBytesFn             func(url string, data []byte) (*services.PutResult, error)
	probeFinalizeFn        func(mediaID int64) (*services.FinalizeOutcome, error)
	createMediaFromURLFn   func(name, sourceURL string) (map[string]any, int, error)
	getPlaylistFn          func(id int64) (*services.Playlist, int, error)
	replacePlaylistItemsFn func(id int64, items []services.PlaylistItem) (int, map[string]any, error)
	findPlaylistByNameFn   func(name string) (*services.Playlist, error)
	patchDeviceFn          func(deviceID, playlistID int64) error
}

func newFakeYodeck() *fakeYodeck {
	return &fakeYodeck{calls: map[string]int{}}
}

func (f *fakeYodeck) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeYodeck) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeYodeck) CreateMedia(_ context.Context, name string) (map[string]any, int, error) {
	f.count("CreateMedia")
	if f.createMediaFn == nil {
		return nil, 500, nil
	}
	return f.createMediaFn(name)
}

func (f *fakeYodeck) GetMedia(_ context.Context, id int64) (*services.MediaRecord, int, error) {
	f.count("GetMedia")
	if f.getMediaFn == nil {
		return nil, 404, nil
	}
	return f.getMediaFn(id)
}

func (f *fakeYodeck) DeleteMedia(_ context.Context, id int64) error {
	f.count("DeleteMedia")
	if f.deleteMediaFn == nil {
		return nil
	}
	return f.deleteMediaFn(id)
}

func (f *fakeYodeck) SearchMedia(_ context.Context, term string) ([]*services.MediaRecord, error) {
	f.count("SearchMedia")
	if f.searchMediaFn == nil {
		return nil, nil
	}
	return f.searchMediaFn(term)
}

func (f *fakeYodeck) FetchUploadURL(_ context.Context, endpoint string) (map[string]any, int, error) {
	f.count("FetchUploadURL")
	if f.fetchUploadURLFn == nil {
		return nil, 500, nil
	}
	return f.fetchUploadURLFn(endpoint)
}

func (f *fakeYodeck) PutBytes(_ context.Context, url string, data []byte) (*services.PutResult, error) {
	f.count("PutBytes")
	if f.putBytesFn == nil {
		return &services.PutResult{StatusCode: 200}, nil
	}
	return f.putBytesFn(url, data)
}

func (f *fakeYodeck) ProbeFinalize(_ context.Context, mediaID int64) (*services.FinalizeOutcome, error) {
	f.count("ProbeFinalize")
	if f.probeFinalizeFn == nil {
		return &services.FinalizeOutcome{}, nil
	}
	return f.probeFinalizeFn(mediaID)
}

func (f *fakeYodeck) CreateMediaFromURL(_ context.Context, name, sourceURL string) (map[string]any, int, error) {
	f.count("CreateMediaFromURL")
	if f.createMediaFromURLFn == nil {
		return nil, 500, nil
	}
	return f.createMediaFromURLFn(name, sourceURL)
}

func (f *fakeYodeck) GetPlaylist(_ context.Context, id int64) (*services.Playlist, int, error) {
	f.count("GetPlaylist")
	if f.getPlaylistFn == nil {
		return nil, 404, nil
	}
	return f.getPlaylistFn(id)
}

func (f *fakeYodeck) ReplacePlaylistItems(_ context.Context, id int64, items []services.PlaylistItem) (int, map[string]any, error) {
	f.count("ReplacePlaylistItems")
	if f.replacePlaylistItemsFn == nil {
		return 500, nil, nil
	}
	return f.replacePlaylistItemsFn(id, items)
}

func (f *fakeYodeck) FindPlaylistByName(_ context.Context, name string) (*services.Playlist, error) {
	f.count("FindPlaylistByName")
	if f.findPlaylistByNameFn == nil {
		return nil, nil
	}
	return f.findPlaylistByNameFn(name)
}

func (f *fakeYodeck) PatchDeviceContentSource(_ context.Context, deviceID, playlistID int64) error {
	f.count("PatchDeviceContentSource")
	if f.patchDeviceFn == nil {
		return nil
	}
	return f.patchDeviceFn(deviceID, playlistID)
}

// fakeOutbox is an in-memory OutboxRepository with real claim semantics.
type fakeOutbox struct {
	mu      sync.Mutex
	nextID  uint
	entries map[string]*models.OutboxEntry
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{entries: map[string]*models.OutboxEntry{}}
}

func (f *fakeOutbox) ByKey(_ context.Context, key string) (*models.OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[key]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeOutbox) Claim(_ context.Context, entry *models.OutboxEntry) (bool, *models.OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.entries[entry.IdempotencyKey]; ok {
		// A failed row is re-claimable; succeeded and processing refuse.
		if existing.Status == models.OutboxFailed {
			existing.Status = models.OutboxProcessing
			existing.Attempts++
			cp := *existing
			return true, &cp, nil
		}
		cp := *existing
		return false, &cp, nil
	}
	f.nextID++
	entry.ID = f.nextID
	entry.Status = models.OutboxProcessing
	entry.Attempts = 1
	cp := *entry
	f.entries[entry.IdempotencyKey] = &cp
	return true, entry, nil
}

func (f *fakeOutbox) MarkSucceeded(_ context.Context, id uint, yodeckID *int64, snapshot []byte, itemCount int) error {
	return f.mark(id, models.OutboxSucceeded, "", snapshot, &itemCount, yodeckID)
}

func (f *fakeOutbox) MarkFailed(_ context.Context, id uint, code string, snapshot []byte) error {
	return f.mark(id, models.OutboxFailed, code, snapshot, nil, nil)
}

func (f *fakeOutbox) mark(id uint, status models.OutboxStatus, code string, snapshot []byte, itemCount *int, yodeckID *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID != id {
			continue
		}
		if e.Status != models.OutboxProcessing {
			return fmt.Errorf("entry %d is %s, not processing", id, e.Status)
		}
		e.Status = status
		e.ResponseSnapshot = snapshot
		e.VerifiedItemCount = itemCount
		if yodeckID != nil {
			e.YodeckID = yodeckID
		}
		if code != "" {
			e.LastError = &code
		}
		return nil
	}
	return fmt.Errorf("entry %d not found", id)
}

// fakeJobs is an in-memory UploadJobRepository.
type fakeJobs struct {
	mu     sync.Mutex
	nextID uint
	rows   map[uint]*models.UploadJob
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{rows: map[uint]*models.UploadJob{}}
}

func (f *fakeJobs) ByID(_ context.Context, id uint) (*models.UploadJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[id]; ok {
		cp := *row
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeJobs) ByFilter(_ context.Context, filter models.UploadJobFilter, _ string, _, _ int) ([]*models.UploadJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.UploadJob
	for _, row := range f.rows {
		if filter.CorrelationID != nil && row.CorrelationID != *filter.CorrelationID {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeJobs) Save(_ context.Context, job *models.UploadJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	job.ID = f.nextID
	if job.CorrelationID == uuid.Nil {
		job.CorrelationID = uuid.New()
	}
	cp := *job
	f.rows[job.ID] = &cp
	return nil
}

func (f *fakeJobs) SaveBatch(ctx context.Context, jobs []*models.UploadJob) error {
	for _, j := range jobs {
		if err := f.Save(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeJobs) Count(ctx context.Context, filter models.UploadJobFilter) (int64, error) {
	rows, err := f.ByFilter(ctx, filter, "", 0, 0)
	return int64(len(rows)), err
}

func (f *fakeJobs) Exists(ctx context.Context, filter models.UploadJobFilter) (bool, error) {
	c, err := f.Count(ctx, filter)
	return c > 0, err
}

func (f *fakeJobs) ByCorrelationID(ctx context.Context, correlationID uuid.UUID) (*models.UploadJob, error) {
	rows, err := f.ByFilter(ctx, models.UploadJobFilter{CorrelationID: &correlationID}, "", 0, 0)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (f *fakeJobs) Update(_ context.Context, job *models.UploadJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.rows[job.ID]
	if !ok {
		return fmt.Errorf("job %d not found", job.ID)
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("upload job %d is terminal, refusing status change to %s", job.ID, job.Status)
	}
	cp := *job
	f.rows[job.ID] = &cp
	return nil
}

// fakeAdvertisers is an in-memory AdvertiserRepository.
type fakeAdvertisers struct {
	mu   sync.Mutex
	rows map[uint]*models.Advertiser
}

func newFakeAdvertisers(rows ...*models.Advertiser) *fakeAdvertisers {
	f := &fakeAdvertisers{rows: map[uint]*models.Advertiser{}}
	for _, r := range rows {
		cp := *r
		f.rows[r.ID] = &cp
	}
	return f
}

func (f *fakeAdvertisers) ByID(_ context.Context, id uint) (*models.Advertiser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeAdvertisers) ByFilter(_ context.Context, _ models.AdvertiserFilter, _ string, _, _ int) ([]*models.Advertiser, error) {
	return nil, nil
}

func (f *fakeAdvertisers) Save(_ context.Context, adv *models.Advertiser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *adv
	f.rows[adv.ID] = &cp
	return nil
}

func (f *fakeAdvertisers) SaveBatch(ctx context.Context, advs []*models.Advertiser) error {
	for _, a := range advs {
		if err := f.Save(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAdvertisers) Count(_ context.Context, _ models.AdvertiserFilter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), nil
}

func (f *fakeAdvertisers) Exists(ctx context.Context, filter models.AdvertiserFilter) (bool, error) {
	c, err := f.Count(ctx, filter)
	return c > 0, err
}

func (f *fakeAdvertisers) ByUUID(_ context.Context, id string) (*models.Advertiser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.UUID.String() == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAdvertisers) ByLinkKey(_ context.Context, linkKey string) (*models.Advertiser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.LinkKey == linkKey {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAdvertisers) SetCanonicalMedia(_ context.Context, advertiserID uint, mediaID int64, source models.CanonicalMediaSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[advertiserID]
	if !ok {
		return fmt.Errorf("advertiser %d not found", advertiserID)
	}
	r.YodeckMediaID = &mediaID
	r.YodeckMediaSource = &source
	r.PublishErrorCode = nil
	r.PublishErrorMessage = nil
	r.PublishFailedAt = nil
	return nil
}

func (f *fakeAdvertisers) ClearCanonicalMedia(_ context.Context, advertiserID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[advertiserID]
	if !ok {
		return fmt.Errorf("advertiser %d not found", advertiserID)
	}
	r.YodeckMediaID = nil
	r.YodeckMediaSource = nil
	r.YodeckMediaSyncedAt = nil
	return nil
}

func (f *fakeAdvertisers) SetPublishFailure(_ context.Context, advertiserID uint, code, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[advertiserID]
	if !ok {
		return fmt.Errorf("advertiser %d not found", advertiserID)
	}
	r.PublishErrorCode = &code
	r.PublishErrorMessage = &message
	return nil
}

// fakeAssets is an in-memory AdAssetRepository returning assets
// newest-first, matching the real repository's ordering.
type fakeAssets struct {
	mu   sync.Mutex
	rows []*models.AdAsset
}

func newFakeAssets(rows ...*models.AdAsset) *fakeAssets {
	return &fakeAssets{rows: rows}
}

func (f *fakeAssets) ByID(_ context.Context, id uint) (*models.AdAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAssets) ByFilter(_ context.Context, _ models.AdAssetFilter, _ string, _, _ int) ([]*models.AdAsset, error) {
	return nil, nil
}

func (f *fakeAssets) Save(_ context.Context, asset *models.AdAsset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *asset
	f.rows = append(f.rows, &cp)
	return nil
}

func (f *fakeAssets) SaveBatch(ctx context.Context, assets []*models.AdAsset) error {
	for _, a := range assets {
		if err := f.Save(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAssets) Count(_ context.Context, _ models.AdAssetFilter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), nil
}

func (f *fakeAssets) Exists(ctx context.Context, filter models.AdAssetFilter) (bool, error) {
	c, err := f.Count(ctx, filter)
	return c > 0, err
}

func (f *fakeAssets) ByUUID(_ context.Context, id string) (*models.AdAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.UUID.String() == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAssets) ByAdvertiserID(_ context.Context, advertiserID uint, _, _ int) ([]*models.AdAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.AdAsset
	for _, r := range f.rows {
		if r.AdvertiserID == advertiserID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeStore serves asset bytes from a map.
type fakeStore struct {
	files map[string][]byte
}

func (f *fakeStore) Read(_ context.Context, sourceRef string) ([]byte, error) {
	data, ok := f.files[sourceRef]
	if !ok {
		return nil, fmt.Errorf("no such asset %q", sourceRef)
	}
	return data, nil
}
