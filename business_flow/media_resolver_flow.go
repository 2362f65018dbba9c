package businessflow

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/citysign/citysign-backend/app/services"
	"github.com/citysign/citysign-backend/config"
	"github.com/citysign/citysign-backend/models"
	"github.com/citysign/citysign-backend/repository"
	"github.com/citysign/citysign-backend/utils"
)

// ResolveResult is the outcome of canonical media resolution. Diagnostics
// carry the full step log on success too; operators read it either way.
type ResolveResult struct {
	OK          bool                        `json:"ok"`
	MediaID     int64                       `json:"media_id,omitempty"`
	Source      models.CanonicalMediaSource `json:"source,omitempty"`
	Diagnostics *Diagnostics                `json:"diagnostics"`
}

// MediaResolverFlow finds or creates the one remote media record an
// advertiser's publishes should reference. Strategies run in a fixed
// order, first success wins, and every strategy failure falls through to
// the next.
type MediaResolverFlow struct {
	advertisers repository.AdvertiserRepository
	assets      repository.AdAssetRepository
	upload      *UploadFlow
	yodeck      services.YodeckAPI
	cfg         config.PublisherConfig
	sleep       sleepFunc
}

// NewMediaResolverFlow creates a new media resolver flow.
func NewMediaResolverFlow(
	advertisers repository.AdvertiserRepository,
	assets repository.AdAssetRepository,
	upload *UploadFlow,
	yodeck services.YodeckAPI,
	cfg config.PublisherConfig,
) *MediaResolverFlow {
	return &MediaResolverFlow{
		advertisers: advertisers,
		assets:      assets,
		upload:      upload,
		yodeck:      yodeck,
		cfg:         cfg,
		sleep:       ctxSleep,
	}
}

// searchNamePrefixes are the naming-convention prefixes combined with the
// company slug when building search terms.
var searchNamePrefixes = []string{"", "ad-", "creative-"}

const maxSearchTermLen = 48

// candidate scoring weights; exact match must dominate any bonus stack.
const (
	scoreExactName   = 100
	scoreSubstring   = 60
	scoreShortPrefix = 30
	bonusReadyStatus = 10
	bonusPositive    = 5
)

// AdvertiserIDByUUID translates a public advertiser UUID to its row id.
func (f *MediaResolverFlow) AdvertiserIDByUUID(ctx context.Context, advertiserUUID string) (uint, error) {
	adv, err := f.advertisers.ByUUID(ctx, advertiserUUID)
	if err != nil {
		return 0, err
	}
	if adv == nil {
		return 0, ErrAdvertiserNotFound
	}
	return adv.ID, nil
}

// Resolve walks the strategy chain for one advertiser. On success the new
// canonical reference is persisted (replacing any prior value) before
// returning; on exhaustion the failure is recorded on the advertiser row.
func (f *MediaResolverFlow) Resolve(ctx context.Context, advertiserID uint) (*ResolveResult, error) {
	diags := &Diagnostics{}
	result := &ResolveResult{Diagnostics: diags}

	adv, err := f.advertisers.ByID(ctx, advertiserID)
	if err != nil {
		return result, err
	}
	if adv == nil {
		return result, ErrAdvertiserNotFound
	}

	assets, err := f.assets.ByAdvertiserID(ctx, adv.ID, 0, 0)
	if err != nil {
		return result, err
	}

	if id, ok := f.tryExistingCanonical(ctx, adv, diags); ok {
		return f.succeed(ctx, result, adv, id, models.CanonicalSourceReused)
	}
	if id, ok := f.trySearch(ctx, adv, assets, diags); ok {
		return f.succeed(ctx, result, adv, id, models.CanonicalSourceMatchedBySearch)
	}
	if id, ok := f.tryUpload(ctx, adv, assets, diags); ok {
		return f.succeed(ctx, result, adv, id, models.CanonicalSourceFreshlyUploaded)
	}
	if id, ok := f.tryURLClone(ctx, adv, assets, diags); ok {
		return f.succeed(ctx, result, adv, id, models.CanonicalSourceCloned)
	}

	message := fmt.Sprintf("all resolution strategies exhausted after %d steps", len(diags.Steps))
	diags.Add("exhausted", "failed", message)
	if err := f.advertisers.SetPublishFailure(ctx, adv.ID, CodeResolutionExhausted, message); err != nil {
		log.Printf("advertiser %d: failed to record resolution failure: %v", adv.ID, err)
	}
	return result, NewBusinessError(CodeResolutionExhausted, message, ErrResolutionExhausted)
}

func (f *MediaResolverFlow) succeed(ctx context.Context, result *ResolveResult, adv *models.Advertiser, mediaID int64, source models.CanonicalMediaSource) (*ResolveResult, error) {
	if err := f.advertisers.SetCanonicalMedia(ctx, adv.ID, mediaID, source); err != nil {
		return result, fmt.Errorf("failed to persist canonical media for advertiser %d: %w", adv.ID, err)
	}
	result.OK = true
	result.MediaID = mediaID
	result.Source = source
	return result, nil
}

// tryExistingCanonical re-validates a stored reference remotely. A stale
// or invalid reference is cleared so later strategies start clean.
func (f *MediaResolverFlow) tryExistingCanonical(ctx context.Context, adv *models.Advertiser, diags *Diagnostics) (int64, bool) {
	if !adv.HasCanonicalMedia() {
		diags.Add("existing_canonical", "skipped", "no canonical reference stored")
		return 0, false
	}
	mediaID := *adv.YodeckMediaID
	ok, detail := f.validateCandidate(ctx, mediaID)
	if ok {
		diags.Add("existing_canonical", "success", fmt.Sprintf("media %d still valid", mediaID))
		return mediaID, true
	}
	diags.Add("existing_canonical", "failed", detail)
	if err := f.advertisers.ClearCanonicalMedia(ctx, adv.ID); err != nil {
		log.Printf("advertiser %d: failed to clear stale canonical media: %v", adv.ID, err)
	}
	return 0, false
}

// trySearch queries the remote search endpoint once per candidate term,
// merges hits by id in first-seen order, scores them, and validates the
// best ones until one passes.
func (f *MediaResolverFlow) trySearch(ctx context.Context, adv *models.Advertiser, assets []*models.AdAsset, diags *Diagnostics) (int64, bool) {
	terms := f.searchTerms(adv, assets)
	if len(terms) == 0 {
		diags.Add("remote_search", "skipped", "no usable search terms")
		return 0, false
	}

	type scored struct {
		rec   *services.MediaRecord
		score int
	}
	var merged []scored
	seen := map[int64]bool{}
	for _, term := range terms {
		hits, err := f.yodeck.SearchMedia(ctx, term)
		if err != nil {
			diags.Add("remote_search", "error", fmt.Sprintf("term %q: %v", term, err))
			continue
		}
		limit := f.cfg.SearchResultLimit
		for i, hit := range hits {
			if limit > 0 && i >= limit {
				break
			}
			if hit.ID == 0 || seen[hit.ID] {
				continue
			}
			seen[hit.ID] = true
			merged = append(merged, scored{rec: hit, score: scoreCandidate(hit, term)})
		}
	}
	if len(merged) == 0 {
		diags.Add("remote_search", "failed", fmt.Sprintf("no hits across %d terms", len(terms)))
		return 0, false
	}

	// Stable sort keeps search-result order for equal scores.
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].score > merged[j].score })

	for _, cand := range merged {
		ok, detail := f.validateCandidate(ctx, cand.rec.ID)
		if ok {
			diags.Add("remote_search", "success", fmt.Sprintf("media %d (score %d)", cand.rec.ID, cand.score))
			return cand.rec.ID, true
		}
		diags.Add("remote_search", "candidate_rejected", fmt.Sprintf("media %d: %s", cand.rec.ID, detail))
	}
	diags.Add("remote_search", "failed", fmt.Sprintf("%d candidates, none valid", len(merged)))
	return 0, false
}

// tryUpload picks the best local asset and runs the full upload flow.
func (f *MediaResolverFlow) tryUpload(ctx context.Context, adv *models.Advertiser, assets []*models.AdAsset, diags *Diagnostics) (int64, bool) {
	asset := BestUploadAsset(assets)
	if asset == nil {
		diags.Add("upload", "skipped", "no publishable asset")
		return 0, false
	}
	name := fmt.Sprintf("%s-%s", utils.Slugify(adv.CompanyName), asset.BaseName())
	job, err := f.upload.Upload(ctx, asset, utils.TruncateString(name, 120))
	if err != nil {
		diags.Add("upload", "failed", fmt.Sprintf("asset %d: %s", asset.ID, ErrorCodeOf(err)))
		f.deletePlaceholder(ctx, job, diags)
		return 0, false
	}
	if job.YodeckMediaID == nil {
		diags.Add("upload", "failed", "job finished without a media id")
		return 0, false
	}
	diags.Add("upload", "success", fmt.Sprintf("asset %d -> media %d", asset.ID, *job.YodeckMediaID))
	return *job.YodeckMediaID, true
}

// deletePlaceholder removes a remote record that was created but never
// became usable. Best effort: a leaked placeholder only costs storage,
// while retrying the delete would extend an already-failed resolution.
func (f *MediaResolverFlow) deletePlaceholder(ctx context.Context, job *models.UploadJob, diags *Diagnostics) {
	if job == nil || job.YodeckMediaID == nil {
		return
	}
	if err := f.yodeck.DeleteMedia(ctx, *job.YodeckMediaID); err != nil {
		log.Printf("upload cleanup: delete media %d failed: %v", *job.YodeckMediaID, err)
		return
	}
	diags.Add("upload", "cleanup", fmt.Sprintf("deleted half-created media %d", *job.YodeckMediaID))
}

// tryURLClone asks the platform to pull the asset from its public URL and
// polls to readiness under the longer clone budget.
func (f *MediaResolverFlow) tryURLClone(ctx context.Context, adv *models.Advertiser, assets []*models.AdAsset, diags *Diagnostics) (int64, bool) {
	asset := BestUploadAsset(assets)
	if asset == nil {
		diags.Add("url_clone", "skipped", "no publishable asset")
		return 0, false
	}
	sourceURL := f.publicAssetURL(asset)
	if sourceURL == "" {
		diags.Add("url_clone", "skipped", "no publicly reachable asset URL")
		return 0, false
	}
	name := fmt.Sprintf("%s-%s", utils.Slugify(adv.CompanyName), asset.BaseName())
	raw, status, err := f.yodeck.CreateMediaFromURL(ctx, utils.TruncateString(name, 120), sourceURL)
	if err != nil || status < 200 || status >= 300 {
		diags.Add("url_clone", "failed", fmt.Sprintf("create-from-url status %d err %v", status, err))
		return 0, false
	}
	rec := services.NormalizeMedia(raw)
	if rec == nil || rec.ID == 0 {
		diags.Add("url_clone", "failed", "create-from-url response lacks a media id")
		return 0, false
	}
	// Remote-side downloading is slower than a direct PUT.
	_, attempts, err := pollMediaUntilReady(ctx, f.yodeck, f.sleep, rec.ID,
		f.cfg.ClonePollTimeout, f.cfg.MaxZeroSizeAttempts, nil)
	if err != nil {
		diags.Add("url_clone", "failed", fmt.Sprintf("media %d: %s after %d attempts", rec.ID, ErrorCodeOf(err), attempts))
		if derr := f.yodeck.DeleteMedia(ctx, rec.ID); derr != nil {
			log.Printf("url clone cleanup: delete media %d failed: %v", rec.ID, derr)
		}
		return 0, false
	}
	diags.Add("url_clone", "success", fmt.Sprintf("media %d ready after %d attempts", rec.ID, attempts))
	return rec.ID, true
}

// publicAssetURL returns the URL the platform should pull the asset
// from: the stored public URL, or one derived from the configured public
// base when the upload endpoint serves assets directly.
func (f *MediaResolverFlow) publicAssetURL(asset *models.AdAsset) string {
	if asset.PublicURL != nil && *asset.PublicURL != "" {
		return *asset.PublicURL
	}
	if f.cfg.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(f.cfg.PublicBaseURL, "/") + "/" + strings.TrimLeft(asset.UploadPath(), "/")
}

// validateCandidate fetches a media id and checks readiness plus the
// video type requirement.
func (f *MediaResolverFlow) validateCandidate(ctx context.Context, mediaID int64) (bool, string) {
	rec, status, err := f.yodeck.GetMedia(ctx, mediaID)
	if err != nil {
		return false, fmt.Sprintf("fetch failed: %v", err)
	}
	if status == 404 || rec == nil {
		return false, "not found remotely"
	}
	ready, signal, err := MediaReady(rec)
	if err != nil {
		return false, ErrorCodeOf(err)
	}
	if !ready {
		return false, fmt.Sprintf("not ready (signal %s)", signal)
	}
	if !rec.IsVideoLike() {
		return false, "not video-like"
	}
	return true, ""
}

// searchTerms builds the deduplicated candidate term list: asset base
// names, slug+prefix combinations, and the public link key.
func (f *MediaResolverFlow) searchTerms(adv *models.Advertiser, assets []*models.AdAsset) []string {
	var terms []string
	seen := map[string]bool{}
	add := func(term string) {
		term = strings.TrimSpace(utils.TruncateString(term, maxSearchTermLen))
		if term == "" || seen[term] {
			return
		}
		seen[term] = true
		terms = append(terms, term)
	}
	for _, a := range assets {
		add(a.BaseName())
	}
	if slug := utils.Slugify(adv.CompanyName); slug != "" {
		for _, prefix := range searchNamePrefixes {
			add(prefix + slug)
		}
	}
	add(adv.LinkKey)
	return terms
}

// scoreCandidate ranks one search hit against the term that found it.
func scoreCandidate(rec *services.MediaRecord, term string) int {
	name := utils.NormalizeName(rec.Name)
	want := utils.NormalizeName(term)
	score := 0
	switch {
	case name != "" && name == want:
		score = scoreExactName
	case want != "" && strings.Contains(name, want):
		score = scoreSubstring
	case len(want) >= 4 && strings.HasPrefix(name, want[:4]):
		score = scoreShortPrefix
	}
	if services.IsReadyStatus(rec.Status) {
		score += bonusReadyStatus
	}
	if rec.SizeBytes > 0 {
		score += bonusPositive
	}
	return score
}

// BestUploadAsset picks the asset to publish: validation passed beats
// not-passed, approved beats anything else, newest wins within a tier.
// Assets are expected newest-first, so the first best match wins.
func BestUploadAsset(assets []*models.AdAsset) *models.AdAsset {
	var best *models.AdAsset
	bestScore := -1
	for _, a := range assets {
		score := 0
		if utils.IsTrue(a.ValidationPassed) {
			score += 4
		}
		if a.ApprovalStatus == models.AssetApprovalApproved {
			score += 2
		}
		if score > bestScore {
			best = a
			bestScore = score
		}
	}
	return best
}
