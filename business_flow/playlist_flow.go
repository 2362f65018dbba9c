package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/citysign/citysign-backend/app/services"
	"github.com/citysign/citysign-backend/config"
	"github.com/citysign/citysign-backend/models"
	"github.com/citysign/citysign-backend/repository"
)

// AddResult is the outcome of one idempotent playlist add.
type AddResult struct {
	Outcome           TargetOutcome `json:"outcome"`
	VerifiedItemCount int           `json:"verified_item_count,omitempty"`
}

// PlaylistFlow performs idempotent playlist mutations against the remote
// platform. The outbox row is the only concurrency primitive: a
// processing entry means another caller owns the key, a succeeded entry
// permanently short-circuits re-execution, and a failed entry is
// re-claimed on the next attempt so transient failures never poison a
// key.
type PlaylistFlow struct {
	outbox repository.OutboxRepository
	yodeck services.YodeckAPI
	cache  services.PlaylistCache
	cfg    config.YodeckConfig
	sleep  sleepFunc
}

// NewPlaylistFlow creates a new playlist flow.
func NewPlaylistFlow(
	outbox repository.OutboxRepository,
	yodeck services.YodeckAPI,
	cache services.PlaylistCache,
	cfg config.YodeckConfig,
) *PlaylistFlow {
	return &PlaylistFlow{
		outbox: outbox,
		yodeck: yodeck,
		cache:  cache,
		cfg:    cfg,
		sleep:  ctxSleep,
	}
}

// playlistVerifyDelay sits between the whole-list write and the re-read
// that decides whether the write is observable.
const playlistVerifyDelay = 2 * time.Second

// AddIdempotencyKey derives the outbox key for one (playlist, media) add.
func AddIdempotencyKey(playlistID, mediaID int64) string {
	return models.BuildIdempotencyKey(models.OutboxActionPlaylistAdd,
		strconv.FormatInt(playlistID, 10), strconv.FormatInt(mediaID, 10))
}

// AddToPlaylist adds a media id to a playlist exactly once per
// idempotency key. "The write was accepted" and "the write is now
// observable" are two separate guarantees; only the verified re-read
// counts as done.
func (f *PlaylistFlow) AddToPlaylist(ctx context.Context, playlistID, mediaID int64, duration int, idempotencyKey string) (*AddResult, error) {
	claimed, entry, err := f.outbox.Claim(ctx, &models.OutboxEntry{
		IdempotencyKey: idempotencyKey,
		Action:         models.OutboxActionPlaylistAdd,
		YodeckID:       &mediaID,
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		switch entry.Status {
		case models.OutboxSucceeded:
			count := 0
			if entry.VerifiedItemCount != nil {
				count = *entry.VerifiedItemCount
			}
			return &AddResult{Outcome: TargetAlreadyPresent, VerifiedItemCount: count}, nil
		case models.OutboxProcessing:
			// Another in-flight attempt owns this key; refuse to race it.
			return &AddResult{Outcome: TargetInProgress}, NewBusinessError(
				"PLAYLIST_ADD_IN_PROGRESS",
				fmt.Sprintf("playlist add for key %s is already in progress", idempotencyKey),
				ErrPublishInProgress,
			)
		default:
			// Failed rows are reclaimed inside Claim, so landing here means
			// a concurrent retry took the key over and failed it again
			// between our insert and the re-read. Report its code.
			code := "PLAYLIST_ADD_PREVIOUSLY_FAILED"
			if entry.LastError != nil && *entry.LastError != "" {
				code = *entry.LastError
			}
			return &AddResult{Outcome: TargetFailed}, NewBusinessErrorf(code,
				"a concurrent playlist add for key %s failed", idempotencyKey)
		}
	}

	result, err := f.performAdd(ctx, playlistID, mediaID, duration)
	if err != nil {
		code := ErrorCodeOf(err)
		if markErr := f.outbox.MarkFailed(ctx, entry.ID, code, snapshotJSON(map[string]any{"error": err.Error()})); markErr != nil {
			log.Printf("outbox %d: failed to mark failed: %v", entry.ID, markErr)
		}
		return result, err
	}
	snapshot := snapshotJSON(map[string]any{"outcome": result.Outcome, "item_count": result.VerifiedItemCount})
	if err := f.outbox.MarkSucceeded(ctx, entry.ID, &mediaID, snapshot, result.VerifiedItemCount); err != nil {
		log.Printf("outbox %d: failed to mark succeeded: %v", entry.ID, err)
	}
	return result, nil
}

// performAdd does the remote work for a freshly claimed key.
func (f *PlaylistFlow) performAdd(ctx context.Context, playlistID, mediaID int64, duration int) (*AddResult, error) {
	pl, status, err := f.yodeck.GetPlaylist(ctx, playlistID)
	if err != nil {
		return &AddResult{Outcome: TargetFailed}, NewBusinessError(CodePlaylistNotFound, "failed to fetch playlist", err)
	}
	if status == 404 || pl == nil {
		return &AddResult{Outcome: TargetFailed}, NewBusinessErrorf(CodePlaylistNotFound, "playlist %d not found", playlistID)
	}
	if pl.Contains(mediaID) {
		return &AddResult{Outcome: TargetAlreadyPresent, VerifiedItemCount: len(pl.Items)}, nil
	}

	// The API only supports whole-list replacement: existing items in
	// order, plus the new one.
	if duration <= 0 {
		duration = f.cfg.DefaultItemDuration
	}
	items := append(append([]services.PlaylistItem{}, pl.Items...), services.PlaylistItem{MediaID: mediaID, Duration: duration})
	writeStatus, _, err := f.yodeck.ReplacePlaylistItems(ctx, playlistID, items)
	if err != nil {
		return &AddResult{Outcome: TargetFailed}, NewBusinessError(CodePlaylistWriteFailed, "playlist write failed in transport", err)
	}
	if writeStatus < 200 || writeStatus >= 300 {
		return &AddResult{Outcome: TargetFailed}, NewBusinessErrorf(CodePlaylistWriteFailed,
			"playlist write rejected with status %d", writeStatus)
	}
	f.cache.Invalidate(ctx, playlistID)

	// Mandatory re-read verification.
	if err := f.sleep(ctx, playlistVerifyDelay); err != nil {
		return &AddResult{Outcome: TargetFailed}, NewBusinessError(CodePlaylistVerifyFailed, "cancelled before verification", err)
	}
	verified, status, err := f.yodeck.GetPlaylist(ctx, playlistID)
	if err != nil || status != 200 || verified == nil {
		return &AddResult{Outcome: TargetFailed}, NewBusinessError(CodeUploadOKNotInList,
			fmt.Sprintf("playlist re-read failed (status %d)", status), err)
	}
	if !verified.Contains(mediaID) {
		return &AddResult{Outcome: TargetFailed}, NewBusinessErrorf(CodeUploadOKNotInList,
			"write accepted but media %d absent from playlist %d on re-read", mediaID, playlistID)
	}
	f.cache.PutSnapshot(ctx, playlistID, verified)
	return &AddResult{Outcome: TargetAdded, VerifiedItemCount: len(verified.Items)}, nil
}

// RemoveFromPlaylist removes a media id from a playlist. Not idempotency
// guarded: removal of an absent item is a no-op, so repeating it is safe.
func (f *PlaylistFlow) RemoveFromPlaylist(ctx context.Context, playlistID, mediaID int64) error {
	pl, status, err := f.yodeck.GetPlaylist(ctx, playlistID)
	if err != nil {
		return fmt.Errorf("failed to fetch playlist %d: %w", playlistID, err)
	}
	if status == 404 || pl == nil {
		return nil
	}
	if !pl.Contains(mediaID) {
		return nil
	}
	items := make([]services.PlaylistItem, 0, len(pl.Items))
	for _, it := range pl.Items {
		if it.MediaID != mediaID {
			items = append(items, it)
		}
	}
	writeStatus, _, err := f.yodeck.ReplacePlaylistItems(ctx, playlistID, items)
	if err != nil {
		return fmt.Errorf("failed to rewrite playlist %d: %w", playlistID, err)
	}
	if writeStatus < 200 || writeStatus >= 300 {
		return fmt.Errorf("playlist %d rewrite rejected with status %d", playlistID, writeStatus)
	}
	f.cache.Invalidate(ctx, playlistID)
	return nil
}

// PublishToTargets fans one media id out to every target and reports per
// target. One target failing never stops the fan-out.
func (f *PlaylistFlow) PublishToTargets(ctx context.Context, mediaID int64, targets []PublishTarget) []TargetReport {
	reports := make([]TargetReport, 0, len(targets))
	for _, target := range targets {
		report := TargetReport{Target: target}
		key := AddIdempotencyKey(target.PlaylistID, mediaID)
		result, err := f.AddToPlaylist(ctx, target.PlaylistID, mediaID, target.Duration, key)
		if result != nil {
			report.Outcome = result.Outcome
		} else {
			report.Outcome = TargetFailed
		}
		if err != nil {
			report.ErrorCode = ErrorCodeOf(err)
			report.Message = err.Error()
		}
		reports = append(reports, report)
	}
	return reports
}

// Rollback removes a media id from every target that previously reported
// added. Best-effort compensating transaction: it never consults outbox
// state and is safe to re-run.
func (f *PlaylistFlow) Rollback(ctx context.Context, mediaID int64, succeeded []PublishTarget) []TargetReport {
	reports := make([]TargetReport, 0, len(succeeded))
	for _, target := range succeeded {
		report := TargetReport{Target: target, Outcome: TargetAdded}
		if err := f.RemoveFromPlaylist(ctx, target.PlaylistID, mediaID); err != nil {
			report.Outcome = TargetFailed
			report.Message = err.Error()
		}
		reports = append(reports, report)
	}
	return reports
}

// ResolveBasePlaylist returns the configured base playlist id, resolving
// by name through the cache when only a name is configured.
func (f *PlaylistFlow) ResolveBasePlaylist(ctx context.Context) (int64, error) {
	if f.cfg.BasePlaylistID > 0 {
		return f.cfg.BasePlaylistID, nil
	}
	if f.cfg.BasePlaylistName == "" {
		return 0, NewBusinessError(CodePlaylistNotFound, "no base playlist configured")
	}
	if id, ok := f.cache.GetPlaylistID(ctx, f.cfg.BasePlaylistName); ok {
		return id, nil
	}
	pl, err := f.yodeck.FindPlaylistByName(ctx, f.cfg.BasePlaylistName)
	if err != nil {
		return 0, NewBusinessError(CodePlaylistNotFound, "base playlist lookup failed", err)
	}
	if pl == nil || pl.ID == 0 {
		return 0, NewBusinessErrorf(CodePlaylistNotFound, "base playlist %q not found", f.cfg.BasePlaylistName)
	}
	f.cache.PutPlaylistID(ctx, f.cfg.BasePlaylistName, pl.ID)
	return pl.ID, nil
}

// AttachDevice points a device at a playlist after a successful publish.
func (f *PlaylistFlow) AttachDevice(ctx context.Context, deviceID, playlistID int64) error {
	if deviceID <= 0 {
		return nil
	}
	return f.yodeck.PatchDeviceContentSource(ctx, deviceID, playlistID)
}

func snapshotJSON(v map[string]any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
