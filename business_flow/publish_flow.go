package businessflow

import (
	"context"
	"log"

	"github.com/citysign/citysign-backend/models"
	"github.com/citysign/citysign-backend/repository"
)

// PublishReport summarizes one end-to-end publish: which media was
// resolved, how, and what happened on every target.
type PublishReport struct {
	AdvertiserUUID string                      `json:"advertiser_uuid"`
	MediaID        int64                       `json:"media_id,omitempty"`
	Source         models.CanonicalMediaSource `json:"source,omitempty"`
	Targets        []TargetReport              `json:"targets"`
	RolledBack     bool                        `json:"rolled_back,omitempty"`
	Diagnostics    *Diagnostics                `json:"diagnostics,omitempty"`
}

// PublishFlow is the end-to-end orchestration: resolve the canonical
// media, fan out to the supplied targets (or the base playlist when none
// are given), optionally roll back on partial failure.
type PublishFlow struct {
	advertisers repository.AdvertiserRepository
	resolver    *MediaResolverFlow
	playlists   *PlaylistFlow
}

// NewPublishFlow creates a new publish flow.
func NewPublishFlow(
	advertisers repository.AdvertiserRepository,
	resolver *MediaResolverFlow,
	playlists *PlaylistFlow,
) *PublishFlow {
	return &PublishFlow{
		advertisers: advertisers,
		resolver:    resolver,
		playlists:   playlists,
	}
}

// Publish resolves and fans out for one advertiser. Target selection is
// the upstream caller's job; an empty list falls back to the configured
// base playlist only.
func (f *PublishFlow) Publish(ctx context.Context, advertiserUUID string, targets []PublishTarget, rollbackOnPartial bool) (*PublishReport, error) {
	report := &PublishReport{AdvertiserUUID: advertiserUUID}

	adv, err := f.advertisers.ByUUID(ctx, advertiserUUID)
	if err != nil {
		return report, err
	}
	if adv == nil {
		return report, ErrAdvertiserNotFound
	}

	resolved, err := f.resolver.Resolve(ctx, adv.ID)
	if resolved != nil {
		report.Diagnostics = resolved.Diagnostics
	}
	if err != nil {
		return report, err
	}
	report.MediaID = resolved.MediaID
	report.Source = resolved.Source

	if len(targets) == 0 {
		baseID, err := f.playlists.ResolveBasePlaylist(ctx)
		if err != nil {
			return report, err
		}
		targets = []PublishTarget{{PlaylistID: baseID}}
	}

	report.Targets = f.playlists.PublishToTargets(ctx, resolved.MediaID, targets)

	var added, failed []PublishTarget
	for _, tr := range report.Targets {
		switch tr.Outcome {
		case TargetAdded, TargetAlreadyPresent:
			if err := f.playlists.AttachDevice(ctx, tr.Target.DeviceID, tr.Target.PlaylistID); err != nil {
				log.Printf("advertiser %s: device %d attach to playlist %d failed: %v",
					advertiserUUID, tr.Target.DeviceID, tr.Target.PlaylistID, err)
			}
			if tr.Outcome == TargetAdded {
				added = append(added, tr.Target)
			}
		case TargetFailed:
			failed = append(failed, tr.Target)
		}
	}

	if rollbackOnPartial && len(failed) > 0 && len(added) > 0 {
		log.Printf("advertiser %s: %d of %d targets failed, rolling back %d adds",
			advertiserUUID, len(failed), len(report.Targets), len(added))
		f.playlists.Rollback(ctx, resolved.MediaID, added)
		report.RolledBack = true
	}
	return report, nil
}

// Rollback removes the media from previously succeeded targets.
func (f *PublishFlow) Rollback(ctx context.Context, mediaID int64, succeeded []PublishTarget) []TargetReport {
	return f.playlists.Rollback(ctx, mediaID, succeeded)
}
