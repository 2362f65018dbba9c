package businessflow

import (
	"context"
	"time"

	"github.com/citysign/citysign-backend/app/services"
	"github.com/citysign/citysign-backend/utils"
)

// AssetStore reads the raw bytes for a local asset path. Assets are
// assumed already validated (container, codec, duration) before any flow
// in this package runs.
type AssetStore interface {
	Read(ctx context.Context, sourceRef string) ([]byte, error)
}

// PublishTarget is one playlist destination, supplied by the upstream
// allocation step. This package fans out to targets; it never decides them.
type PublishTarget struct {
	PlaylistID   int64  `json:"playlist_id"`
	PlaylistName string `json:"playlist_name,omitempty"`
	DeviceID     int64  `json:"device_id,omitempty"`
	Duration     int    `json:"duration,omitempty"` // seconds, images only
}

// TargetOutcome is the per-target result of a playlist fan-out.
type TargetOutcome string

const (
	TargetAdded          TargetOutcome = "added_to_playlist"
	TargetAlreadyPresent TargetOutcome = "already_present"
	TargetInProgress     TargetOutcome = "in_progress"
	TargetFailed         TargetOutcome = "failed"
)

// TargetReport distinguishes "accepted but unconfirmed" from "rejected"
// so callers fanning out to many targets can tell them apart.
type TargetReport struct {
	Target    PublishTarget `json:"target"`
	Outcome   TargetOutcome `json:"outcome"`
	ErrorCode string        `json:"error_code,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// ResolutionStep is one entry of the resolver's structured step log,
// accumulated regardless of outcome for operator troubleshooting.
type ResolutionStep struct {
	Strategy string    `json:"strategy"`
	Outcome  string    `json:"outcome"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Diagnostics accumulates resolution steps in order.
type Diagnostics struct {
	Steps []ResolutionStep `json:"steps"`
}

// Add appends one step to the log.
func (d *Diagnostics) Add(strategy, outcome, detail string) {
	d.Steps = append(d.Steps, ResolutionStep{
		Strategy: strategy,
		Outcome:  outcome,
		Detail:   detail,
		At:       utils.UTCNow(),
	})
}

// sleepFunc suspends for d or returns early with the context error.
// Injected so tests run without wall-clock delays.
type sleepFunc func(ctx context.Context, d time.Duration) error

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pollBackoff is the increasing delay schedule between poll attempts.
// Attempts beyond the table settle at the last value.
var pollBackoff = []time.Duration{
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	8 * time.Second,
	10 * time.Second,
	15 * time.Second,
}

func backoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(pollBackoff) {
		return pollBackoff[len(pollBackoff)-1]
	}
	return pollBackoff[attempt]
}

// pollMediaUntilReady re-fetches a media record until its status is in
// the ready vocabulary with a positive size, it terminally fails, it
// sticks in a zero-size initializing state past maxZeroSize attempts, or
// the wall-clock budget runs out. onAttempt fires after every fetch so
// callers can persist progress.
func pollMediaUntilReady(
	ctx context.Context,
	api services.YodeckAPI,
	sleep sleepFunc,
	mediaID int64,
	timeout time.Duration,
	maxZeroSize int,
	onAttempt func(attempt int, rec *services.MediaRecord),
) (*services.MediaRecord, int, error) {
	deadline := utils.UTCNow().Add(timeout)
	attempt := 0
	zeroSizeRuns := 0

	for {
		rec, status, err := api.GetMedia(ctx, mediaID)
		attempt++
		if onAttempt != nil {
			onAttempt(attempt, rec)
		}
		if err == nil && status == 404 {
			return nil, attempt, NewBusinessErrorf(CodeVerify404, "media %d disappeared while polling", mediaID)
		}
		if err == nil && rec != nil {
			if services.IsFailedStatus(rec.Status) {
				return rec, attempt, NewBusinessError(
					YodeckStatusCode(rec.Status),
					"remote media entered a failed status: "+rec.ErrorMessage,
					ErrMediaFailed,
				)
			}
			if services.IsReadyStatus(rec.Status) && rec.SizeBytes > 0 {
				return rec, attempt, nil
			}
			if services.IsInitializingStatus(rec.Status) && rec.SizeBytes == 0 {
				zeroSizeRuns++
				if zeroSizeRuns >= maxZeroSize {
					return rec, attempt, NewBusinessErrorf(CodeInitStuck,
						"media %d stuck initializing with zero size after %d attempts", mediaID, zeroSizeRuns)
				}
			} else {
				zeroSizeRuns = 0
			}
		}
		// Transient fetch errors just consume an attempt and retry.

		if utils.UTCNow().After(deadline) {
			return nil, attempt, NewBusinessErrorf(CodePollTimeout,
				"media %d not ready after %s (%d attempts)", mediaID, timeout, attempt)
		}
		if err := sleep(ctx, backoffFor(attempt-1)); err != nil {
			return nil, attempt, err
		}
	}
}
