package businessflow

import (
	"github.com/citysign/citysign-backend/app/services"
)

// VerificationVerdict is the three-state outcome of checking whether an
// uploaded object actually landed in remote storage.
type VerificationVerdict string

const (
	VerdictOK           VerificationVerdict = "OK"
	VerdictInconclusive VerificationVerdict = "INCONCLUSIVE"
	VerdictFail         VerificationVerdict = "FAIL"
)

// VerifyMethod names how the post-upload existence check was performed.
type VerifyMethod string

const (
	VerifyMethodHead VerifyMethod = "HEAD"
	VerifyMethodGet  VerifyMethod = "GET"
	VerifyMethodNone VerifyMethod = "NONE"
)

// VerificationInput carries every raw signal from the upload attempt.
type VerificationInput struct {
	PutOK         bool
	ETagPresent   bool
	VerifyOK      bool
	VerifyStatus  int
	ContentLength int64
	Method        VerifyMethod
	ExpectedSize  int64
}

// restrictedVerifyStatuses are responses consistent with the storage
// provider forbidding the check rather than the object being absent.
var restrictedVerifyStatuses = map[int]bool{403: true, 405: true, 501: true}

// ClassifyUploadVerification turns raw upload and verification signals
// into a verdict. INCONCLUSIVE means "cannot prove success, no evidence
// of failure either"; callers must not treat it as failure.
func ClassifyUploadVerification(in VerificationInput) VerificationVerdict {
	// A successful read with positive length is proof.
	if in.VerifyOK && in.VerifyStatus == 200 && in.ContentLength > 0 {
		return VerdictOK
	}
	// A successful read reporting zero bytes is proof of the opposite.
	if in.VerifyStatus == 200 && in.ContentLength == 0 {
		return VerdictFail
	}
	// The write landed but the check was blocked or unavailable.
	if in.PutOK && (in.Method == VerifyMethodNone || restrictedVerifyStatuses[in.VerifyStatus]) {
		return VerdictInconclusive
	}
	return VerdictFail
}

// ReadySignal names the evidence behind a readiness decision.
type ReadySignal string

const (
	SignalStrong        ReadySignal = "STRONG"
	SignalWaitThumbnail ReadySignal = "WAIT_THUMBNAIL"
	SignalFileFields    ReadySignal = "FILE_FIELDS"
	SignalNone          ReadySignal = "NONE"
)

// MediaReady decides whether a remote media record is usable. A failed
// status is terminal and returns an error instead of a verdict; a
// ready-vocabulary status alone is never sufficient evidence.
func MediaReady(rec *services.MediaRecord) (bool, ReadySignal, error) {
	if rec == nil {
		return false, SignalNone, nil
	}
	if services.IsFailedStatus(rec.Status) {
		return false, SignalNone, NewBusinessError(
			YodeckStatusCode(rec.Status),
			"remote media entered a failed status: "+rec.ErrorMessage,
			ErrMediaFailed,
		)
	}
	// Concrete file metadata wins regardless of the status string.
	if rec.HasFileEvidence() {
		return true, SignalFileFields, nil
	}
	if services.IsReadyStatus(rec.Status) && rec.LastUploaded != "" {
		if rec.ThumbnailURL != "" {
			return true, SignalStrong, nil
		}
		return false, SignalWaitThumbnail, nil
	}
	return false, SignalNone, nil
}
