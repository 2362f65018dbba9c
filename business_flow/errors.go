// Package businessflow contains the publishing business logic flows.
package businessflow

import (
	"errors"
	"fmt"
)

// BusinessError represents a business logic error with a stable machine
// code. Codes ending up in job rows and advertiser failure columns must
// be fixed strings so operators can group failures; only ErrorDetails
// carries free text.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

// NewBusinessError creates a new business error
func NewBusinessError(code, message string, err ...error) *BusinessError {
	var wrappedErr error
	if len(err) > 0 {
		wrappedErr = err[0]
	}
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     wrappedErr,
	}
}

// NewBusinessErrorf creates a new business error with a formatted message
func NewBusinessErrorf(code, format string, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error codes recorded on upload jobs. Status-dependent codes embed the
// HTTP status (CREATE_FAILED_422) or the remote vocabulary word
// (YODECK_STATUS_FAILED); everything else is one of the fixed strings.
const (
	CodeCreateNoMediaID      = "CREATE_NO_MEDIA_ID"
	CodeNoUploadURLEndpoint  = "NO_UPLOAD_URL_ENDPOINT"
	CodeNoPresignedURL       = "NO_PRESIGNED_URL_IN_RESPONSE"
	CodeInvalidPresignedURL  = "INVALID_PRESIGNED_URL"
	CodePutEmptyFile         = "PUT_EMPTY_FILE"
	CodePutException         = "PUT_EXCEPTION"
	CodeVerify404            = "VERIFY_404"
	CodeVerifyInvalid        = "VERIFY_INVALID_RESPONSE"
	CodePollTimeout          = "POLL_TIMEOUT"
	CodeInitStuck            = "FAILED_INIT_STUCK"
	CodeUploadOKNotInList    = "UPLOAD_OK_BUT_NOT_IN_PLAYLIST"
	CodeResolutionExhausted  = "RESOLUTION_EXHAUSTED"
	CodeAssetNotPublishable  = "ASSET_NOT_PUBLISHABLE"
	CodePlaylistNotFound     = "PLAYLIST_NOT_FOUND"
	CodePlaylistWriteFailed  = "PLAYLIST_WRITE_FAILED"
	CodePlaylistVerifyFailed = "PLAYLIST_VERIFY_FAILED"
)

// CreateFailedCode builds the status-bearing code for a rejected create.
func CreateFailedCode(httpStatus int) string {
	return fmt.Sprintf("CREATE_FAILED_%d", httpStatus)
}

// GetUploadURLFailedCode builds the code for a failed upload-URL fetch.
func GetUploadURLFailedCode(httpStatus int) string {
	return fmt.Sprintf("GET_UPLOAD_URL_FAILED_%d", httpStatus)
}

// PutFailedCode builds the code for a non-2xx binary upload.
func PutFailedCode(httpStatus int) string {
	return fmt.Sprintf("PUT_FAILED_%d", httpStatus)
}

// YodeckStatusCode builds the code for a remote terminal-failure status.
func YodeckStatusCode(status string) string {
	return fmt.Sprintf("YODECK_STATUS_%s", upperSnake(status))
}

func upperSnake(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-('a'-'A'))
		case r >= 'A' && r <= 'Z' || r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Common sentinel errors
var (
	ErrAdvertiserNotFound  = errors.New("advertiser not found")
	ErrAssetNotFound       = errors.New("ad asset not found")
	ErrAssetNotApproved    = errors.New("ad asset is not approved for publishing")
	ErrMediaFailed         = errors.New("remote media entered a failed status")
	ErrResolutionExhausted = errors.New("all media resolution strategies exhausted")
	ErrPlaylistNotFound    = errors.New("target playlist not found")
	ErrPublishInProgress   = errors.New("a publish for this key is already in progress")
)

// IsBusinessError checks if an error is a BusinessError
func IsBusinessError(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

// AsBusinessError extracts the BusinessError from an error chain, or nil.
func AsBusinessError(err error) *BusinessError {
	var be *BusinessError
	if errors.As(err, &be) {
		return be
	}
	return nil
}

// ErrorCodeOf returns the stable code for an error, or UNKNOWN.
func ErrorCodeOf(err error) string {
	if be := AsBusinessError(err); be != nil {
		return be.Code
	}
	return "UNKNOWN"
}

// IsMediaFailed checks if an error means the remote media terminally failed
func IsMediaFailed(err error) bool {
	return errors.Is(err, ErrMediaFailed)
}

// IsResolutionExhausted checks if every resolution strategy was tried
func IsResolutionExhausted(err error) bool {
	return errors.Is(err, ErrResolutionExhausted)
}

// IsPublishInProgress checks if another worker holds the idempotency claim
func IsPublishInProgress(err error) bool {
	return errors.Is(err, ErrPublishInProgress)
}
