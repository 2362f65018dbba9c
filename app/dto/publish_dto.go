package dto

// PublishTargetRequest is one playlist destination supplied by the caller.
type PublishTargetRequest struct {
	PlaylistID   int64  `json:"playlist_id" validate:"omitempty,gt=0"`
	PlaylistName string `json:"playlist_name" validate:"omitempty,max=255"`
	DeviceID     int64  `json:"device_id" validate:"omitempty,gt=0"`
	Duration     int    `json:"duration" validate:"omitempty,gt=0,lte=3600"`
}

// PublishRequest asks for one advertiser's creative to be resolved and
// fanned out. An empty target list publishes to the base playlist only.
type PublishRequest struct {
	AdvertiserUUID    string                 `json:"advertiser_uuid" validate:"required,uuid4"`
	Targets           []PublishTargetRequest `json:"targets" validate:"omitempty,dive"`
	RollbackOnPartial bool                   `json:"rollback_on_partial"`
}

// TargetReportResponse is the per-target outcome of a publish.
type TargetReportResponse struct {
	PlaylistID int64  `json:"playlist_id"`
	DeviceID   int64  `json:"device_id,omitempty"`
	Outcome    string `json:"outcome"`
	ErrorCode  string `json:"error_code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// PublishResponse reports the full publish outcome.
type PublishResponse struct {
	AdvertiserUUID string                 `json:"advertiser_uuid"`
	MediaID        int64                  `json:"media_id,omitempty"`
	Source         string                 `json:"source,omitempty"`
	Targets        []TargetReportResponse `json:"targets"`
	RolledBack     bool                   `json:"rolled_back,omitempty"`
	Diagnostics    any                    `json:"diagnostics,omitempty"`
}

// ResolveRequest asks for canonical media resolution only, no fan-out.
type ResolveRequest struct {
	AdvertiserUUID string `json:"advertiser_uuid" validate:"required,uuid4"`
}

// ResolveResponse reports the resolution outcome.
type ResolveResponse struct {
	OK          bool   `json:"ok"`
	MediaID     int64  `json:"media_id,omitempty"`
	Source      string `json:"source,omitempty"`
	Diagnostics any    `json:"diagnostics,omitempty"`
}

// RollbackRequest removes a media id from previously succeeded targets.
type RollbackRequest struct {
	MediaID int64                  `json:"media_id" validate:"required,gt=0"`
	Targets []PublishTargetRequest `json:"targets" validate:"required,min=1,dive"`
}

// UploadJobResponse exposes one job row for inspection.
type UploadJobResponse struct {
	CorrelationID string  `json:"correlation_id"`
	AssetID       uint    `json:"asset_id"`
	DesiredName   string  `json:"desired_name"`
	Status        string  `json:"status"`
	YodeckMediaID *int64  `json:"yodeck_media_id,omitempty"`
	PollAttempts  int     `json:"poll_attempts"`
	ErrorCode     *string `json:"error_code,omitempty"`
	ErrorDetails  *string `json:"error_details,omitempty"`
	StepResponses any     `json:"step_responses,omitempty"`
	StartedAt     string  `json:"started_at"`
	FinishedAt    *string `json:"finished_at,omitempty"`
}
