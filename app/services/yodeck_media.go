package services

import (
	"encoding/json"
	"strings"
)

// The Yodeck API is not consistent about field naming: the same concept
// shows up under different names depending on which endpoint produced the
// response shape. Every concept is therefore read through an alias list,
// applied once here at the API boundary, so the rest of the code only ever
// sees MediaRecord / Playlist.

var (
	mediaIDAliases        = []string{"id", "pk"}
	mediaNameAliases      = []string{"name", "title"}
	mediaStatusAliases    = []string{"status", "state", "encoding_status"}
	mediaSizeAliases      = []string{"size", "file_size", "filesize", "bytes"}
	mediaFileURLAliases   = []string{"file_url", "url", "download_url"}
	mediaFileObjAliases   = []string{"file", "media_file", "source_file"}
	mediaThumbAliases     = []string{"thumbnail", "thumbnail_url", "thumb"}
	mediaUploadedAliases  = []string{"last_uploaded", "uploaded_at", "last_upload"}
	mediaSourceAliases    = []string{"source_type", "sourcetype", "origin", "media_origin"}
	mediaErrorAliases     = []string{"error_message", "error", "failure_reason"}
	playlistItemsAliases  = []string{"media", "items", "playlist_items"}
	playlistItemIDAliases = []string{"id", "media", "media_id"}
	uploadURLAliases      = []string{"upload_url", "presigned_url", "put_url", "url"}
	uploadEndpointAliases = []string{"upload_endpoint", "upload_url_endpoint", "get_upload_url"}
)

// Status vocabularies. The platform uses several words for "usable" and a
// handful for terminal failure; anything in neither set is treated as
// still converging.
var (
	readyStatuses = map[string]bool{
		"finished": true, "ready": true, "done": true, "encoded": true,
		"active": true, "ok": true, "completed": true,
	}
	failedStatuses = map[string]bool{
		"failed": true, "error": true, "aborted": true, "rejected": true,
	}
	initializingStatuses = map[string]bool{
		"initializing": true, "initialized": true, "pending": true,
		"created": true, "new": true, "encoding": true, "processing": true,
	}
)

// IsReadyStatus reports whether the status is in the platform's ready vocabulary.
func IsReadyStatus(status string) bool {
	return readyStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// IsFailedStatus reports whether the status is terminal failure.
func IsFailedStatus(status string) bool {
	return failedStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// IsInitializingStatus reports whether the record is still in its initial
// zero-size phase.
func IsInitializingStatus(status string) bool {
	return initializingStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// MediaRecord is the canonical shape of a remote media record after alias
// normalization. Raw keeps the original response for job snapshots.
type MediaRecord struct {
	ID            int64
	Name          string
	Status        string
	SizeBytes     int64
	FileURL       string
	ThumbnailURL  string
	LastUploaded  string
	SourceType    string
	ErrorMessage  string
	HasFileObject bool
	Raw           map[string]any
}

// HasFileEvidence reports whether any concrete file metadata is present:
// a file object, a file URL, or a positive size.
func (m *MediaRecord) HasFileEvidence() bool {
	return m.HasFileObject || m.FileURL != "" || m.SizeBytes > 0
}

// IsVideoLike reports whether the record looks like a video by origin
// metadata or by the extension of its name/file URL.
func (m *MediaRecord) IsVideoLike() bool {
	src := strings.ToLower(m.SourceType)
	if strings.Contains(src, "video") {
		return true
	}
	for _, candidate := range []string{m.FileURL, m.Name} {
		lower := strings.ToLower(candidate)
		for _, ext := range []string{".mp4", ".mov", ".webm", ".mkv", ".avi"} {
			if strings.Contains(lower, ext) {
				return true
			}
		}
	}
	return false
}

// PlaylistItem is one entry of a remote playlist. Duration is seconds.
type PlaylistItem struct {
	MediaID  int64          `json:"id"`
	Duration int            `json:"duration,omitempty"`
	Raw      map[string]any `json:"-"`
}

// Playlist is the canonical shape of a remote playlist.
type Playlist struct {
	ID    int64
	Name  string
	Items []PlaylistItem
	Raw   map[string]any
}

// Contains reports whether the playlist already carries the media id.
func (p *Playlist) Contains(mediaID int64) bool {
	for _, it := range p.Items {
		if it.MediaID == mediaID {
			return true
		}
	}
	return false
}

// NormalizeMedia converts a raw response map into a MediaRecord.
func NormalizeMedia(raw map[string]any) *MediaRecord {
	if raw == nil {
		return nil
	}
	rec := &MediaRecord{
		ID:           firstInt64(raw, mediaIDAliases),
		Name:         firstString(raw, mediaNameAliases),
		Status:       firstString(raw, mediaStatusAliases),
		SizeBytes:    firstInt64(raw, mediaSizeAliases),
		FileURL:      firstString(raw, mediaFileURLAliases),
		ThumbnailURL: firstString(raw, mediaThumbAliases),
		LastUploaded: firstString(raw, mediaUploadedAliases),
		SourceType:   firstString(raw, mediaSourceAliases),
		ErrorMessage: firstString(raw, mediaErrorAliases),
		Raw:          raw,
	}
	for _, key := range mediaFileObjAliases {
		if v, ok := raw[key]; ok && v != nil {
			// A bare string under "file" is a URL, not an object.
			if s, isStr := v.(string); isStr {
				if rec.FileURL == "" {
					rec.FileURL = s
				}
				if s != "" {
					rec.HasFileObject = true
				}
			} else {
				rec.HasFileObject = true
			}
			break
		}
	}
	return rec
}

// NormalizePlaylist converts a raw playlist response into a Playlist.
func NormalizePlaylist(raw map[string]any) *Playlist {
	if raw == nil {
		return nil
	}
	pl := &Playlist{
		ID:   firstInt64(raw, mediaIDAliases),
		Name: firstString(raw, mediaNameAliases),
		Raw:  raw,
	}
	for _, key := range playlistItemsAliases {
		items, ok := raw[key].([]any)
		if !ok {
			continue
		}
		for _, it := range items {
			switch v := it.(type) {
			case map[string]any:
				pl.Items = append(pl.Items, PlaylistItem{
					MediaID:  firstInt64(v, playlistItemIDAliases),
					Duration: int(firstInt64(v, []string{"duration", "length"})),
					Raw:      v,
				})
			case float64:
				pl.Items = append(pl.Items, PlaylistItem{MediaID: int64(v)})
			}
		}
		break
	}
	return pl
}

// UploadTargetFromCreate inspects a create-media response for either a
// literal upload URL or the endpoint that must be called to obtain one.
func UploadTargetFromCreate(raw map[string]any) (literalURL, endpoint string) {
	literalURL = firstString(raw, uploadURLAliases)
	endpoint = firstString(raw, uploadEndpointAliases)
	return literalURL, endpoint
}

// ExtractUploadURL reads the presigned URL out of an upload-target response.
func ExtractUploadURL(raw map[string]any) string {
	return firstString(raw, uploadURLAliases)
}

// storageHostMarkers identify URLs that already point at object storage
// and can take the PUT directly, without the secondary endpoint hop.
var storageHostMarkers = []string{
	"amazonaws.com",
	"storage.googleapis.com",
	"digitaloceanspaces.com",
	"blob.core.windows.net",
	"/upload",
}

// IsStorageURL reports whether the URL already targets object storage.
func IsStorageURL(u string) bool {
	lower := strings.ToLower(u)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	for _, marker := range storageHostMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsUsableUploadURL validates a presigned URL as absolute http(s).
func IsUsableUploadURL(u string) bool {
	lower := strings.ToLower(strings.TrimSpace(u))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func firstString(raw map[string]any, aliases []string) string {
	for _, key := range aliases {
		if v, ok := raw[key]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case json.Number:
				return s.String()
			}
		}
	}
	return ""
}

func firstInt64(raw map[string]any, aliases []string) int64 {
	for _, key := range aliases {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			if n != 0 {
				return int64(n)
			}
		case int64:
			if n != 0 {
				return n
			}
		case int:
			if n != 0 {
				return int64(n)
			}
		case json.Number:
			if parsed, err := n.Int64(); err == nil && parsed != 0 {
				return parsed
			}
		case string:
			if parsed, ok := parseInt64(n); ok && parsed != 0 {
				return parsed
			}
		}
	}
	return 0
}

func parseInt64(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	var out int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		out = out*10 + int64(r-'0')
	}
	return out, true
}
