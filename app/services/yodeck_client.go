package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/citysign/citysign-backend/config"
)

// YodeckAPI is the boundary to the remote device-management platform.
// The platform is treated as untrusted and partially observable: callers
// get raw response maps plus HTTP status codes and decide what the
// combination means.
type YodeckAPI interface {
	CreateMedia(ctx context.Context, name string) (map[string]any, int, error)
	GetMedia(ctx context.Context, id int64) (*MediaRecord, int, error)
	DeleteMedia(ctx context.Context, id int64) error
	SearchMedia(ctx context.Context, term string) ([]*MediaRecord, error)
	FetchUploadURL(ctx context.Context, endpoint string) (map[string]any, int, error)
	PutBytes(ctx context.Context, uploadURL string, data []byte) (*PutResult, error)
	ProbeFinalize(ctx context.Context, mediaID int64) (*FinalizeOutcome, error)
	CreateMediaFromURL(ctx context.Context, name, sourceURL string) (map[string]any, int, error)
	GetPlaylist(ctx context.Context, id int64) (*Playlist, int, error)
	ReplacePlaylistItems(ctx context.Context, id int64, items []PlaylistItem) (int, map[string]any, error)
	FindPlaylistByName(ctx context.Context, name string) (*Playlist, error)
	PatchDeviceContentSource(ctx context.Context, deviceID, playlistID int64) error
}

// PutResult captures everything about the binary upload attempt for the
// job row, success or not.
type PutResult struct {
	StatusCode int               `json:"status_code"`
	ETag       string            `json:"etag,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ElapsedMS  int64             `json:"elapsed_ms"`
}

// OK reports whether the write got a 2xx.
func (p *PutResult) OK() bool {
	return p != nil && p.StatusCode >= 200 && p.StatusCode < 300
}

// FinalizeProbe is one attempted finalize endpoint and its outcome.
type FinalizeProbe struct {
	Endpoint   string `json:"endpoint"`
	StatusCode int    `json:"status_code"`
}

// FinalizeOutcome distinguishes "a finalize endpoint accepted" from
// "the platform does not expose finalize here" (all probes 404/405).
// The two cases must not be conflated: only verification decides whether
// the upload actually landed.
type FinalizeOutcome struct {
	Accepted bool            `json:"accepted"`
	Endpoint string          `json:"endpoint,omitempty"`
	Probes   []FinalizeProbe `json:"probes"`
}

// YodeckClient talks to the Yodeck REST API over HTTP+JSON.
type YodeckClient struct {
	cfg    config.YodeckConfig
	client *http.Client
}

// NewYodeckClient creates a new Yodeck API client.
func NewYodeckClient(cfg config.YodeckConfig) *YodeckClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &YodeckClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *YodeckClient) Name() string { return "yodeck" }

// finalizeCandidates is the declarative probe order for "mark upload
// complete". The platform may auto-finalize after the binary PUT, so the
// list is best-effort by contract.
func finalizeCandidates(mediaID int64) []string {
	return []string{
		fmt.Sprintf("/media/%d/finalize/", mediaID),
		fmt.Sprintf("/media/%d/complete_upload/", mediaID),
		fmt.Sprintf("/media/%d/upload_complete/", mediaID),
		fmt.Sprintf("/videos/%d/finalize/", mediaID),
	}
}

// CreateMedia registers a placeholder media record with only the minimal
// required fields. Optional platform-specific fields are a documented
// source of rejection, so nothing else is sent.
func (c *YodeckClient) CreateMedia(ctx context.Context, name string) (map[string]any, int, error) {
	body := map[string]any{"name": name}
	return c.doJSON(ctx, http.MethodPost, "/media/", body)
}

// GetMedia fetches and normalizes one media record.
func (c *YodeckClient) GetMedia(ctx context.Context, id int64) (*MediaRecord, int, error) {
	raw, status, err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/media/%d/", id), nil)
	if err != nil {
		return nil, status, err
	}
	if status != http.StatusOK {
		return nil, status, nil
	}
	return NormalizeMedia(raw), status, nil
}

// DeleteMedia removes a remote media record. A 404 is treated as done.
func (c *YodeckClient) DeleteMedia(ctx context.Context, id int64) error {
	_, status, err := c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/media/%d/", id), nil)
	if err != nil {
		return err
	}
	if status >= 200 && status < 300 || status == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("yodeck: delete media %d status %d", id, status)
}

// SearchMedia queries the remote search endpoint for one term and
// normalizes every hit. Responses arrive either as a bare list or inside
// a results envelope.
func (c *YodeckClient) SearchMedia(ctx context.Context, term string) ([]*MediaRecord, error) {
	path := "/media/?search=" + urlQueryEscape(term)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yodeck: search status %d", resp.StatusCode)
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	var items []any
	switch v := payload.(type) {
	case []any:
		items = v
	case map[string]any:
		for _, key := range []string{"results", "data", "media", "items"} {
			if list, ok := v[key].([]any); ok {
				items = list
				break
			}
		}
	}
	out := make([]*MediaRecord, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, NormalizeMedia(m))
		}
	}
	return out, nil
}

// FetchUploadURL calls the secondary endpoint returned by create when no
// literal storage URL was provided.
func (c *YodeckClient) FetchUploadURL(ctx context.Context, endpoint string) (map[string]any, int, error) {
	return c.doJSON(ctx, http.MethodGet, endpoint, nil)
}

// PutBytes uploads the raw asset to the presigned URL with an explicit
// Content-Length. Headers, ETag and elapsed time are recorded regardless
// of outcome; a transport error still reports elapsed time via the result.
func (c *YodeckClient) PutBytes(ctx context.Context, uploadURL string, data []byte) (*PutResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return &PutResult{StatusCode: 0, ElapsedMS: elapsed}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &PutResult{
		StatusCode: resp.StatusCode,
		ETag:       strings.Trim(resp.Header.Get("ETag"), `"`),
		Headers:    headers,
		ElapsedMS:  elapsed,
	}, nil
}

// ProbeFinalize walks the candidate finalize endpoints in order: first
// 2xx wins, 404/405 means "not supported here, try the next one". All
// probes exhausting as 404/405 is not a failure.
func (c *YodeckClient) ProbeFinalize(ctx context.Context, mediaID int64) (*FinalizeOutcome, error) {
	outcome := &FinalizeOutcome{}
	for _, endpoint := range finalizeCandidates(mediaID) {
		_, status, err := c.doJSON(ctx, http.MethodPost, endpoint, map[string]any{})
		if err != nil {
			return outcome, err
		}
		outcome.Probes = append(outcome.Probes, FinalizeProbe{Endpoint: endpoint, StatusCode: status})
		if status >= 200 && status < 300 {
			outcome.Accepted = true
			outcome.Endpoint = endpoint
			return outcome, nil
		}
	}
	return outcome, nil
}

// CreateMediaFromURL asks the platform to create a media record sourced
// by URL; the platform downloads the file on its side.
func (c *YodeckClient) CreateMediaFromURL(ctx context.Context, name, sourceURL string) (map[string]any, int, error) {
	body := map[string]any{
		"name":       name,
		"source_url": sourceURL,
	}
	return c.doJSON(ctx, http.MethodPost, "/media/", body)
}

// GetPlaylist fetches and normalizes one playlist.
func (c *YodeckClient) GetPlaylist(ctx context.Context, id int64) (*Playlist, int, error) {
	raw, status, err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/playlists/%d/", id), nil)
	if err != nil {
		return nil, status, err
	}
	if status != http.StatusOK {
		return nil, status, nil
	}
	return NormalizePlaylist(raw), status, nil
}

// ReplacePlaylistItems writes the full item list back. The API has no
// incremental append; whole-list replacement is the only write shape.
func (c *YodeckClient) ReplacePlaylistItems(ctx context.Context, id int64, items []PlaylistItem) (int, map[string]any, error) {
	media := make([]map[string]any, 0, len(items))
	for _, it := range items {
		entry := map[string]any{"id": it.MediaID}
		if it.Duration > 0 {
			entry["duration"] = it.Duration
		}
		media = append(media, entry)
	}
	raw, status, err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/playlists/%d/", id), map[string]any{"media": media})
	return status, raw, err
}

// FindPlaylistByName returns the first playlist whose name matches
// exactly (case-insensitive), or nil.
func (c *YodeckClient) FindPlaylistByName(ctx context.Context, name string) (*Playlist, error) {
	raw, status, err := c.doJSON(ctx, http.MethodGet, "/playlists/?search="+urlQueryEscape(name), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("yodeck: list playlists status %d", status)
	}
	var items []any
	for _, key := range []string{"results", "data", "playlists", "items"} {
		if list, ok := raw[key].([]any); ok {
			items = list
			break
		}
	}
	want := strings.ToLower(strings.TrimSpace(name))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		pl := NormalizePlaylist(m)
		if strings.ToLower(strings.TrimSpace(pl.Name)) == want {
			return pl, nil
		}
	}
	return nil, nil
}

// PatchDeviceContentSource points a device at a playlist.
func (c *YodeckClient) PatchDeviceContentSource(ctx context.Context, deviceID, playlistID int64) error {
	body := map[string]any{
		"screen_content": map[string]any{
			"source_type": "playlist",
			"playlist":    playlistID,
		},
	}
	_, status, err := c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/devices/%d/", deviceID), body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("yodeck: patch device %d status %d", deviceID, status)
	}
	return nil
}

// newRequest builds an authenticated request. Absolute URLs (presigned
// storage targets) bypass the base URL and the credential header.
func (c *YodeckClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	url := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		url = strings.TrimRight(c.cfg.BaseURL, "/") + path
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if url != path || strings.HasPrefix(url, c.cfg.BaseURL) {
		req.Header.Set("Authorization", "Token "+c.cfg.AuthLabel+":"+c.cfg.AuthSecret)
	}
	return req, nil
}

// doJSON executes a JSON request against the API and decodes the body
// into a map when one is present. Non-2xx statuses are returned to the
// caller, not converted to errors: the flows own that interpretation.
func (c *YodeckClient) doJSON(ctx context.Context, method, path string, payload any) (map[string]any, int, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, resp.StatusCode, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		// Some endpoints answer with non-object bodies; keep the status
		// and let the caller decide.
		return nil, resp.StatusCode, nil
	}
	return out, resp.StatusCode, nil
}

func urlQueryEscape(s string) string {
	replacer := strings.NewReplacer(" ", "%20", "&", "%26", "#", "%23", "?", "%3F", "+", "%2B")
	return replacer.Replace(s)
}
