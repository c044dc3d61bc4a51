// Package publer is a client for the Publer scheduling API.
package publer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/core/ports"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
	"reelbatch/internal/remotejob"
)

const DefaultBaseURL = "https://app.publer.com/api/v1"

// Config configures the client.
type Config struct {
	APIKey            string
	WorkspaceID       string
	BaseURL           string
	RequestsPerMinute int
}

// APIError is a non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("publer %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client implements ports.Publisher.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// New creates a client. The API key is required.
func New(cfg Config, log *zap.SugaredLogger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.WithHint(errors.New("publer api key not set"), "set PUBLER_API_KEY or publer.api_key")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	if log == nil {
		log = logger.Logger
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 5 * time.Minute},
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With(logger.FieldComponent, "publer"),
	}, nil
}

// WithHTTPClient replaces the HTTP client, for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer-API "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if c.cfg.WorkspaceID != "" {
		req.Header.Set("Publer-Workspace-Id", c.cfg.WorkspaceID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "publer %s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read publer response for %s", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to decode publer response for %s", path)
	}
	return nil
}

// Accounts lists the social accounts of the workspace.
func (c *Client) Accounts(ctx context.Context) ([]ports.Account, error) {
	var accounts []ports.Account
	if err := c.do(ctx, http.MethodGet, "/accounts", nil, "", &accounts); err != nil {
		return nil, errors.Wrap(err, "failed to fetch accounts")
	}
	return accounts, nil
}

// Workspaces lists workspaces visible to the API key.
func (c *Client) Workspaces(ctx context.Context) ([]ports.Workspace, error) {
	var workspaces []ports.Workspace
	if err := c.do(ctx, http.MethodGet, "/workspaces", nil, "", &workspaces); err != nil {
		return nil, errors.Wrap(err, "failed to fetch workspaces")
	}
	return workspaces, nil
}

// UploadMedia sends a local file as multipart form data. Publer answers
// either with the media id or with a job id to poll.
func (c *Client) UploadMedia(ctx context.Context, path string) (*ports.UploadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "local file not found: %s", path)
	}
	defer file.Close()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
	header.Set("Content-Type", mimeType(path))
	part, err := form.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	var resp struct {
		ID    string `json:"id"`
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/media", &buf, form.FormDataContentType(), &resp); err != nil {
		return nil, errors.Wrap(err, "upload failed")
	}
	if resp.ID == "" && resp.JobID == "" {
		return nil, errors.New("no media id returned from publer")
	}
	c.log.Infow("media uploaded", logger.FieldPath, path, "media_id", resp.ID, logger.FieldHandle, resp.JobID)
	return &ports.UploadResult{MediaID: resp.ID, Handle: resp.JobID}, nil
}

func mimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	}
	return "application/octet-stream"
}

type schedulePayload struct {
	Bulk struct {
		State string         `json:"state"`
		Posts []schedulePost `json:"posts"`
	} `json:"bulk"`
}

type schedulePost struct {
	Networks map[string]networkContent `json:"networks"`
	Accounts []scheduleAccount         `json:"accounts"`
}

type networkContent struct {
	Type  string       `json:"type"`
	Text  string       `json:"text"`
	Media []mediaEntry `json:"media"`
}

type mediaEntry struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type scheduleAccount struct {
	ID          string `json:"id"`
	ScheduledAt string `json:"scheduled_at"`
}

// SchedulePost submits one video post for every account in req and
// returns the job id of the bulk request.
func (c *Client) SchedulePost(ctx context.Context, req ports.ScheduleRequest) (string, error) {
	var payload schedulePayload
	payload.Bulk.State = "scheduled"

	post := schedulePost{Networks: make(map[string]networkContent, len(req.Networks))}
	for _, network := range req.Networks {
		post.Networks[network] = networkContent{
			Type:  "video",
			Text:  req.Text,
			Media: []mediaEntry{{ID: req.MediaID, Type: "video"}},
		}
	}
	at := req.At.Format(time.RFC3339)
	for _, id := range req.AccountIDs {
		post.Accounts = append(post.Accounts, scheduleAccount{ID: id, ScheduledAt: at})
	}
	payload.Bulk.Posts = []schedulePost{post}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/posts/schedule", bytes.NewReader(body), "application/json", &resp); err != nil {
		return "", errors.Wrap(err, "scheduling failed")
	}
	if resp.JobID == "" {
		return "", errors.New("no job id returned from publer")
	}
	return resp.JobID, nil
}

// JobStatus polls an asynchronous job. A job that completes with
// per-post failures is reported as failed with the failure text.
func (c *Client) JobStatus(ctx context.Context, handle string) (*ports.RemoteJobStatus, error) {
	var resp struct {
		Status  string          `json:"status"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.do(ctx, http.MethodGet, "/job_status/"+url.PathEscape(handle), nil, "", &resp); err != nil {
		return nil, err
	}

	status := &ports.RemoteJobStatus{State: resp.Status, Payload: resp.Payload}
	if detail := failureDetail(resp.Payload); detail != "" {
		status.Detail = detail
		if remotejob.IsSuccessState(resp.Status) {
			status.State = "failed"
		}
	}
	return status, nil
}

// failureDetail flattens the "failures" or "error" members of a job payload.
func failureDetail(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var p struct {
		Failures json.RawMessage `json:"failures"`
		Error    json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	var parts []string
	for _, raw := range []json.RawMessage{p.Failures, p.Error} {
		if msg := flatten(raw); msg != "" {
			parts = append(parts, msg)
		}
	}
	return strings.Join(parts, "; ")
}

// flatten collects every string found in an arbitrary JSON value.
func flatten(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	var out []string
	var walk func(interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			if t != "" {
				out = append(out, t)
			}
		case []interface{}:
			for _, e := range t {
				walk(e)
			}
		case map[string]interface{}:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(v)
	return strings.Join(out, "; ")
}

type post struct {
	ScheduledAt string          `json:"scheduled_at"`
	Account     json.RawMessage `json:"account"`
	AccountID   string          `json:"account_id"`
}

// ScheduledPosts returns the upcoming posts as busy intervals.
func (c *Client) ScheduledPosts(ctx context.Context, limit int) ([]domain.BusyInterval, error) {
	q := url.Values{}
	q.Set("state", "scheduled")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/posts?"+q.Encode(), nil, "", &raw); err != nil {
		return nil, errors.Wrap(err, "failed to fetch posts")
	}
	posts, err := decodePosts(raw)
	if err != nil {
		return nil, err
	}

	busy := make([]domain.BusyInterval, 0, len(posts))
	for _, p := range posts {
		at, err := time.Parse(time.RFC3339, p.ScheduledAt)
		if err != nil {
			c.log.Debugw("skipping post without schedule time", "scheduled_at", p.ScheduledAt)
			continue
		}
		busy = append(busy, domain.BusyInterval{At: at, AccountID: accountID(p)})
	}
	return busy, nil
}

// decodePosts accepts a bare array or an object wrapping it in "posts".
func decodePosts(raw json.RawMessage) ([]post, error) {
	var posts []post
	if err := json.Unmarshal(raw, &posts); err == nil {
		return posts, nil
	}
	var wrapped struct {
		Posts []post `json:"posts"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, errors.Wrap(err, "failed to decode posts")
	}
	return wrapped.Posts, nil
}

// accountID reads the account as either an id string or an object with id.
func accountID(p post) string {
	if p.AccountID != "" {
		return p.AccountID
	}
	if len(p.Account) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(p.Account, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(p.Account, &obj); err == nil {
		return obj.ID
	}
	return ""
}
