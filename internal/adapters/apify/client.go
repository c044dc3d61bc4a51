package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"reelbatch/internal/core/ports"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
	"reelbatch/internal/remotejob"
)

const (
	DefaultBaseURL = "https://api.apify.com/v2"
	// DefaultActorID is the public Instagram reel scraper.
	DefaultActorID = "apify~instagram-reel-scraper"
)

// Apify run states.
var (
	runSucceeded = []string{"SUCCEEDED"}
	runFailed    = []string{"FAILED", "ABORTED", "TIMED-OUT"}
)

// Config configures the profile scraper.
type Config struct {
	Token        string
	ActorID      string
	BaseURL      string
	PollInterval time.Duration
	PollAttempts int
}

// ProfileScraper implements ports.Scraper with an Apify actor run. The
// run is polled to completion, its dataset is read and every clip is
// downloaded into the job directory.
type ProfileScraper struct {
	cfg        Config
	client     *http.Client
	downloader ports.Downloader
	storage    ports.MediaStorage
	poller     *remotejob.Poller
	log        *zap.SugaredLogger
}

// NewProfileScraper creates a scraper. The token is required.
func NewProfileScraper(cfg Config, downloader ports.Downloader, storage ports.MediaStorage, log *zap.SugaredLogger) (*ProfileScraper, error) {
	if cfg.Token == "" {
		return nil, errors.WithHint(errors.New("apify token not set"), "set APIFY_API_TOKEN or apify.token")
	}
	if cfg.ActorID == "" {
		cfg.ActorID = DefaultActorID
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if log == nil {
		log = logger.Logger
	}

	s := &ProfileScraper{
		cfg: cfg,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
		downloader: downloader,
		storage:    storage,
		log:        log.With(logger.FieldComponent, "apify"),
	}
	s.poller = remotejob.NewPoller(s,
		remotejob.WithInterval(cfg.PollInterval),
		remotejob.WithAttempts(cfg.PollAttempts),
		remotejob.WithStates(runSucceeded, runFailed),
		remotejob.WithLogger(s.log),
	)
	return s, nil
}

// WithHTTPClient replaces the HTTP client, for tests.
func (s *ProfileScraper) WithHTTPClient(c *http.Client) *ProfileScraper {
	s.client = c
	return s
}

// WithPoller replaces the poller, for tests.
func (s *ProfileScraper) WithPoller(opts ...remotejob.Option) *ProfileScraper {
	base := []remotejob.Option{
		remotejob.WithInterval(s.cfg.PollInterval),
		remotejob.WithAttempts(s.cfg.PollAttempts),
		remotejob.WithStates(runSucceeded, runFailed),
		remotejob.WithLogger(s.log),
	}
	s.poller = remotejob.NewPoller(s, append(base, opts...)...)
	return s
}

// Scrape runs the actor for the profile in req.SourceURL.
func (s *ProfileScraper) Scrape(ctx context.Context, req ports.ScrapeRequest) (*ports.ScrapeResult, error) {
	username := ProfileUsername(req.SourceURL)
	if username == "" {
		return nil, errors.NewInvalidRequestError("no profile in %q", req.SourceURL)
	}

	runID, err := s.startActorRun(ctx, username, req.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start actor run")
	}
	s.log.Infow("actor run started", logger.FieldJobID, req.JobID, "run_id", runID, "profile", username)

	payload, err := s.poller.Await(ctx, runID)
	if err != nil {
		return nil, errors.Wrap(err, "actor run did not succeed")
	}
	var run struct {
		DefaultDatasetID string `json:"defaultDatasetId"`
	}
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, errors.Wrap(err, "failed to decode actor run")
	}

	raw, err := s.getDatasetItems(ctx, run.DefaultDatasetID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get results")
	}

	items, err := s.mapItems(ctx, req, raw)
	if err != nil {
		return nil, err
	}
	return &ports.ScrapeResult{Items: items, RawMetadata: raw}, nil
}

func (s *ProfileScraper) startActorRun(ctx context.Context, username string, limit int) (string, error) {
	endpoint := fmt.Sprintf("%s/acts/%s/runs?token=%s", s.cfg.BaseURL, s.cfg.ActorID, url.QueryEscape(s.cfg.Token))

	if limit <= 0 {
		limit = 12
	}
	input := map[string]interface{}{
		"username":     []string{username},
		"resultsLimit": limit,
	}
	body, _ := json.Marshal(input)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return "", errors.Newf("failed to start actor: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Data.ID, nil
}

// JobStatus reads an actor run. It implements ports.RemoteJobFetcher.
func (s *ProfileScraper) JobStatus(ctx context.Context, runID string) (*ports.RemoteJobStatus, error) {
	endpoint := fmt.Sprintf("%s/actor-runs/%s?token=%s", s.cfg.BaseURL, runID, url.QueryEscape(s.cfg.Token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, errors.Newf("actor run status %d: %s", resp.StatusCode, string(respBody))
	}

	var status struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	var fields struct {
		Status        string `json:"status"`
		StatusMessage string `json:"statusMessage"`
	}
	if err := json.Unmarshal(status.Data, &fields); err != nil {
		return nil, err
	}

	return &ports.RemoteJobStatus{
		State:   fields.Status,
		Payload: status.Data,
		Detail:  fields.StatusMessage,
	}, nil
}

func (s *ProfileScraper) getDatasetItems(ctx context.Context, datasetID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/datasets/%s/items?token=%s", s.cfg.BaseURL, datasetID, url.QueryEscape(s.cfg.Token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("dataset %s: status %d", datasetID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

type reel struct {
	ID             string `json:"id"`
	ShortCode      string `json:"shortCode"`
	URL            string `json:"url"`
	VideoURL       string `json:"videoUrl"`
	DisplayURL     string `json:"displayUrl"`
	OwnerUsername  string `json:"ownerUsername"`
	VideoViewCount int64  `json:"videoViewCount"`
	VideoPlayCount int64  `json:"videoPlayCount"`
	LikesCount     int64  `json:"likesCount"`
	CommentsCount  int64  `json:"commentsCount"`
	Caption        string `json:"caption"`
}

// mapItems converts dataset rows and downloads each clip. A clip that
// fails to download is kept with only its remote URL.
func (s *ProfileScraper) mapItems(ctx context.Context, req ports.ScrapeRequest, raw []byte) ([]ports.ScrapedItem, error) {
	var reels []reel
	if err := json.Unmarshal(raw, &reels); err != nil {
		return nil, errors.Wrap(err, "failed to decode dataset items")
	}

	items := make([]ports.ScrapedItem, 0, len(reels))
	for _, r := range reels {
		if r.VideoURL == "" {
			continue
		}
		id := r.ShortCode
		if id == "" {
			id = r.ID
		}
		views := r.VideoViewCount
		if views == 0 {
			views = r.VideoPlayCount
		}
		item := ports.ScrapedItem{
			ID:          id,
			URL:         r.URL,
			Thumbnail:   r.DisplayURL,
			PlayableURL: r.VideoURL,
			Username:    r.OwnerUsername,
			Views:       views,
			Likes:       r.LikesCount,
			Comments:    r.CommentsCount,
			Score:       float64(views + 2*r.LikesCount),
			Caption:     r.Caption,
		}

		if s.downloader != nil && s.storage != nil {
			if local, err := s.download(ctx, req.JobID, id, r.VideoURL); err != nil {
				s.log.Warnw("failed to download clip", logger.FieldJobID, req.JobID, logger.FieldItemID, id, logger.FieldError, err)
			} else {
				item.LocalVideo = local
			}
		}
		items = append(items, item)

		if req.Limit > 0 && len(items) >= req.Limit {
			break
		}
	}
	return items, nil
}

func (s *ProfileScraper) download(ctx context.Context, jobID, itemID, videoURL string) (string, error) {
	body, err := s.downloader.Download(ctx, videoURL)
	if err != nil {
		return "", err
	}
	defer body.Close()
	return s.storage.SaveVideo(ctx, jobID, body, itemID+".mp4")
}

// ProfileUsername extracts the account name from a profile URL or returns
// the input unchanged when it is already a bare name.
func ProfileUsername(source string) string {
	source = strings.TrimSpace(source)
	if source == "" {
		return ""
	}
	if !strings.Contains(source, "/") {
		return strings.TrimPrefix(source, "@")
	}
	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return ""
	}
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return ""
	}
	first := strings.Split(p, "/")[0]
	return strings.TrimPrefix(path.Clean(first), "@")
}
