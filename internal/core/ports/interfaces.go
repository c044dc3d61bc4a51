package ports

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"reelbatch/internal/core/domain"
)

// Mutator edits a job in place. exists is false when the id was not in the
// table; the mutator then receives a zero Job it may populate. Returning an
// error aborts the write.
type Mutator func(job *domain.Job, exists bool) error

// JobStore is the durable table of jobs.
type JobStore interface {
	// Get returns the job or an error wrapping errors.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Upsert reads the job, applies fn and writes the result back atomically.
	Upsert(ctx context.Context, id string, fn Mutator) (*domain.Job, error)

	// List returns every job ordered by creation time, newest first.
	List(ctx context.Context) ([]*domain.Job, error)
}

// WorkerHandle is a running (or finished) worker process owned by a job.
type WorkerHandle interface {
	JobID() string
	PID() int
	StartedAt() time.Time
	// Terminate signals the process without waiting for it to exit.
	Terminate() error
	// Done is closed once the process has exited and its exit has been handled.
	Done() <-chan struct{}
}

// WorkerRegistry tracks at most one active worker per job.
type WorkerRegistry interface {
	// Claim records h for jobID unless a handle is already held, in which
	// case the existing handle is returned with claimed=false.
	Claim(jobID string, h WorkerHandle) (current WorkerHandle, claimed bool)

	// Lookup returns the handle held for jobID.
	Lookup(jobID string) (WorkerHandle, bool)

	// Release drops the claim if it is still held by h. A nil h releases
	// whatever is held. It reports whether anything was removed.
	Release(jobID string, h WorkerHandle) bool

	// Active lists job ids with a held claim.
	Active() []string
}

// Liveness inspects worker processes recorded by PID, including workers
// started by an earlier run of this program.
type Liveness interface {
	Alive(ctx context.Context, pid int, startedAt time.Time) (bool, error)
	// Terminate signals the recorded worker if it is still the same process
	// and reports whether a signal was sent.
	Terminate(ctx context.Context, pid int, startedAt time.Time) (bool, error)
}

// ScrapeRequest describes one intake run.
type ScrapeRequest struct {
	JobID     string
	SourceURL string
	Limit     int
	OutputDir string
}

// ScrapedItem is one clip found by a scraper.
type ScrapedItem struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	LocalVideo  string  `json:"local_video_path"`
	LocalThumb  string  `json:"local_thumb_path"`
	Thumbnail   string  `json:"thumbnail"`
	PlayableURL string  `json:"playable_url"`
	Username    string  `json:"username"`
	Views       int64   `json:"views"`
	Likes       int64   `json:"likes"`
	Comments    int64   `json:"comments"`
	Score       float64 `json:"score"`
	Caption     string  `json:"caption"`
}

// ScrapeResult holds the items found plus the raw payload they came from.
// RawMetadata preserves the exact upstream response.
type ScrapeResult struct {
	Items       []ScrapedItem
	RawMetadata []byte
}

// Scraper finds clips for a source profile.
type Scraper interface {
	Scrape(ctx context.Context, req ScrapeRequest) (*ScrapeResult, error)
}

// Downloader fetches a remote media file.
type Downloader interface {
	// Download returns a ReadCloser that the caller must close.
	Download(ctx context.Context, mediaURL string) (io.ReadCloser, error)
}

// MediaStorage owns the per-job directory layout.
type MediaStorage interface {
	// InitJob creates the job directory structure.
	InitJob(ctx context.Context, jobID string) error

	// SaveMetadata saves a raw upstream payload without modification.
	SaveMetadata(ctx context.Context, jobID string, data []byte) error

	// SaveVideo stores a source clip and returns its path.
	SaveVideo(ctx context.Context, jobID string, reader io.Reader, filename string) (string, error)

	// SaveAsset stores a render asset (header or profile image) and returns its path.
	SaveAsset(ctx context.Context, jobID, name string, reader io.Reader) (string, error)

	// FindOutput returns the rendered output for an item, if one exists.
	FindOutput(jobID, itemID string) (string, bool)

	// ClearOutput removes any rendered output for an item.
	ClearOutput(jobID, itemID string) error

	// GetJobPath returns the filesystem path for a given job ID.
	GetJobPath(jobID string) string
}

// Account is a social profile connected to the publishing workspace.
type Account struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Type     string `json:"type"`
}

// Workspace is a publishing workspace visible to the API key.
type Workspace struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UploadResult is either a direct media id or a handle to poll.
type UploadResult struct {
	MediaID string
	Handle  string
}

// ScheduleRequest is one post submitted to the remote calendar.
type ScheduleRequest struct {
	Text       string
	MediaID    string
	AccountIDs []string
	Networks   []string
	At         time.Time
}

// RemoteJobStatus is a single poll of an asynchronous remote job.
type RemoteJobStatus struct {
	State   string
	Payload json.RawMessage
	Detail  string
}

// RemoteJobFetcher reads the current state of an asynchronous remote job.
type RemoteJobFetcher interface {
	JobStatus(ctx context.Context, handle string) (*RemoteJobStatus, error)
}

// Publisher is the remote scheduling and publishing system.
type Publisher interface {
	RemoteJobFetcher

	Accounts(ctx context.Context) ([]Account, error)
	Workspaces(ctx context.Context) ([]Workspace, error)
	UploadMedia(ctx context.Context, path string) (*UploadResult, error)
	// SchedulePost submits a post and returns the handle of the remote job.
	SchedulePost(ctx context.Context, req ScheduleRequest) (string, error)
	// ScheduledPosts returns posts already on the calendar as busy intervals.
	ScheduledPosts(ctx context.Context, limit int) ([]domain.BusyInterval, error)
}

// CaptionRequest is the context handed to a caption generator.
type CaptionRequest struct {
	OriginalCaption string
	Username        string
	Style           string
}

// Captioner writes a post caption for one clip.
type Captioner interface {
	Caption(ctx context.Context, req CaptionRequest) (string, error)
}
