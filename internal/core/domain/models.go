package domain

import "time"

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusCreated    Status = "created"
	StatusScraped    Status = "scraped"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
	StatusFailed     Status = "failed"
)

// Approval is the operator's decision on a single Item.
type Approval string

const (
	ApprovalPending  Approval = "pending"
	ApprovalApproved Approval = "approved"
	ApprovalRejected Approval = "rejected"
)

// Valid reports whether a is one of the known approval states.
func (a Approval) Valid() bool {
	switch a {
	case ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

// Job represents one batch run from a single source through to publishing.
type Job struct {
	ID          string        `json:"job_id"`
	SourceURL   string        `json:"source_url"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Status      Status        `json:"status"`
	Items       []Item        `json:"items"`
	Config      *RenderConfig `json:"config,omitempty"`
	IsSimulated bool          `json:"is_simulated"`
	Worker      *WorkerInfo   `json:"worker,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Revision    int64         `json:"revision"`
}

// Item is one content unit (a single clip) within a Job.
type Item struct {
	ID              string     `json:"id"`
	Approval        Approval   `json:"approval"`
	SourceMedia     string     `json:"source_media,omitempty"`
	SourceURL       string     `json:"source_url,omitempty"`
	Thumbnail       string     `json:"thumbnail,omitempty"`
	Username        string     `json:"username,omitempty"`
	Views           int64      `json:"views,omitempty"`
	Likes           int64      `json:"likes,omitempty"`
	Comments        int64      `json:"comments,omitempty"`
	Score           float64    `json:"score,omitempty"`
	OriginalCaption string     `json:"original_caption,omitempty"`
	Caption         string     `json:"caption,omitempty"`
	RenderedOutput  string     `json:"rendered_output,omitempty"`
	Layout          *Layout    `json:"layout,omitempty"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	RemotePostID    string     `json:"remote_post_id,omitempty"`
	PublishError    string     `json:"publish_error,omitempty"`
}

// Rendered reports whether the worker has produced output for the item.
func (i Item) Rendered() bool {
	return i.RenderedOutput != ""
}

// Layout records where the worker placed the clip inside the branded frame.
// It is kept so corrections can re-run with a known starting point.
type Layout struct {
	Y          int `json:"y"`
	H          int `json:"h"`
	Correction int `json:"correction"`
	Width      int `json:"width"`
	Height     int `json:"height"`
}

// RenderConfig is the brand overlay configuration consumed by the render worker.
type RenderConfig struct {
	Mode               string `json:"mode,omitempty"`
	HeaderHeight       int    `json:"header_height,omitempty"`
	DesignName         string `json:"design_name,omitempty"`
	DesignHandle       string `json:"design_handle,omitempty"`
	BackgroundColor    string `json:"background_color,omitempty"`
	TextColor          string `json:"text_color,omitempty"`
	NameSize           int    `json:"name_size,omitempty"`
	HandleSize         int    `json:"handle_size,omitempty"`
	HeadlineMode       string `json:"headline_mode,omitempty"`
	HeadlineText       string `json:"headline_text,omitempty"`
	HeadlineSize       int    `json:"headline_size,omitempty"`
	ShowHeadline       bool   `json:"show_headline"`
	VerticalPosition   int    `json:"vertical_position,omitempty"`
	VerticalCorrection int    `json:"vertical_correction,omitempty"`
	AutoDetect         bool   `json:"auto_detect"`
	HeaderImage        string `json:"header_image,omitempty"`
	ProfileImage       string `json:"profile_image,omitempty"`
}

// WorkerInfo is the last known render worker for a Job. It survives a
// restart of this process so a stale processing Job can be resolved.
type WorkerInfo struct {
	PID        int        `json:"pid"`
	Host       string     `json:"host"`
	StartedAt  time.Time  `json:"started_at"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ItemByID returns a pointer into j.Items for in-place mutation.
func (j *Job) ItemByID(id string) *Item {
	for i := range j.Items {
		if j.Items[i].ID == id {
			return &j.Items[i]
		}
	}
	return nil
}

// ApprovedItems returns the approved items in job order.
func (j *Job) ApprovedItems() []Item {
	var out []Item
	for _, item := range j.Items {
		if item.Approval == ApprovalApproved {
			out = append(out, item)
		}
	}
	return out
}

// AllApprovedRendered reports whether every approved item has an output.
// A job with no approved items is trivially complete.
func (j *Job) AllApprovedRendered() bool {
	for _, item := range j.Items {
		if item.Approval == ApprovalApproved && !item.Rendered() {
			return false
		}
	}
	return true
}

// BusyInterval is a publish time already committed on the remote calendar.
type BusyInterval struct {
	At        time.Time `json:"at"`
	AccountID string    `json:"account_id"`
}

// ScheduleSlot is a proposed, not yet committed, publish time for an Item.
type ScheduleSlot struct {
	ItemID string    `json:"item_id"`
	At     time.Time `json:"at"`
}

// Strategy selects how the planner treats existing commitments.
type Strategy string

const (
	// StrategyFill places items in gaps around existing posts.
	StrategyFill Strategy = "fill"
	// StrategyAppend places items strictly after the latest existing post.
	StrategyAppend Strategy = "append"
)

// PublishOutcome is the per-item result of a publish batch.
type PublishOutcome struct {
	ItemID       string     `json:"item_id"`
	Success      bool       `json:"success"`
	RemotePostID string     `json:"remote_post_id,omitempty"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	Attempts     int        `json:"attempts"`
	Error        string     `json:"error,omitempty"`
}
