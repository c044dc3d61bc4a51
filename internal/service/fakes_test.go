package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reelbatch/internal/adapters/jsonstore"
	"reelbatch/internal/adapters/localstorage"
	"reelbatch/internal/adapters/process"
	"reelbatch/internal/core/domain"
	"reelbatch/internal/core/ports"
	"reelbatch/internal/remotejob"
)

type fakeHandle struct {
	jobID   string
	pid     int
	started time.Time
	done    chan struct{}
}

func (h *fakeHandle) JobID() string         { return h.jobID }
func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) StartedAt() time.Time  { return h.started }
func (h *fakeHandle) Terminate() error      { return nil }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

type fakeSupervisor struct {
	mu       sync.Mutex
	active   map[string]*fakeHandle
	commands []process.Command
	startErr error
	canceled []string
	onExit   process.ExitFunc
	nextPID  int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{active: make(map[string]*fakeHandle), nextPID: 1000}
}

func (s *fakeSupervisor) Start(_ context.Context, jobID string, command process.Command) (ports.WorkerHandle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.active[jobID]; ok {
		return h, false, nil
	}
	if s.startErr != nil {
		return nil, false, &domain.WorkerSpawnError{JobID: jobID, Err: s.startErr}
	}
	s.nextPID++
	h := &fakeHandle{jobID: jobID, pid: s.nextPID, started: time.Now().UTC(), done: make(chan struct{})}
	s.active[jobID] = h
	s.commands = append(s.commands, command)
	return h, true, nil
}

func (s *fakeSupervisor) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[jobID]; !ok {
		return false
	}
	delete(s.active, jobID)
	s.canceled = append(s.canceled, jobID)
	return true
}

func (s *fakeSupervisor) IsActive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[jobID]
	return ok
}

func (s *fakeSupervisor) OnExit(fn process.ExitFunc) { s.onExit = fn }

// exit simulates the worker of jobID finishing.
func (s *fakeSupervisor) exit(jobID string, code int, stdout string) {
	s.mu.Lock()
	h := s.active[jobID]
	delete(s.active, jobID)
	s.mu.Unlock()

	ev := process.ExitEvent{JobID: jobID, ExitCode: code, Stdout: []byte(stdout), FinishedAt: time.Now().UTC()}
	if h != nil {
		ev.PID = h.pid
		ev.StartedAt = h.started
	}
	s.onExit(ev)
}

func (s *fakeSupervisor) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

type fakeLiveness struct {
	alive      map[int]bool
	terminated []int
}

func (l *fakeLiveness) Alive(_ context.Context, pid int, _ time.Time) (bool, error) {
	return l.alive[pid], nil
}

func (l *fakeLiveness) Terminate(_ context.Context, pid int, _ time.Time) (bool, error) {
	if !l.alive[pid] {
		return false, nil
	}
	l.terminated = append(l.terminated, pid)
	return true, nil
}

type fakeScraper struct {
	result *ports.ScrapeResult
	err    error
	req    ports.ScrapeRequest
}

func (s *fakeScraper) Scrape(_ context.Context, req ports.ScrapeRequest) (*ports.ScrapeResult, error) {
	s.req = req
	return s.result, s.err
}

type fakePublisher struct {
	mu       sync.Mutex
	accounts []ports.Account
	busy     []domain.BusyInterval

	upload    ports.UploadResult
	uploadErr error
	uploads   []string

	// scheduleErrs is consumed one per SchedulePost call.
	scheduleErrs []error
	requests     []ports.ScheduleRequest

	// statuses maps a handle to the sequence of states it reports.
	statuses map[string][]ports.RemoteJobStatus
	handles  int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		accounts: []ports.Account{
			{ID: "acc-ig", Name: "Brand IG", Provider: "instagram"},
			{ID: "acc-tt", Name: "Brand TikTok", Provider: "tiktok"},
			{ID: "acc-ig2", Name: "Second IG", Type: "Instagram"},
		},
		upload:   ports.UploadResult{MediaID: "media-1"},
		statuses: make(map[string][]ports.RemoteJobStatus),
	}
}

func (p *fakePublisher) Accounts(context.Context) ([]ports.Account, error) { return p.accounts, nil }
func (p *fakePublisher) Workspaces(context.Context) ([]ports.Workspace, error) {
	return []ports.Workspace{{ID: "ws", Name: "Main"}}, nil
}

func (p *fakePublisher) UploadMedia(_ context.Context, path string) (*ports.UploadResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploads = append(p.uploads, path)
	if p.uploadErr != nil {
		return nil, p.uploadErr
	}
	res := p.upload
	return &res, nil
}

func (p *fakePublisher) SchedulePost(_ context.Context, req ports.ScheduleRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.scheduleErrs) > 0 {
		err := p.scheduleErrs[0]
		p.scheduleErrs = p.scheduleErrs[1:]
		if err != nil {
			return "", err
		}
	}
	p.handles++
	handle := "sched-" + strconv.Itoa(p.handles)
	if _, ok := p.statuses[handle]; !ok {
		payload, _ := json.Marshal(map[string]interface{}{"posts": []map[string]string{{"id": "post-" + handle}}})
		p.statuses[handle] = []ports.RemoteJobStatus{{State: "working"}, {State: "complete", Payload: payload}}
	}
	return handle, nil
}

func (p *fakePublisher) JobStatus(_ context.Context, handle string) (*ports.RemoteJobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := p.statuses[handle]
	if len(seq) == 0 {
		return &ports.RemoteJobStatus{State: "working"}, nil
	}
	s := seq[0]
	if len(seq) > 1 {
		p.statuses[handle] = seq[1:]
	}
	return &s, nil
}

func (p *fakePublisher) ScheduledPosts(context.Context, int) ([]domain.BusyInterval, error) {
	return p.busy, nil
}

type fakeCaptioner struct {
	fail map[string]bool
}

func (c *fakeCaptioner) Caption(_ context.Context, req ports.CaptionRequest) (string, error) {
	if c.fail[req.OriginalCaption] {
		return "", context.DeadlineExceeded
	}
	return "new: " + req.OriginalCaption, nil
}

type harness struct {
	t       *testing.T
	o       *Orchestrator
	store   *jsonstore.Store
	storage *localstorage.LocalStorage
	workers *fakeSupervisor
	live    *fakeLiveness
	pub     *fakePublisher
	scraper *fakeScraper
	clock   time.Time
}

var baseTime = time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, settings Settings, opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		t:       t,
		storage: localstorage.NewLocalStorage(dir),
		workers: newFakeSupervisor(),
		live:    &fakeLiveness{alive: map[int]bool{}},
		pub:     newFakePublisher(),
		scraper: &fakeScraper{},
		clock:   baseTime,
	}
	now := func() time.Time { return h.clock }
	h.store = jsonstore.New(filepath.Join(dir, "jobs.json"), jsonstore.WithClock(now), jsonstore.WithLogger(zap.NewNop().Sugar()))

	if settings.RenderCommand == "" {
		settings.RenderCommand = "render {job_id} {job_file}"
	}
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	base := []Option{
		WithScraper(h.scraper),
		WithPublisher(h.pub),
		WithLiveness(h.live),
		WithCaptioner(&fakeCaptioner{}),
		WithClock(now),
		WithIDGenerator(func() string { return "job-1" }),
		WithLogger(zap.NewNop().Sugar()),
		WithPollerOptions(remotejob.WithSleep(func(context.Context, time.Duration) error { return nil })),
	}
	h.o = NewOrchestrator(h.store, h.storage, h.workers, settings, append(base, opts...)...)
	return h
}

func (h *harness) seed(job domain.Job) *domain.Job {
	h.t.Helper()
	require.NoError(h.t, h.storage.InitJob(context.Background(), job.ID))
	saved, err := h.store.Upsert(context.Background(), job.ID, func(j *domain.Job, _ bool) error {
		*j = job
		return nil
	})
	require.NoError(h.t, err)
	return saved
}

func (h *harness) get(jobID string) *domain.Job {
	h.t.Helper()
	job, err := h.store.Get(context.Background(), jobID)
	require.NoError(h.t, err)
	return job
}

// writeOutput creates a rendered file for item following the output convention.
func (h *harness) writeOutput(jobID, itemID string) string {
	h.t.Helper()
	require.NoError(h.t, h.storage.InitJob(context.Background(), jobID))
	path := filepath.Join(h.storage.GetJobPath(jobID), itemID+"-output.mp4")
	_, err := h.storage.SaveVideo(context.Background(), jobID, strings.NewReader("rendered"), filepath.Base(path))
	require.NoError(h.t, err)
	return path
}

func items(approval domain.Approval, ids ...string) []domain.Item {
	out := make([]domain.Item, len(ids))
	for i, id := range ids {
		out[i] = domain.Item{ID: id, Approval: approval, OriginalCaption: "caption " + id, Username: "creator"}
	}
	return out
}
