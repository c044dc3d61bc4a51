package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelbatch/internal/core/domain"
	"reelbatch/internal/core/ports"
	"reelbatch/internal/errors"
)

func TestCreateJobMapsScrapedItems(t *testing.T) {
	h := newHarness(t, Settings{})
	h.scraper.result = &ports.ScrapeResult{
		Items: []ports.ScrapedItem{
			{ID: "C1", URL: "https://instagram.com/reel/C1", LocalVideo: "/data/C1.mp4", Views: 100, Likes: 10, Caption: "first"},
			{ID: "C2", PlayableURL: "https://cdn/C2.mp4", Thumbnail: "https://cdn/C2.jpg", Score: 7},
			{ID: "C1", Views: 1},
		},
		RawMetadata: []byte(`[{"id":"C1"}]`),
	}

	job, err := h.o.CreateJob(context.Background(), "https://instagram.com/creator", 0)
	require.NoError(t, err)

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, domain.StatusScraped, job.Status)
	assert.False(t, job.IsSimulated)
	require.Len(t, job.Items, 2)
	assert.Equal(t, domain.ApprovalApproved, job.Items[0].Approval)
	assert.Equal(t, "/data/C1.mp4", job.Items[0].SourceMedia)
	assert.Equal(t, float64(120), job.Items[0].Score)
	assert.Equal(t, "first", job.Items[0].OriginalCaption)
	assert.Equal(t, "https://cdn/C2.mp4", job.Items[1].SourceMedia)
	assert.Equal(t, float64(7), job.Items[1].Score)

	assert.Equal(t, 12, h.scraper.req.Limit)
	assert.Equal(t, h.storage.GetJobPath("job-1"), h.scraper.req.OutputDir)
	raw, err := os.ReadFile(filepath.Join(h.storage.GetJobPath("job-1"), "metadata_raw.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"C1"}]`, string(raw))
}

func TestCreateJobFallsBackToSimulatedItems(t *testing.T) {
	h := newHarness(t, Settings{SimulateOnFailure: true})
	h.scraper.err = errors.New("login required")

	job, err := h.o.CreateJob(context.Background(), "https://instagram.com/creator", 5)
	require.NoError(t, err)

	assert.True(t, job.IsSimulated)
	assert.Equal(t, domain.StatusScraped, job.Status)
	assert.Len(t, job.Items, simulatedItemCount)
	assert.Equal(t, "mock-job-1-0", job.Items[0].ID)
	assert.Contains(t, job.LastError, "login required")
}

func TestCreateJobEmptyResultFallsBack(t *testing.T) {
	h := newHarness(t, Settings{SimulateOnFailure: true})
	h.scraper.result = &ports.ScrapeResult{}

	job, err := h.o.CreateJob(context.Background(), "https://instagram.com/creator", 5)
	require.NoError(t, err)
	assert.True(t, job.IsSimulated)
}

func TestCreateJobWithoutSimulation(t *testing.T) {
	h := newHarness(t, Settings{})
	h.scraper.err = errors.New("profile not found")

	_, err := h.o.CreateJob(context.Background(), "https://instagram.com/nobody", 5)
	require.Error(t, err)

	job := h.get("job-1")
	assert.Equal(t, domain.StatusCreated, job.Status)
	assert.Contains(t, job.LastError, "profile not found")
}

func TestCreateJobRequiresSource(t *testing.T) {
	h := newHarness(t, Settings{})
	_, err := h.o.CreateJob(context.Background(), "", 5)
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestSetApproval(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(domain.Job{ID: "j", Status: domain.StatusScraped, Items: items(domain.ApprovalApproved, "a", "b")})
	ctx := context.Background()

	job, err := h.o.SetApproval(ctx, "j", "b", domain.ApprovalRejected)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, job.ItemByID("b").Approval)

	_, err = h.o.SetApproval(ctx, "j", "missing", domain.ApprovalRejected)
	assert.True(t, errors.IsNotFound(err))

	_, err = h.o.SetApproval(ctx, "j", "a", "maybe")
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestSetApprovalRefusedWhileProcessing(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(domain.Job{ID: "j", Status: domain.StatusProcessing, Items: items(domain.ApprovalApproved, "a")})

	_, err := h.o.SetApproval(context.Background(), "j", "a", domain.ApprovalRejected)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestListJobsNewestFirst(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seed(domain.Job{ID: "old", Status: domain.StatusScraped, CreatedAt: baseTime.Add(-time.Hour)})
	h.seed(domain.Job{ID: "new", Status: domain.StatusScraped, CreatedAt: baseTime})

	jobs, err := h.o.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "new", jobs[0].ID)
}
