package publer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reelbatch/internal/core/ports"
	"reelbatch/internal/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer-API key-1", r.Header.Get("Authorization"))
		assert.Equal(t, "ws-1", r.Header.Get("Publer-Workspace-Id"))
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	c, err := New(Config{APIKey: "key-1", WorkspaceID: "ws-1", BaseURL: server.URL}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return c.WithHTTPClient(server.Client())
}

func TestAccounts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":"a1","name":"Brand IG","provider":"instagram","type":"ig_business"}]`))
	})

	accounts, err := c.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "instagram", accounts[0].Provider)
}

func TestUploadMedia(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r1-output.mp4")
	require.NoError(t, os.WriteFile(path, []byte("mp4-bytes"), 0o644))

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/media", r.URL.Path)
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		assert.Equal(t, "mp4-bytes", string(data))
		assert.Equal(t, "r1-output.mp4", header.Filename)
		assert.Equal(t, "video/mp4", header.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"id":"m-1"}`))
	})

	res, err := c.UploadMedia(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "m-1", res.MediaID)
	assert.Empty(t, res.Handle)
}

func TestUploadMissingFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := c.UploadMedia(context.Background(), "/does/not/exist.mp4")
	require.Error(t, err)
}

func TestSchedulePostPayload(t *testing.T) {
	at := time.Date(2026, 3, 10, 9, 5, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/posts/schedule", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"bulk":{"state":"scheduled","posts":[{
			"networks":{"instagram":{"type":"video","text":"hi","media":[{"id":"m-1","type":"video"}]}},
			"accounts":[{"id":"a1","scheduled_at":"2026-03-10T09:05:00Z"}]
		}]}}`, string(body))
		_, _ = w.Write([]byte(`{"job_id":"job-9"}`))
	})

	handle, err := c.SchedulePost(context.Background(), ports.ScheduleRequest{
		Text:       "hi",
		MediaID:    "m-1",
		AccountIDs: []string{"a1"},
		Networks:   []string{"instagram"},
		At:         at,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-9", handle)
}

func TestSchedulePostRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":["Posts must be at least 10 minutes apart"]}`))
	})

	_, err := c.SchedulePost(context.Background(), ports.ScheduleRequest{Networks: []string{"instagram"}})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "10 minutes apart")
}

func TestJobStatus(t *testing.T) {
	responses := map[string]string{
		"working": `{"status":"working"}`,
		"done":    `{"status":"complete","payload":{"id":"m-2"}}`,
		"partial": `{"status":"complete","payload":{"failures":{"a1":[{"message":"Another post is scheduled at this time"}]}}}`,
		"upper":   `{"status":"SUCCEEDED","payload":{"error":"media rejected"}}`,
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(responses[filepath.Base(r.URL.Path)]))
	})
	ctx := context.Background()

	s, err := c.JobStatus(ctx, "working")
	require.NoError(t, err)
	assert.Equal(t, "working", s.State)

	s, err = c.JobStatus(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, "complete", s.State)
	assert.JSONEq(t, `{"id":"m-2"}`, string(s.Payload))

	s, err = c.JobStatus(ctx, "partial")
	require.NoError(t, err)
	assert.Equal(t, "failed", s.State)
	assert.Contains(t, s.Detail, "Another post is scheduled")

	s, err = c.JobStatus(ctx, "upper")
	require.NoError(t, err)
	assert.Equal(t, "failed", s.State)
	assert.Contains(t, s.Detail, "media rejected")
}

func TestScheduledPosts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "scheduled", r.URL.Query().Get("state"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		posts := []map[string]interface{}{
			{"scheduled_at": "2026-03-10T10:00:00Z", "account": "a1"},
			{"scheduled_at": "2026-03-10T14:00:00+02:00", "account": map[string]string{"id": "a2"}},
			{"scheduled_at": "", "account": "a3"},
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"posts": posts})
	})

	busy, err := c.ScheduledPosts(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, busy, 2)
	assert.Equal(t, "a1", busy[0].AccountID)
	assert.Equal(t, "a2", busy[1].AccountID)
	assert.True(t, busy[1].At.Equal(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)))
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))
}
