package scrapecmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reelbatch/internal/core/ports"
)

func TestParseOutputSkipsLogLines(t *testing.T) {
	stdout := []byte("Logging in...\nloaded profile\n[{\"id\":\"C1\",\"views\":5,\"local_video_path\":\"C1.mp4\"}]\n")

	items, raw, err := ParseOutput(stdout)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "C1", items[0].ID)
	assert.Equal(t, int64(5), items[0].Views)
	assert.JSONEq(t, `[{"id":"C1","views":5,"local_video_path":"C1.mp4"}]`, string(raw))
}

func TestParseOutputErrorObject(t *testing.T) {
	_, _, err := ParseOutput([]byte(`{"error": "Profile not found"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Profile not found")
}

func TestParseOutputNoJSON(t *testing.T) {
	_, _, err := ParseOutput([]byte("Traceback (most recent call last)"))
	require.Error(t, err)
}

func TestParseOutputEmptyList(t *testing.T) {
	items, _, err := ParseOutput([]byte("[]"))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestScrapeRunsTemplate(t *testing.T) {
	dir := t.TempDir()
	template := `sh -c 'echo starting; echo "[{\"id\":\"$1\",\"local_video_path\":\"$1.mp4\",\"caption\":\"$2\"}]"' _ {job_id} {limit}`
	s := New(template, time.Minute, zap.NewNop().Sugar())

	res, err := s.Scrape(context.Background(), ports.ScrapeRequest{JobID: "abc", Limit: 3, OutputDir: dir})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "abc", res.Items[0].ID)
	assert.Equal(t, "3", res.Items[0].Caption)
	assert.Equal(t, filepath.Join(dir, "abc.mp4"), res.Items[0].LocalVideo)
}

func TestScrapeCommandFails(t *testing.T) {
	s := New(`sh -c 'echo boom >&2; exit 2'`, time.Minute, zap.NewNop().Sugar())

	_, err := s.Scrape(context.Background(), ports.ScrapeRequest{JobID: "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
