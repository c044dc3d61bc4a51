package localstorage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"reelbatch/internal/errors"
)

// outputSuffix marks a rendered file: {job-dir}/{item-id}-output[.ext]
const outputSuffix = "-output"

// LocalStorage implements ports.MediaStorage for the local filesystem.
type LocalStorage struct {
	BaseDir string
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(baseDir string) *LocalStorage {
	return &LocalStorage{BaseDir: baseDir}
}

// InitJob creates the job directory.
func (s *LocalStorage) InitJob(ctx context.Context, jobID string) error {
	path := s.GetJobPath(jobID)
	if err := os.MkdirAll(filepath.Join(path, "assets"), 0755); err != nil {
		return errors.Wrapf(err, "failed to create job directory %s", path)
	}
	return nil
}

// SaveMetadata saves the raw scraper response.
func (s *LocalStorage) SaveMetadata(ctx context.Context, jobID string, data []byte) error {
	path := filepath.Join(s.GetJobPath(jobID), "metadata_raw.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to save metadata_raw.json")
	}
	return nil
}

// SaveVideo saves a source clip into the job directory.
func (s *LocalStorage) SaveVideo(ctx context.Context, jobID string, reader io.Reader, filename string) (string, error) {
	if filename == "" {
		filename = "video.mp4"
	}
	return s.writeFile(filepath.Join(s.GetJobPath(jobID), filepath.Base(filename)), reader)
}

// SaveAsset saves a render asset under the job's assets directory.
func (s *LocalStorage) SaveAsset(ctx context.Context, jobID, name string, reader io.Reader) (string, error) {
	dir := filepath.Join(s.GetJobPath(jobID), "assets")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create assets directory %s", dir)
	}
	return s.writeFile(filepath.Join(dir, filepath.Base(name)), reader)
}

func (s *LocalStorage) writeFile(path string, reader io.Reader) (string, error) {
	file, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create file %s", path)
	}
	if _, err := io.Copy(file, reader); err != nil {
		file.Close()
		return "", errors.Wrapf(err, "failed to write file %s", path)
	}
	if err := file.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to close file %s", path)
	}
	return path, nil
}

// FindOutput returns the rendered output for an item. Only existence is
// checked; an empty file still counts.
func (s *LocalStorage) FindOutput(jobID, itemID string) (string, bool) {
	matches := s.outputs(jobID, itemID)
	if len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// ClearOutput removes every rendered output of an item.
func (s *LocalStorage) ClearOutput(jobID, itemID string) error {
	for _, path := range s.outputs(jobID, itemID) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove output %s", path)
		}
	}
	return nil
}

func (s *LocalStorage) outputs(jobID, itemID string) []string {
	dir := s.GetJobPath(jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	prefix := itemID + outputSuffix
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out
}

// GetJobPath returns the path for a job directory.
func (s *LocalStorage) GetJobPath(jobID string) string {
	return filepath.Join(s.BaseDir, "jobs", jobID)
}
