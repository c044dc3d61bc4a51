// Package scrapecmd runs an external profile scraper as a subprocess and
// reads the clip list it prints on stdout.
package scrapecmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"reelbatch/internal/adapters/process"
	"reelbatch/internal/core/ports"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
)

// DefaultTimeout bounds a single scrape run.
const DefaultTimeout = 10 * time.Minute

// Scraper implements ports.Scraper by running a command template. The
// template may use {source}, {job_id}, {job_dir} and {limit}.
type Scraper struct {
	template string
	timeout  time.Duration
	log      *zap.SugaredLogger
}

// New creates a command scraper.
func New(template string, timeout time.Duration, log *zap.SugaredLogger) *Scraper {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Logger
	}
	return &Scraper{template: template, timeout: timeout, log: log.With(logger.FieldComponent, "scrapecmd")}
}

// Scrape runs the command and waits for it to finish.
func (s *Scraper) Scrape(ctx context.Context, req ports.ScrapeRequest) (*ports.ScrapeResult, error) {
	command, err := process.ParseCommand(s.template, map[string]string{
		"source":  req.SourceURL,
		"job_id":  req.JobID,
		"job_dir": req.OutputDir,
		"limit":   strconv.Itoa(req.Limit),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command.Name, command.Args...)
	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	s.log.Infow("running scraper", logger.FieldJobID, req.JobID, "command", command.String())
	runErr := cmd.Run()
	if stderr.Len() > 0 {
		s.log.Debugw("scraper stderr", logger.FieldJobID, req.JobID, "stderr", stderr.String())
	}

	items, raw, parseErr := ParseOutput(out.Bytes())
	if runErr != nil && parseErr != nil {
		return nil, errors.Wrapf(runErr, "scraper failed: %s", strings.TrimSpace(stderr.String()))
	}
	if parseErr != nil {
		return nil, parseErr
	}

	for i := range items {
		items[i].LocalVideo = resolve(req.OutputDir, items[i].LocalVideo)
		items[i].LocalThumb = resolve(req.OutputDir, items[i].LocalThumb)
	}
	return &ports.ScrapeResult{Items: items, RawMetadata: raw}, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) || dir == "" {
		return p
	}
	return filepath.Join(dir, p)
}

// ParseOutput finds the JSON document in a scraper's stdout. Log lines
// before it are skipped. An object with an "error" key is reported as an
// error; an array is the clip list.
func ParseOutput(stdout []byte) ([]ports.ScrapedItem, []byte, error) {
	start := bytes.IndexAny(stdout, "[{")
	if start < 0 {
		return nil, nil, errors.Newf("scraper printed no JSON: %q", truncate(string(stdout), 200))
	}

	var raw json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(stdout[start:])).Decode(&raw); err != nil {
		return nil, nil, errors.Wrap(err, "failed to decode scraper output")
	}

	if raw[0] == '{' {
		var obj struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.Error != "" {
			return nil, raw, errors.Newf("scraper reported: %s", obj.Error)
		}
		return nil, raw, errors.New("scraper printed an object, expected a list")
	}

	var items []ports.ScrapedItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, raw, errors.Wrap(err, "failed to decode scraped items")
	}
	return items, raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
