package downloader

import (
	"context"
	"io"
	"net/http"
	"time"

	"reelbatch/internal/errors"
)

const (
	userAgent = "Mozilla/5.0 (compatible; reelbatch/1.0)"

	defaultAttempts = 3
	defaultBackoff  = 2 * time.Second
)

// HTTPDownloader implements ports.Downloader over plain HTTP.
type HTTPDownloader struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
}

// NewHTTPDownloader creates a new HTTPDownloader.
func NewHTTPDownloader() *HTTPDownloader {
	return NewHTTPDownloaderWithClient(&http.Client{
		Timeout: 30 * time.Minute, // clips can be large
	})
}

// NewHTTPDownloaderWithClient uses the given client.
func NewHTTPDownloaderWithClient(client *http.Client) *HTTPDownloader {
	return &HTTPDownloader{client: client, attempts: defaultAttempts, backoff: defaultBackoff}
}

// WithRetry overrides the attempt count and the delay between attempts.
func (d *HTTPDownloader) WithRetry(attempts int, backoff time.Duration) *HTTPDownloader {
	if attempts < 1 {
		attempts = 1
	}
	d.attempts = attempts
	d.backoff = backoff
	return d
}

// Download fetches the media at mediaURL. A 404 or 410 is reported as
// ErrNotFound; 429 and 5xx responses are retried.
func (d *HTTPDownloader) Download(ctx context.Context, mediaURL string) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "download canceled")
			case <-time.After(d.backoff):
			}
		}

		body, retry, err := d.fetch(ctx, mediaURL)
		if err == nil {
			return body, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "giving up after %d attempts", d.attempts)
}

func (d *HTTPDownloader) fetch(ctx context.Context, mediaURL string) (io.ReadCloser, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, errors.Wrap(err, "failed to download media")
		}
		return nil, true, errors.Wrap(err, "failed to download media")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, false, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, false, errors.NewNotFoundError("media %s returned status %d", mediaURL, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, true, errors.Newf("unexpected status code %d for %s", resp.StatusCode, mediaURL)
	default:
		resp.Body.Close()
		return nil, false, errors.Newf("unexpected status code %d for %s", resp.StatusCode, mediaURL)
	}
}
