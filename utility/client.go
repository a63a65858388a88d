// Package utility gives plugins an HTTP client for external data services.
// Transient upstream failures are retried with exponential backoff; error
// statuses surface as PlatformError.
package utility

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/climatoology/climatoology/common"
)

// PlatformError reports an external service answering with an error status
// after retries were exhausted.
type PlatformError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("utility: %s answered %s", e.URL, e.Status)
}

// Config tunes the retry behavior of the client.
type Config struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// DefaultConfig returns the retry settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		RetryMax:     4,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 8 * time.Second,
		Timeout:      30 * time.Second,
	}
}

// Client wraps a retrying HTTP client. Server errors and connection
// failures are retried with backoff; client errors are returned directly.
type Client struct {
	inner  *retryablehttp.Client
	logger *logrus.Entry
}

// NewClient builds a client with the given retry settings. A nil logger
// falls back to the process logger.
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	entry := common.ComponentLogger(logger, "utility")

	inner := retryablehttp.NewClient()
	inner.RetryMax = cfg.RetryMax
	inner.RetryWaitMin = cfg.RetryWaitMin
	inner.RetryWaitMax = cfg.RetryWaitMax
	inner.HTTPClient.Timeout = cfg.Timeout
	inner.Logger = &leveledLogger{entry: entry}

	return &Client{inner: inner, logger: entry}
}

// Fetch retrieves the body at url.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("utility: reading %s: %w", url, err)
	}
	return body, nil
}

// FetchJSON retrieves and decodes a JSON document.
func (c *Client) FetchJSON(ctx context.Context, url string, out interface{}) error {
	body, err := c.Fetch(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("utility: decoding %s: %w", url, err)
	}
	return nil
}

// Download streams the body at url into a local file.
func (c *Client) Download(ctx context.Context, url, path string) error {
	resp, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("utility: creating %s: %w", path, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		return fmt.Errorf("utility: writing %s: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("utility: building request for %s: %w", url, err)
	}
	req = req.WithContext(ctx)

	resp, err := c.inner.Do(req)
	if err != nil {
		return nil, fmt.Errorf("utility: requesting %s: %w", url, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, &PlatformError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}
	return resp, nil
}
