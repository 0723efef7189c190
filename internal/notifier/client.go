// client.go implements the HTTP delivery client used for webhook
// notifications, with bounded retries and exponential backoff.
package notifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"
)

const (
	maxRetries    = 3
	baseBackoff   = 100 * time.Millisecond
	backoffFactor = 2.0
)

// HTTPClient handles HTTP requests with retry logic
type HTTPClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient(timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Send posts payload to url, retrying transient failures with exponential backoff.
func (c *HTTPClient) Send(ctx context.Context, url string, payload []byte) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(backoffFactor, float64(attempt-1))) * baseBackoff

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
		if err != nil {
			lastErr = fmt.Errorf("failed to create request: %w", err)
			continue
		}

		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed (attempt %d/%d): %w", attempt+1, maxRetries, err)
			c.logger.Warn("webhook notification failed", "error", lastErr)
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("request failed with status %d (attempt %d/%d): %s",
			resp.StatusCode, attempt+1, maxRetries, string(body))
		c.logger.Warn("webhook notification failed", "error", lastErr)
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
