package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPSink POSTs every batch of reports as a JSON array.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink returns a sink posting to url. A zero timeout means 10s.
func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSink) Upload(ctx context.Context, reports []Report) {
	if err := s.Post(ctx, reports); err != nil {
		slog.Error("[UPLOAD] http post failed", "url", s.url, "error", err)
	}
}

// Post sends reports and returns the first failure.
func (s *HTTPSink) Post(ctx context.Context, reports []Report) error {
	body, err := json.Marshal(reports)
	if err != nil {
		return fmt.Errorf("upload: marshal reports: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upload: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload: post: unexpected status %d", resp.StatusCode)
	}
	return nil
}
