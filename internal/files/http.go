package files

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// HTTPTransfer streams download URLs to disk.
type HTTPTransfer struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransfer builds an HTTPTransfer. A zero timeout means ten minutes.
func NewHTTPTransfer(timeout time.Duration, userAgent string) *HTTPTransfer {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPTransfer{client: &http.Client{Timeout: timeout}, userAgent: userAgent}
}

// Download writes the body of url to dest through a temporary file so a
// partial transfer never leaves a file that looks complete.
func (h *HTTPTransfer) Download(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("download: http status %d", resp.StatusCode)
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}
	n, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp)
		if copyErr != nil {
			return n, fmt.Errorf("write %s: %w", tmp, copyErr)
		}
		return n, fmt.Errorf("close %s: %w", tmp, closeErr)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return n, fmt.Errorf("rename %s: %w", tmp, err)
	}
	return n, nil
}
