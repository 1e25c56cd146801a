// Package upload implements a thin Uploader abstraction plus a
// bounded-timeout HTTP implementation. Deliberately stdlib `net/http`: a
// one-method bounded-timeout POST has no ecosystem library worth depending
// on beyond net/http.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/granulate/gprofiler-go/internal/common/logger"
)

// Uploader submits one cycle's merged collapsed-text output and returns the
// backend-assigned identifier: submit(collapsed_bytes, cycle_id) -> gpid.
type Uploader interface {
	Submit(ctx context.Context, collapsed []byte, cycleID string) (gpid string, err error)
}

// HTTPUploader POSTs the collapsed payload to a configured endpoint with a
// bounded timeout. Failure is logged by the caller and the cycle is
// dropped, never retried indefinitely.
type HTTPUploader struct {
	endpoint string
	client   *http.Client
	log      *logger.Logger
}

// NewHTTPUploader builds an HTTPUploader. timeout bounds every Submit call
// independently of the caller's context deadline, whichever is shorter.
func NewHTTPUploader(endpoint string, timeout time.Duration, log *logger.Logger) *HTTPUploader {
	return &HTTPUploader{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log.WithFields(zap.String("component", "upload")),
	}
}

// Submit POSTs collapsed to the configured endpoint with cycleID as a
// query parameter, returning the response body's gpid on 2xx.
func (u *HTTPUploader) Submit(ctx context.Context, collapsed []byte, cycleID string) (string, error) {
	url := fmt.Sprintf("%s?cycle_id=%s", u.endpoint, cycleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(collapsed))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode, string(body))
	}

	return string(body), nil
}
