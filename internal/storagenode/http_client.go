package storagenode

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPClient is the default Client: a multipart-free raw-body PUT against
// `<root>/api/v1/<bagId>/<dataObjectId>`, retried with the teacher's
// classify-by-status-code shape (backoff only on transport/5xx, give up
// immediately on 4xx so UP can fail over to the next bucket).
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient, defaulting to http.DefaultClient.
func NewHTTPClient(httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{httpClient: httpClient}
}

func newBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
}

// Upload streams asset.Path to bucketURL/api/v1/<bagID>/<dataObjectID>.
func (c *HTTPClient) Upload(ctx context.Context, bucketURL string, bagID string, asset Asset) (UploadResult, error) {
	url := strings.TrimRight(bucketURL, "/") + path.Join("/api/v1", bagID, asset.DataObjectID)

	var result UploadResult
	attempt := func() error {
		f, err := os.Open(asset.Path)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = fi.Size()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // transport error: retryable
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		result = UploadResult{StatusCode: resp.StatusCode}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// Rejection: no point retrying this node, let UP fail over.
			return backoff.Permanent(fmt.Errorf("storage node rejected upload: %s", resp.Status))
		default:
			return fmt.Errorf("storage node error: %s", resp.Status)
		}
	}

	if err := backoff.Retry(attempt, newBackoff()); err != nil {
		if result.StatusCode >= 400 && result.StatusCode < 500 {
			return result, nil // caller inspects StatusCode, not err, for 4xx
		}
		return result, err
	}
	return result, nil
}

// Ping issues a single unretried HEAD against bucketURL's API root and
// returns the round-trip time, used only for the out-of-band response-time
// probe — unlike Upload, a probe failure is itself signal (a dead bucket
// measures as infinitely slow to the caller's ranking), so it is not
// retried or wrapped in backoff.
func (c *HTTPClient) Ping(ctx context.Context, bucketURL string) (time.Duration, error) {
	url := strings.TrimRight(bucketURL, "/") + "/api/v1"

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return time.Since(start), nil
}
