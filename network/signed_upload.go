package network

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignedUploader PUTs file bytes to a pre-signed destination url with
// bounded retries on 429/5xx. The body must be seekable so a retry can
// rewind.
type SignedUploader struct {
	httpClient *http.Client
	// MaxAttempts bounds the PUT attempts; Backoff is the base of the
	// exponential sleep between them.
	MaxAttempts int
	Backoff     time.Duration
}

// NewSignedUploader returns an uploader with the default retry policy.
func NewSignedUploader() *SignedUploader {
	return &SignedUploader{
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
		MaxAttempts: 5,
		Backoff:     100 * time.Millisecond,
	}
}

// Put uploads size bytes from body to the signed url. Transient
// responses are retried with exponential backoff; the final failure is
// returned as a RetryableError so the upload task can fall back or
// requeue.
func (uploader *SignedUploader) Put(signedUrl string, body io.ReadSeeker, size int64) error {
	var lastErr error
	for attempt := 0; attempt < uploader.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(uploader.Backoff * (1 << uint(attempt-1)))
			if _, err := body.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		request, err := http.NewRequest("PUT", signedUrl, body)
		if err != nil {
			return err
		}
		request.ContentLength = size
		response, err := uploader.httpClient.Do(request)
		if err != nil {
			lastErr = &RetryableError{Err: err}
			continue
		}
		response.Body.Close()
		if response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500 {
			lastErr = &RetryableError{
				StatusCode: response.StatusCode,
				RequestID:  response.Header.Get("X-Request-Id"),
				Err:        fmt.Errorf("signed upload returned %d", response.StatusCode),
			}
			continue
		}
		if response.StatusCode >= 400 {
			return fmt.Errorf("signed upload returned %d", response.StatusCode)
		}
		return nil
	}
	return lastErr
}
