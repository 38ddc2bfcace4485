// Package classifier calls the external deepfake detection service.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"convcore/internal/apperr"
	"convcore/internal/observability/metrics"
)

const (
	DefaultTimeout = 30 * time.Second
	MaxUploadBytes = 10 << 20

	retryAfter = 30 * time.Second
)

// Result is the classifier's verdict.
type Result struct {
	IsDeepfake   bool    `json:"isDeepfake"`
	Confidence   float64 `json:"confidence"`
	FaceDetected bool    `json:"faceDetected"`
}

type Config struct {
	URL     string
	Timeout time.Duration
	// TempDir holds spooled uploads; os.TempDir when empty.
	TempDir string
}

type Client struct {
	url     string
	timeout time.Duration
	tempDir string
	http    *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:     cfg.URL,
		timeout: timeout,
		tempDir: cfg.TempDir,
		http:    &http.Client{Timeout: timeout},
	}
}

var ErrTooLarge = apperr.Invalid("image exceeds upload limit")

// Analyze uploads one image as multipart field "image". Every failure of the
// remote side, including the timeout, is reported as UpstreamUnavailable.
func (c *Client) Analyze(ctx context.Context, filename string, image io.Reader) (Result, error) {
	start := time.Now()
	res, err := c.analyze(ctx, filename, image)
	metrics.ClassifierDurationSeconds.Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		slog.Default().Warn("classifier call failed", "error", err, "duration", time.Since(start))
	}
	metrics.ClassifierRequestsTotal.WithLabelValues(outcome).Inc()
	return res, err
}

func (c *Client) analyze(ctx context.Context, filename string, image io.Reader) (Result, error) {
	// The expiry timer outlives the request by a margin in case Release is
	// never reached.
	tmp, err := NewTempFile(c.tempDir, "upload-*", c.timeout+time.Minute)
	if err != nil {
		return Result{}, fmt.Errorf("classifier: spool upload: %w", err)
	}
	defer func() { _ = tmp.Release() }()

	n, err := io.Copy(tmp, io.LimitReader(image, MaxUploadBytes+1))
	if err != nil {
		return Result{}, fmt.Errorf("classifier: spool upload: %w", err)
	}
	if n > MaxUploadBytes {
		return Result{}, ErrTooLarge
	}
	if n == 0 {
		return Result{}, apperr.Invalid("image is empty")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("classifier: rewind upload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("image", filepath.Base(filename))
		if err == nil {
			_, err = io.Copy(part, tmp)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, pr)
	if err != nil {
		_ = pr.Close()
		return Result{}, fmt.Errorf("classifier: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, apperr.Unavailable("analysis timed out", retryAfter, err)
		}
		return Result{}, apperr.Unavailable("analysis failed", retryAfter, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, apperr.Unavailable("analysis failed", retryAfter, fmt.Errorf("classifier returned %s", resp.Status))
	}

	var out Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Result{}, apperr.Unavailable("analysis failed", retryAfter, fmt.Errorf("decode classifier response: %w", err))
	}
	return out, nil
}
