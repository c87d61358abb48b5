// Package media resolves local attachments to durable remote URLs.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/matheus3301/worldchat/internal/remote"
	"go.uber.org/zap"
)

// MaxSize is the largest attachment accepted for upload.
const MaxSize = 16 << 20

// ErrNoEndpoint is returned when uploads are not configured.
var ErrNoEndpoint = errors.New("media: no upload endpoint configured")

// Uploader resolves a local attachment reference to a remote URL.
type Uploader interface {
	Upload(ctx context.Context, localRef string) (remoteURL string, err error)
}

// HTTPUploader posts attachments as multipart forms. The endpoint answers
// with {"url": "..."}.
type HTTPUploader struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPUploader returns an uploader posting to endpoint.
func NewHTTPUploader(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPUploader {
	if timeout <= 0 {
		timeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPUploader{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type uploadResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// Upload reads localRef from disk and posts it. 4xx answers are permanent
// failures; everything else is transient.
func (u *HTTPUploader) Upload(ctx context.Context, localRef string) (string, error) {
	if u.endpoint == "" {
		return "", ErrNoEndpoint
	}
	body, contentType, err := encodeFile(localRef)
	if err != nil {
		return "", &remote.PermanentError{Op: "upload", Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return "", &remote.TransientError{Op: "upload", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	var out uploadResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out)

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		reason := out.Error
		if reason == "" {
			reason = resp.Status
		}
		return "", &remote.PermanentError{Op: "upload", Reason: reason}
	case resp.StatusCode >= 300:
		return "", &remote.TransientError{Op: "upload", Err: fmt.Errorf("upload endpoint: %s", resp.Status)}
	case decodeErr != nil:
		return "", &remote.TransientError{Op: "upload", Err: fmt.Errorf("decode upload response: %w", decodeErr)}
	case out.URL == "":
		return "", &remote.PermanentError{Op: "upload", Reason: "upload response has no url"}
	}

	u.logger.Debug("attachment uploaded", zap.String("local_ref", localRef), zap.String("url", out.URL))
	return out.URL, nil
}

func encodeFile(path string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open attachment: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return nil, "", fmt.Errorf("attachment %s is a directory", path)
	}
	if info.Size() > MaxSize {
		return nil, "", fmt.Errorf("attachment is %d bytes, limit %d", info.Size(), MaxSize)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
