// Package artifact implements the presigned-URL object store client:
// request a presigned upload URL, PUT the file bytes to it, then announce
// completion over the webhook receiver.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	uploadRetries    = 5
	uploadInitialBackoff = time.Second
	uploadMaxBackoff     = 10 * time.Second
	uploadTimeoutPerAttempt = time.Hour

	presignRetries = 3
)

// PresignRequest is the body of the presigned-upload-url POST.
type PresignRequest struct {
	ArtifactType string         `json:"artifact_type"`
	Filename     string         `json:"filename"`
	ContentType  string         `json:"content_type"`
	FileSize     int64          `json:"file_size"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// PresignResponse is the decoded response to a presigned-upload-url POST.
type PresignResponse struct {
	UploadURL string `json:"upload_url"`
	S3Key     string `json:"s3_key"`
}

// UploadAnnouncer posts the artifact-uploaded event once the PUT succeeds.
type UploadAnnouncer interface {
	AnnounceArtifactUploaded(s3Key, path string) error
}

// Store is the artifact object-store client.
type Store struct {
	baseURL     string
	bearerToken string
	httpClient  *http.Client
}

// New creates an artifact store client against the webhook receiver's base URL.
func New(baseURL, bearerToken string) *Store {
	return &Store{
		baseURL:     baseURL,
		bearerToken: bearerToken,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Upload runs the full three-step protocol: presign, PUT, announce.
func (s *Store) Upload(ctx context.Context, path, artifactType string, metadata map[string]any, announcer UploadAnnouncer) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("artifact: stat %s: %w", path, err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	presign, err := s.requestPresignedURLWithRetry(ctx, PresignRequest{
		ArtifactType: artifactType,
		Filename:     filepath.Base(path),
		ContentType:  contentType,
		FileSize:     info.Size(),
		Metadata:     metadata,
	})
	if err != nil {
		return "", fmt.Errorf("artifact: presign request: %w", err)
	}

	if err := s.putWithRetry(ctx, presign.UploadURL, path, contentType, info.Size()); err != nil {
		return "", fmt.Errorf("artifact: upload %s: %w", path, err)
	}

	if announcer != nil {
		if err := announcer.AnnounceArtifactUploaded(presign.S3Key, path); err != nil {
			return presign.S3Key, fmt.Errorf("artifact: announce upload: %w", err)
		}
	}

	return presign.S3Key, nil
}

func (s *Store) requestPresignedURLWithRetry(ctx context.Context, req PresignRequest) (PresignResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= presignRetries; attempt++ {
		resp, err := s.requestPresignedURL(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt < presignRetries {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
	}
	return PresignResponse{}, lastErr
}

func (s *Store) requestPresignedURL(ctx context.Context, req PresignRequest) (PresignResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return PresignResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/presigned-upload-url", bytes.NewReader(body))
	if err != nil {
		return PresignResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.bearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.bearerToken)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return PresignResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return PresignResponse{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out PresignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PresignResponse{}, err
	}
	return out, nil
}

func (s *Store) putWithRetry(ctx context.Context, uploadURL, path, contentType string, size int64) error {
	backoff := uploadInitialBackoff
	var lastErr error
	for attempt := 1; attempt <= uploadRetries; attempt++ {
		err := s.put(ctx, uploadURL, path, contentType, size)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == uploadRetries {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > uploadMaxBackoff {
			backoff = uploadMaxBackoff
		}
	}
	return lastErr
}

func (s *Store) put(ctx context.Context, uploadURL, path, contentType string, size int64) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeoutPerAttempt)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = size

	client := &http.Client{Timeout: uploadTimeoutPerAttempt}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
