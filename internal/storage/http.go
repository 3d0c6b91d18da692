package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// HTTPStore provides object access via a plain HTTP object API:
//
//	GET  {base}/objects/{bucket}/{key}
//	PUT  {base}/objects/{bucket}/{key}            (Content-Type preserved)
//	POST {base}/objects/{bucket}/{key}?acl=public
type HTTPStore struct {
	baseURL       string
	publicBaseURL string
	httpClient    *http.Client
}

// NewHTTPStore creates a new HTTP-based object store. publicBaseURL defaults
// to baseURL/objects.
func NewHTTPStore(baseURL, publicBaseURL string) *HTTPStore {
	baseURL = strings.TrimRight(baseURL, "/")
	if publicBaseURL == "" {
		publicBaseURL = baseURL + "/objects"
	}
	return &HTTPStore{
		baseURL:       baseURL,
		publicBaseURL: publicBaseURL,
		httpClient:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *HTTPStore) objectURL(bucket, key string) string {
	return publicURL(s.baseURL+"/objects", bucket, key)
}

func (s *HTTPStore) Download(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(bucket, key), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download object: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s/%s", pipeline.ErrObjectNotFound, bucket, key)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
}

func (s *HTTPStore) Upload(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(bucket, key), r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (s *HTTPStore) MakePublic(ctx context.Context, bucket, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL(bucket, key)+"?acl=public", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to publish object: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s/%s", pipeline.ErrObjectNotFound, bucket, key)
	default:
		return fmt.Errorf("publish failed with status %d", resp.StatusCode)
	}
}

func (s *HTTPStore) PublicURL(bucket, key string) string {
	return publicURL(s.publicBaseURL, bucket, key)
}
