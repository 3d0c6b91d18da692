package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// Client is an HTTP client for submitting upload events to the pipeline
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// StatusError is returned when the pipeline answers with an unexpected status.
// Response is set when the body carried a pipeline response.
type StatusError struct {
	StatusCode int
	Body       string
	Response   *pipeline.ProcessResponse
}

func (e *StatusError) Error() string {
	if e.Response != nil && e.Response.Error != "" {
		return fmt.Sprintf("unexpected status %d: %s (%s)", e.StatusCode, e.Response.Error, e.Response.FailureClass)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the server asked for a retry
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500
}

// New creates a new pipeline client
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// NewWithHTTPClient creates a new pipeline client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// SubmitEvent posts an upload event. Synchronous servers answer 200 with the
// terminal state; async servers answer 202 with a run id.
func (c *Client) SubmitEvent(ctx context.Context, ev pipeline.UploadEvent, async bool) (*pipeline.ProcessResponse, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	endpoint := c.baseURL + "/v1/events"
	if async {
		endpoint += "?async=true"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp pipeline.ProcessResponse
	if err := c.do(httpReq, &resp, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunStatus is the state of an enqueued run
type RunStatus struct {
	RunID      string     `json:"run_id"`
	Name       string     `json:"name"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// GetRun fetches the status of an enqueued run
func (c *Client) GetRun(ctx context.Context, runID string) (*RunStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+url.PathEscape(runID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var status RunStatus
	if err := c.do(httpReq, &status, http.StatusOK); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) do(req *http.Request, out any, accepted ...int) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	for _, code := range accepted {
		if resp.StatusCode == code {
			if err := json.Unmarshal(bodyBytes, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(bodyBytes))}
	var processResp pipeline.ProcessResponse
	if json.Unmarshal(bodyBytes, &processResp) == nil && processResp.State != "" {
		statusErr.Response = &processResp
	}
	return statusErr
}
