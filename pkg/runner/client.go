package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/tendant/listing-image-pipeline/internal/dbosruntime"
	"github.com/tendant/listing-image-pipeline/internal/workflows"
	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// ClientConfig configures an enqueue-only Client
type ClientConfig struct {
	DatabaseURL        string // DBOS PostgreSQL connection string
	QueueName          string // DBOS queue name, must match the workers
	ApplicationVersion string // Optional: must match the workers when set
}

// Client provides a client-only API for starting workflows without executing them.
// Use this in uploading services that want workers to watermark their images.
type Client struct {
	runtime *dbosruntime.Runtime
	runner  *workflows.WorkflowRunner
}

// NewClient creates a client that can start workflows but doesn't execute them.
// Workers must be running separately to execute the enqueued workflows.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	dbosRuntime, err := dbosruntime.NewRuntime(ctx, dbosruntime.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            AppName,
		QueueName:          cfg.QueueName,
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	// Create workflow runner (for enqueueing only, no registration)
	workflowRunner := workflows.NewWorkflowRunner(dbosRuntime)

	if err := dbosRuntime.Launch(); err != nil {
		dbosRuntime.Shutdown(5 * time.Second)
		return nil, fmt.Errorf("failed to launch DBOS: %w", err)
	}

	return &Client{
		runtime: dbosRuntime,
		runner:  workflowRunner,
	}, nil
}

// RunWatermark enqueues a watermark invocation for an uploaded object
func (c *Client) RunWatermark(ctx context.Context, ev pipeline.UploadEvent) (string, error) {
	return c.runner.RunAsync(ctx, pipeline.ProcessRequest{
		Job:   pipeline.JobWatermark,
		Event: ev,
	})
}

// Status returns the state of an enqueued run
func (c *Client) Status(ctx context.Context, runID string) (*workflows.WorkflowStatus, error) {
	return c.runner.GetStatus(ctx, runID)
}

// Shutdown gracefully shuts down the client
func (c *Client) Shutdown(timeout time.Duration) {
	if c.runtime != nil {
		c.runtime.Shutdown(timeout)
	}
}
