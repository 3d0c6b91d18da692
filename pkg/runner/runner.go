package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tendant/listing-image-pipeline/internal/compositor"
	"github.com/tendant/listing-image-pipeline/internal/config"
	"github.com/tendant/listing-image-pipeline/internal/dbosruntime"
	"github.com/tendant/listing-image-pipeline/internal/dedupe"
	"github.com/tendant/listing-image-pipeline/internal/listings"
	"github.com/tendant/listing-image-pipeline/internal/metrics"
	"github.com/tendant/listing-image-pipeline/internal/staging"
	"github.com/tendant/listing-image-pipeline/internal/storage"
	"github.com/tendant/listing-image-pipeline/internal/workflows"
	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// AppName identifies the pipeline in DBOS
const AppName = "listing-image-pipeline"

// Options overrides the clients built from Config. Nil fields are built from Config.
type Options struct {
	Logger      *zap.Logger
	Registerer  prometheus.Registerer
	ObjectStore storage.ObjectStore
	RecordStore listings.Store
}

// Runner owns the process-wide clients and runs watermark invocations either
// synchronously or through the DBOS queue. Queued runs retry transient
// failures in the worker; see workflows.RetryPolicy.
type Runner struct {
	cfg      config.Config
	log      *zap.Logger
	metrics  metrics.Metrics
	store    storage.ObjectStore
	records  listings.Store
	stager   *staging.Manager
	runtime  *dbosruntime.Runtime
	runner   *workflows.WorkflowRunner
	tracker  *dedupe.Tracker
	closers  []io.Closer
	launched bool
}

// New builds every client once and registers the watermark workflow. DBOS is
// enabled when cfg.DBOSDatabaseURL is set; call Launch before enqueueing.
func New(ctx context.Context, cfg config.Config, opts Options) (*Runner, error) {
	cfg.WithDefaults()
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{cfg: cfg, log: log}

	if opts.Registerer != nil {
		r.metrics = metrics.NewProm(cfg.MetricsNamespace, opts.Registerer)
	} else {
		r.metrics = metrics.Noop{}
	}

	var err error
	if r.store = opts.ObjectStore; r.store == nil {
		if r.store, err = r.newObjectStore(ctx); err != nil {
			r.Shutdown(0)
			return nil, err
		}
	}
	if r.records = opts.RecordStore; r.records == nil {
		if r.records, err = r.newRecordStore(ctx); err != nil {
			r.Shutdown(0)
			return nil, err
		}
		r.closers = append(r.closers, r.records)
	}

	if r.stager, err = staging.NewManager(cfg.StagingDir); err != nil {
		r.Shutdown(0)
		return nil, err
	}

	anchor, err := compositor.ParseAnchor(cfg.WatermarkAnchor)
	if err != nil {
		r.Shutdown(0)
		return nil, err
	}
	comp := compositor.New(compositor.Placement{
		Anchor:  anchor,
		Margin:  cfg.WatermarkMargin,
		Opacity: cfg.WatermarkOpacity,
		Scale:   cfg.WatermarkScale,
	}, cfg.JPEGQuality)

	if cfg.DBOSDatabaseURL != "" {
		r.runtime, err = dbosruntime.NewRuntime(ctx, dbosruntime.Config{
			DatabaseURL:        cfg.DBOSDatabaseURL,
			AppName:            AppName,
			QueueName:          cfg.DBOSQueueName,
			WorkerConcurrency:  cfg.DBOSConcurrency,
			ApplicationVersion: cfg.DBOSApplicationVersion,
		})
		if err != nil {
			r.Shutdown(0)
			return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
		}
		if r.tracker, err = dedupe.NewTracker(ctx, r.runtime.DB()); err != nil {
			r.Shutdown(0)
			return nil, err
		}
	}

	r.runner = workflows.NewWorkflowRunner(r.runtime)
	r.runner.Register(pipeline.JobWatermark, workflows.NewWatermarkWorkflow(
		r.store, r.records, r.stager, comp,
		workflows.WatermarkConfig{Layout: cfg.Layout(), WatermarkBucket: cfg.WatermarkBucket},
		workflows.WithMetrics(r.metrics),
		workflows.WithLogger(log.With(zap.String("component", "watermark"))),
	))

	log.Info("pipeline runner initialized",
		zap.String("object_store", cfg.ObjectStore),
		zap.String("record_store", cfg.RecordStore),
		zap.String("source_prefix", cfg.Layout().SourcePrefix),
		zap.String("derivative_prefix", cfg.Layout().DerivativePrefix()),
		zap.Bool("dbos", r.runtime != nil),
	)
	return r, nil
}

func (r *Runner) newObjectStore(ctx context.Context) (storage.ObjectStore, error) {
	switch r.cfg.ObjectStore {
	case config.ObjectStoreGCS:
		s, err := storage.NewGCSStore(ctx, storage.GCSConfig{
			Endpoint:        r.cfg.GCSEndpoint,
			CredentialsFile: r.cfg.GCSCredentialsFile,
			PublicBaseURL:   r.cfg.PublicBaseURL,
			PublicACL:       r.cfg.GCSPublicACL,
		})
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, s)
		return s, nil
	case config.ObjectStoreHTTP:
		return storage.NewHTTPStore(r.cfg.ObjectAPIURL, r.cfg.PublicBaseURL), nil
	default:
		return storage.NewFilesystemStore(r.cfg.StorageDir, r.cfg.PublicBaseURL)
	}
}

func (r *Runner) newRecordStore(ctx context.Context) (listings.Store, error) {
	if r.cfg.RecordStore == config.RecordStorePostgres {
		return listings.OpenPostgresStore(ctx, r.cfg.ListingsDatabaseURL)
	}
	return listings.NewRedisStore(r.cfg.RedisURL)
}

// Launch starts the DBOS workers. Without DBOS it is a no-op.
func (r *Runner) Launch() error {
	if r.runtime == nil || r.launched {
		return nil
	}
	if err := r.runtime.Launch(); err != nil {
		return fmt.Errorf("failed to launch DBOS: %w", err)
	}
	r.launched = true
	return nil
}

// Process runs one invocation synchronously
func (r *Runner) Process(ctx context.Context, ev pipeline.UploadEvent) (*workflows.WorkflowResult, error) {
	return r.runner.Run(&workflows.WorkflowContext{
		Ctx:     ctx,
		Request: pipeline.ProcessRequest{Job: pipeline.JobWatermark, Event: ev},
	})
}

// Enqueue hands an invocation to the DBOS queue and returns its run id
func (r *Runner) Enqueue(ctx context.Context, ev pipeline.UploadEvent) (string, error) {
	if !r.launched {
		return "", workflows.ErrDBOSUnavailable
	}
	return r.runner.RunAsync(ctx, pipeline.ProcessRequest{Job: pipeline.JobWatermark, Event: ev})
}

// HandleEvent is the event-source entry point. It always processes in place,
// even with DBOS running, so the returned error decides the ack and the
// source's redelivery retries transient failures.
func (r *Runner) HandleEvent(ctx context.Context, ev pipeline.UploadEvent) error {
	if _, err := r.tracker.Record(ctx, pipeline.JobWatermark, ev); err != nil {
		r.log.Warn("failed to record delivery", zap.String("object_key", ev.ObjectKey), zap.Error(err))
	}
	_, err := r.Process(ctx, ev)
	return err
}

// WorkflowRunner exposes the underlying runner for HTTP handlers
func (r *Runner) WorkflowRunner() *workflows.WorkflowRunner {
	return r.runner
}

// Tracker returns the delivery ledger; nil without DBOS
func (r *Runner) Tracker() *dedupe.Tracker {
	return r.tracker
}

// Staging returns the staging manager for the janitor
func (r *Runner) Staging() *staging.Manager {
	return r.stager
}

// Metrics returns the metrics sink
func (r *Runner) Metrics() metrics.Metrics {
	return r.metrics
}

// Shutdown gracefully shuts down DBOS and closes the clients
func (r *Runner) Shutdown(timeout time.Duration) {
	if r.runtime != nil {
		r.runtime.Shutdown(timeout)
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Warn("error closing clients", zap.Error(err))
	}
}
