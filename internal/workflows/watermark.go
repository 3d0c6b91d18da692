package workflows

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/tendant/listing-image-pipeline/internal/compositor"
	"github.com/tendant/listing-image-pipeline/internal/metrics"
	"github.com/tendant/listing-image-pipeline/internal/staging"
	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// ObjectStore is the blob store the pipeline reads sources from and publishes to
type ObjectStore interface {
	Download(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Upload(ctx context.Context, bucket, key string, r io.Reader, contentType string) error
	MakePublic(ctx context.Context, bucket, key string) error
	PublicURL(bucket, key string) string
}

// RecordStore is the document store holding listing records
type RecordStore interface {
	AddImage(ctx context.Context, recordID, url string) (bool, error)
}

// Compositor overlays the watermark onto a source image
type Compositor interface {
	Compose(source, watermark []byte) (*compositor.Result, error)
}

// WatermarkConfig holds the fixed settings of the watermark workflow
type WatermarkConfig struct {
	Layout pipeline.Layout
	// WatermarkBucket holds the template; empty means the event's bucket
	WatermarkBucket string
}

// WatermarkWorkflow watermarks uploaded listing images and links the result
// into the owning listing record.
type WatermarkWorkflow struct {
	store      ObjectStore
	stager     *staging.Manager
	compositor Compositor
	publisher  *DerivativePublisher
	updater    *ReferenceUpdater
	cfg        WatermarkConfig
	metrics    metrics.Metrics
	log        *zap.Logger
}

// Option configures a WatermarkWorkflow
type Option func(*WatermarkWorkflow)

// WithMetrics sets the metrics sink
func WithMetrics(m metrics.Metrics) Option {
	return func(w *WatermarkWorkflow) {
		if m != nil {
			w.metrics = m
		}
	}
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(w *WatermarkWorkflow) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWatermarkWorkflow creates a new watermark workflow. The clients are
// constructed once per process and shared by every invocation.
func NewWatermarkWorkflow(store ObjectStore, records RecordStore, stager *staging.Manager, comp Compositor, cfg WatermarkConfig, opts ...Option) *WatermarkWorkflow {
	cfg.Layout = cfg.Layout.WithDefaults()
	w := &WatermarkWorkflow{
		store:      store,
		stager:     stager,
		compositor: comp,
		publisher:  NewDerivativePublisher(store),
		updater:    NewReferenceUpdater(records, cfg.Layout),
		cfg:        cfg,
		metrics:    metrics.Noop{},
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name returns the workflow name
func (w *WatermarkWorkflow) Name() string {
	return "WatermarkWorkflow"
}

// Execute runs one invocation. Skips and rejects return a successful result
// with a nil error; failures return a *PhaseError. Staged files are released
// on every path.
func (w *WatermarkWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	ctx := wctx.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ev := wctx.Request.Event
	log := w.log.With(
		zap.String("run_id", wctx.RunID),
		zap.String("bucket", ev.Bucket),
		zap.String("object_key", ev.ObjectKey),
	)
	inv := &invocation{state: StateReceived, log: log, metrics: w.metrics}

	// Step 1: Route
	decision := Route(ev, w.cfg.Layout)
	w.metrics.IncDecision(string(decision.Kind))
	inv.advance(StateRouted)
	if !decision.Proceed() {
		log.Info("event skipped", zap.String("decision", decision.String()))
		return inv.skip(decision), nil
	}
	log.Info("processing upload", zap.String("content_type", ev.ContentType), zap.Int64("size", ev.SizeBytes))

	// Step 2: Stage source and watermark
	scope, err := w.stager.NewScope(wctx.RunID)
	if err != nil {
		return inv.fail(decision, phaseError(PhaseFetch, ClassTransient, err))
	}
	defer func() {
		if err := scope.Release(); err != nil {
			log.Warn("failed to release staging scope", zap.String("dir", scope.Dir()), zap.Error(err))
		}
	}()

	start := time.Now()
	source, watermark, err := w.fetch(ctx, scope, ev)
	w.metrics.ObservePhase(string(PhaseFetch), time.Since(start).Seconds())
	if err != nil {
		return inv.fail(decision, err)
	}
	inv.advance(StateStaged)
	log.Debug("inputs staged", zap.Int("source_bytes", len(source)), zap.Int("watermark_bytes", len(watermark)))

	// Step 3: Compose
	start = time.Now()
	composed, err := w.compositor.Compose(source, watermark)
	w.metrics.ObservePhase(string(PhaseCompose), time.Since(start).Seconds())
	if err != nil {
		return inv.fail(decision, phaseError(PhaseCompose, ClassFatalContent, err))
	}
	inv.advance(StateComposed)

	asset := pipeline.DerivativeAsset{
		SourceKey:     ev.ObjectKey,
		DerivativeKey: w.cfg.Layout.DerivativeKey(ev.ObjectKey),
		Bytes:         composed.Bytes,
		ContentType:   composed.ContentType,
	}

	// Step 4: Publish
	start = time.Now()
	publicURL, err := w.publisher.Publish(ctx, ev.Bucket, asset)
	w.metrics.ObservePhase(string(PhasePublish), time.Since(start).Seconds())
	if err != nil {
		return inv.fail(decision, phaseError(PhasePublish, ClassTransient, err))
	}
	inv.advance(StatePublished)
	inv.result.PublicURL = publicURL
	log.Info("derivative published", zap.String("derivative_key", asset.DerivativeKey), zap.String("public_url", publicURL))

	// Step 5: Attach
	start = time.Now()
	ref, added, err := w.attach(ctx, ev.ObjectKey, publicURL)
	w.metrics.ObservePhase(string(PhaseAttach), time.Since(start).Seconds())
	if err != nil {
		return inv.fail(decision, err)
	}
	inv.advance(StateAttached)

	inv.advance(StateDone)
	w.metrics.IncInvocation(string(StateDone))
	log.Info("watermark workflow completed",
		zap.String("record_id", ref.RecordID),
		zap.Bool("reference_added", added),
	)

	inv.result.Success = true
	inv.result.Decision = decision.String()
	inv.result.Outputs = map[string]string{
		"source_key":     asset.SourceKey,
		"derivative_key": asset.DerivativeKey,
		"content_type":   asset.ContentType,
		"record_id":      ref.RecordID,
	}
	return inv.finish(), nil
}

// fetch downloads the source and the watermark template into the scope
func (w *WatermarkWorkflow) fetch(ctx context.Context, scope *staging.Scope, ev pipeline.UploadEvent) ([]byte, []byte, error) {
	source, err := w.stage(ctx, scope, ev.Bucket, ev.ObjectKey)
	if err != nil {
		return nil, nil, err
	}

	wmBucket := w.cfg.WatermarkBucket
	if wmBucket == "" {
		wmBucket = ev.Bucket
	}
	watermark, err := w.stage(ctx, scope, wmBucket, w.cfg.Layout.WatermarkKey)
	if err != nil {
		return nil, nil, err
	}
	return source, watermark, nil
}

func (w *WatermarkWorkflow) stage(ctx context.Context, scope *staging.Scope, bucket, key string) ([]byte, error) {
	rc, err := w.store.Download(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, pipeline.ErrObjectNotFound) {
			return nil, phaseError(PhaseFetch, ClassFatalContent, err)
		}
		return nil, phaseError(PhaseFetch, ClassTransient, fmt.Errorf("download %s/%s: %w", bucket, key, err))
	}
	defer rc.Close()

	asset, err := scope.Stage(ctx, key, rc)
	if err != nil {
		return nil, phaseError(PhaseFetch, ClassTransient, err)
	}
	data, err := asset.ReadAll()
	if err != nil {
		return nil, phaseError(PhaseFetch, ClassTransient, fmt.Errorf("read staged %s: %w", key, err))
	}
	return data, nil
}

func (w *WatermarkWorkflow) attach(ctx context.Context, sourceKey, publicURL string) (pipeline.ListingReference, bool, error) {
	ref, err := w.updater.Resolve(sourceKey, publicURL)
	if err != nil {
		return ref, false, phaseError(PhaseAttach, ClassRecordResolution, err)
	}
	added, err := w.updater.Attach(ctx, ref)
	if err != nil {
		if errors.Is(err, pipeline.ErrRecordNotFound) || errors.Is(err, pipeline.ErrInvalidRecordID) {
			return ref, false, phaseError(PhaseAttach, ClassRecordResolution, err)
		}
		return ref, false, phaseError(PhaseAttach, ClassTransient, err)
	}
	return ref, added, nil
}

// invocation tracks the state of one Execute call
type invocation struct {
	state   State
	result  WorkflowResult
	log     *zap.Logger
	metrics metrics.Metrics
}

func (inv *invocation) advance(next State) {
	if !CanTransition(inv.state, next) {
		inv.log.DPanic("illegal state transition", zap.String("from", string(inv.state)), zap.String("to", string(next)))
	}
	inv.state = next
}

func (inv *invocation) skip(decision pipeline.RoutingDecision) *WorkflowResult {
	inv.advance(StateSkipped)
	inv.metrics.IncInvocation(string(StateSkipped))
	inv.result.Success = true
	inv.result.Decision = decision.String()
	return inv.finish()
}

func (inv *invocation) fail(decision pipeline.RoutingDecision, err error) (*WorkflowResult, error) {
	inv.advance(StateFailed)
	phase, class := PhaseOf(err), ClassOf(err)
	inv.metrics.IncInvocation(string(StateFailed))
	inv.metrics.IncFailure(string(phase), string(class))

	fields := []zap.Field{
		zap.String("phase", string(phase)),
		zap.String("failure_class", string(class)),
		zap.Bool("retryable", class == ClassTransient),
		zap.Error(err),
	}
	switch class {
	case ClassTransient:
		inv.log.Warn("invocation failed, retry expected to succeed", fields...)
	case ClassRecordResolution:
		inv.log.Error("listing record not resolved, derivative published but not attached", fields...)
	default:
		inv.log.Error("invocation failed, retry will not help", fields...)
	}

	inv.result.Success = false
	inv.result.Decision = decision.String()
	inv.result.FailedPhase = phase
	inv.result.FailureClass = class
	inv.result.ErrorMessage = err.Error()
	return inv.finish(), err
}

func (inv *invocation) finish() *WorkflowResult {
	res := inv.result
	res.State = inv.state
	return &res
}
