package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tendant/listing-image-pipeline/internal/dbosruntime"
	"github.com/tendant/listing-image-pipeline/internal/events"
	"github.com/tendant/listing-image-pipeline/internal/workflows"
	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// maxEventBytes bounds a notification body
const maxEventBytes = 1 << 20

// Runner runs or enqueues pipeline requests
type Runner interface {
	Run(wctx *workflows.WorkflowContext) (*workflows.WorkflowResult, error)
	RunAsync(ctx context.Context, req pipeline.ProcessRequest) (string, error)
	GetStatus(ctx context.Context, runID string) (*workflows.WorkflowStatus, error)
}

// DeliveryRecorder counts deliveries per object
type DeliveryRecorder interface {
	Record(ctx context.Context, job string, ev pipeline.UploadEvent) (int, error)
}

type noRecorder struct{}

func (noRecorder) Record(context.Context, string, pipeline.UploadEvent) (int, error) { return 0, nil }

// EventHandler serves the event ingress and run status endpoints
type EventHandler struct {
	runner  Runner
	tracker DeliveryRecorder
	async   bool
	log     *zap.Logger
}

// NewEventHandler creates a new event handler. When async is true events are
// enqueued by default; the async query parameter overrides it per request.
func NewEventHandler(runner Runner, tracker DeliveryRecorder, async bool, log *zap.Logger) *EventHandler {
	if log == nil {
		log = zap.NewNop()
	}
	if tracker == nil {
		tracker = noRecorder{}
	}
	return &EventHandler{runner: runner, tracker: tracker, async: async, log: log}
}

// Register mounts the handler's routes on mux
func (h *EventHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/events", h.HandleEvent)
	mux.HandleFunc("/v1/runs/", h.HandleStatus)
}

// HandleEvent handles POST /v1/events. The body is a direct upload event, a
// GCS object resource or a Pub/Sub push envelope.
func (h *EventHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	ev, err := events.Decode(body)
	if errors.Is(err, events.ErrIgnoredEvent) {
		// Acknowledge so the push subscription stops redelivering
		writeJSON(w, http.StatusOK, pipeline.ProcessResponse{State: string(workflows.StateSkipped), Decision: "ignored"})
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	log := h.log.With(zap.String("bucket", ev.Bucket), zap.String("object_key", ev.ObjectKey))

	seen, err := h.tracker.Record(r.Context(), pipeline.JobWatermark, ev)
	if err != nil {
		log.Warn("failed to record delivery", zap.Error(err))
	}

	req := pipeline.ProcessRequest{Job: pipeline.JobWatermark, Event: ev}
	if h.isAsync(r) {
		runID, err := h.runner.RunAsync(r.Context(), req)
		if err != nil {
			log.Error("failed to enqueue workflow", zap.Error(err))
			status := http.StatusInternalServerError
			if errors.Is(err, workflows.ErrDBOSUnavailable) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, fmt.Sprintf("Failed to enqueue workflow: %v", err), status)
			return
		}
		log.Info("workflow enqueued", zap.String("run_id", runID), zap.Int("seen_count", seen))
		writeJSON(w, http.StatusAccepted, pipeline.ProcessResponse{RunID: runID, DedupeSeenCount: seen})
		return
	}

	wctx := &workflows.WorkflowContext{Ctx: r.Context(), Request: req}
	result, err := h.runner.Run(wctx)
	resp := pipeline.ProcessResponse{RunID: wctx.RunID, DedupeSeenCount: seen}
	if result != nil {
		resp.State = string(result.State)
		resp.Decision = result.Decision
		resp.PublicURL = result.PublicURL
		resp.FailedPhase = string(result.FailedPhase)
		resp.FailureClass = string(result.FailureClass)
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, failureStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// failureStatus maps a failed run to a status code. Push subscriptions retry
// 5xx answers and drop 4xx ones.
func failureStatus(err error) int {
	if errors.Is(err, workflows.ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	var phaseErr *workflows.PhaseError
	if !errors.As(err, &phaseErr) {
		return http.StatusInternalServerError
	}
	if phaseErr.Retryable() {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnprocessableEntity
}

func (h *EventHandler) isAsync(r *http.Request) bool {
	v := r.URL.Query().Get("async")
	if v == "" {
		return h.async
	}
	async, err := strconv.ParseBool(v)
	return err == nil && async
}

// HandleStatus handles GET /v1/runs/{runID} - returns workflow status
func (h *EventHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if runID == "" {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}

	status, err := h.runner.GetStatus(r.Context(), runID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, status)
	case errors.Is(err, workflows.ErrDBOSUnavailable):
		http.Error(w, "Run status requires DBOS", http.StatusNotImplemented)
	case errors.Is(err, dbosruntime.ErrWorkflowNotFound):
		http.Error(w, "Workflow not found", http.StatusNotFound)
	default:
		h.log.Error("failed to get workflow status", zap.String("run_id", runID), zap.Error(err))
		http.Error(w, "Failed to get workflow status", http.StatusInternalServerError)
	}
}

// HandleHealth handles GET /health
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
