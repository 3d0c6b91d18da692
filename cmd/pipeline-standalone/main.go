package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/disintegration/imaging"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tendant/listing-image-pipeline/internal/config"
	"github.com/tendant/listing-image-pipeline/internal/handlers"
	"github.com/tendant/listing-image-pipeline/internal/listings"
	"github.com/tendant/listing-image-pipeline/internal/logging"
	"github.com/tendant/listing-image-pipeline/internal/staging"
	"github.com/tendant/listing-image-pipeline/internal/storage"
	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
	"github.com/tendant/listing-image-pipeline/pkg/runner"
)

const (
	testBucket   = "listings"
	testRecordID = "123"
)

// Standalone pipeline for quick testing.
// Uses an embedded Redis for listing records and filesystem storage (./dev-data).
// Nothing external is needed.
func main() {
	httpAddr := pflag.String("http-addr", ":8080", "listen address")
	storageDir := pflag.String("storage-dir", "./dev-data", "directory holding the buckets")
	seed := pflag.StringSlice("seed-records", []string{testRecordID}, "listing record ids to create at start-up")
	logFormat := pflag.String("log-format", "console", "json or console")
	pflag.Parse()

	log, err := logging.New("debug", *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipeline-standalone: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log, *httpAddr, *storageDir, *seed); err != nil {
		log.Fatal("standalone pipeline failed", zap.Error(err))
	}
}

func run(log *zap.Logger, httpAddr, storageDir string, seed []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mr, err := miniredis.Run()
	if err != nil {
		return fmt.Errorf("failed to start embedded redis: %w", err)
	}
	defer mr.Close()

	records, err := listings.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		return err
	}
	defer records.Close()
	for _, id := range seed {
		if err := records.CreateRecord(ctx, id); err != nil {
			return err
		}
	}

	publicBase := "http://localhost" + httpAddr + "/files"
	if !strings.HasPrefix(httpAddr, ":") {
		publicBase = "http://" + httpAddr + "/files"
	}
	store, err := storage.NewFilesystemStore(storageDir, publicBase)
	if err != nil {
		return err
	}

	cfg := config.Config{StorageDir: storageDir, PublicBaseURL: publicBase}
	cfg.WithDefaults()
	r, err := runner.New(ctx, cfg, runner.Options{
		Logger:      log,
		ObjectStore: store,
		RecordStore: records,
	})
	if err != nil {
		return err
	}
	defer r.Shutdown(0)

	janitor, err := staging.StartJanitor(cfg.StagingSweepSchedule, r.Staging(), cfg.StagingMaxAge, r.Metrics(), logging.Component(log, "janitor"))
	if err != nil {
		return err
	}
	defer janitor.Stop()

	h := &testHandler{runner: r, store: store, records: records, layout: cfg.Layout(), log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/v1/test", h.handleTest)
	mux.HandleFunc("/v1/listings/", h.handleListing)
	mux.Handle("/files/", http.StripPrefix("/files/", http.FileServer(http.Dir(storageDir))))
	handlers.NewEventHandler(r.WorkflowRunner(), nil, false, logging.Component(log, "http")).Register(mux)

	server := &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("standalone pipeline ready",
			zap.String("addr", httpAddr),
			zap.String("storage_dir", storageDir),
			zap.Strings("records", seed),
		)
		log.Info("quick test: curl http://localhost" + httpAddr + "/v1/test")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type testHandler struct {
	runner  *runner.Runner
	store   *storage.FilesystemStore
	records listings.Store
	layout  pipeline.Layout
	log     *zap.Logger
}

// handleTest uploads a generated photo and watermark, processes the upload
// twice and reports the listing's image references.
func (h *testHandler) handleTest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	source, err := encode(gradient(1200, 800), imaging.JPEG)
	if err != nil {
		writeError(w, err)
		return
	}
	mark, err := encode(badge(240, 80), imaging.PNG)
	if err != nil {
		writeError(w, err)
		return
	}

	key, err := h.layout.UploadKey(testRecordID, "frontview.jpg")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.Upload(ctx, testBucket, h.layout.WatermarkKey, bytes.NewReader(mark), "image/png"); err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.Upload(ctx, testBucket, key, bytes.NewReader(source), "image/jpeg"); err != nil {
		writeError(w, err)
		return
	}
	if err := h.records.CreateRecord(ctx, testRecordID); err != nil {
		writeError(w, err)
		return
	}

	ev := pipeline.UploadEvent{
		Bucket:      testBucket,
		ObjectKey:   key,
		ContentType: "image/jpeg",
		SizeBytes:   int64(len(source)),
	}

	first, err := h.runner.Process(ctx, ev)
	if err != nil {
		writeError(w, err)
		return
	}
	// A redelivery must not add a second reference
	second, err := h.runner.Process(ctx, ev)
	if err != nil {
		writeError(w, err)
		return
	}
	// The derivative's own write event must be skipped
	loop, err := h.runner.Process(ctx, pipeline.UploadEvent{
		Bucket:      testBucket,
		ObjectKey:   h.layout.DerivativeKey(key),
		ContentType: "image/jpeg",
	})
	if err != nil {
		writeError(w, err)
		return
	}

	images, err := h.records.Images(ctx, testRecordID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"source_key":          key,
		"derivative_key":      h.layout.DerivativeKey(key),
		"public_url":          first.PublicURL,
		"first_state":         first.State,
		"redelivery_state":    second.State,
		"derivative_decision": loop.Decision,
		"record_images":       images,
		"idempotent":          len(images) == 1,
	})
}

// handleListing handles GET /v1/listings/{id} (list images) and
// POST /v1/listings/{id} (create the record).
func (h *testHandler) handleListing(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/listings/")
	if id == "" {
		http.Error(w, "listing id is required", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		images, err := h.records.Images(r.Context(), id)
		if errors.Is(err, pipeline.ErrRecordNotFound) {
			http.Error(w, "listing not found", http.StatusNotFound)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "images": images})
	case http.MethodPost:
		if err := h.records.CreateRecord(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func gradient(w, h int) image.Image {
	img := imaging.New(w, h, color.NRGBA{})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 160, A: 255})
		}
	}
	return img
}

func badge(w, h int) image.Image {
	img := imaging.New(w, h, color.NRGBA{R: 255, G: 255, B: 255, A: 140})
	border := color.NRGBA{A: 200}
	for x := 0; x < w; x++ {
		img.SetNRGBA(x, 0, border)
		img.SetNRGBA(x, h-1, border)
	}
	for y := 0; y < h; y++ {
		img.SetNRGBA(0, y, border)
		img.SetNRGBA(w-1, y, border)
	}
	return img
}

func encode(img image.Image, format imaging.Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
