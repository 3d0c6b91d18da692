package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tendant/listing-image-pipeline/internal/config"
	"github.com/tendant/listing-image-pipeline/internal/logging"
	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
	"github.com/tendant/listing-image-pipeline/pkg/runner"
)

// pipeline-reprocess runs the watermark pipeline for existing objects, e.g.
// after the watermark template changed or a record was created late.
//
//	pipeline-reprocess --bucket listings property-images/123-front.jpg property-images/124-side.png
func main() {
	envFile := pflag.String("env-file", config.DefaultEnvFile, "dotenv file to load before reading the environment; skipped when the default is absent")
	bucket := pflag.String("bucket", "", "bucket holding the objects (required)")
	contentType := pflag.String("content-type", "", "content type for every key; guessed from the extension when empty")
	timeout := pflag.Duration("timeout", 2*time.Minute, "timeout per object")
	pflag.Parse()

	if *bucket == "" || pflag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: pipeline-reprocess --bucket <bucket> <key>...")
		os.Exit(2)
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// Always synchronous
	cfg.DBOSDatabaseURL = ""

	log, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	r, err := runner.New(context.Background(), cfg, runner.Options{Logger: log})
	if err != nil {
		log.Fatal("failed to initialize pipeline", zap.Error(err))
	}
	defer r.Shutdown(0)

	failed := 0
	for _, key := range pflag.Args() {
		ct := *contentType
		if ct == "" {
			ct = mime.TypeByExtension(path.Ext(key))
		}
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		res, err := r.Process(ctx, pipeline.UploadEvent{Bucket: *bucket, ObjectKey: key, ContentType: ct})
		cancel()
		if err != nil {
			failed++
			fmt.Printf("✗ %s: %v\n", key, err)
			continue
		}
		if res.PublicURL != "" {
			fmt.Printf("✓ %s -> %s\n", key, res.PublicURL)
		} else {
			fmt.Printf("- %s: %s (%s)\n", key, res.State, res.Decision)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}
