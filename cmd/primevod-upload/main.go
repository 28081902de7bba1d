// Command primevod-upload uploads video files to the PrimeVOD ingest bucket
// with presigned multipart uploads.
//
// Usage:
//
//	primevod-upload [path or pattern]...
//
// Configuration is read from PRIMEVOD_* environment variables and an optional .env file.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	_ "github.com/joho/godotenv/autoload"
	"github.com/primevod/go-ingest/upload"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.NewLogger()
	envRepo := env.NewRepository()

	config, err := upload.ConfigFromEnv(envRepo)
	if err != nil {
		logger.Errorf("Invalid configuration: %s", err)
		return 1
	}
	logger.EnableDebugLog(config.Verbose)

	if len(os.Args) < 2 {
		logger.Errorf("Usage: %s <path or pattern>...", os.Args[0])
		return 1
	}

	paths := upload.NewPathEvaluator(pathutil.NewPathModifier(), pathutil.NewPathChecker(), logger).Evaluate(os.Args[1:])
	if len(paths) == 0 {
		logger.Errorf("No files to upload")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := upload.NewSessionClient(ctx, config, logger)
	if err != nil {
		logger.Errorf("Failed to create session client: %s", err)
		return 1
	}

	var opts []upload.Option
	if tracker := upload.NewTracker(config, logger, analytics.NewDefaultTracker); tracker != nil {
		opts = append(opts, upload.WithTracker(tracker))
	}
	controller := upload.NewController(config, client, logger, opts...)

	// First interrupt stops claiming new parts and aborts the session, the second one cancels in-flight requests.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	var interrupted atomic.Bool
	go func() {
		for range signals {
			interrupted.Store(true)
			if !controller.Abort() {
				cancel()
			}
		}
	}()

	failed := 0
	for i, path := range paths {
		logger.Println()
		logger.Infof("[%d/%d] %s", i+1, len(paths), path)

		if err := uploadFile(ctx, controller, path, logger); err != nil {
			failed++
			logger.Errorf("%s: %s", path, err)
		}

		if interrupted.Load() {
			logger.Warnf("Interrupted, skipping remaining files")
			break
		}
		if err := controller.Reset(); err != nil {
			logger.Warnf("Failed to reset: %s", err)
		}
	}

	logger.Println()
	if failed > 0 {
		logger.Errorf("%d of %d uploads failed", failed, len(paths))
		return 1
	}
	logger.Donef("Uploaded %d file(s)", len(paths))
	return 0
}

func uploadFile(ctx context.Context, controller *upload.Controller, path string, logger log.Logger) error {
	source, err := upload.OpenFile(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	result, err := controller.Upload(ctx, source)
	if err != nil {
		return err
	}

	logger.Printf("Key: %s (%s in %d parts)", result.Session.Key,
		units.HumanSize(float64(result.Session.FileSizeBytes)), result.Session.TotalParts)
	return nil
}
