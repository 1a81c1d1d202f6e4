package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/forgeml/imageforge/internal/adapter"
	"github.com/forgeml/imageforge/internal/catalog"
	"github.com/forgeml/imageforge/internal/config"
	"github.com/forgeml/imageforge/internal/runner"
)

// retryCmd reprocesses one failed image with its original settings and
// blocks until the retry settles.
func retryCmd(args []string) int {
	var imageID int64
	var includeMetadata bool
	var failureMode string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--image-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--image-id requires a value")
				return exitConfig
			}
			id, err := strconv.ParseInt(args[i], 10, 64)
			if err != nil || id <= 0 {
				fmt.Fprintf(os.Stderr, "--image-id: %q is not a positive integer\n", args[i])
				return exitConfig
			}
			imageID = id
		case "--include-metadata":
			includeMetadata = true
		case "--failure-mode":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--failure-mode requires a value")
				return exitConfig
			}
			failureMode = args[i]
			if failureMode != config.FailureModeSoft && failureMode != config.FailureModeHard {
				fmt.Fprintf(os.Stderr, "--failure-mode must be %q or %q\n", config.FailureModeSoft, config.FailureModeHard)
				return exitConfig
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown flag %q\n", args[i])
			return exitConfig
		}
	}
	if imageID == 0 {
		fmt.Fprintln(os.Stderr, "retry requires --image-id")
		return exitConfig
	}

	log := newLogger(false, nil)
	app, err := openApp(log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	defer app.close()

	// The retry path generates the image itself, so the processor needs a
	// provider resolved from the settings the image originally ran with.
	if err := bindProvider(app, imageID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}

	jobID, err := app.adapter.RetryOriginal(imageID, adapter.RetryOptions{
		IncludeMetadata:     includeMetadata,
		RemoveBgFailureMode: failureMode,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}

	status, reason := awaitRetry(app, jobID)
	if status == string(catalog.QCRetryFailed) {
		fmt.Fprintf(os.Stderr, "image %d retry failed: %s\n", imageID, reason)
		return exitRuntime
	}
	fmt.Printf("image %d settled: %s\n", imageID, status)
	return exitOK
}

func bindProvider(app *app, imageID int64) error {
	img, err := app.catalog.GetImage(imageID)
	if err != nil {
		return err
	}
	if img.ExecutionID == nil {
		return fmt.Errorf("image %d has no surviving execution to take settings from", imageID)
	}
	exec, err := app.catalog.GetExecution(*img.ExecutionID)
	if err != nil {
		return err
	}
	cfg, err := config.FromJSON(exec.SettingsSnapshot)
	if err != nil {
		return err
	}
	cfg.ApplyDefaults()
	provider, err := runner.VaultProviderFactory(app.vault)(cfg)
	if err != nil {
		return err
	}
	app.proc.Provider = provider
	return nil
}

// awaitRetry drains the event stream until the job settles. Every retry
// path ends in a completion event, so this terminates.
func awaitRetry(app *app, jobID string) (status, reason string) {
	for ev := range app.adapter.Events() {
		if ev.Payload["jobId"] != jobID {
			continue
		}
		switch ev.Stream {
		case "retry-error":
			if msg, ok := ev.Payload["error"].(string); ok {
				reason = msg
			}
		case "retry-completed":
			if s, ok := ev.Payload["qcStatus"].(string); ok {
				status = s
			}
			return status, reason
		}
	}
	return status, reason
}
