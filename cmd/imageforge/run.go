package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgeml/imageforge/internal/catalog"
	"github.com/forgeml/imageforge/internal/config"
)

// runCmd starts a batch run from a settings file and blocks until the
// execution settles. A first interrupt stops gracefully, a second one
// force-stops.
func runCmd(args []string) int {
	var configPath, label string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				return exitConfig
			}
			configPath = args[i]
		case "--label":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--label requires a value")
				return exitConfig
			}
			label = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag %q\n", args[i])
			return exitConfig
		}
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "run requires --config")
		return exitConfig
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", configPath, err)
		return exitConfig
	}

	log := newLogger(cfg.Advanced.DebugMode, cfg.SecretValues())
	app, err := openApp(log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	defer app.close()

	go printEvents(app)

	execID, err := app.adapter.StartJob(cfg, label)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			return exitConfig
		}
		return exitRuntime
	}

	jobDone := make(chan struct{})
	interrupted := watchSignals(app, jobDone)
	app.runner.Wait()
	close(jobDone)

	exec, err := app.catalog.GetExecution(execID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	fmt.Printf("execution %d %s: %d successful, %d failed of %d\n",
		exec.ID, exec.Status, exec.Successful, exec.Failed, exec.Total)

	switch exec.Status {
	case catalog.StatusCompleted:
		return exitOK
	case catalog.StatusStopped:
		return exitCancelled
	default:
		if <-interrupted {
			return exitCancelled
		}
		return exitRuntime
	}
}

// watchSignals stops the run on SIGINT/SIGTERM; a second signal force
// stops. The returned channel reports whether any signal arrived.
func watchSignals(app *app, done <-chan struct{}) <-chan bool {
	got := make(chan bool, 1)
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		interrupted := false
		defer func() {
			got <- interrupted
			signal.Stop(sig)
		}()
		for {
			select {
			case <-sig:
				if interrupted {
					fmt.Fprintln(os.Stderr, "force stopping")
					app.adapter.ForceStopAll()
					return
				}
				interrupted = true
				fmt.Fprintln(os.Stderr, "stopping, interrupt again to force")
				if err := app.adapter.StopJob(); err != nil {
					app.log.WithError(err).Warn("stop")
				}
			case <-done:
				return
			}
		}
	}()
	return got
}

// printEvents mirrors the forwarded log and progress streams to stdout.
func printEvents(app *app) {
	for ev := range app.adapter.Events() {
		switch ev.Stream {
		case "log":
			if msg, ok := ev.Payload["message"].(string); ok {
				fmt.Println(msg)
			}
		case "progress":
			done, dOK := ev.Payload["done"]
			total, tOK := ev.Payload["total"]
			if dOK && tOK {
				fmt.Printf("progress %v/%v\n", done, total)
			}
		}
	}
}
