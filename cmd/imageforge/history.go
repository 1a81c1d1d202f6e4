package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/forgeml/imageforge/internal/catalog"
	"github.com/forgeml/imageforge/internal/config"
)

// historyCmd prints a page of past executions, newest first.
func historyCmd(args []string) int {
	var filter catalog.ExecutionFilter
	page := 1
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--status":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--status requires a value")
				return exitConfig
			}
			status := catalog.ExecutionStatus(args[i])
			switch status {
			case catalog.StatusPending, catalog.StatusRunning, catalog.StatusCompleted,
				catalog.StatusFailed, catalog.StatusStopped:
			default:
				fmt.Fprintf(os.Stderr, "unknown status %q\n", args[i])
				return exitConfig
			}
			filter.Status = status
		case "--page":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--page requires a value")
				return exitConfig
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "--page: %q is not a positive integer\n", args[i])
				return exitConfig
			}
			page = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag %q\n", args[i])
			return exitConfig
		}
	}

	log := newLogger(false, nil)
	app, err := openApp(log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	defer app.close()

	hist, err := app.adapter.History(filter, page, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tIMAGES\tLABEL")
	for _, e := range hist.Executions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d of %d\t%s\n",
			e.ID, e.Status, e.StartedAt.Local().Format(time.DateTime),
			e.Successful, e.Failed, e.Total, e.Label)
	}
	w.Flush()
	fmt.Printf("page %d, %d execution(s) total\n", hist.Page, hist.Total)
	return exitOK
}

// validateCmd checks a settings file without touching the catalog.
func validateCmd(args []string) int {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				return exitConfig
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag %q\n", args[i])
			return exitConfig
		}
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "validate requires --config")
		return exitConfig
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", configPath, err)
		return exitConfig
	}
	if err := cfg.ValidatePaths(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", configPath, err)
		return exitConfig
	}
	planned := cfg.Parameters.Count * cfg.Parameters.Variations
	fmt.Printf("%s: ok (%d planned images, provider %s)\n", configPath, planned, cfg.EffectiveProvider())
	return exitOK
}
