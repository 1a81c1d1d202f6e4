// Package runner drives one execution end to end: plan the generations,
// fan candidate images out to a bounded worker pool, keep the execution
// row and the progress stream current, and settle into exactly one
// terminal status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forgeml/imageforge/internal/catalog"
	"github.com/forgeml/imageforge/internal/config"
	"github.com/forgeml/imageforge/internal/events"
	"github.com/forgeml/imageforge/internal/imggen"
	"github.com/forgeml/imageforge/internal/pipeline"
	"github.com/forgeml/imageforge/internal/vault"
)

// State is the runner lifecycle. Terminal execution statuses live on
// the row; the runner itself returns to idle after every run.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateCompleting State = "completing"
)

// ErrAlreadyRunning is returned by StartJob while a run is in flight.
var ErrAlreadyRunning = errors.New("a job is already running")

// maxWorkers caps the pool; small runs get one worker per generation.
const maxWorkers = 4

// gracefulStopTimeout bounds how long StopJob lets in-flight images
// finish before the hard cancel fires.
const gracefulStopTimeout = 10 * time.Second

// ImageProcessor settles one candidate image. Satisfied by
// *pipeline.Processor; tests substitute fakes.
type ImageProcessor interface {
	Process(ctx context.Context, in pipeline.Input) (*pipeline.Outcome, error)
}

// ProviderFactory builds the generation client a job's settings call
// for, fetching the credential fresh at start time.
type ProviderFactory func(cfg *config.Settings) (imggen.Provider, error)

// VaultProviderFactory is the production factory: provider selection
// from the settings, API key from the vault.
func VaultProviderFactory(v *vault.Vault) ProviderFactory {
	return func(cfg *config.Settings) (imggen.Provider, error) {
		name := cfg.EffectiveProvider()
		key, _, err := v.Get(name)
		if err != nil {
			return nil, fmt.Errorf("no %s credential in the vault: %w", name, err)
		}
		switch name {
		case config.ProviderRunware:
			return imggen.NewRunwareClient(key), nil
		default:
			return imggen.NewPiAPIClient(key), nil
		}
	}
}

type Runner struct {
	Catalog   *catalog.Catalog
	Bus       *events.Bus
	Processor ImageProcessor
	Providers ProviderFactory
	Log       *logrus.Entry

	mu       sync.Mutex
	state    State
	execID   int64
	stopCh   chan struct{} // closed on StopJob: producer stops feeding
	cancel   context.CancelCauseFunc
	done     chan struct{}
	stopping bool

	successful int
	failed     int
	total      int

	rerun rerunQueue
}

func New(cat *catalog.Catalog, bus *events.Bus, proc ImageProcessor, providers ProviderFactory, log *logrus.Entry) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{
		Catalog:   cat,
		Bus:       bus,
		Processor: proc,
		Providers: providers,
		Log:       log,
		state:     StateIdle,
	}
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CurrentExecution returns the in-flight execution id, 0 when idle.
func (r *Runner) CurrentExecution() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateIdle {
		return 0
	}
	return r.execID
}

// StartJob validates the settings, inserts the execution row, and kicks
// off the run. It returns as soon as the run is underway; Wait blocks
// until it settles.
func (r *Runner) StartJob(cfg *config.Settings, label string) (int64, error) {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return 0, ErrAlreadyRunning
	}
	r.state = StateStarting
	r.mu.Unlock()

	execID, err := r.prepare(cfg, label)
	if err != nil {
		r.mu.Lock()
		r.state = StateIdle
		r.mu.Unlock()
		return 0, err
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	r.state = StateRunning
	r.execID = execID
	r.cancel = cancel
	r.done = done
	r.stopCh = make(chan struct{})
	r.stopping = false
	r.successful, r.failed = 0, 0
	r.total = cfg.Parameters.Count * cfg.Parameters.Variations
	r.mu.Unlock()

	r.emitStatus("running", execID)
	go r.run(ctx, cfg, execID, done)
	return execID, nil
}

// prepare validates and persists the new execution. Secrets are redacted
// out of the snapshot; the shuffle seed is pinned so a snapshot rerun
// plans identically.
func (r *Runner) prepare(cfg *config.Settings, label string) (int64, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	if err := cfg.ValidatePaths(); err != nil {
		return 0, err
	}
	if cfg.Parameters.KeywordRandom && cfg.Parameters.KeywordSeed == 0 {
		cfg.Parameters.KeywordSeed = time.Now().UnixNano()
	}
	redacted, err := cfg.RedactedCopy()
	if err != nil {
		return 0, err
	}
	snapshot, err := redacted.ToJSON()
	if err != nil {
		return 0, err
	}
	return r.Catalog.SaveExecution(&catalog.Execution{
		StartedAt:        time.Now(),
		Status:           catalog.StatusRunning,
		Total:            cfg.Parameters.Count * cfg.Parameters.Variations,
		Label:            label,
		SettingsSnapshot: snapshot,
	})
}

// imageTask is one candidate image handed to the pool.
type imageTask struct {
	mappingID int64
	url       string
	set       pipeline.ParamSet
}

func (r *Runner) run(ctx context.Context, cfg *config.Settings, execID int64, done chan struct{}) {
	defer close(done)
	log := r.Log.WithField("execution", execID)

	sets, err := pipeline.Plan(cfg)
	if err != nil {
		log.WithError(err).Error("planning failed")
		r.finish(execID, catalog.StatusFailed, err.Error())
		return
	}
	r.emitLog(execID, "info", fmt.Sprintf("planned %d generations", len(sets)))

	provider, err := r.Providers(cfg)
	if err != nil {
		log.WithError(err).Error("provider unavailable")
		r.finish(execID, catalog.StatusFailed, err.Error())
		return
	}

	workers := maxWorkers
	if cfg.Parameters.Count < workers {
		workers = cfg.Parameters.Count
	}
	tasks := make(chan imageTask)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				if r.stopRequested() {
					continue // drain without starting new images
				}
				r.settle(ctx, cfg, execID, task)
			}
		}()
	}

	r.produce(ctx, cfg, execID, provider, sets, tasks)
	close(tasks)
	wg.Wait()

	r.mu.Lock()
	stopped := r.stopping
	successful, failed := r.successful, r.failed
	r.mu.Unlock()

	status := catalog.StatusCompleted
	if stopped || ctx.Err() != nil {
		status = catalog.StatusStopped
	}
	log.WithFields(logrus.Fields{
		"successful": successful,
		"failed":     failed,
		"status":     status,
	}).Info("run settled")
	r.finish(execID, status, "")
}

// produce walks the plan: one generate call per parameter set (with a
// single top-up on a short return), then one task per image URL. A
// generate failure settles the whole set's images as failed rows.
func (r *Runner) produce(ctx context.Context, cfg *config.Settings, execID int64, provider imggen.Provider, sets []pipeline.ParamSet, tasks chan<- imageTask) {
	r.mu.Lock()
	stopCh := r.stopCh
	r.mu.Unlock()
	nextMapping := int64(1)
	for _, set := range sets {
		if r.stopRequested() || ctx.Err() != nil {
			// Remaining images stay unpersisted; reconciliation counts
			// them against the stored total.
			return
		}
		urls, err := r.generate(ctx, cfg, provider, set)
		if err != nil {
			r.failSet(execID, set, nextMapping, err)
			nextMapping += int64(set.Variations)
			continue
		}
		for i := 0; i < set.Variations; i++ {
			task := imageTask{mappingID: nextMapping, set: set}
			nextMapping++
			if i < len(urls) {
				task.url = urls[i]
			}
			select {
			case tasks <- task:
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Runner) generate(ctx context.Context, cfg *config.Settings, provider imggen.Provider, set pipeline.ParamSet) ([]string, error) {
	req := imggen.GenerationRequest{
		Prompt:      set.Prompt,
		Seed:        set.Seed,
		Variations:  set.Variations,
		AspectRatio: set.AspectRatio,
		ProcessMode: cfg.Parameters.ProcessMode,
		PollTimeout: time.Duration(cfg.Parameters.PollingTimeout) * time.Second,
	}
	urls, err := provider.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(urls) < set.Variations {
		// One top-up request for the remainder; a second short return
		// is accepted as-is.
		topUp := req
		topUp.Variations = set.Variations - len(urls)
		if more, err := provider.Generate(ctx, topUp); err == nil {
			urls = append(urls, more...)
		}
	}
	return urls, nil
}

// settle runs one candidate through the processor and folds the result
// into the totals. A task with no URL is a short generation: recorded
// as a failed row without touching the provider again.
func (r *Runner) settle(ctx context.Context, cfg *config.Settings, execID int64, task imageTask) {
	if task.url == "" {
		r.persistFailure(execID, task.mappingID, task.set, "generation returned fewer images than requested")
		r.progress(execID, false, "generate")
		return
	}
	outcome, err := r.Processor.Process(ctx, pipeline.Input{
		ExecutionID:  execID,
		MappingID:    task.mappingID,
		Prompt:       task.set.Prompt,
		Seed:         task.set.Seed,
		AspectRatio:  task.set.AspectRatio,
		SourceURL:    task.url,
		Settings:     cfg,
		EventContext: events.ContextRun,
	})
	if err != nil {
		// Cancelled mid-pipeline: nothing persisted, nothing counted.
		return
	}
	r.progress(execID, outcome.FinalPath != "", string(outcome.QCStatus))
}

// failSet records one failed row per expected image of a parameter set
// whose generate call failed outright.
func (r *Runner) failSet(execID int64, set pipeline.ParamSet, firstMapping int64, genErr error) {
	for i := 0; i < set.Variations; i++ {
		r.persistFailure(execID, firstMapping+int64(i), set, genErr.Error())
		r.progress(execID, false, "generate")
	}
}

func (r *Runner) persistFailure(execID, mappingID int64, set pipeline.ParamSet, reason string) {
	id, err := r.Catalog.UpsertImageOutcome(execID, mappingID, &catalog.GeneratedImage{
		Prompt:             set.Prompt,
		Seed:               set.Seed,
		QCStatus:           catalog.QCPending,
		QCReason:           reason,
		ProcessingSettings: "{}",
	})
	if err != nil {
		r.Log.WithError(err).WithField("mapping", mappingID).Error("failed to persist image failure")
	}
	// The processor never saw this image, so the settled event is emitted
	// here: one image.settled per counted outcome, success or not.
	r.Bus.Publish(events.TopicImageSettled, map[string]any{
		"context":     events.ContextRun,
		"executionId": execID,
		"mappingId":   mappingID,
		"imageId":     id,
		"qcStatus":    string(catalog.QCPending),
		"finalPath":   "",
		"failedStage": "generate",
		"reason":      reason,
	})
}

// progress folds one settled image into the monotonic totals, writes
// the row, and emits job.progress in completion order.
func (r *Runner) progress(execID int64, success bool, stage string) {
	// Row write and event publish stay under the lock so concurrent
	// workers cannot reorder the counts.
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.successful++
	} else {
		r.failed++
	}
	successful, failed, total := r.successful, r.failed, r.total

	if err := r.Catalog.UpdateExecution(execID, catalog.ExecutionUpdate{
		Successful: &successful,
		Failed:     &failed,
	}); err != nil {
		r.Log.WithError(err).Error("failed to update execution totals")
	}
	r.Bus.Publish(events.TopicJobProgress, map[string]any{
		"context":      events.ContextRun,
		"executionId":  execID,
		"done":         successful + failed,
		"total":        total,
		"successful":   successful,
		"failed":       failed,
		"currentStage": stage,
	})
}

// finish writes the terminal row (the last write for this execution),
// then emits the terminal status event and returns the runner to idle.
func (r *Runner) finish(execID int64, status catalog.ExecutionStatus, errorMessage string) {
	r.mu.Lock()
	r.state = StateCompleting
	successful, failed := r.successful, r.failed
	r.mu.Unlock()

	if err := r.Catalog.FinishExecution(execID, status, time.Now(), successful, failed, errorMessage); err != nil {
		r.Log.WithError(err).Error("failed to finish execution")
	}

	r.mu.Lock()
	r.state = StateIdle
	r.execID = 0
	r.cancel = nil
	r.mu.Unlock()
	r.emitStatus(string(status), execID)
}

func (r *Runner) stopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// StopJob requests a graceful stop: no new images start, in-flight ones
// get up to 10 seconds, then the hard cancel fires. Blocks until the
// run has settled.
func (r *Runner) StopJob() error {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return fmt.Errorf("no job is running")
	}
	r.state = StateStopping
	r.stopping = true
	close(r.stopCh)
	cancel := r.cancel
	done := r.done
	execID := r.execID
	r.mu.Unlock()

	r.emitStatus("stopping", execID)
	select {
	case <-done:
	case <-time.After(gracefulStopTimeout):
		cancel(errors.New("graceful stop timed out"))
		<-done
	}
	return nil
}

// ForceStopAll cancels everything immediately, without the graceful
// window, and blocks until the pool has torn down.
func (r *Runner) ForceStopAll() {
	r.mu.Lock()
	if r.state == StateIdle || r.cancel == nil {
		r.mu.Unlock()
		return
	}
	if !r.stopping {
		r.stopping = true
		close(r.stopCh)
	}
	r.state = StateStopping
	cancel := r.cancel
	done := r.done
	execID := r.execID
	r.mu.Unlock()

	cancel(errors.New("force stop"))
	r.emitStatus("stopping", execID)
	<-done
}

// Wait blocks until the current run settles; a no-op when idle.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return
	}
	<-done
}

// RerunExecution resets the row to pending and returns its settings
// snapshot for a fresh StartJob.
func (r *Runner) RerunExecution(id int64) (*config.Settings, error) {
	snapshot, err := r.Catalog.ResetExecutionForRerun(id)
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromJSON(snapshot)
	if err != nil {
		return nil, fmt.Errorf("execution %d has an unreadable settings snapshot: %w", id, err)
	}
	return cfg, nil
}

func (r *Runner) emitStatus(state string, execID int64) {
	r.Bus.Publish(events.TopicJobStatus, map[string]any{
		"context":     events.ContextRun,
		"executionId": execID,
		"state":       state,
	})
}

func (r *Runner) emitLog(execID int64, level, message string) {
	r.Bus.Publish(events.TopicJobLog, map[string]any{
		"context":     events.ContextRun,
		"executionId": execID,
		"level":       level,
		"message":     message,
	})
}
