// Package retryexec reprocesses previously failed images one at a time.
// Jobs queue FIFO; each one regenerates its image from the prompt and
// settings the image originally ran with (optionally overridden), then
// updates the existing row in place. A failed retry never clobbers a
// prior final artifact.
package retryexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/forgeml/imageforge/internal/catalog"
	"github.com/forgeml/imageforge/internal/config"
	"github.com/forgeml/imageforge/internal/events"
	"github.com/forgeml/imageforge/internal/pipeline"
)

// Job is one queued retry. Zero ID gets assigned on enqueue.
type Job struct {
	ID      string
	ImageID int64
	// UseOriginalSettings resolves the processing knobs from the image's
	// recorded processing_settings instead of the execution snapshot.
	UseOriginalSettings bool
	// Override replaces individual setting groups after resolution.
	Override *Override
	// IncludeMetadata regenerates title/description/tags on success.
	IncludeMetadata bool
	// RemoveBgFailureMode overrides soft/hard for this retry only.
	RemoveBgFailureMode string
}

// Override is a partial settings replacement applied on top of the
// resolved configuration. Nil groups keep the resolved values.
type Override struct {
	Processing  *config.Processing `json:"processing,omitempty"`
	AI          *config.AI         `json:"ai,omitempty"`
	Provider    string             `json:"provider,omitempty"`
	ProcessMode string             `json:"processMode,omitempty"`
}

// ImageExecutor runs the pipeline stages without persisting, and
// regenerates metadata on demand. Satisfied by *pipeline.Processor.
type ImageExecutor interface {
	Execute(ctx context.Context, in pipeline.Input) (*pipeline.Outcome, pipeline.ProcessingSnapshot, error)
	GenerateMetadata(ctx context.Context, cfg *config.Settings, finalPath string) *catalog.ImageMetadata
}

type Executor struct {
	Catalog   *catalog.Catalog
	Bus       *events.Bus
	Processor ImageExecutor
	Log       *logrus.Entry

	mu      sync.Mutex
	queue   []Job
	running bool
	active  string // id of the job in flight
	cancel  context.CancelFunc
}

func New(cat *catalog.Catalog, bus *events.Bus, proc ImageExecutor, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{Catalog: cat, Bus: bus, Processor: proc, Log: log}
}

// Enqueue appends jobs to the FIFO, marks their images retry_pending,
// and starts the drainer if it is idle. Returns the assigned job ids.
func (e *Executor) Enqueue(jobs ...Job) []string {
	ids := make([]string, len(jobs))
	for i := range jobs {
		if jobs[i].ID == "" {
			jobs[i].ID = ulid.Make().String()
		}
		ids[i] = jobs[i].ID
		e.markPending(jobs[i].ImageID)
	}

	e.mu.Lock()
	e.queue = append(e.queue, jobs...)
	start := !e.running
	if start {
		e.running = true
	}
	e.mu.Unlock()

	e.emitQueue()
	if start {
		go e.drain()
	}
	return ids
}

// QueueLength reports queued jobs, not counting the one in flight.
func (e *Executor) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Stop drops every queued job, cancels the one in flight, and emits
// retry.stopped once the drainer has wound down.
func (e *Executor) Stop() {
	e.mu.Lock()
	dropped := len(e.queue)
	e.queue = nil
	cancel := e.cancel
	e.mu.Unlock()

	// The drainer exits on its own once the queue is empty.
	if cancel != nil {
		cancel()
	}
	e.emitQueue()
	e.Bus.Publish(events.TopicRetryStopped, map[string]any{
		"context": events.ContextRetry,
		"dropped": dropped,
	})
}

func (e *Executor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.active = ""
			e.mu.Unlock()
			return
		}
		job := e.queue[0]
		e.queue = e.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		e.active = job.ID
		e.cancel = cancel
		e.mu.Unlock()

		e.emitQueue()
		e.processOne(ctx, job)
		cancel()

		e.mu.Lock()
		e.active = ""
		e.cancel = nil
		e.mu.Unlock()
	}
}

// processOne runs a single retry end to end. Every exit path settles the
// image row: approved/qc_failed on success, retry_failed otherwise.
func (e *Executor) processOne(ctx context.Context, job Job) {
	log := e.Log.WithFields(logrus.Fields{"job": job.ID, "image": job.ImageID})

	img, err := e.Catalog.GetImage(job.ImageID)
	if err != nil {
		log.WithError(err).Error("retry target missing")
		e.emitJobError(job, fmt.Sprintf("image %d not found: %v", job.ImageID, err))
		return
	}

	cfg, aspect, err := e.resolveSettings(job, img)
	if err != nil {
		log.WithError(err).Error("retry settings unresolvable")
		e.failImage(job, img, err.Error())
		return
	}

	e.Bus.Publish(events.TopicRetryJobStatus, map[string]any{
		"context": events.ContextRetry,
		"jobId":   job.ID,
		"imageId": job.ImageID,
		"state":   "processing",
	})

	execID := int64(0)
	if img.ExecutionID != nil {
		execID = *img.ExecutionID
	}
	outcome, snapshot, err := e.Processor.Execute(ctx, pipeline.Input{
		ExecutionID:  execID,
		MappingID:    img.MappingID,
		Prompt:       img.Prompt,
		Seed:         img.Seed,
		AspectRatio:  aspect,
		Settings:     cfg,
		EventContext: events.ContextRetry,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Stopped mid-flight: the row stays retry_pending so the
			// user can requeue it.
			log.Info("retry cancelled")
			return
		}
		log.WithError(err).Error("retry aborted")
		e.failImage(job, img, err.Error())
		return
	}
	if outcome.Failure != nil {
		log.WithField("stage", outcome.Failure.Stage).Warn("retry failed")
		e.failImage(job, img, outcome.Failure.Reason)
		return
	}

	e.succeed(ctx, job, img, cfg, outcome, snapshot)
}

// succeed writes the fresh outcome over the existing row. created_at and
// execution_id are never touched; everything outcome-shaped is.
func (e *Executor) succeed(ctx context.Context, job Job, img *catalog.GeneratedImage, cfg *config.Settings, outcome *pipeline.Outcome, snapshot pipeline.ProcessingSnapshot) {
	upd := catalog.ImageUpdate{
		QCStatus:    &outcome.QCStatus,
		QCReason:    &outcome.QCReason,
		FinalPath:   &outcome.FinalPath,
		ContentHash: &outcome.ContentHash,
	}
	if doc, err := json.Marshal(snapshot); err == nil {
		s := string(doc)
		upd.ProcessingSettings = &s
	}
	if job.IncludeMetadata && outcome.QCStatus == catalog.QCApproved {
		if meta := e.Processor.GenerateMetadata(ctx, cfg, outcome.FinalPath); meta != nil {
			upd.Metadata = meta
		}
	}
	if err := e.Catalog.UpdateImage(img.ID, upd); err != nil {
		e.Log.WithError(err).WithField("image", img.ID).Error("failed to persist retry outcome")
		e.emitJobError(job, err.Error())
		return
	}
	e.emitProgress(job, string(outcome.QCStatus), outcome.FinalPath)
}

// failImage marks the row retry_failed with the failure reason. The
// prior final_path and metadata survive untouched.
func (e *Executor) failImage(job Job, img *catalog.GeneratedImage, reason string) {
	status := catalog.QCRetryFailed
	if err := e.Catalog.UpdateImage(img.ID, catalog.ImageUpdate{
		QCStatus: &status,
		QCReason: &reason,
	}); err != nil {
		e.Log.WithError(err).WithField("image", img.ID).Error("failed to mark retry_failed")
	}
	e.emitJobError(job, reason)
	e.emitProgress(job, string(catalog.QCRetryFailed), img.FinalPath)
}

// resolveSettings rebuilds the configuration this retry runs with:
// execution snapshot as the base, the image's own processing_settings
// when asked for, then the per-job overrides.
func (e *Executor) resolveSettings(job Job, img *catalog.GeneratedImage) (*config.Settings, string, error) {
	if img.ExecutionID == nil {
		return nil, "", fmt.Errorf("image %d has no surviving execution to take settings from", img.ID)
	}
	exec, err := e.Catalog.GetExecution(*img.ExecutionID)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.FromJSON(exec.SettingsSnapshot)
	if err != nil {
		return nil, "", fmt.Errorf("execution %d snapshot unreadable: %w", exec.ID, err)
	}

	var snap pipeline.ProcessingSnapshot
	if img.ProcessingSettings != "" {
		if err := json.Unmarshal([]byte(img.ProcessingSettings), &snap); err != nil {
			return nil, "", fmt.Errorf("image %d processing settings unreadable: %w", img.ID, err)
		}
	}
	if job.UseOriginalSettings && img.ProcessingSettings != "" {
		cfg.Processing = snap.Processing
		cfg.AI = snap.AI
		if snap.Provider != "" {
			cfg.Parameters.Provider = snap.Provider
		}
		if snap.ProcessMode != "" {
			cfg.Parameters.ProcessMode = snap.ProcessMode
		}
		if snap.PollingTimeout > 0 {
			cfg.Parameters.PollingTimeout = snap.PollingTimeout
		}
	}
	if ov := job.Override; ov != nil {
		if ov.Processing != nil {
			cfg.Processing = *ov.Processing
		}
		if ov.AI != nil {
			cfg.AI = *ov.AI
		}
		if ov.Provider != "" {
			cfg.Parameters.Provider = ov.Provider
		}
		if ov.ProcessMode != "" {
			cfg.Parameters.ProcessMode = ov.ProcessMode
		}
	}
	if job.RemoveBgFailureMode != "" {
		cfg.Processing.RemoveBgFailureMode = job.RemoveBgFailureMode
	}
	cfg.ApplyDefaults()
	return cfg, snap.AspectRatio, nil
}

func (e *Executor) markPending(imageID int64) {
	status := catalog.QCRetryPending
	if err := e.Catalog.UpdateImage(imageID, catalog.ImageUpdate{QCStatus: &status}); err != nil {
		e.Log.WithError(err).WithField("image", imageID).Warn("could not mark retry_pending")
	}
}

func (e *Executor) emitQueue() {
	e.mu.Lock()
	ids := make([]string, len(e.queue))
	for i, j := range e.queue {
		ids[i] = j.ID
	}
	active := e.active
	e.mu.Unlock()

	payload := map[string]any{
		"context": events.ContextRetry,
		"length":  len(ids),
		"queue":   ids,
	}
	if active != "" {
		payload["activeJobId"] = active
	}
	e.Bus.Publish(events.TopicRetryQueueUpdated, payload)
}

func (e *Executor) emitProgress(job Job, status, finalPath string) {
	e.Bus.Publish(events.TopicRetryProgress, map[string]any{
		"context":   events.ContextRetry,
		"jobId":     job.ID,
		"imageId":   job.ImageID,
		"qcStatus":  status,
		"finalPath": finalPath,
		"settledAt": time.Now().UTC().Format(time.RFC3339),
	})
	e.emitQueue()
}

func (e *Executor) emitJobError(job Job, message string) {
	e.Bus.Publish(events.TopicRetryJobError, map[string]any{
		"context": events.ContextRetry,
		"jobId":   job.ID,
		"imageId": job.ImageID,
		"error":   message,
	})
}
