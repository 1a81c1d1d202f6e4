package adapter

import (
	"fmt"

	"github.com/forgeml/imageforge/internal/retryexec"
)

// RetryOptions shapes a failed-image retry request.
type RetryOptions struct {
	IncludeMetadata bool `json:"includeMetadata"`
	// RemoveBgFailureMode overrides soft/hard for this retry only.
	RemoveBgFailureMode string `json:"removeBgFailureMode,omitempty"`
}

// RetryOriginal queues a retry using the settings the image originally
// ran with. Returns the queued job id.
func (a *Adapter) RetryOriginal(imageID int64, opts RetryOptions) (string, error) {
	if err := a.checkRetryable(imageID); err != nil {
		return "", err
	}
	ids := a.Retry.Enqueue(retryexec.Job{
		ImageID:             imageID,
		UseOriginalSettings: true,
		IncludeMetadata:     opts.IncludeMetadata,
		RemoveBgFailureMode: opts.RemoveBgFailureMode,
	})
	return ids[0], nil
}

// RetryModified queues a retry with override settings applied on top of
// the execution snapshot.
func (a *Adapter) RetryModified(imageID int64, override retryexec.Override, opts RetryOptions) (string, error) {
	if err := a.checkRetryable(imageID); err != nil {
		return "", err
	}
	ids := a.Retry.Enqueue(retryexec.Job{
		ImageID:             imageID,
		Override:            &override,
		IncludeMetadata:     opts.IncludeMetadata,
		RemoveBgFailureMode: opts.RemoveBgFailureMode,
	})
	return ids[0], nil
}

// RetryBatch queues one original-settings retry per image, preserving
// the given order. Unknown ids fail the whole batch before anything is
// queued.
func (a *Adapter) RetryBatch(imageIDs []int64, opts RetryOptions) ([]string, error) {
	if len(imageIDs) == 0 {
		return nil, fmt.Errorf("no images to retry")
	}
	jobs := make([]retryexec.Job, 0, len(imageIDs))
	for _, id := range imageIDs {
		if err := a.checkRetryable(id); err != nil {
			return nil, err
		}
		jobs = append(jobs, retryexec.Job{
			ImageID:             id,
			UseOriginalSettings: true,
			IncludeMetadata:     opts.IncludeMetadata,
			RemoveBgFailureMode: opts.RemoveBgFailureMode,
		})
	}
	return a.Retry.Enqueue(jobs...), nil
}

// StopRetries clears the retry queue and cancels the job in flight.
func (a *Adapter) StopRetries() {
	a.Retry.Stop()
}

func (a *Adapter) RetryQueueLength() int {
	return a.Retry.QueueLength()
}

// checkRetryable verifies the image exists and has an execution to
// resolve settings from before anything is queued.
func (a *Adapter) checkRetryable(imageID int64) error {
	img, err := a.Catalog.GetImage(imageID)
	if err != nil {
		return err
	}
	if img.ExecutionID == nil {
		return fmt.Errorf("image %d has no surviving execution; cannot resolve retry settings", imageID)
	}
	return nil
}
