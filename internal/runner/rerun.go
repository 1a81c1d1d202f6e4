package runner

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// rerunQueue is the FIFO of execution ids queued for bulk rerun. One
// drainer goroutine works it serially; the runner's single-job rule
// still applies, so each rerun waits for the previous run to settle.
type rerunQueue struct {
	mu      sync.Mutex
	ids     []int64
	running bool
}

// EnqueueReruns appends execution ids to the rerun queue and starts the
// drainer if it is not already working.
func (r *Runner) EnqueueReruns(ids ...int64) {
	if len(ids) == 0 {
		return
	}
	r.rerun.mu.Lock()
	r.rerun.ids = append(r.rerun.ids, ids...)
	start := !r.rerun.running
	if start {
		r.rerun.running = true
	}
	length := len(r.rerun.ids)
	r.rerun.mu.Unlock()

	r.emitLog(0, "info", fmt.Sprintf("rerun queue now holds %d executions", length))
	if start {
		go r.drainReruns()
	}
}

// RerunQueueLength reports how many executions are still waiting.
func (r *Runner) RerunQueueLength() int {
	r.rerun.mu.Lock()
	defer r.rerun.mu.Unlock()
	return len(r.rerun.ids)
}

// ClearReruns drops everything still queued. The rerun in flight, if
// any, runs to completion.
func (r *Runner) ClearReruns() int {
	r.rerun.mu.Lock()
	defer r.rerun.mu.Unlock()
	n := len(r.rerun.ids)
	r.rerun.ids = nil
	return n
}

func (r *Runner) drainReruns() {
	for {
		r.rerun.mu.Lock()
		if len(r.rerun.ids) == 0 {
			r.rerun.running = false
			r.rerun.mu.Unlock()
			return
		}
		id := r.rerun.ids[0]
		r.rerun.ids = r.rerun.ids[1:]
		r.rerun.mu.Unlock()

		if err := r.rerunOne(id); err != nil {
			r.Log.WithError(err).WithField("execution", id).Error("rerun skipped")
			r.emitLog(id, "error", fmt.Sprintf("rerun of execution %d skipped: %v", id, err))
		}
	}
}

func (r *Runner) rerunOne(id int64) error {
	cfg, err := r.RerunExecution(id)
	if err != nil {
		return err
	}
	label := fmt.Sprintf("rerun of #%d", id)
	for {
		r.Wait()
		_, err := r.StartJob(cfg, label)
		if errors.Is(err, ErrAlreadyRunning) {
			// A manual job slipped in between Wait and StartJob.
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if err != nil {
			return err
		}
		r.Wait()
		return nil
	}
}
