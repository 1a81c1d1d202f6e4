package adapter

import (
	"github.com/forgeml/imageforge/internal/catalog"
	"github.com/forgeml/imageforge/internal/config"
	"github.com/forgeml/imageforge/internal/events"
	"github.com/forgeml/imageforge/internal/runner"
)

// JobStatus is the job:get-status answer.
type JobStatus struct {
	State       string `json:"state"`
	ExecutionID int64  `json:"executionId,omitempty"`
	Done        int    `json:"done"`
	Total       int    `json:"total"`
	Successful  int    `json:"successful"`
	Failed      int    `json:"failed"`
	RerunQueue  int    `json:"rerunQueue"`
}

// StartJob validates and launches a run. Credentials riding on the
// settings are stored first so the stages find them in the vault.
func (a *Adapter) StartJob(cfg *config.Settings, label string) (int64, error) {
	if err := a.stashKeys(cfg); err != nil {
		return 0, err
	}
	return a.Runner.StartJob(cfg, label)
}

// stashKeys moves any inline credentials into the vault and strips them
// from the document before the runner snapshots it.
func (a *Adapter) stashKeys(cfg *config.Settings) error {
	for service, key := range map[string]string{
		ServiceOpenAI:   cfg.APIKeys.OpenAI,
		ServicePiAPI:    cfg.APIKeys.PiAPI,
		ServiceRunware:  cfg.APIKeys.Runware,
		ServiceRemoveBg: cfg.APIKeys.RemoveBg,
	} {
		if key == "" {
			continue
		}
		if _, err := a.Vault.Set(service, key); err != nil {
			return err
		}
		a.addCensor(key)
	}
	return nil
}

func (a *Adapter) StopJob() error { return a.Runner.StopJob() }

func (a *Adapter) ForceStopAll() {
	a.Runner.ForceStopAll()
	a.Retry.Stop()
}

func (a *Adapter) JobState() runner.State { return a.Runner.State() }

// GetJobStatus reports the runner state plus the current execution's
// totals straight from the row.
func (a *Adapter) GetJobStatus() (*JobStatus, error) {
	status := &JobStatus{
		State:      string(a.Runner.State()),
		RerunQueue: a.Runner.RerunQueueLength(),
	}
	execID := a.Runner.CurrentExecution()
	if execID == 0 {
		return status, nil
	}
	status.ExecutionID = execID
	exec, err := a.Catalog.GetExecution(execID)
	if err != nil {
		if catalog.IsNotFound(err) {
			return status, nil
		}
		return nil, err
	}
	status.Total = exec.Total
	status.Successful = exec.Successful
	status.Failed = exec.Failed
	status.Done = exec.Successful + exec.Failed
	return status, nil
}

// GetJobProgress is GetJobStatus without the row hit when idle; kept as
// a separate operation because the surface names both.
func (a *Adapter) GetJobProgress() (*JobStatus, error) {
	return a.GetJobStatus()
}

// GetJobLogs returns the retained job.log history, oldest first.
func (a *Adapter) GetJobLogs() []events.Event {
	a.logMu.Lock()
	defer a.logMu.Unlock()
	out := make([]events.Event, len(a.logRing))
	copy(out, a.logRing)
	return out
}
