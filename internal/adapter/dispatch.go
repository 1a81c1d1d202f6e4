package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeml/imageforge/internal/catalog"
	"github.com/forgeml/imageforge/internal/config"
	"github.com/forgeml/imageforge/internal/retryexec"
)

// Request is one transport-level call: an operation name from the
// external surface plus its JSON payload.
type Request struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Dispatch routes a named operation to its handler. Unknown names are
// an error response, not a panic.
func (a *Adapter) Dispatch(req Request) Response {
	handler, ok := a.handlers()[req.Op]
	if !ok {
		return Response{Error: fmt.Sprintf("unknown operation %q", req.Op)}
	}
	data, err := handler(req.Payload)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Data: data}
}

// Operations lists every dispatchable name, for discovery.
func (a *Adapter) Operations() []string {
	m := a.handlers()
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	return out
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("bad payload: %w", err)
	}
	return v, nil
}

type idPayload struct {
	ID int64 `json:"id"`
}

type idsPayload struct {
	IDs []int64 `json:"ids"`
}

type namePayload struct {
	Name string `json:"name"`
}

type pathPayload struct {
	Path string `json:"path"`
}

func (a *Adapter) handlers() map[string]func(json.RawMessage) (any, error) {
	return map[string]func(json.RawMessage) (any, error){
		// Settings & secrets.
		"get-settings": func(json.RawMessage) (any, error) {
			return a.GetSettings()
		},
		"save-settings": func(raw json.RawMessage) (any, error) {
			cfg, err := decode[config.Settings](raw)
			if err != nil {
				return nil, err
			}
			return nil, a.SaveSettings(&cfg)
		},
		"get-api-key": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				Service string `json:"service"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return a.GetAPIKey(p.Service)
		},
		"set-api-key": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				Service string `json:"service"`
				Key     string `json:"key"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return a.SetAPIKey(p.Service, p.Key)
		},
		"get-security-status": func(json.RawMessage) (any, error) {
			return a.SecurityStatus()
		},
		"validate-path": func(raw json.RawMessage) (any, error) {
			p, err := decode[pathPayload](raw)
			if err != nil {
				return nil, err
			}
			return a.ValidatePath(p.Path), nil
		},
		"select-file": func(raw json.RawMessage) (any, error) {
			p, err := decode[pathPayload](raw)
			if err != nil {
				return nil, err
			}
			return a.SelectFile(p.Path)
		},
		"protocol:refresh-roots": func(json.RawMessage) (any, error) {
			return a.RefreshRoots()
		},

		// Configurations.
		"configuration:get": func(raw json.RawMessage) (any, error) {
			p, err := decode[namePayload](raw)
			if err != nil {
				return nil, err
			}
			if p.Name == "" {
				return a.ListConfigurations()
			}
			return a.GetConfiguration(p.Name)
		},
		"configuration:get-by-id": func(raw json.RawMessage) (any, error) {
			p, err := decode[idPayload](raw)
			if err != nil {
				return nil, err
			}
			return a.GetConfigurationByID(p.ID)
		},
		"configuration:update": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				Name     string          `json:"name"`
				Settings config.Settings `json:"settings"`
			}](raw)
			if err != nil {
				return nil, err
			}
			id, err := a.SaveConfiguration(p.Name, &p.Settings)
			if err != nil {
				return nil, err
			}
			return idPayload{ID: id}, nil
		},
		"configuration:update-name": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return nil, a.RenameConfiguration(p.ID, p.Name)
		},
		"configuration:delete": func(raw json.RawMessage) (any, error) {
			p, err := decode[idPayload](raw)
			if err != nil {
				return nil, err
			}
			return nil, a.DeleteConfiguration(p.ID)
		},

		// Job control.
		"job:start": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				Settings config.Settings `json:"settings"`
				Label    string          `json:"label,omitempty"`
			}](raw)
			if err != nil {
				return nil, err
			}
			id, err := a.StartJob(&p.Settings, p.Label)
			if err != nil {
				return nil, err
			}
			return map[string]any{"jobId": id}, nil
		},
		"job:stop": func(json.RawMessage) (any, error) {
			return map[string]any{"ok": true}, a.StopJob()
		},
		"job:force-stop-all": func(json.RawMessage) (any, error) {
			a.ForceStopAll()
			return map[string]any{"ok": true}, nil
		},
		"job:get-status": func(json.RawMessage) (any, error) {
			return a.GetJobStatus()
		},
		"job:get-progress": func(json.RawMessage) (any, error) {
			return a.GetJobProgress()
		},
		"job:get-logs": func(json.RawMessage) (any, error) {
			return a.GetJobLogs(), nil
		},

		// Executions.
		"execution:save": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				Label            string `json:"label,omitempty"`
				Status           string `json:"status,omitempty"`
				Total            int    `json:"total"`
				SettingsSnapshot string `json:"settingsSnapshot"`
			}](raw)
			if err != nil {
				return nil, err
			}
			status := catalog.StatusPending
			if p.Status != "" {
				status = catalog.ExecutionStatus(p.Status)
			}
			id, err := a.SaveExecution(&catalog.Execution{
				StartedAt:        time.Now(),
				Status:           status,
				Total:            p.Total,
				Label:            p.Label,
				SettingsSnapshot: p.SettingsSnapshot,
			})
			if err != nil {
				return nil, err
			}
			return idPayload{ID: id}, nil
		},
		"execution:get": func(raw json.RawMessage) (any, error) {
			p, err := decode[idPayload](raw)
			if err != nil {
				return nil, err
			}
			return a.GetExecution(p.ID)
		},
		"execution:get-all": func(raw json.RawMessage) (any, error) {
			f, err := decode[executionFilterPayload](raw)
			if err != nil {
				return nil, err
			}
			return a.GetAllExecutions(f.filter())
		},
		"execution:history": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				executionFilterPayload
				Page     int `json:"page,omitempty"`
				PageSize int `json:"pageSize,omitempty"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return a.History(p.filter(), p.Page, p.PageSize)
		},
		"execution:update": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				ID           int64   `json:"id"`
				Label        *string `json:"label,omitempty"`
				Status       *string `json:"status,omitempty"`
				ErrorMessage *string `json:"errorMessage,omitempty"`
			}](raw)
			if err != nil {
				return nil, err
			}
			upd := catalog.ExecutionUpdate{Label: p.Label, ErrorMessage: p.ErrorMessage}
			if p.Status != nil {
				s := catalog.ExecutionStatus(*p.Status)
				upd.Status = &s
			}
			return nil, a.UpdateExecution(p.ID, upd)
		},
		"execution:delete": func(raw json.RawMessage) (any, error) {
			p, err := decode[idPayload](raw)
			if err != nil {
				return nil, err
			}
			return nil, a.DeleteExecution(p.ID)
		},
		"execution:bulk-delete": func(raw json.RawMessage) (any, error) {
			p, err := decode[idsPayload](raw)
			if err != nil {
				return nil, err
			}
			n, err := a.BulkDeleteExecutions(p.IDs)
			if err != nil {
				return nil, err
			}
			return map[string]any{"deleted": n}, nil
		},
		"execution:bulk-export": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				IDs      []int64 `json:"ids"`
				DestPath string  `json:"destPath"`
			}](raw)
			if err != nil {
				return nil, err
			}
			n, err := a.BulkExportExecutions(p.IDs, p.DestPath)
			if err != nil {
				return nil, err
			}
			return map[string]any{"exported": n}, nil
		},
		"execution:bulk-rerun": func(raw json.RawMessage) (any, error) {
			p, err := decode[idsPayload](raw)
			if err != nil {
				return nil, err
			}
			return map[string]any{"queued": a.BulkRerunExecutions(p.IDs)}, nil
		},
		"execution:rename": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				ID    int64  `json:"id"`
				Label string `json:"label"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return nil, a.RenameExecution(p.ID, p.Label)
		},
		"execution:rerun": func(raw json.RawMessage) (any, error) {
			p, err := decode[idPayload](raw)
			if err != nil {
				return nil, err
			}
			id, err := a.RerunExecution(p.ID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"jobId": id}, nil
		},
		"execution:statistics": func(raw json.RawMessage) (any, error) {
			f, err := decode[executionFilterPayload](raw)
			if err != nil {
				return nil, err
			}
			return a.ExecutionStatistics(f.filter())
		},
		"execution:export-to-excel": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				executionFilterPayload
				DestPath string `json:"destPath"`
			}](raw)
			if err != nil {
				return nil, err
			}
			n, err := a.ExportExecutionsToExcel(p.filter(), p.DestPath)
			if err != nil {
				return nil, err
			}
			return map[string]any{"exported": n}, nil
		},

		// Images.
		"image:save": func(raw json.RawMessage) (any, error) {
			p, err := decode[imagePayload](raw)
			if err != nil {
				return nil, err
			}
			id, err := a.SaveImage(p.row())
			if err != nil {
				return nil, err
			}
			return idPayload{ID: id}, nil
		},
		"image:get": func(raw json.RawMessage) (any, error) {
			p, err := decode[idPayload](raw)
			if err != nil {
				return nil, err
			}
			return a.GetImage(p.ID)
		},
		"image:get-by-execution": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				ExecutionID int64 `json:"executionId"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return a.GetImagesByExecution(p.ExecutionID)
		},
		"image:update": func(raw json.RawMessage) (any, error) {
			p, err := decode[imageUpdatePayload](raw)
			if err != nil {
				return nil, err
			}
			return nil, a.UpdateImage(p.ID, p.update())
		},
		"image:delete": func(raw json.RawMessage) (any, error) {
			p, err := decode[idPayload](raw)
			if err != nil {
				return nil, err
			}
			return nil, a.DeleteImage(p.ID)
		},
		"image:bulk-delete": func(raw json.RawMessage) (any, error) {
			p, err := decode[idsPayload](raw)
			if err != nil {
				return nil, err
			}
			n, err := a.BulkDeleteImages(p.IDs)
			if err != nil {
				return nil, err
			}
			return map[string]any{"deleted": n}, nil
		},
		"image:get-by-qc-status": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				QCStatus string `json:"qcStatus"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return a.GetImagesByQCStatus(catalog.QCStatus(p.QCStatus))
		},
		"image:update-qc-status": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				ID       int64  `json:"id"`
				QCStatus string `json:"qcStatus"`
				Reason   string `json:"reason,omitempty"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return nil, a.UpdateQCStatus(p.ID, catalog.QCStatus(p.QCStatus), p.Reason)
		},
		"image:update-qc-status-by-mapping": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				ExecutionID int64  `json:"executionId"`
				MappingID   int64  `json:"mappingId"`
				QCStatus    string `json:"qcStatus"`
				Reason      string `json:"reason,omitempty"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return nil, a.UpdateQCStatusByMapping(p.ExecutionID, p.MappingID, catalog.QCStatus(p.QCStatus), p.Reason)
		},
		"image:manual-approve": func(raw json.RawMessage) (any, error) {
			p, err := decode[idPayload](raw)
			if err != nil {
				return nil, err
			}
			return nil, a.ManualApprove(p.ID)
		},
		"image:metadata": func(raw json.RawMessage) (any, error) {
			p, err := decode[idPayload](raw)
			if err != nil {
				return nil, err
			}
			return a.ImageMetadata(p.ID)
		},
		"image:statistics": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				ExecutionID *int64 `json:"executionId,omitempty"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return a.ImageStatistics(p.ExecutionID)
		},
		"image:export-zip": func(raw json.RawMessage) (any, error) {
			p, err := decode[ZipExportRequest](raw)
			if err != nil {
				return nil, err
			}
			return a.ExportImagesZip(p)
		},

		// Failed-image retries.
		"failed-image:retry-original": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				ImageID int64 `json:"imageId"`
				RetryOptions
			}](raw)
			if err != nil {
				return nil, err
			}
			id, err := a.RetryOriginal(p.ImageID, p.RetryOptions)
			if err != nil {
				return nil, err
			}
			return map[string]any{"jobId": id}, nil
		},
		"failed-image:retry-modified": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				ImageID  int64              `json:"imageId"`
				Override retryexec.Override `json:"override"`
				RetryOptions
			}](raw)
			if err != nil {
				return nil, err
			}
			id, err := a.RetryModified(p.ImageID, p.Override, p.RetryOptions)
			if err != nil {
				return nil, err
			}
			return map[string]any{"jobId": id}, nil
		},
		"failed-image:retry-batch": func(raw json.RawMessage) (any, error) {
			p, err := decode[struct {
				ImageIDs []int64 `json:"imageIds"`
				RetryOptions
			}](raw)
			if err != nil {
				return nil, err
			}
			ids, err := a.RetryBatch(p.ImageIDs, p.RetryOptions)
			if err != nil {
				return nil, err
			}
			return map[string]any{"jobIds": ids}, nil
		},
	}
}

// executionFilterPayload is the JSON shape of an execution filter.
type executionFilterPayload struct {
	Status        string     `json:"status,omitempty"`
	LabelContains string     `json:"labelContains,omitempty"`
	StartedAfter  *time.Time `json:"startedAfter,omitempty"`
	StartedBefore *time.Time `json:"startedBefore,omitempty"`
	MinTotal      *int       `json:"minTotal,omitempty"`
	MaxTotal      *int       `json:"maxTotal,omitempty"`
}

func (p executionFilterPayload) filter() catalog.ExecutionFilter {
	return catalog.ExecutionFilter{
		Status:        catalog.ExecutionStatus(p.Status),
		LabelContains: p.LabelContains,
		StartedAfter:  p.StartedAfter,
		StartedBefore: p.StartedBefore,
		MinTotal:      p.MinTotal,
		MaxTotal:      p.MaxTotal,
	}
}

// imagePayload is the JSON shape of an image row for image:save.
type imagePayload struct {
	ExecutionID        *int64                 `json:"executionId,omitempty"`
	MappingID          int64                  `json:"mappingId"`
	Prompt             string                 `json:"prompt,omitempty"`
	Seed               int64                  `json:"seed,omitempty"`
	QCStatus           string                 `json:"qcStatus,omitempty"`
	QCReason           string                 `json:"qcReason,omitempty"`
	FinalPath          string                 `json:"finalPath,omitempty"`
	Metadata           *catalog.ImageMetadata `json:"metadata,omitempty"`
	ProcessingSettings string                 `json:"processingSettings,omitempty"`
}

func (p imagePayload) row() *catalog.GeneratedImage {
	status := catalog.QCPending
	if p.QCStatus != "" {
		status = catalog.QCStatus(p.QCStatus)
	}
	return &catalog.GeneratedImage{
		ExecutionID:        p.ExecutionID,
		MappingID:          p.MappingID,
		Prompt:             p.Prompt,
		Seed:               p.Seed,
		QCStatus:           status,
		QCReason:           p.QCReason,
		FinalPath:          p.FinalPath,
		Metadata:           p.Metadata,
		ProcessingSettings: p.ProcessingSettings,
	}
}

// imageUpdatePayload is the JSON shape of a partial image update.
type imageUpdatePayload struct {
	ID            int64                  `json:"id"`
	QCStatus      *string                `json:"qcStatus,omitempty"`
	QCReason      *string                `json:"qcReason,omitempty"`
	FinalPath     *string                `json:"finalPath,omitempty"`
	Metadata      *catalog.ImageMetadata `json:"metadata,omitempty"`
	ClearMetadata bool                   `json:"clearMetadata,omitempty"`
}

func (p imageUpdatePayload) update() catalog.ImageUpdate {
	upd := catalog.ImageUpdate{
		QCReason:      p.QCReason,
		FinalPath:     p.FinalPath,
		Metadata:      p.Metadata,
		ClearMetadata: p.ClearMetadata,
	}
	if p.QCStatus != nil {
		s := catalog.QCStatus(*p.QCStatus)
		upd.QCStatus = &s
	}
	return upd
}
