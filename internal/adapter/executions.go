package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/forgeml/imageforge/internal/catalog"
)

// historyPageSize is the default execution:history page.
const historyPageSize = 50

// exportPageSize bounds how many rows statistics and exports pull per
// catalog round trip.
const exportPageSize = 500

func (a *Adapter) SaveExecution(e *catalog.Execution) (int64, error) {
	a.execMu.Lock()
	defer a.execMu.Unlock()
	return a.Catalog.SaveExecution(e)
}

func (a *Adapter) GetExecution(id int64) (*catalog.Execution, error) {
	return a.Catalog.GetExecution(id)
}

// GetAllExecutions walks every page. Meant for exports; interactive
// callers use History.
func (a *Adapter) GetAllExecutions(filter catalog.ExecutionFilter) ([]catalog.Execution, error) {
	var out []catalog.Execution
	for page := 1; ; page++ {
		batch, err := a.Catalog.ListExecutions(filter, page, exportPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < exportPageSize {
			return out, nil
		}
	}
}

// HistoryPage is one execution:history response.
type HistoryPage struct {
	Executions []catalog.Execution `json:"executions"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"pageSize"`
	Total      int                 `json:"total"`
}

func (a *Adapter) History(filter catalog.ExecutionFilter, page, pageSize int) (*HistoryPage, error) {
	if pageSize <= 0 {
		pageSize = historyPageSize
	}
	if page <= 0 {
		page = 1
	}
	rows, err := a.Catalog.ListExecutions(filter, page, pageSize)
	if err != nil {
		return nil, err
	}
	total, err := a.Catalog.CountExecutions(filter)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{Executions: rows, Page: page, PageSize: pageSize, Total: total}, nil
}

func (a *Adapter) UpdateExecution(id int64, upd catalog.ExecutionUpdate) error {
	a.execMu.Lock()
	defer a.execMu.Unlock()
	return a.Catalog.UpdateExecution(id, upd)
}

// RenameExecution updates the user-facing label.
func (a *Adapter) RenameExecution(id int64, label string) error {
	a.execMu.Lock()
	defer a.execMu.Unlock()
	return a.Catalog.UpdateExecution(id, catalog.ExecutionUpdate{Label: &label})
}

func (a *Adapter) DeleteExecution(id int64) error {
	a.execMu.Lock()
	defer a.execMu.Unlock()
	return a.Catalog.DeleteExecution(id)
}

func (a *Adapter) BulkDeleteExecutions(ids []int64) (int, error) {
	a.execMu.Lock()
	defer a.execMu.Unlock()
	return a.Catalog.BulkDeleteExecutions(ids)
}

// RerunExecution resets the row and immediately starts a fresh job from
// its snapshot, returning the new execution id.
func (a *Adapter) RerunExecution(id int64) (int64, error) {
	cfg, err := a.Runner.RerunExecution(id)
	if err != nil {
		return 0, err
	}
	return a.Runner.StartJob(cfg, fmt.Sprintf("rerun of #%d", id))
}

// BulkRerunExecutions queues ids for serial rerun and returns the queue
// length after the enqueue.
func (a *Adapter) BulkRerunExecutions(ids []int64) int {
	a.Runner.EnqueueReruns(ids...)
	return a.Runner.RerunQueueLength()
}

// ExecutionStatistics is the execution:statistics answer.
type ExecutionStatistics struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"byStatus"`
	TotalImages      int            `json:"totalImages"`
	SuccessfulImages int            `json:"successfulImages"`
	FailedImages     int            `json:"failedImages"`
	// SuccessRate is successful over planned across terminal runs, 0..1.
	SuccessRate float64 `json:"successRate"`
	// AverageDuration is the mean completed-run wall time in seconds.
	AverageDuration float64 `json:"averageDurationSeconds"`
}

func (a *Adapter) ExecutionStatistics(filter catalog.ExecutionFilter) (*ExecutionStatistics, error) {
	execs, err := a.GetAllExecutions(filter)
	if err != nil {
		return nil, err
	}
	stats := &ExecutionStatistics{ByStatus: map[string]int{}}
	var durations time.Duration
	var timed int
	for _, e := range execs {
		stats.Total++
		stats.ByStatus[string(e.Status)]++
		stats.TotalImages += e.Total
		stats.SuccessfulImages += e.Successful
		stats.FailedImages += e.Failed
		if e.CompletedAt != nil {
			durations += e.CompletedAt.Sub(e.StartedAt)
			timed++
		}
	}
	if stats.TotalImages > 0 {
		stats.SuccessRate = float64(stats.SuccessfulImages) / float64(stats.TotalImages)
	}
	if timed > 0 {
		stats.AverageDuration = (durations / time.Duration(timed)).Seconds()
	}
	return stats, nil
}

// exportedExecution is the bulk-export JSON shape: the row plus its
// surviving images.
type exportedExecution struct {
	Execution catalog.Execution        `json:"execution"`
	Images    []catalog.GeneratedImage `json:"images"`
}

// BulkExportExecutions writes the named executions and their images as
// a JSON document. Returns how many executions were exported.
func (a *Adapter) BulkExportExecutions(ids []int64, destPath string) (int, error) {
	var out []exportedExecution
	for _, id := range ids {
		exec, err := a.Catalog.GetExecution(id)
		if err != nil {
			if catalog.IsNotFound(err) {
				continue
			}
			return 0, err
		}
		imgs, err := a.Catalog.ListImages(catalog.ImageFilter{ExecutionID: &id})
		if err != nil {
			return 0, err
		}
		out = append(out, exportedExecution{Execution: *exec, Images: imgs})
	}
	doc, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := writeFileAtomic(destPath, doc); err != nil {
		return 0, err
	}
	return len(out), nil
}

// ExportExecutionsToExcel writes one worksheet row per execution.
func (a *Adapter) ExportExecutionsToExcel(filter catalog.ExecutionFilter, destPath string) (int, error) {
	execs, err := a.GetAllExecutions(filter)
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	const sheet = "Executions"
	idx, err := f.NewSheet(sheet)
	if err != nil {
		return 0, err
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return 0, err
	}

	header := []any{"ID", "Label", "Status", "Started", "Completed", "Total", "Successful", "Failed", "Error"}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return 0, err
	}
	for i, e := range execs {
		completed := ""
		if e.CompletedAt != nil {
			completed = e.CompletedAt.UTC().Format(time.RFC3339)
		}
		row := []any{
			e.ID, e.Label, string(e.Status),
			e.StartedAt.UTC().Format(time.RFC3339), completed,
			e.Total, e.Successful, e.Failed, e.ErrorMessage,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return 0, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return 0, err
		}
	}
	if err := f.SaveAs(destPath); err != nil {
		return 0, err
	}
	return len(execs), nil
}
