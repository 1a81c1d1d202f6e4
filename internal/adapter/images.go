package adapter

import (
	"fmt"

	"github.com/forgeml/imageforge/internal/catalog"
)

func (a *Adapter) SaveImage(img *catalog.GeneratedImage) (int64, error) {
	a.imageMu.Lock()
	defer a.imageMu.Unlock()
	return a.Catalog.SaveImage(img)
}

func (a *Adapter) GetImage(id int64) (*catalog.GeneratedImage, error) {
	return a.Catalog.GetImage(id)
}

func (a *Adapter) GetImagesByExecution(executionID int64) ([]catalog.GeneratedImage, error) {
	return a.Catalog.ListImages(catalog.ImageFilter{ExecutionID: &executionID})
}

func (a *Adapter) GetImagesByQCStatus(status catalog.QCStatus) ([]catalog.GeneratedImage, error) {
	return a.Catalog.ListImages(catalog.ImageFilter{QCStatus: status})
}

func (a *Adapter) UpdateImage(id int64, upd catalog.ImageUpdate) error {
	a.imageMu.Lock()
	defer a.imageMu.Unlock()
	return a.Catalog.UpdateImage(id, upd)
}

func (a *Adapter) DeleteImage(id int64) error {
	a.imageMu.Lock()
	defer a.imageMu.Unlock()
	n, err := a.Catalog.BulkDeleteImages([]int64{id})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("image %d not found", id)
	}
	return nil
}

func (a *Adapter) BulkDeleteImages(ids []int64) (int, error) {
	a.imageMu.Lock()
	defer a.imageMu.Unlock()
	return a.Catalog.BulkDeleteImages(ids)
}

func (a *Adapter) UpdateQCStatus(id int64, status catalog.QCStatus, reason string) error {
	a.imageMu.Lock()
	defer a.imageMu.Unlock()
	return a.Catalog.UpdateImage(id, catalog.ImageUpdate{QCStatus: &status, QCReason: &reason})
}

func (a *Adapter) UpdateQCStatusByMapping(executionID, mappingID int64, status catalog.QCStatus, reason string) error {
	a.imageMu.Lock()
	defer a.imageMu.Unlock()
	return a.Catalog.UpdateImageByMapping(executionID, mappingID, catalog.ImageUpdate{QCStatus: &status, QCReason: &reason})
}

// ManualApprove marks a rejected image approved with an audit reason.
// The image must already have an artifact.
func (a *Adapter) ManualApprove(id int64) error {
	a.imageMu.Lock()
	defer a.imageMu.Unlock()
	img, err := a.Catalog.GetImage(id)
	if err != nil {
		return err
	}
	if img.FinalPath == "" {
		return fmt.Errorf("image %d has no artifact to approve", id)
	}
	status := catalog.QCApproved
	reason := "manually approved"
	return a.Catalog.UpdateImage(id, catalog.ImageUpdate{QCStatus: &status, QCReason: &reason})
}

// ImageMetadata returns the stored metadata blob, nil when none.
func (a *Adapter) ImageMetadata(id int64) (*catalog.ImageMetadata, error) {
	img, err := a.Catalog.GetImage(id)
	if err != nil {
		return nil, err
	}
	return img.Metadata, nil
}

// ImageStatistics is the image:statistics answer. ExecutionID nil means
// catalog-wide.
type ImageStatistics struct {
	Total    int                      `json:"total"`
	ByStatus map[catalog.QCStatus]int `json:"byStatus"`
	Approved int                      `json:"approved"`
	QCFailed int                      `json:"qcFailed"`
}

func (a *Adapter) ImageStatistics(executionID *int64) (*ImageStatistics, error) {
	counts, err := a.Catalog.CountImagesByQCStatus(executionID)
	if err != nil {
		return nil, err
	}
	stats := &ImageStatistics{ByStatus: counts}
	for status, n := range counts {
		stats.Total += n
		switch status {
		case catalog.QCApproved:
			stats.Approved += n
		case catalog.QCFailed:
			stats.QCFailed += n
		}
	}
	return stats, nil
}
