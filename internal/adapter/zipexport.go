package adapter

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/forgeml/imageforge/internal/catalog"
	"github.com/forgeml/imageforge/internal/events"
)

// ZipExportRequest selects which artifacts go into the archive.
// ExecutionID nil exports across all executions; Glob (doublestar
// syntax, matched against the artifact base name) further narrows the
// set. Empty glob means everything.
type ZipExportRequest struct {
	ExecutionID *int64 `json:"executionId,omitempty"`
	QCStatus    string `json:"qcStatus,omitempty"`
	Glob        string `json:"glob,omitempty"`
	DestPath    string `json:"destPath"`
}

// ZipExportResult reports what landed in the archive.
type ZipExportResult struct {
	DestPath string `json:"destPath"`
	Archived int    `json:"archived"`
	Skipped  int    `json:"skipped"` // rows without a readable artifact
}

// ExportImagesZip writes the selected artifacts into a zip archive,
// emitting zip-export progress events as it goes. Files that vanished
// from disk are skipped and counted, not fatal.
func (a *Adapter) ExportImagesZip(req ZipExportRequest) (*ZipExportResult, error) {
	if req.Glob != "" {
		if !doublestar.ValidatePattern(req.Glob) {
			err := fmt.Errorf("invalid glob %q", req.Glob)
			a.emitZipError(req.DestPath, err)
			return nil, err
		}
	}
	imgs, err := a.Catalog.ListImages(catalog.ImageFilter{
		ExecutionID: req.ExecutionID,
		QCStatus:    catalog.QCStatus(req.QCStatus),
	})
	if err != nil {
		a.emitZipError(req.DestPath, err)
		return nil, err
	}

	selected := make([]catalog.GeneratedImage, 0, len(imgs))
	for _, img := range imgs {
		if img.FinalPath == "" {
			continue
		}
		if req.Glob != "" {
			ok, err := doublestar.Match(req.Glob, filepath.Base(img.FinalPath))
			if err != nil || !ok {
				continue
			}
		}
		selected = append(selected, img)
	}
	if len(selected) == 0 {
		err := fmt.Errorf("no artifacts match the export selection")
		a.emitZipError(req.DestPath, err)
		return nil, err
	}

	result, err := a.writeZip(req.DestPath, selected)
	if err != nil {
		a.emitZipError(req.DestPath, err)
		return nil, err
	}
	a.Bus.Publish(events.TopicZipExportCompleted, map[string]any{
		"destPath": result.DestPath,
		"archived": result.Archived,
		"skipped":  result.Skipped,
	})
	return result, nil
}

func (a *Adapter) writeZip(destPath string, imgs []catalog.GeneratedImage) (*ZipExportResult, error) {
	tmp := destPath + ".part"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	zw := zip.NewWriter(out)
	result := &ZipExportResult{DestPath: destPath}

	cleanup := func() {
		_ = zw.Close()
		_ = out.Close()
		_ = os.Remove(tmp)
	}

	for i, img := range imgs {
		if err := a.addZipEntry(zw, img); err != nil {
			if os.IsNotExist(err) {
				result.Skipped++
				continue
			}
			cleanup()
			return nil, err
		}
		result.Archived++
		a.Bus.Publish(events.TopicZipExportProgress, map[string]any{
			"destPath": destPath,
			"done":     i + 1,
			"total":    len(imgs),
			"current":  filepath.Base(img.FinalPath),
		})
	}

	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, destPath); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	return result, nil
}

// addZipEntry stores one artifact under <executionId>/<basename> so
// multi-execution exports cannot collide.
func (a *Adapter) addZipEntry(zw *zip.Writer, img catalog.GeneratedImage) error {
	src, err := os.Open(img.FinalPath)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	name := filepath.Base(img.FinalPath)
	if img.ExecutionID != nil {
		name = fmt.Sprintf("%d/%s", *img.ExecutionID, name)
	}
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func (a *Adapter) emitZipError(destPath string, err error) {
	a.Bus.Publish(events.TopicZipExportError, map[string]any{
		"destPath": destPath,
		"error":    err.Error(),
	})
}
