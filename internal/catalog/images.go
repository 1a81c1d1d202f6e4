package catalog

import (
	"database/sql"
	"strings"
)

const imageColumns = `SELECT id, execution_id, mapping_id, prompt, seed, qc_status, qc_reason, final_path, metadata, processing_settings, content_hash, created_at FROM generated_images`

// SaveImage inserts one image outcome row. A second save for the same
// (execution, mapping) pair is a constraint error; retries go through
// UpsertImageOutcome instead.
func (c *Catalog) SaveImage(img *GeneratedImage) (int64, error) {
	meta, err := img.Metadata.marshal()
	if err != nil {
		return 0, wrap("saveImage", err)
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = nowUTC()
	}
	var id int64
	err = c.write("saveImage", func() error {
		res, err := c.db.Exec(`INSERT INTO generated_images
			(execution_id, mapping_id, prompt, seed, qc_status, qc_reason, final_path, metadata, processing_settings, content_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nullInt(img.ExecutionID), img.MappingID, img.Prompt, img.Seed, string(img.QCStatus), img.QCReason,
			nullString(img.FinalPath), nullString(meta), img.ProcessingSettings, img.ContentHash, formatTime(img.CreatedAt))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// UpsertImageOutcome writes a fresh outcome for (executionID, mappingID),
// overwriting any prior row's outcome fields while keeping the original
// execution linkage and created_at. This is the retry write path: the row
// keeps its identity, only the result changes.
func (c *Catalog) UpsertImageOutcome(executionID, mappingID int64, img *GeneratedImage) (int64, error) {
	meta, err := img.Metadata.marshal()
	if err != nil {
		return 0, wrap("upsertImageOutcome", err)
	}
	var id int64
	err = c.tx("upsertImageOutcome", func(tx *sql.Tx) error {
		err := tx.QueryRow(
			`SELECT id FROM generated_images WHERE execution_id = ? AND mapping_id = ?`,
			executionID, mappingID).Scan(&id)
		if err == sql.ErrNoRows {
			res, err := tx.Exec(`INSERT INTO generated_images
				(execution_id, mapping_id, prompt, seed, qc_status, qc_reason, final_path, metadata, processing_settings, content_hash, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				executionID, mappingID, img.Prompt, img.Seed, string(img.QCStatus), img.QCReason,
				nullString(img.FinalPath), nullString(meta), img.ProcessingSettings, img.ContentHash, formatTime(nowUTC()))
			if err != nil {
				return err
			}
			id, err = res.LastInsertId()
			return err
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE generated_images
			SET prompt = ?, seed = ?, qc_status = ?, qc_reason = ?, final_path = ?, metadata = ?, processing_settings = ?, content_hash = ?
			WHERE id = ?`,
			img.Prompt, img.Seed, string(img.QCStatus), img.QCReason,
			nullString(img.FinalPath), nullString(meta), img.ProcessingSettings, img.ContentHash, id)
		return err
	})
	return id, err
}

// UpdateImage applies the non-nil fields of upd to one row.
func (c *Catalog) UpdateImage(id int64, upd ImageUpdate) error {
	sets := []string{}
	args := []any{}
	if upd.QCStatus != nil {
		sets, args = append(sets, "qc_status = ?"), append(args, string(*upd.QCStatus))
	}
	if upd.QCReason != nil {
		sets, args = append(sets, "qc_reason = ?"), append(args, *upd.QCReason)
	}
	if upd.FinalPath != nil {
		sets, args = append(sets, "final_path = ?"), append(args, nullString(*upd.FinalPath))
	}
	if upd.ClearMetadata {
		sets, args = append(sets, "metadata = ?"), append(args, nil)
	} else if upd.Metadata != nil {
		meta, err := upd.Metadata.marshal()
		if err != nil {
			return wrap("updateImage", err)
		}
		sets, args = append(sets, "metadata = ?"), append(args, meta)
	}
	if upd.ProcessingSettings != nil {
		sets, args = append(sets, "processing_settings = ?"), append(args, *upd.ProcessingSettings)
	}
	if upd.ContentHash != nil {
		sets, args = append(sets, "content_hash = ?"), append(args, *upd.ContentHash)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	return c.write("updateImage", func() error {
		res, err := c.db.Exec(`UPDATE generated_images SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("updateImage")
		}
		return nil
	})
}

// UpdateImageByMapping applies upd to the row addressed by its stable
// (execution, mapping) pair.
func (c *Catalog) UpdateImageByMapping(executionID, mappingID int64, upd ImageUpdate) error {
	var id int64
	err := c.db.QueryRow(
		`SELECT id FROM generated_images WHERE execution_id = ? AND mapping_id = ?`,
		executionID, mappingID).Scan(&id)
	if err == sql.ErrNoRows {
		return notFound("updateImageByMapping")
	}
	if err != nil {
		return wrap("updateImageByMapping", err)
	}
	return c.UpdateImage(id, upd)
}

func (c *Catalog) GetImage(id int64) (*GeneratedImage, error) {
	return scanImageRow(c.db.QueryRow(imageColumns+` WHERE id = ?`, id), "getImage")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (*GeneratedImage, error) {
	var img GeneratedImage
	var execID sql.NullInt64
	var finalPath, meta sql.NullString
	var status, created string
	err := row.Scan(&img.ID, &execID, &img.MappingID, &img.Prompt, &img.Seed, &status, &img.QCReason,
		&finalPath, &meta, &img.ProcessingSettings, &img.ContentHash, &created)
	if err != nil {
		return nil, err
	}
	if execID.Valid {
		v := execID.Int64
		img.ExecutionID = &v
	}
	img.QCStatus = QCStatus(status)
	img.FinalPath = finalPath.String
	if img.Metadata, err = unmarshalMetadata(meta.String); err != nil {
		return nil, err
	}
	if img.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &img, nil
}

func scanImageRow(row *sql.Row, op string) (*GeneratedImage, error) {
	img, err := scanImage(row)
	if err == sql.ErrNoRows {
		return nil, notFound(op)
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	return img, nil
}

// ListImages returns filtered images, newest first.
func (c *Catalog) ListImages(f ImageFilter) ([]GeneratedImage, error) {
	where := []string{}
	args := []any{}
	if f.ExecutionID != nil {
		where, args = append(where, "execution_id = ?"), append(args, *f.ExecutionID)
	}
	if f.QCStatus != "" {
		where, args = append(where, "qc_status = ?"), append(args, string(f.QCStatus))
	}
	q := imageColumns
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += ` ORDER BY datetime(created_at) DESC, id DESC`
	rows, err := c.db.Query(q, args...)
	if err != nil {
		return nil, wrap("listImages", err)
	}
	defer func() { _ = rows.Close() }()

	out := []GeneratedImage{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, wrap("listImages", err)
		}
		out = append(out, *img)
	}
	return out, wrap("listImages", rows.Err())
}

// BulkDeleteImages removes the given rows, returning how many existed.
// Unknown ids are skipped, so repeat calls are harmless.
func (c *Catalog) BulkDeleteImages(ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	deleted := 0
	err := c.tx("bulkDeleteImages", func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.Exec(`DELETE FROM generated_images WHERE id = ?`, id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// CountImagesByQCStatus returns the per-status breakdown across all rows,
// optionally scoped to one execution.
func (c *Catalog) CountImagesByQCStatus(executionID *int64) (map[QCStatus]int, error) {
	q := `SELECT qc_status, COUNT(*) FROM generated_images`
	args := []any{}
	if executionID != nil {
		q += ` WHERE execution_id = ?`
		args = append(args, *executionID)
	}
	q += ` GROUP BY qc_status`
	rows, err := c.db.Query(q, args...)
	if err != nil {
		return nil, wrap("countImagesByQCStatus", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[QCStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrap("countImagesByQCStatus", err)
		}
		out[QCStatus(status)] = n
	}
	return out, wrap("countImagesByQCStatus", rows.Err())
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
