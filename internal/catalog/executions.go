package catalog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SaveExecution inserts a new execution row and returns its id.
func (c *Catalog) SaveExecution(e *Execution) (int64, error) {
	var id int64
	err := c.write("saveExecution", func() error {
		res, err := c.db.Exec(`INSERT INTO executions
			(configuration_id, started_at, completed_at, status, total, successful, failed, label, error_message, settings_snapshot)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nullInt(e.ConfigurationID), formatTime(e.StartedAt), nullTime(e.CompletedAt), string(e.Status),
			e.Total, e.Successful, e.Failed, e.Label, e.ErrorMessage, e.SettingsSnapshot)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// UpdateExecution applies the non-nil fields of upd to one row.
func (c *Catalog) UpdateExecution(id int64, upd ExecutionUpdate) error {
	sets := []string{}
	args := []any{}
	if upd.Status != nil {
		sets, args = append(sets, "status = ?"), append(args, string(*upd.Status))
	}
	if upd.CompletedAt != nil {
		sets, args = append(sets, "completed_at = ?"), append(args, formatTime(*upd.CompletedAt))
	}
	if upd.Total != nil {
		sets, args = append(sets, "total = ?"), append(args, *upd.Total)
	}
	if upd.Successful != nil {
		sets, args = append(sets, "successful = ?"), append(args, *upd.Successful)
	}
	if upd.Failed != nil {
		sets, args = append(sets, "failed = ?"), append(args, *upd.Failed)
	}
	if upd.Label != nil {
		sets, args = append(sets, "label = ?"), append(args, *upd.Label)
	}
	if upd.ErrorMessage != nil {
		sets, args = append(sets, "error_message = ?"), append(args, *upd.ErrorMessage)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	return c.write("updateExecution", func() error {
		res, err := c.db.Exec(`UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("updateExecution")
		}
		return nil
	})
}

// FinishExecution marks the terminal state in a single write: status,
// completion time, totals, and error message land together.
func (c *Catalog) FinishExecution(id int64, status ExecutionStatus, completedAt time.Time, successful, failed int, errorMessage string) error {
	if !status.Terminal() {
		return wrap("finishExecution", fmt.Errorf("status %q is not terminal", status))
	}
	return c.write("finishExecution", func() error {
		_, err := c.db.Exec(
			`UPDATE executions SET status = ?, completed_at = ?, successful = ?, failed = ?, error_message = ? WHERE id = ?`,
			string(status), formatTime(completedAt), successful, failed, errorMessage, id)
		return err
	})
}

func (c *Catalog) GetExecution(id int64) (*Execution, error) {
	return c.scanExecution(c.db.QueryRow(executionColumns+` WHERE id = ?`, id), "getExecution")
}

const executionColumns = `SELECT id, configuration_id, started_at, completed_at, status, total, successful, failed, label, error_message, settings_snapshot FROM executions`

func (c *Catalog) scanExecution(row *sql.Row, op string) (*Execution, error) {
	var e Execution
	var cfgID sql.NullInt64
	var started string
	var completed sql.NullString
	var status string
	err := row.Scan(&e.ID, &cfgID, &started, &completed, &status, &e.Total, &e.Successful, &e.Failed, &e.Label, &e.ErrorMessage, &e.SettingsSnapshot)
	if err == sql.ErrNoRows {
		return nil, notFound(op)
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	if cfgID.Valid {
		v := cfgID.Int64
		e.ConfigurationID = &v
	}
	if e.StartedAt, err = parseTime(started); err != nil {
		return nil, wrap(op, err)
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return nil, wrap(op, err)
		}
		e.CompletedAt = &t
	}
	e.Status = ExecutionStatus(status)
	return &e, nil
}

func executionFilterClause(f ExecutionFilter) (string, []any) {
	where := []string{}
	args := []any{}
	if f.Status != "" {
		where, args = append(where, "status = ?"), append(args, string(f.Status))
	}
	if s := strings.TrimSpace(f.LabelContains); s != "" {
		where, args = append(where, "label LIKE ?"), append(args, "%"+s+"%")
	}
	if f.StartedAfter != nil {
		where, args = append(where, "datetime(started_at) >= datetime(?)"), append(args, formatTime(*f.StartedAfter))
	}
	if f.StartedBefore != nil {
		where, args = append(where, "datetime(started_at) <= datetime(?)"), append(args, formatTime(*f.StartedBefore))
	}
	if f.MinTotal != nil {
		where, args = append(where, "total >= ?"), append(args, *f.MinTotal)
	}
	if f.MaxTotal != nil {
		where, args = append(where, "total <= ?"), append(args, *f.MaxTotal)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// ListExecutions pages through filtered executions, newest first. page is
// 1-based; pageSize <= 0 means a 50-row default.
func (c *Catalog) ListExecutions(f ExecutionFilter, page, pageSize int) ([]Execution, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if page < 1 {
		page = 1
	}
	clause, args := executionFilterClause(f)
	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := c.db.Query(executionColumns+clause+` ORDER BY datetime(started_at) DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, wrap("listExecutions", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Execution{}
	for rows.Next() {
		var e Execution
		var cfgID sql.NullInt64
		var started string
		var completed sql.NullString
		var status string
		if err := rows.Scan(&e.ID, &cfgID, &started, &completed, &status, &e.Total, &e.Successful, &e.Failed, &e.Label, &e.ErrorMessage, &e.SettingsSnapshot); err != nil {
			return nil, wrap("listExecutions", err)
		}
		if cfgID.Valid {
			v := cfgID.Int64
			e.ConfigurationID = &v
		}
		if e.StartedAt, err = parseTime(started); err != nil {
			return nil, wrap("listExecutions", err)
		}
		if completed.Valid {
			t, err := parseTime(completed.String)
			if err != nil {
				return nil, wrap("listExecutions", err)
			}
			e.CompletedAt = &t
		}
		e.Status = ExecutionStatus(status)
		out = append(out, e)
	}
	return out, wrap("listExecutions", rows.Err())
}

func (c *Catalog) CountExecutions(f ExecutionFilter) (int, error) {
	clause, args := executionFilterClause(f)
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM executions`+clause, args...).Scan(&n)
	return n, wrap("countExecutions", err)
}

func (c *Catalog) DeleteExecution(id int64) error {
	return c.write("deleteExecution", func() error {
		res, err := c.db.Exec(`DELETE FROM executions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("deleteExecution")
		}
		return nil
	})
}

// BulkDeleteExecutions removes the given rows, returning how many existed.
// Repeat calls report 0 deleted.
func (c *Catalog) BulkDeleteExecutions(ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	deleted := 0
	err := c.tx("bulkDeleteExecutions", func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.Exec(`DELETE FROM executions WHERE id = ?`, id)
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

// ResetExecutionForRerun returns the row to pending with cleared times
// and totals, and reports the stored settings snapshot for the new run.
func (c *Catalog) ResetExecutionForRerun(id int64) (string, error) {
	e, err := c.GetExecution(id)
	if err != nil {
		return "", err
	}
	err = c.write("resetExecutionForRerun", func() error {
		_, err := c.db.Exec(
			`UPDATE executions SET status = ?, started_at = ?, completed_at = NULL, total = 0, successful = 0, failed = 0, error_message = '' WHERE id = ?`,
			string(StatusPending), formatTime(nowUTC()), id)
		return err
	})
	if err != nil {
		return "", err
	}
	return e.SettingsSnapshot, nil
}

// RecomputeExecutionTotals derives successful/failed from the image rows:
// successful = rows with a final path, failed = expected minus rows that
// ever produced an outcome. Used by crash recovery, where the rows are
// the only surviving evidence; during a run and at a normal terminal
// transition the execution row's own counters are authoritative.
func (c *Catalog) RecomputeExecutionTotals(id int64) error {
	return c.tx("recomputeExecutionTotals", func(tx *sql.Tx) error {
		return recomputeTotalsTx(tx, id)
	})
}

func recomputeTotalsTx(tx *sql.Tx, id int64) error {
	var total int
	if err := tx.QueryRow(`SELECT total FROM executions WHERE id = ?`, id).Scan(&total); err != nil {
		if err == sql.ErrNoRows {
			return notFound("recomputeExecutionTotals")
		}
		return err
	}
	var persisted, successful int
	if err := tx.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN final_path IS NOT NULL AND final_path != '' THEN 1 ELSE 0 END), 0)
		 FROM generated_images WHERE execution_id = ?`, id).Scan(&persisted, &successful); err != nil {
		return err
	}
	// failed counts the images that never produced a row at all; a
	// persisted row without a final path keeps whatever outcome it
	// recorded and lands in neither bucket here.
	failed := total - persisted
	if failed < 0 {
		failed = 0
	}
	_, err := tx.Exec(`UPDATE executions SET successful = ?, failed = ? WHERE id = ?`, successful, failed, id)
	return err
}
