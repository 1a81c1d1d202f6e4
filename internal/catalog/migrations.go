package catalog

import (
	"database/sql"
	"fmt"
)

// A migration is one numbered, idempotent-by-version schema step. The
// runner records applied versions in schema_migrations and replays only
// what is missing, inside one transaction per step.
type migration struct {
	version int
	name    string
	apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{1, "base schema", migrateBaseSchema},
	{2, "relax foreign key NOT NULL", migrateRelaxForeignKeys},
	{3, "execution label and settings snapshot", migrateExecutionLabelSnapshot},
	{4, "map cancelled runs to stopped", migrateCancelledToStopped},
	{5, "image content hash", migrateContentHash},
}

func (c *Catalog) migrate() error {
	return c.tx("migrate", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
			return err
		}
		applied := map[int]bool{}
		rows, err := tx.Query(`SELECT version FROM schema_migrations`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				_ = rows.Close()
				return err
			}
			applied[v] = true
		}
		if err := rows.Err(); err != nil {
			return err
		}
		_ = rows.Close()

		for _, m := range migrations {
			if applied[m.version] {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
			if _, err := tx.Exec(
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, datetime('now'))`,
				m.version, m.name,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// migrateBaseSchema is the v1 schema as first shipped: foreign keys were
// NOT NULL and executions had no label or snapshot. Later steps bring it
// to the current shape so old databases upgrade through the same path a
// fresh one takes.
func migrateBaseSchema(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS configurations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			settings TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			configuration_id INTEGER NOT NULL REFERENCES configurations(id) ON DELETE CASCADE,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			status TEXT NOT NULL,
			total INTEGER NOT NULL DEFAULT 0,
			successful INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS generated_images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id INTEGER NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			mapping_id INTEGER NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			seed INTEGER NOT NULL DEFAULT 0,
			qc_status TEXT NOT NULL DEFAULT 'pending',
			qc_reason TEXT NOT NULL DEFAULT '',
			final_path TEXT,
			metadata TEXT,
			processing_settings TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			UNIQUE (execution_id, mapping_id)
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			service TEXT NOT NULL,
			account TEXT NOT NULL,
			value TEXT NOT NULL,
			encrypted INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (service, account)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions (started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_images_execution ON generated_images (execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_images_qc_status ON generated_images (qc_status)`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// migrateRelaxForeignKeys rebuilds executions and generated_images with
// nullable foreign keys, so an execution survives deletion of its source
// configuration (rerun works from the snapshot). SQLite cannot ALTER a
// column's NOT NULL, so the step is a rename/copy/drop rebuild.
func migrateRelaxForeignKeys(tx *sql.Tx) error {
	stmts := []string{
		`ALTER TABLE executions RENAME TO executions_old`,
		`CREATE TABLE executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			configuration_id INTEGER REFERENCES configurations(id) ON DELETE SET NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			status TEXT NOT NULL,
			total INTEGER NOT NULL DEFAULT 0,
			successful INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`INSERT INTO executions (id, configuration_id, started_at, completed_at, status, total, successful, failed, error_message)
			SELECT id, configuration_id, started_at, completed_at, status, total, successful, failed, error_message FROM executions_old`,
		`DROP TABLE executions_old`,
		`ALTER TABLE generated_images RENAME TO generated_images_old`,
		`CREATE TABLE generated_images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id INTEGER REFERENCES executions(id) ON DELETE CASCADE,
			mapping_id INTEGER NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			seed INTEGER NOT NULL DEFAULT 0,
			qc_status TEXT NOT NULL DEFAULT 'pending',
			qc_reason TEXT NOT NULL DEFAULT '',
			final_path TEXT,
			metadata TEXT,
			processing_settings TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			UNIQUE (execution_id, mapping_id)
		)`,
		`INSERT INTO generated_images (id, execution_id, mapping_id, prompt, seed, qc_status, qc_reason, final_path, metadata, processing_settings, created_at)
			SELECT id, execution_id, mapping_id, prompt, seed, qc_status, qc_reason, final_path, metadata, processing_settings, created_at FROM generated_images_old`,
		`DROP TABLE generated_images_old`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions (started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_images_execution ON generated_images (execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_images_qc_status ON generated_images (qc_status)`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func migrateExecutionLabelSnapshot(tx *sql.Tx) error {
	stmts := []string{
		`ALTER TABLE executions ADD COLUMN label TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE executions ADD COLUMN settings_snapshot TEXT NOT NULL DEFAULT '{}'`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// migrateCancelledToStopped reclassifies legacy rows that were persisted
// as failed when the user actually cancelled. "stopped" has been its own
// terminal status since then.
func migrateCancelledToStopped(tx *sql.Tx) error {
	_, err := tx.Exec(
		`UPDATE executions SET status = ?, error_message = '' WHERE status = ? AND error_message = 'cancelled by user'`,
		string(StatusStopped), string(StatusFailed),
	)
	return err
}

func migrateContentHash(tx *sql.Tx) error {
	_, err := tx.Exec(`ALTER TABLE generated_images ADD COLUMN content_hash TEXT NOT NULL DEFAULT ''`)
	return err
}

// reconcileAbandoned marks executions left running by a crash as failed
// and recomputes their totals from the image rows.
func (c *Catalog) reconcileAbandoned() error {
	ids := []int64{}
	rows, err := c.db.Query(`SELECT id FROM executions WHERE status = ?`, string(StatusRunning))
	if err != nil {
		return wrap("reconcile", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return wrap("reconcile", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return wrap("reconcile", err)
	}
	_ = rows.Close()

	for _, id := range ids {
		err := c.tx("reconcile", func(tx *sql.Tx) error {
			if _, err := tx.Exec(
				`UPDATE executions SET status = ?, completed_at = ?, error_message = 'abandoned' WHERE id = ?`,
				string(StatusFailed), formatTime(nowUTC()), id,
			); err != nil {
				return err
			}
			return recomputeTotalsTx(tx, id)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
