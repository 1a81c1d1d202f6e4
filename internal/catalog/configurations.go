package catalog

import (
	"database/sql"
	"time"
)

var now = time.Now

func nowUTC() time.Time { return now().UTC() }

// SaveConfiguration upserts a preset by name and returns its id.
func (c *Catalog) SaveConfiguration(name, settings string) (int64, error) {
	var id int64
	err := c.write("saveConfiguration", func() error {
		ts := formatTime(nowUTC())
		res, err := c.db.Exec(`INSERT INTO configurations (name, settings, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET settings = excluded.settings, updated_at = excluded.updated_at`,
			name, settings, ts, ts)
		if err != nil {
			return err
		}
		if last, err := res.LastInsertId(); err == nil && last != 0 {
			id = last
		}
		// Upsert of an existing row reports the rowid of the conflict
		// target on some driver versions and 0 on others; resolve by name.
		return c.db.QueryRow(`SELECT id FROM configurations WHERE name = ?`, name).Scan(&id)
	})
	return id, err
}

func (c *Catalog) GetConfiguration(id int64) (*Configuration, error) {
	return c.scanConfiguration(c.db.QueryRow(
		`SELECT id, name, settings, created_at, updated_at FROM configurations WHERE id = ?`, id), "getConfiguration")
}

func (c *Catalog) GetConfigurationByName(name string) (*Configuration, error) {
	return c.scanConfiguration(c.db.QueryRow(
		`SELECT id, name, settings, created_at, updated_at FROM configurations WHERE name = ?`, name), "getConfigurationByName")
}

func (c *Catalog) scanConfiguration(row *sql.Row, op string) (*Configuration, error) {
	var cfg Configuration
	var created, updated string
	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Settings, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, notFound(op)
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	if cfg.CreatedAt, err = parseTime(created); err != nil {
		return nil, wrap(op, err)
	}
	if cfg.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, wrap(op, err)
	}
	return &cfg, nil
}

// ListConfigurations returns all presets, most recently updated first.
func (c *Catalog) ListConfigurations() ([]Configuration, error) {
	rows, err := c.db.Query(
		`SELECT id, name, settings, created_at, updated_at FROM configurations ORDER BY datetime(updated_at) DESC, id DESC`)
	if err != nil {
		return nil, wrap("listConfigurations", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Configuration{}
	for rows.Next() {
		var cfg Configuration
		var created, updated string
		if err := rows.Scan(&cfg.ID, &cfg.Name, &cfg.Settings, &created, &updated); err != nil {
			return nil, wrap("listConfigurations", err)
		}
		if cfg.CreatedAt, err = parseTime(created); err != nil {
			return nil, wrap("listConfigurations", err)
		}
		if cfg.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, wrap("listConfigurations", err)
		}
		out = append(out, cfg)
	}
	return out, wrap("listConfigurations", rows.Err())
}

// RenameConfiguration changes a preset's unique name.
func (c *Catalog) RenameConfiguration(id int64, name string) error {
	return c.write("renameConfiguration", func() error {
		res, err := c.db.Exec(`UPDATE configurations SET name = ?, updated_at = ? WHERE id = ?`,
			name, formatTime(nowUTC()), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("renameConfiguration")
		}
		return nil
	})
}

// DeleteConfiguration removes a preset; its executions cascade.
func (c *Catalog) DeleteConfiguration(id int64) error {
	return c.write("deleteConfiguration", func() error {
		res, err := c.db.Exec(`DELETE FROM configurations WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("deleteConfiguration")
		}
		return nil
	})
}
