package catalog

import "database/sql"

// Secret storage backs the vault fallback tiers: values land here either
// encrypted (with a machine-derived key) or, as a last resort, plain. The
// encrypted flag records which, so reads know whether to decrypt.

func (c *Catalog) PutSecret(service, account, value string, encrypted bool) error {
	return c.write("putSecret", func() error {
		_, err := c.db.Exec(`INSERT INTO secrets (service, account, value, encrypted)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(service, account) DO UPDATE SET value = excluded.value, encrypted = excluded.encrypted`,
			service, account, value, boolInt(encrypted))
		return err
	})
}

func (c *Catalog) GetSecret(service, account string) (value string, encrypted bool, err error) {
	var flag int
	err = c.db.QueryRow(`SELECT value, encrypted FROM secrets WHERE service = ? AND account = ?`,
		service, account).Scan(&value, &flag)
	if err == sql.ErrNoRows {
		return "", false, notFound("getSecret")
	}
	if err != nil {
		return "", false, wrap("getSecret", err)
	}
	return value, flag != 0, nil
}

// DeleteSecret removes a stored secret; deleting a missing one is not an
// error (callers delete on blank writes).
func (c *Catalog) DeleteSecret(service, account string) error {
	return c.write("deleteSecret", func() error {
		_, err := c.db.Exec(`DELETE FROM secrets WHERE service = ? AND account = ?`, service, account)
		return err
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
