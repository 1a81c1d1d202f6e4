package catalog

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Catalog is the durable store for configurations, executions, and
// generated images. All writes are serialized on a single writer lock;
// reads run concurrently against WAL snapshots.
type Catalog struct {
	db   *sql.DB
	path string

	// writeMu is the single-writer lock. Every mutating statement runs
	// under it, so multi-statement transactions never interleave.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies
// pending migrations. The path is mandatory; use Layout.DatabasePath for
// the canonical location and a test-unique path in tests.
func Open(path string) (*Catalog, error) {
	if path == "" {
		return nil, &Error{Kind: KindOpen, Op: "open", Err: fmt.Errorf("database path is required")}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, wrap("open", err)
	}
	c := &Catalog{db: db, path: path}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := c.reconcileAbandoned(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// write runs fn under the writer lock, retrying Busy errors up to five
// times with 10-200ms jittered backoff.
func (c *Catalog) write(op string, fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var err error
	for attempt := 1; attempt <= busyMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) {
			return wrap(op, err)
		}
		time.Sleep(busyDelay(op, attempt))
	}
	return wrap(op, err)
}

// tx runs fn inside a transaction under the writer lock.
func (c *Catalog) tx(op string, fn func(tx *sql.Tx) error) error {
	return c.write(op, func() error {
		tx, err := c.db.Begin()
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// Timestamps are stored as ISO-8601 UTC text so SQLite's datetime()
// comparisons work directly against bound strings.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Older rows may lack fractional seconds.
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
