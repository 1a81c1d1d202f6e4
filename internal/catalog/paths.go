package catalog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Layout is the on-disk data directory tree:
//
//	<root>/catalog.sqlite
//	<root>/legacy-db-backups/
//	<root>/pictures/toupload/
//	<root>/pictures/generated/
type Layout struct {
	Root string
}

func (l Layout) DatabasePath() string   { return filepath.Join(l.Root, "catalog.sqlite") }
func (l Layout) BackupDir() string      { return filepath.Join(l.Root, "legacy-db-backups") }
func (l Layout) UploadDir() string      { return filepath.Join(l.Root, "pictures", "toupload") }
func (l Layout) GeneratedDir() string   { return filepath.Join(l.Root, "pictures", "generated") }

// DefaultLayout resolves the canonical per-user data directory. Tests
// must not use this; they pass an explicit root (shared global DB paths
// are a test-isolation hazard).
func DefaultLayout() (Layout, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Layout{}, err
	}
	return Layout{Root: filepath.Join(base, "imageforge")}, nil
}

// Ensure creates the directory tree and performs the one-time migration
// of a legacy database file into the canonical location. The legacy copy
// is preserved under legacy-db-backups/ with a timestamp suffix.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.BackupDir(), l.UploadDir(), l.GeneratedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return l.adoptLegacyDatabase()
}

// legacyDatabasePaths are prior releases' database locations, probed in
// order. The first hit wins.
func (l Layout) legacyDatabasePaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".imageforge", "catalog.sqlite"),
		filepath.Join(home, ".imageforge", "images.db"),
	}
}

func (l Layout) adoptLegacyDatabase() error {
	if _, err := os.Stat(l.DatabasePath()); err == nil {
		return nil // canonical db already exists; never overwrite it
	}
	for _, legacy := range l.legacyDatabasePaths() {
		if _, err := os.Stat(legacy); err != nil {
			continue
		}
		backup := filepath.Join(l.BackupDir(), fmt.Sprintf("%s.%s", filepath.Base(legacy), time.Now().UTC().Format("20060102T150405Z")))
		if err := copyFile(legacy, backup); err != nil {
			return fmt.Errorf("back up legacy db: %w", err)
		}
		if err := copyFile(legacy, l.DatabasePath()); err != nil {
			return fmt.Errorf("adopt legacy db: %w", err)
		}
		return nil
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
