package adapter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgeml/imageforge/internal/config"
	"github.com/forgeml/imageforge/internal/vault"
)

// Vault account names, one per external service.
const (
	ServiceOpenAI   = "openai"
	ServicePiAPI    = "piapi"
	ServiceRunware  = "runware"
	ServiceRemoveBg = "removeBg"
)

var knownServices = []string{ServiceOpenAI, ServicePiAPI, ServiceRunware, ServiceRemoveBg}

// GetSettings returns the persisted settings document. Credentials are
// never part of it; they live in the vault.
func (a *Adapter) GetSettings() (*config.Settings, error) {
	a.settingsMu.Lock()
	defer a.settingsMu.Unlock()
	return a.loadSettings()
}

func (a *Adapter) loadSettings() (*config.Settings, error) {
	raw, err := os.ReadFile(a.settingsPath)
	if os.IsNotExist(err) {
		cfg := &config.Settings{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromJSON(string(raw))
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// SaveSettings validates and persists the document. Any credentials
// riding on it are written to the vault and stripped before the file is
// touched; a blank key field leaves the stored key alone (deletion goes
// through SetAPIKey with an empty value).
func (a *Adapter) SaveSettings(cfg *config.Settings) error {
	a.settingsMu.Lock()
	defer a.settingsMu.Unlock()

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	for service, key := range map[string]string{
		ServiceOpenAI:   cfg.APIKeys.OpenAI,
		ServicePiAPI:    cfg.APIKeys.PiAPI,
		ServiceRunware:  cfg.APIKeys.Runware,
		ServiceRemoveBg: cfg.APIKeys.RemoveBg,
	} {
		if strings.TrimSpace(key) == "" {
			continue
		}
		if _, err := a.Vault.Set(service, key); err != nil {
			return fmt.Errorf("storing %s key: %w", service, err)
		}
		a.addCensor(key)
	}

	redacted, err := cfg.RedactedCopy()
	if err != nil {
		return err
	}
	doc, err := redacted.ToJSON()
	if err != nil {
		return err
	}
	return writeFileAtomic(a.settingsPath, []byte(doc))
}

// GetAPIKey returns the stored key for a service, empty when absent.
func (a *Adapter) GetAPIKey(service string) (string, error) {
	if err := checkService(service); err != nil {
		return "", err
	}
	value, _, err := a.Vault.Get(service)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// SetAPIKey writes (or, with an empty value, deletes) a service key and
// reports the tier it landed on.
func (a *Adapter) SetAPIKey(service, value string) (vault.SecurityLevel, error) {
	if err := checkService(service); err != nil {
		return "", err
	}
	level, err := a.Vault.Set(service, value)
	if err != nil {
		return "", err
	}
	a.addCensor(value)
	return level, nil
}

// SecurityStatus reports the storage tier per service; services without
// a stored key are omitted.
func (a *Adapter) SecurityStatus() (map[string]vault.SecurityLevel, error) {
	out := map[string]vault.SecurityLevel{}
	for _, service := range knownServices {
		level, err := a.Vault.SecurityLevel(service)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out[service] = level
	}
	return out, nil
}

// PathInfo is the validate-path answer.
type PathInfo struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	IsDir  bool   `json:"isDir"`
}

func (a *Adapter) ValidatePath(path string) PathInfo {
	info := PathInfo{Path: path}
	st, err := os.Stat(path)
	if err != nil {
		return info
	}
	info.Exists = true
	info.IsDir = st.IsDir()
	return info
}

// SelectFile is the headless stand-in for a file picker: it accepts a
// candidate path and returns it when it names an existing file.
func (a *Adapter) SelectFile(path string) (string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("no file at %s", path)
	}
	if st.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	return path, nil
}

// RefreshRoots ensures the artifact tree exists and returns the roots a
// transport may serve files from.
func (a *Adapter) RefreshRoots() ([]string, error) {
	if err := a.Layout.Ensure(); err != nil {
		return nil, err
	}
	return []string{a.Layout.GeneratedDir(), a.Layout.UploadDir()}, nil
}

func checkService(service string) error {
	for _, s := range knownServices {
		if s == service {
			return nil
		}
	}
	return fmt.Errorf("unknown service %q", service)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
