package adapter

import (
	"fmt"
	"strings"

	"github.com/forgeml/imageforge/internal/catalog"
	"github.com/forgeml/imageforge/internal/config"
)

// SaveConfiguration upserts a preset by name. The settings document is
// validated and stored with credentials stripped.
func (a *Adapter) SaveConfiguration(name string, cfg *config.Settings) (int64, error) {
	a.configMu.Lock()
	defer a.configMu.Unlock()

	if strings.TrimSpace(name) == "" {
		return 0, fmt.Errorf("configuration name is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	redacted, err := cfg.RedactedCopy()
	if err != nil {
		return 0, err
	}
	doc, err := redacted.ToJSON()
	if err != nil {
		return 0, err
	}
	return a.Catalog.SaveConfiguration(name, doc)
}

func (a *Adapter) GetConfiguration(name string) (*catalog.Configuration, error) {
	return a.Catalog.GetConfigurationByName(name)
}

func (a *Adapter) GetConfigurationByID(id int64) (*catalog.Configuration, error) {
	return a.Catalog.GetConfiguration(id)
}

func (a *Adapter) ListConfigurations() ([]catalog.Configuration, error) {
	return a.Catalog.ListConfigurations()
}

func (a *Adapter) RenameConfiguration(id int64, newName string) error {
	a.configMu.Lock()
	defer a.configMu.Unlock()
	if strings.TrimSpace(newName) == "" {
		return fmt.Errorf("configuration name is required")
	}
	return a.Catalog.RenameConfiguration(id, newName)
}

func (a *Adapter) DeleteConfiguration(id int64) error {
	a.configMu.Lock()
	defer a.configMu.Unlock()
	return a.Catalog.DeleteConfiguration(id)
}

// ConfigurationSettings parses a preset's stored document.
func (a *Adapter) ConfigurationSettings(id int64) (*config.Settings, error) {
	c, err := a.Catalog.GetConfiguration(id)
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromJSON(c.Settings)
	if err != nil {
		return nil, fmt.Errorf("configuration %d: %w", id, err)
	}
	return cfg, nil
}
