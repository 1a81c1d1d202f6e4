package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/forgeml/imageforge/internal/adapter"
	"github.com/forgeml/imageforge/internal/catalog"
	"github.com/forgeml/imageforge/internal/events"
	"github.com/forgeml/imageforge/internal/imggen"
	"github.com/forgeml/imageforge/internal/llm"
	"github.com/forgeml/imageforge/internal/pipeline"
	"github.com/forgeml/imageforge/internal/retryexec"
	"github.com/forgeml/imageforge/internal/runner"
	"github.com/forgeml/imageforge/internal/vault"
)

// vaultService is the keychain namespace shared with the settings surface.
const vaultService = "imageforge"

// app wires the full stack for one CLI invocation.
type app struct {
	layout  catalog.Layout
	catalog *catalog.Catalog
	vault   *vault.Vault
	bus     *events.Bus
	proc    *pipeline.Processor
	runner  *runner.Runner
	retry   *retryexec.Executor
	adapter *adapter.Adapter
	log     *logrus.Entry
}

func openApp(log *logrus.Entry) (*app, error) {
	layout, err := catalog.DefaultLayout()
	if err != nil {
		return nil, err
	}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	cat, err := catalog.Open(layout.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	vlt := vault.New(vaultService, cat)
	bus := events.NewBus()

	proc := &pipeline.Processor{
		RemoveBg:   imggen.NewRemoveBgClient(vaultKey(vlt, adapter.ServiceRemoveBg)),
		Downloader: imggen.NewDownloader(),
		Vision:     llm.NewClient(vaultKey(vlt, adapter.ServiceOpenAI), ""),
		Catalog:    cat,
		Bus:        bus,
		Log:        log,
	}
	run := runner.New(cat, bus, proc, runner.VaultProviderFactory(vlt), log)
	retry := retryexec.New(cat, bus, proc, log)
	ad := adapter.New(adapter.Config{
		Catalog:      cat,
		Vault:        vlt,
		Runner:       run,
		Retry:        retry,
		Bus:          bus,
		Log:          log,
		Layout:       layout,
		SettingsPath: filepath.Join(layout.Root, "settings.json"),
	})

	return &app{
		layout:  layout,
		catalog: cat,
		vault:   vlt,
		bus:     bus,
		proc:    proc,
		runner:  run,
		retry:   retry,
		adapter: ad,
		log:     log,
	}, nil
}

func (a *app) close() {
	a.adapter.Close()
	if err := a.catalog.Close(); err != nil {
		a.log.WithError(err).Warn("catalog close")
	}
}

// vaultKey fetches a stored credential, treating "not stored" as empty.
// Stages that need the key fail with a clear error at run time instead.
func vaultKey(v *vault.Vault, account string) string {
	value, _, err := v.Get(account)
	if err != nil {
		if !errors.Is(err, vault.ErrNotFound) {
			logrus.WithError(err).WithField("account", account).Warn("vault read failed")
		}
		return ""
	}
	return value
}
