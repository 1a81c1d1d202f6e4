package adapter

import (
	"archive/zip"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"github.com/zalando/go-keyring"

	"github.com/forgeml/imageforge/internal/catalog"
	"github.com/forgeml/imageforge/internal/config"
	"github.com/forgeml/imageforge/internal/events"
	"github.com/forgeml/imageforge/internal/imggen"
	"github.com/forgeml/imageforge/internal/pipeline"
	"github.com/forgeml/imageforge/internal/retryexec"
	"github.com/forgeml/imageforge/internal/runner"
	"github.com/forgeml/imageforge/internal/vault"
)

type memKeychain struct {
	entries map[string]string
}

func (k *memKeychain) key(service, account string) string { return service + "/" + account }

func (k *memKeychain) Set(service, account, value string) error {
	if k.entries == nil {
		k.entries = map[string]string{}
	}
	k.entries[k.key(service, account)] = value
	return nil
}

func (k *memKeychain) Get(service, account string) (string, error) {
	v, ok := k.entries[k.key(service, account)]
	if !ok {
		return "", keyring.ErrNotFound
	}
	return v, nil
}

func (k *memKeychain) Delete(service, account string) error {
	delete(k.entries, k.key(service, account))
	return nil
}

type nopProcessor struct{}

func (nopProcessor) Process(_ context.Context, in pipeline.Input) (*pipeline.Outcome, error) {
	return &pipeline.Outcome{QCStatus: catalog.QCApproved, FinalPath: "/out/x.png"}, nil
}

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, pipeline.Input) (*pipeline.Outcome, pipeline.ProcessingSnapshot, error) {
	return &pipeline.Outcome{QCStatus: catalog.QCApproved, FinalPath: "/out/x.png"}, pipeline.ProcessingSnapshot{}, nil
}

func (nopExecutor) GenerateMetadata(context.Context, *config.Settings, string) *catalog.ImageMetadata {
	return nil
}

type adapterEnv struct {
	adapter *Adapter
	catalog *catalog.Catalog
	bus     *events.Bus
	dir     string
}

func newAdapterEnv(t *testing.T) *adapterEnv {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	machineKey := make([]byte, 32)
	if _, err := rand.Read(machineKey); err != nil {
		t.Fatalf("machine key: %v", err)
	}
	v := vault.New("imageforge-test", cat, vault.WithKeychain(&memKeychain{}), vault.WithMachineKey(machineKey))

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	entry := logrus.NewEntry(log)

	run := runner.New(cat, bus, nopProcessor{}, func(*config.Settings) (imggen.Provider, error) {
		return nil, fmt.Errorf("no provider in this test")
	}, entry)
	retry := retryexec.New(cat, bus, nopExecutor{}, entry)

	a := New(Config{
		Catalog:      cat,
		Vault:        v,
		Runner:       run,
		Retry:        retry,
		Bus:          bus,
		Log:          entry,
		Layout:       catalog.Layout{Root: filepath.Join(dir, "data")},
		SettingsPath: filepath.Join(dir, "settings.json"),
	})
	t.Cleanup(a.Close)
	return &adapterEnv{adapter: a, catalog: cat, bus: bus, dir: dir}
}

func TestSettingsRoundTripStripsKeys(t *testing.T) {
	env := newAdapterEnv(t)
	cfg := &config.Settings{}
	cfg.APIKeys.PiAPI = "pi-secret-key"
	cfg.FilePaths.OutputDirectory = "/out"
	cfg.FilePaths.TempDirectory = "/tmp"
	cfg.FilePaths.KeywordsFile = "/keywords.txt"
	cfg.Parameters.Count = 7
	cfg.Processing.ImageEnhancement = true
	cfg.Processing.Sharpening = 2.5

	if err := env.adapter.SaveSettings(cfg); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	got, err := env.adapter.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.APIKeys.PiAPI != "" {
		t.Fatal("credential persisted into the settings document")
	}
	if got.Parameters.Count != 7 || got.Processing.Sharpening != 2.5 {
		t.Fatalf("fields lost in round trip: %+v", got)
	}

	key, err := env.adapter.GetAPIKey(ServicePiAPI)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if key != "pi-secret-key" {
		t.Fatalf("key = %q, want the saved one", key)
	}
	status, err := env.adapter.SecurityStatus()
	if err != nil {
		t.Fatalf("SecurityStatus: %v", err)
	}
	if status[ServicePiAPI] != vault.LevelKeychain {
		t.Fatalf("piapi level = %q, want keychain", status[ServicePiAPI])
	}
}

func TestSetAPIKeyEmptyDeletes(t *testing.T) {
	env := newAdapterEnv(t)
	if _, err := env.adapter.SetAPIKey(ServiceOpenAI, "sk-live-1"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	if _, err := env.adapter.SetAPIKey(ServiceOpenAI, ""); err != nil {
		t.Fatalf("SetAPIKey empty: %v", err)
	}
	key, err := env.adapter.GetAPIKey(ServiceOpenAI)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if key != "" {
		t.Fatalf("key = %q after delete", key)
	}
	if _, err := env.adapter.SetAPIKey("mystery", "x"); err == nil {
		t.Fatal("unknown service accepted")
	}
}

func TestDispatchUnknownOp(t *testing.T) {
	env := newAdapterEnv(t)
	resp := env.adapter.Dispatch(Request{Op: "job:frobnicate"})
	if resp.OK || !strings.Contains(resp.Error, "unknown operation") {
		t.Fatalf("response = %+v", resp)
	}
}

func TestDispatchConfigurationLifecycle(t *testing.T) {
	env := newAdapterEnv(t)
	settings := map[string]any{
		"filePaths": map[string]any{
			"outputDirectory": "/out", "tempDirectory": "/tmp", "keywordsFile": "/k.txt",
		},
	}
	payload, _ := json.Marshal(map[string]any{"name": "daily", "settings": settings})
	resp := env.adapter.Dispatch(Request{Op: "configuration:update", Payload: payload})
	if !resp.OK {
		t.Fatalf("configuration:update: %s", resp.Error)
	}
	id := resp.Data.(idPayload).ID

	get, _ := json.Marshal(map[string]any{"name": "daily"})
	resp = env.adapter.Dispatch(Request{Op: "configuration:get", Payload: get})
	if !resp.OK {
		t.Fatalf("configuration:get: %s", resp.Error)
	}
	if resp.Data.(*catalog.Configuration).ID != id {
		t.Fatal("lookup returned a different configuration")
	}

	rename, _ := json.Marshal(map[string]any{"id": id, "name": "nightly"})
	if resp = env.adapter.Dispatch(Request{Op: "configuration:update-name", Payload: rename}); !resp.OK {
		t.Fatalf("configuration:update-name: %s", resp.Error)
	}
	del, _ := json.Marshal(map[string]any{"id": id})
	if resp = env.adapter.Dispatch(Request{Op: "configuration:delete", Payload: del}); !resp.OK {
		t.Fatalf("configuration:delete: %s", resp.Error)
	}
	if resp = env.adapter.Dispatch(Request{Op: "configuration:get", Payload: get}); resp.OK {
		t.Fatal("deleted configuration still resolves")
	}
}

func (e *adapterEnv) seedExecution(t *testing.T, status catalog.ExecutionStatus, total, successful, failed int) int64 {
	t.Helper()
	cfg := &config.Settings{}
	cfg.ApplyDefaults()
	doc, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	started := time.Now().Add(-time.Minute)
	id, err := e.catalog.SaveExecution(&catalog.Execution{
		StartedAt:        started,
		Status:           status,
		Total:            total,
		Successful:       successful,
		Failed:           failed,
		SettingsSnapshot: doc,
	})
	if err != nil {
		t.Fatalf("save execution: %v", err)
	}
	if status.Terminal() {
		if err := e.catalog.FinishExecution(id, status, started.Add(30*time.Second), successful, failed, ""); err != nil {
			t.Fatalf("finish execution: %v", err)
		}
	}
	return id
}

func (e *adapterEnv) seedImage(t *testing.T, execID, mappingID int64, status catalog.QCStatus, finalPath string) int64 {
	t.Helper()
	id, err := e.catalog.SaveImage(&catalog.GeneratedImage{
		ExecutionID: &execID,
		MappingID:   mappingID,
		QCStatus:    status,
		FinalPath:   finalPath,
	})
	if err != nil {
		t.Fatalf("save image: %v", err)
	}
	return id
}

func TestManualApproveRequiresArtifact(t *testing.T) {
	env := newAdapterEnv(t)
	execID := env.seedExecution(t, catalog.StatusCompleted, 2, 1, 1)
	withArtifact := env.seedImage(t, execID, 1, catalog.QCFailed, "/out/1_1.png")
	withoutArtifact := env.seedImage(t, execID, 2, catalog.QCPending, "")

	if err := env.adapter.ManualApprove(withArtifact); err != nil {
		t.Fatalf("ManualApprove: %v", err)
	}
	img, err := env.catalog.GetImage(withArtifact)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if img.QCStatus != catalog.QCApproved {
		t.Fatalf("status = %q, want approved", img.QCStatus)
	}
	if err := env.adapter.ManualApprove(withoutArtifact); err == nil {
		t.Fatal("approved an image with no artifact")
	}
}

func TestExecutionStatistics(t *testing.T) {
	env := newAdapterEnv(t)
	env.seedExecution(t, catalog.StatusCompleted, 4, 3, 1)
	env.seedExecution(t, catalog.StatusCompleted, 2, 2, 0)
	env.seedExecution(t, catalog.StatusFailed, 3, 0, 3)

	stats, err := env.adapter.ExecutionStatistics(catalog.ExecutionFilter{})
	if err != nil {
		t.Fatalf("ExecutionStatistics: %v", err)
	}
	if stats.Total != 3 || stats.ByStatus["completed"] != 2 || stats.ByStatus["failed"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.TotalImages != 9 || stats.SuccessfulImages != 5 {
		t.Fatalf("image totals = %d/%d", stats.TotalImages, stats.SuccessfulImages)
	}
	if stats.SuccessRate < 0.55 || stats.SuccessRate > 0.56 {
		t.Fatalf("success rate = %f", stats.SuccessRate)
	}
	if stats.AverageDuration != 30 {
		t.Fatalf("average duration = %f, want 30s", stats.AverageDuration)
	}
}

func TestImageStatistics(t *testing.T) {
	env := newAdapterEnv(t)
	execID := env.seedExecution(t, catalog.StatusCompleted, 3, 3, 0)
	env.seedImage(t, execID, 1, catalog.QCApproved, "/out/a.png")
	env.seedImage(t, execID, 2, catalog.QCApproved, "/out/b.png")
	env.seedImage(t, execID, 3, catalog.QCFailed, "/out/c.png")

	stats, err := env.adapter.ImageStatistics(&execID)
	if err != nil {
		t.Fatalf("ImageStatistics: %v", err)
	}
	if stats.Total != 3 || stats.Approved != 2 || stats.QCFailed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestZipExportWithGlob(t *testing.T) {
	env := newAdapterEnv(t)
	execID := env.seedExecution(t, catalog.StatusCompleted, 3, 3, 0)
	artifacts := map[string]string{
		"1_1.png": "png-one", "1_2.png": "png-two", "1_3.jpg": "jpeg",
	}
	var mapping int64
	for name, body := range artifacts {
		mapping++
		path := filepath.Join(env.dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
		env.seedImage(t, execID, mapping, catalog.QCApproved, path)
	}
	sub := env.bus.Subscribe(events.TopicZipExportProgress, events.TopicZipExportCompleted)
	defer sub.Close()

	dest := filepath.Join(env.dir, "export.zip")
	result, err := env.adapter.ExportImagesZip(ZipExportRequest{
		ExecutionID: &execID,
		Glob:        "*.png",
		DestPath:    dest,
	})
	if err != nil {
		t.Fatalf("ExportImagesZip: %v", err)
	}
	if result.Archived != 2 || result.Skipped != 0 {
		t.Fatalf("result = %+v, want 2 archived", result)
	}

	zr, err := zip.OpenReader(dest)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer func() { _ = zr.Close() }()
	if len(zr.File) != 2 {
		t.Fatalf("archive holds %d entries, want 2", len(zr.File))
	}
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, fmt.Sprintf("%d/", execID)) {
			t.Fatalf("entry %q not namespaced by execution", f.Name)
		}
		if !strings.HasSuffix(f.Name, ".png") {
			t.Fatalf("entry %q escaped the glob", f.Name)
		}
	}

	var sawProgress, sawCompleted bool
	deadline := time.After(2 * time.Second)
	for !(sawProgress && sawCompleted) {
		select {
		case ev := <-sub.Events():
			switch ev["topic"] {
			case string(events.TopicZipExportProgress):
				sawProgress = true
			case string(events.TopicZipExportCompleted):
				sawCompleted = true
				if ev["archived"].(int) != 2 {
					t.Fatalf("completed event archived = %v", ev["archived"])
				}
			}
		case <-deadline:
			t.Fatalf("zip events missing: progress=%v completed=%v", sawProgress, sawCompleted)
		}
	}
}

func TestZipExportNoMatchesIsError(t *testing.T) {
	env := newAdapterEnv(t)
	sub := env.bus.Subscribe(events.TopicZipExportError)
	defer sub.Close()

	_, err := env.adapter.ExportImagesZip(ZipExportRequest{DestPath: filepath.Join(env.dir, "empty.zip")})
	if err == nil {
		t.Fatal("empty selection exported")
	}
	select {
	case <-sub.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no zip-export error event")
	}
}

func TestExcelExport(t *testing.T) {
	env := newAdapterEnv(t)
	id := env.seedExecution(t, catalog.StatusCompleted, 4, 3, 1)
	env.seedExecution(t, catalog.StatusFailed, 2, 0, 2)

	dest := filepath.Join(env.dir, "history.xlsx")
	n, err := env.adapter.ExportExecutionsToExcel(catalog.ExecutionFilter{}, dest)
	if err != nil {
		t.Fatalf("ExportExecutionsToExcel: %v", err)
	}
	if n != 2 {
		t.Fatalf("exported %d rows, want 2", n)
	}

	f, err := excelize.OpenFile(dest)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows("Executions")
	if err != nil {
		t.Fatalf("read sheet: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("sheet holds %d rows, want header + 2", len(rows))
	}
	if rows[0][0] != "ID" || rows[0][2] != "Status" {
		t.Fatalf("header = %v", rows[0])
	}
	// Newest first: the failed run leads, the completed one follows.
	if rows[1][2] != "failed" || rows[2][2] != "completed" {
		t.Fatalf("status column = %q,%q", rows[1][2], rows[2][2])
	}
	if rows[2][0] != fmt.Sprint(id) {
		t.Fatalf("id cell = %q, want %d", rows[2][0], id)
	}
}

func TestBulkExportExecutionsJSON(t *testing.T) {
	env := newAdapterEnv(t)
	id := env.seedExecution(t, catalog.StatusCompleted, 1, 1, 0)
	env.seedImage(t, id, 1, catalog.QCApproved, "/out/only.png")

	dest := filepath.Join(env.dir, "export.json")
	n, err := env.adapter.BulkExportExecutions([]int64{id, 424242}, dest)
	if err != nil {
		t.Fatalf("BulkExportExecutions: %v", err)
	}
	if n != 1 {
		t.Fatalf("exported %d executions, want the one that exists", n)
	}
	raw, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var out []exportedExecution
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("parse export: %v", err)
	}
	if len(out) != 1 || out[0].Execution.ID != id || len(out[0].Images) != 1 {
		t.Fatalf("export shape = %+v", out)
	}
}

func TestEventForwardingRedactsSecrets(t *testing.T) {
	env := newAdapterEnv(t)
	if _, err := env.adapter.SetAPIKey(ServicePiAPI, "pk-supersecret"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}

	env.bus.Publish(events.TopicJobLog, map[string]any{
		"context": events.ContextRun,
		"level":   "info",
		"message": "calling provider with key pk-supersecret",
	})

	select {
	case ev := <-env.adapter.Events():
		if ev.Stream != "log" {
			t.Fatalf("stream = %q, want log", ev.Stream)
		}
		msg := ev.Payload["message"].(string)
		if strings.Contains(msg, "pk-supersecret") {
			t.Fatal("secret leaked into the forwarded payload")
		}
		if !strings.Contains(msg, "[redacted]") {
			t.Fatalf("message = %q, want redaction marker", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no forwarded event")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		logs := env.adapter.GetJobLogs()
		if len(logs) > 0 {
			if strings.Contains(logs[0]["message"].(string), "pk-supersecret") {
				t.Fatal("secret retained in the log ring")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("log ring never recorded the event")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetJobStatusIdle(t *testing.T) {
	env := newAdapterEnv(t)
	status, err := env.adapter.GetJobStatus()
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if status.State != string(runner.StateIdle) || status.ExecutionID != 0 {
		t.Fatalf("status = %+v", status)
	}
}

func TestDispatchHistoryPaging(t *testing.T) {
	env := newAdapterEnv(t)
	for i := 0; i < 5; i++ {
		env.seedExecution(t, catalog.StatusCompleted, 1, 1, 0)
	}
	payload, _ := json.Marshal(map[string]any{"page": 2, "pageSize": 2})
	resp := env.adapter.Dispatch(Request{Op: "execution:history", Payload: payload})
	if !resp.OK {
		t.Fatalf("execution:history: %s", resp.Error)
	}
	page := resp.Data.(*HistoryPage)
	if page.Total != 5 || len(page.Executions) != 2 || page.Page != 2 {
		t.Fatalf("page = %+v", page)
	}
}

func TestDispatchBulkDeleteExecutions(t *testing.T) {
	env := newAdapterEnv(t)
	a := env.seedExecution(t, catalog.StatusCompleted, 1, 1, 0)
	b := env.seedExecution(t, catalog.StatusFailed, 2, 0, 2)

	n, err := env.adapter.BulkDeleteExecutions([]int64{a, b, 987654})
	if err != nil {
		t.Fatalf("BulkDeleteExecutions: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2 (the missing id is not counted)", n)
	}

	payload, _ := json.Marshal(map[string]any{"ids": []int64{a}})
	resp := env.adapter.Dispatch(Request{Op: "execution:bulk-delete", Payload: payload})
	if !resp.OK {
		t.Fatalf("execution:bulk-delete: %s", resp.Error)
	}
	if got := resp.Data.(map[string]any)["deleted"]; got != 0 {
		t.Fatalf("repeat delete reported %v, want 0", got)
	}
}

func TestRetryBatchChecksTargets(t *testing.T) {
	env := newAdapterEnv(t)
	execID := env.seedExecution(t, catalog.StatusCompleted, 1, 0, 1)
	good := env.seedImage(t, execID, 1, catalog.QCFailed, "")

	if _, err := env.adapter.RetryBatch([]int64{good, 987654}, RetryOptions{}); err == nil {
		t.Fatal("batch with a missing image accepted")
	}
	ids, err := env.adapter.RetryBatch([]int64{good}, RetryOptions{})
	if err != nil {
		t.Fatalf("RetryBatch: %v", err)
	}
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("job ids = %v", ids)
	}
}
