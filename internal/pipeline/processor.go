package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/forgeml/imageforge/internal/catalog"
	"github.com/forgeml/imageforge/internal/config"
	"github.com/forgeml/imageforge/internal/events"
	"github.com/forgeml/imageforge/internal/imggen"
	"github.com/forgeml/imageforge/internal/llm"
)

// ProcessingSnapshot is persisted as the image row's processing_settings:
// the knobs the image ran with plus which optional stages actually
// applied. Retries rebuild their effective settings from it.
type ProcessingSnapshot struct {
	Provider        string            `json:"provider"`
	ProcessMode     string            `json:"processMode"`
	PollingTimeout  int               `json:"pollingTimeout"`
	AspectRatio     string            `json:"aspectRatio,omitempty"`
	Processing      config.Processing `json:"processing"`
	AI              config.AI         `json:"ai"`
	RemoveBgApplied bool              `json:"removeBg_applied"`
	TrimApplied     bool              `json:"trim_applied"`
	EnhanceApplied  bool              `json:"enhance_applied"`
	ConvertApplied  bool              `json:"convert_applied"`
}

// Input is one candidate image to settle. SourceURL is set when the
// runner already generated the image (main run path); empty means the
// processor performs the generate stage itself (retry path).
type Input struct {
	ExecutionID  int64
	MappingID    int64
	Prompt       string
	Seed         int64
	AspectRatio  string
	SourceURL    string
	Settings     *config.Settings
	EventContext string // events.ContextRun or events.ContextRetry
}

// Outcome is the settled result. Failure is nil on success and on a QC
// rejection (a qc_failed image is a pipeline success that the model
// disliked).
type Outcome struct {
	ImageID     int64
	QCStatus    catalog.QCStatus
	QCReason    string
	FinalPath   string
	ContentHash string
	Failure     *StageFailure
}

// Processor runs the ordered stages for one image and persists exactly
// one outcome row per call.
type Processor struct {
	Provider   imggen.Provider
	RemoveBg   *imggen.RemoveBgClient
	Downloader *imggen.Downloader
	Vision     *llm.Client
	Catalog    *catalog.Catalog
	Bus        *events.Bus
	Log        *logrus.Entry
}

// Process settles one image: run the stages, write the final artifact
// atomically, persist the row, emit image.settled. Temp files are
// removed on every path. A context cancellation aborts without
// persisting; the run-level reconciliation accounts for the image.
func (p *Processor) Process(ctx context.Context, in Input) (*Outcome, error) {
	work := &imageWork{proc: p, in: in, log: p.logFor(in)}
	defer work.cleanup()

	outcome, err := work.run(ctx)
	if err != nil {
		return nil, err
	}
	if err := work.persist(ctx, outcome); err != nil {
		return nil, err
	}
	p.emitSettled(in, outcome)
	return outcome, nil
}

// Execute runs the stages and returns the outcome without touching the
// catalog or the bus. The retry path uses it: a retry updates its
// existing row partially (a failed retry must not clobber the prior
// final_path), so it owns persistence.
func (p *Processor) Execute(ctx context.Context, in Input) (*Outcome, ProcessingSnapshot, error) {
	work := &imageWork{proc: p, in: in, log: p.logFor(in)}
	defer work.cleanup()
	outcome, err := work.run(ctx)
	if err != nil {
		return nil, ProcessingSnapshot{}, err
	}
	if outcome.FinalPath != "" {
		if hash, err := hashFile(outcome.FinalPath); err == nil {
			outcome.ContentHash = hash
		}
	}
	return outcome, work.snapshot, nil
}

func (p *Processor) logFor(in Input) *logrus.Entry {
	log := p.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return log.WithFields(logrus.Fields{
		"execution": in.ExecutionID,
		"mapping":   in.MappingID,
	})
}

// imageWork carries the per-image mutable state: the current buffer
// file, its format, and which optional stages applied.
type imageWork struct {
	proc *Processor
	in   Input
	log  *logrus.Entry

	current  string // path of the current buffer
	format   string // png | jpg | webp
	snapshot ProcessingSnapshot
	tempDir  string
	temps    []string
}

func (w *imageWork) tempPath(stage Stage, ext string) string {
	path := filepath.Join(w.tempDir, fmt.Sprintf("%d_%d_%s.%s", w.in.ExecutionID, w.in.MappingID, stage, ext))
	w.temps = append(w.temps, path)
	return path
}

// discardFinal removes an already-finalized artifact whose image failed
// afterwards, so no file outlives a row that never references it.
func (w *imageWork) discardFinal(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.log.WithError(err).Warn("could not remove discarded artifact")
	}
}

func (w *imageWork) cleanup() {
	for _, path := range w.temps {
		_ = os.Remove(path)
		_ = os.Remove(path + ".part")
	}
}

func (w *imageWork) run(ctx context.Context) (*Outcome, error) {
	cfg := w.in.Settings
	w.tempDir = cfg.FilePaths.TempDirectory
	w.snapshot = ProcessingSnapshot{
		Provider:       cfg.EffectiveProvider(),
		ProcessMode:    cfg.Parameters.ProcessMode,
		PollingTimeout: cfg.Parameters.PollingTimeout,
		AspectRatio:    w.in.AspectRatio,
		Processing:     cfg.Processing,
		AI:             cfg.AI,
	}

	url := w.in.SourceURL
	if url == "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		urls, err := w.proc.Provider.Generate(ctx, imggen.GenerationRequest{
			Prompt:      w.in.Prompt,
			Seed:        w.in.Seed,
			Variations:  1,
			AspectRatio: w.in.AspectRatio,
			ProcessMode: cfg.Parameters.ProcessMode,
			PollTimeout: pollBudget(cfg),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return w.failed(failAt(StageGenerate, err)), nil
		}
		url = urls[0]
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dest := w.tempPath(StageDownload, "img")
	format, err := w.proc.Downloader.Fetch(ctx, url, dest)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return w.failed(failAt(StageDownload, err)), nil
	}
	w.current, w.format = dest, format

	if outcome, err := w.removeBackground(ctx); outcome != nil || err != nil {
		return outcome, err
	}
	if err := w.trim(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := w.enhance(); err != nil {
		return nil, err
	}
	if outcome, err := w.convert(ctx); outcome != nil || err != nil {
		return outcome, err
	}

	finalPath, err := w.writeFinal()
	if err != nil {
		return nil, err
	}
	return w.judge(ctx, finalPath)
}

func pollBudget(cfg *config.Settings) time.Duration {
	if !cfg.Parameters.EnablePollingTimeout {
		return 10 * time.Minute
	}
	return time.Duration(cfg.Parameters.PollingTimeout) * time.Second
}

// removeBackground runs the optional cut-out stage. Returns a non-nil
// outcome only when the hard failure mode stops the image.
func (w *imageWork) removeBackground(ctx context.Context) (*Outcome, error) {
	cfg := w.in.Settings
	if !cfg.Processing.RemoveBg {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := w.proc.RemoveBg.Remove(ctx, w.current, cfg.Processing.RemoveBgSize, pollBudget(cfg))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cfg.Processing.RemoveBgFailureMode == config.FailureModeHard {
			return w.failed(failAt(StageRemoveBg, err)), nil
		}
		w.log.WithError(err).Warn("background removal failed, continuing with original")
		return nil, nil
	}
	cutout := w.tempPath(StageRemoveBg, "png")
	if err := os.WriteFile(cutout, data, 0o644); err != nil {
		return nil, err
	}
	w.current, w.format = cutout, "png"
	w.snapshot.RemoveBgApplied = true
	return nil, nil
}

// trim crops the opaque bounding box. Only meaningful after a
// successful cut-out; an untrimmable image continues untrimmed.
func (w *imageWork) trim() error {
	cfg := w.in.Settings
	if !cfg.Processing.TrimTransparentBackground || !w.snapshot.RemoveBgApplied {
		return nil
	}
	img, err := loadImage(w.current)
	if err != nil {
		return err
	}
	trimmed, err := trimTransparent(img)
	if err != nil {
		w.log.WithError(err).Warn("trim skipped")
		return nil
	}
	dest := w.tempPath(StageTrim, "png")
	if err := encodeImage(dest, "png", trimmed, qualityOf(cfg.Processing.PngQuality)); err != nil {
		return err
	}
	w.current, w.format = dest, "png"
	w.snapshot.TrimApplied = true
	return nil
}

func (w *imageWork) enhance() error {
	cfg := w.in.Settings
	if !cfg.Processing.ImageEnhancement {
		return nil
	}
	if cfg.Processing.Sharpening == 0 && cfg.Processing.Saturation == 1.0 {
		return nil
	}
	img, err := loadImage(w.current)
	if err != nil {
		return err
	}
	out := enhance(img, cfg.Processing.Sharpening, cfg.Processing.Saturation)
	dest := w.tempPath(StageEnhance, "png")
	if err := encodeImage(dest, "png", out, qualityOf(cfg.Processing.PngQuality)); err != nil {
		return err
	}
	w.current, w.format = dest, "png"
	w.snapshot.EnhanceApplied = true
	return nil
}

// convert re-encodes to the configured target format. The JPG
// background color applies only to a cut-out being flattened.
func (w *imageWork) convert(ctx context.Context) (*Outcome, error) {
	cfg := w.in.Settings
	if !cfg.Processing.ImageConvert {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var target string
	var quality int
	switch {
	case cfg.Processing.ConvertToJpg:
		target, quality = "jpg", qualityOf(cfg.Processing.JpgQuality)
	case cfg.Processing.ConvertToPng:
		target, quality = "png", qualityOf(cfg.Processing.PngQuality)
	case cfg.Processing.ConvertToWebp:
		target, quality = "webp", qualityOf(cfg.Processing.WebpQuality)
	default:
		return nil, nil
	}
	if target == w.format {
		return nil, nil
	}
	img, err := loadImage(w.current)
	if err != nil {
		return w.failed(failAt(StageConvert, err)), nil
	}
	if target == "jpg" && cfg.Processing.RemoveBg {
		img = flatten(img, parseHexColor(cfg.Processing.JpgBackground))
	}
	dest := w.tempPath(StageConvert, target)
	if err := encodeImage(dest, target, img, quality); err != nil {
		return w.failed(failAt(StageConvert, err)), nil
	}
	w.current, w.format = dest, target
	w.snapshot.ConvertApplied = true
	return nil, nil
}

// writeFinal copies the settled buffer into the output directory with a
// write-temp-then-rename so readers never see a partial artifact.
func (w *imageWork) writeFinal() (string, error) {
	outDir := w.in.Settings.FilePaths.OutputDirectory
	final := filepath.Join(outDir, fmt.Sprintf("%d_%d.%s", w.in.ExecutionID, w.in.MappingID, w.format))
	tmp := final + ".part"
	src, err := os.Open(w.current)
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()
	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return final, nil
}

// judge runs the optional QC and metadata stages and shapes the final
// outcome. QC rejection is recorded, not treated as a pipeline failure;
// a metadata failure downgrades to approved-without-metadata.
func (w *imageWork) judge(ctx context.Context, finalPath string) (*Outcome, error) {
	cfg := w.in.Settings
	outcome := &Outcome{
		QCStatus:  catalog.QCApproved,
		FinalPath: finalPath,
	}
	if !cfg.AI.RunQualityCheck {
		return outcome, nil
	}
	if err := ctx.Err(); err != nil {
		w.discardFinal(finalPath)
		return nil, err
	}
	prompt, err := os.ReadFile(cfg.FilePaths.QualityCheckPromptFile)
	if err != nil {
		w.discardFinal(finalPath)
		return w.failed(failAt(StageQC, err)), nil
	}
	result, err := w.proc.Vision.QualityCheck(ctx, finalPath, string(prompt))
	if err != nil {
		w.discardFinal(finalPath)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return w.failed(failAt(StageQC, err)), nil
	}
	if !result.Passed {
		outcome.QCStatus = catalog.QCFailed
		outcome.QCReason = result.Reason
	}
	return outcome, nil
}

// GenerateMetadata runs the metadata stage for an approved image and
// returns nil (with a warning logged) when the model call fails.
func (p *Processor) GenerateMetadata(ctx context.Context, cfg *config.Settings, finalPath string) *catalog.ImageMetadata {
	prompt, err := os.ReadFile(cfg.FilePaths.MetadataPromptFile)
	if err != nil {
		p.log().WithError(err).Warn("metadata prompt unreadable, image kept without metadata")
		return nil
	}
	meta, err := p.Vision.GenerateMetadata(ctx, finalPath, string(prompt))
	if err != nil {
		p.log().WithError(err).Warn("metadata generation failed, image kept without metadata")
		return nil
	}
	return &catalog.ImageMetadata{Title: meta.Title, Description: meta.Description, Tags: meta.Tags}
}

func (p *Processor) log() *logrus.Entry {
	if p.Log != nil {
		return p.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (w *imageWork) failed(f *StageFailure) *Outcome {
	return &Outcome{QCStatus: catalog.QCPending, Failure: f}
}

// persist writes the single outcome row. Metadata generation happens
// here so a metadata failure can never un-approve the image.
func (w *imageWork) persist(ctx context.Context, outcome *Outcome) error {
	cfg := w.in.Settings
	var meta *catalog.ImageMetadata
	if outcome.Failure == nil && outcome.QCStatus == catalog.QCApproved && cfg.AI.RunMetadataGen {
		meta = w.proc.GenerateMetadata(ctx, cfg, outcome.FinalPath)
	}

	img := &catalog.GeneratedImage{
		Prompt:   w.in.Prompt,
		Seed:     w.in.Seed,
		QCStatus: outcome.QCStatus,
		QCReason: outcome.QCReason,
		Metadata: meta,
	}
	if outcome.Failure != nil {
		img.QCReason = outcome.Failure.Reason
	}
	if outcome.FinalPath != "" {
		img.FinalPath = outcome.FinalPath
		if hash, err := hashFile(outcome.FinalPath); err == nil {
			img.ContentHash = hash
		}
	}
	doc, err := json.Marshal(w.snapshot)
	if err != nil {
		return err
	}
	img.ProcessingSettings = string(doc)

	id, err := w.proc.Catalog.UpsertImageOutcome(w.in.ExecutionID, w.in.MappingID, img)
	if err != nil {
		return err
	}
	outcome.ImageID = id
	return nil
}

func (p *Processor) emitSettled(in Input, outcome *Outcome) {
	if p.Bus == nil {
		return
	}
	payload := map[string]any{
		"context":     in.EventContext,
		"executionId": in.ExecutionID,
		"mappingId":   in.MappingID,
		"imageId":     outcome.ImageID,
		"qcStatus":    string(outcome.QCStatus),
		"finalPath":   outcome.FinalPath,
	}
	if outcome.Failure != nil {
		payload["failedStage"] = string(outcome.Failure.Stage)
		payload["reason"] = outcome.Failure.Reason
	}
	p.Bus.Publish(events.TopicImageSettled, payload)
}

// qualityOf reads a quality knob that ApplyDefaults normally fills;
// a nil pointer falls back to the same default.
func qualityOf(q *int) int {
	if q == nil {
		return 90
	}
	return *q
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
