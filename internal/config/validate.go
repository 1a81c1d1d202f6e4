package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError is a configuration rejection. The CLI maps it to exit
// code 1; the adapter surfaces it verbatim to the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if strings.TrimSpace(e.Field) == "" {
		return "configuration error: " + e.Message
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate enforces the recognized-field ranges and the cross-field
// feature dependencies. Clamped floats are assumed already clamped by
// ApplyDefaults; everything here is refuse-not-repair.
func (s *Settings) Validate() error {
	if s == nil {
		return invalid("", "settings are nil")
	}
	if err := validateSchema(s); err != nil {
		return err
	}

	switch s.Parameters.ProcessMode {
	case "relax", "fast", "turbo":
	default:
		return invalid("parameters.processMode", "%q (want relax|fast|turbo)", s.Parameters.ProcessMode)
	}
	if s.Parameters.PollingTimeout < 1 || s.Parameters.PollingTimeout > 600 {
		return invalid("parameters.pollingTimeout", "%d (want 1..600 seconds)", s.Parameters.PollingTimeout)
	}
	if s.Parameters.Count < 1 || s.Parameters.Count > 1000 {
		return invalid("parameters.count", "%d (want 1..1000)", s.Parameters.Count)
	}
	if s.Parameters.Variations < 1 || s.Parameters.Variations > 10 {
		return invalid("parameters.variations", "%d (want 1..10)", s.Parameters.Variations)
	}
	if planned := s.Parameters.Count * s.Parameters.Variations; planned > MaxPlannedImages {
		return invalid("parameters", "count*variations = %d exceeds the %d image limit", planned, MaxPlannedImages)
	}
	if p := strings.TrimSpace(s.Parameters.Provider); p != "" && p != ProviderPiAPI && p != ProviderRunware {
		return invalid("parameters.provider", "%q (want piapi|runware)", p)
	}
	// Two provider keys and no explicit choice is ambiguous; refuse rather
	// than guess which service the user is paying for.
	if strings.TrimSpace(s.Parameters.Provider) == "" &&
		strings.TrimSpace(s.APIKeys.PiAPI) != "" && strings.TrimSpace(s.APIKeys.Runware) != "" {
		return invalid("parameters.provider", "both piapi and runware keys are configured; set parameters.provider")
	}

	switch s.Processing.RemoveBgSize {
	case "auto", "preview", "full", "4k":
	default:
		return invalid("processing.removeBgSize", "%q (want auto|preview|full|4k)", s.Processing.RemoveBgSize)
	}
	switch s.Processing.RemoveBgFailureMode {
	case FailureModeSoft, FailureModeHard:
	default:
		return invalid("processing.removeBgFailureMode", "%q (want soft|hard)", s.Processing.RemoveBgFailureMode)
	}
	for field, q := range map[string]*int{
		"processing.jpgQuality":  s.Processing.JpgQuality,
		"processing.pngQuality":  s.Processing.PngQuality,
		"processing.webpQuality": s.Processing.WebpQuality,
	} {
		if q == nil {
			// Absent field; ApplyDefaults fills it.
			continue
		}
		if *q < 1 || *q > 100 {
			return invalid(field, "%d (want 1..100)", *q)
		}
	}
	if s.Processing.TrimTransparentBackground && !s.Processing.RemoveBg {
		return invalid("processing.trimTransparentBackground", "requires processing.removeBg")
	}
	if s.Processing.ImageConvert {
		targets := 0
		for _, on := range []bool{s.Processing.ConvertToJpg, s.Processing.ConvertToPng, s.Processing.ConvertToWebp} {
			if on {
				targets++
			}
		}
		if targets != 1 {
			return invalid("processing.imageConvert", "exactly one of convertToJpg|convertToPng|convertToWebp must be set")
		}
	}

	return nil
}

// ValidatePaths checks that every configured input path exists. Split from
// Validate so saved presets may reference paths that only exist on the
// machine that runs the job.
func (s *Settings) ValidatePaths() error {
	required := map[string]string{
		"filePaths.outputDirectory": s.FilePaths.OutputDirectory,
		"filePaths.tempDirectory":   s.FilePaths.TempDirectory,
		"filePaths.keywordsFile":    s.FilePaths.KeywordsFile,
	}
	optional := map[string]string{
		"filePaths.systemPromptFile":       s.FilePaths.SystemPromptFile,
		"filePaths.qualityCheckPromptFile": s.FilePaths.QualityCheckPromptFile,
		"filePaths.metadataPromptFile":     s.FilePaths.MetadataPromptFile,
	}
	for field, p := range required {
		if strings.TrimSpace(p) == "" {
			return invalid(field, "is required")
		}
		if _, err := os.Stat(p); err != nil {
			return invalid(field, "%s: %v", p, err)
		}
	}
	for field, p := range optional {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return invalid(field, "%s: %v", p, err)
		}
	}
	if s.AI.RunQualityCheck && strings.TrimSpace(s.FilePaths.QualityCheckPromptFile) == "" {
		return invalid("filePaths.qualityCheckPromptFile", "required when ai.runQualityCheck=true")
	}
	if s.AI.RunMetadataGen && strings.TrimSpace(s.FilePaths.MetadataPromptFile) == "" {
		return invalid("filePaths.metadataPromptFile", "required when ai.runMetadataGen=true")
	}
	return nil
}

// EffectiveProvider resolves the generation provider for a job.
func (s *Settings) EffectiveProvider() string {
	if p := strings.TrimSpace(s.Parameters.Provider); p != "" {
		return p
	}
	if strings.TrimSpace(s.APIKeys.Runware) != "" && strings.TrimSpace(s.APIKeys.PiAPI) == "" {
		return ProviderRunware
	}
	return ProviderPiAPI
}
