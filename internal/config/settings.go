package config

import (
	"strings"
)

// Settings is the full configuration document a job runs with. It is
// persisted verbatim as Configuration.settings and (with secrets redacted)
// as Execution.settings_snapshot, so every field must round-trip through
// JSON unchanged.
type Settings struct {
	APIKeys    APIKeys    `json:"apiKeys" yaml:"apiKeys"`
	FilePaths  FilePaths  `json:"filePaths" yaml:"filePaths"`
	Parameters Parameters `json:"parameters" yaml:"parameters"`
	Processing Processing `json:"processing" yaml:"processing"`
	AI         AI         `json:"ai" yaml:"ai"`
	Advanced   Advanced   `json:"advanced" yaml:"advanced"`
}

// APIKeys carries credentials only while a document is in flight (e.g. a
// save-settings request). They are written to the vault and zeroed before
// any persistence; RedactedCopy enforces that.
type APIKeys struct {
	OpenAI   string `json:"openai,omitempty" yaml:"openai,omitempty"`
	PiAPI    string `json:"piapi,omitempty" yaml:"piapi,omitempty"`
	Runware  string `json:"runware,omitempty" yaml:"runware,omitempty"`
	RemoveBg string `json:"removeBg,omitempty" yaml:"removeBg,omitempty"`
}

type FilePaths struct {
	OutputDirectory        string `json:"outputDirectory" yaml:"outputDirectory"`
	TempDirectory          string `json:"tempDirectory" yaml:"tempDirectory"`
	SystemPromptFile       string `json:"systemPromptFile,omitempty" yaml:"systemPromptFile,omitempty"`
	KeywordsFile           string `json:"keywordsFile" yaml:"keywordsFile"`
	QualityCheckPromptFile string `json:"qualityCheckPromptFile,omitempty" yaml:"qualityCheckPromptFile,omitempty"`
	MetadataPromptFile     string `json:"metadataPromptFile,omitempty" yaml:"metadataPromptFile,omitempty"`
}

type Parameters struct {
	Provider             string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	ProcessMode          string   `json:"processMode" yaml:"processMode"`
	AspectRatios         []string `json:"aspectRatios,omitempty" yaml:"aspectRatios,omitempty"`
	OpenAIModel          string   `json:"openaiModel,omitempty" yaml:"openaiModel,omitempty"`
	PollingTimeout       int      `json:"pollingTimeout" yaml:"pollingTimeout"`
	EnablePollingTimeout bool     `json:"enablePollingTimeout" yaml:"enablePollingTimeout"`
	KeywordRandom        bool     `json:"keywordRandom" yaml:"keywordRandom"`
	// KeywordSeed pins the shuffle order when keywordRandom is set, so a
	// rerun from a snapshot plans the same generations. Zero means "derive
	// at job start and record in the snapshot".
	KeywordSeed int64 `json:"keywordSeed,omitempty" yaml:"keywordSeed,omitempty"`
	Count       int   `json:"count" yaml:"count"`
	Variations  int   `json:"variations" yaml:"variations"`
}

type Processing struct {
	RemoveBg                  bool    `json:"removeBg" yaml:"removeBg"`
	RemoveBgSize              string  `json:"removeBgSize,omitempty" yaml:"removeBgSize,omitempty"`
	RemoveBgFailureMode       string  `json:"removeBgFailureMode,omitempty" yaml:"removeBgFailureMode,omitempty"`
	ImageConvert              bool    `json:"imageConvert" yaml:"imageConvert"`
	ConvertToJpg              bool    `json:"convertToJpg" yaml:"convertToJpg"`
	ConvertToPng              bool    `json:"convertToPng" yaml:"convertToPng"`
	ConvertToWebp             bool    `json:"convertToWebp" yaml:"convertToWebp"`
	// Quality fields are pointers so an explicit 0 in a document is
	// distinguishable from an absent field: absent defaults to 90,
	// explicit 0 reaches Validate and is refused there.
	JpgQuality                *int    `json:"jpgQuality,omitempty" yaml:"jpgQuality,omitempty"`
	PngQuality                *int    `json:"pngQuality,omitempty" yaml:"pngQuality,omitempty"`
	WebpQuality               *int    `json:"webpQuality,omitempty" yaml:"webpQuality,omitempty"`
	JpgBackground             string  `json:"jpgBackground,omitempty" yaml:"jpgBackground,omitempty"`
	TrimTransparentBackground bool    `json:"trimTransparentBackground" yaml:"trimTransparentBackground"`
	ImageEnhancement          bool    `json:"imageEnhancement" yaml:"imageEnhancement"`
	Sharpening                float64 `json:"sharpening" yaml:"sharpening"`
	Saturation                float64 `json:"saturation" yaml:"saturation"`
}

type AI struct {
	RunQualityCheck bool `json:"runQualityCheck" yaml:"runQualityCheck"`
	RunMetadataGen  bool `json:"runMetadataGen" yaml:"runMetadataGen"`
}

type Advanced struct {
	DebugMode bool `json:"debugMode" yaml:"debugMode"`
}

const (
	ProviderPiAPI   = "piapi"
	ProviderRunware = "runware"

	FailureModeSoft = "soft"
	FailureModeHard = "hard"
)

// MaxPlannedImages caps count*variations for a single execution.
const MaxPlannedImages = 10_000

// ApplyDefaults fills unset fields. Numeric clamps happen here too:
// out-of-range sharpening/saturation are clamped, not refused (the
// quality integers are refused in Validate instead).
func (s *Settings) ApplyDefaults() {
	if s == nil {
		return
	}
	if strings.TrimSpace(s.Parameters.ProcessMode) == "" {
		s.Parameters.ProcessMode = "fast"
	}
	if s.Parameters.PollingTimeout == 0 {
		s.Parameters.PollingTimeout = 60
	}
	if s.Parameters.Count == 0 {
		s.Parameters.Count = 1
	}
	if s.Parameters.Variations == 0 {
		s.Parameters.Variations = 1
	}
	if strings.TrimSpace(s.Processing.RemoveBgSize) == "" {
		s.Processing.RemoveBgSize = "auto"
	}
	if strings.TrimSpace(s.Processing.RemoveBgFailureMode) == "" {
		s.Processing.RemoveBgFailureMode = FailureModeSoft
	}
	if s.Processing.JpgQuality == nil {
		s.Processing.JpgQuality = intPtr(90)
	}
	if s.Processing.PngQuality == nil {
		s.Processing.PngQuality = intPtr(90)
	}
	if s.Processing.WebpQuality == nil {
		s.Processing.WebpQuality = intPtr(90)
	}
	if strings.TrimSpace(s.Parameters.OpenAIModel) == "" {
		s.Parameters.OpenAIModel = "gpt-4o-mini"
	}

	s.Processing.Sharpening = clampFloat(s.Processing.Sharpening, 0, 10)
	s.Processing.Saturation = clampFloat(s.Processing.Saturation, 0, 3)
}

func intPtr(v int) *int { return &v }

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
