package pipeline

import (
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/forgeml/imageforge/internal/config"
)

// ParamSet is one planned generation: a prompt plus the provider knobs.
// One ParamSet yields up to Variations candidate images.
type ParamSet struct {
	Prompt      string
	Seed        int64
	Variations  int
	AspectRatio string
}

// Plan expands the settings into the bounded generation sequence. One
// parameter set per count, keywords cycled (shuffled first when
// keywordRandom is set, driven by the recorded seed so snapshot reruns
// plan identically), aspect ratios cycled independently.
func Plan(cfg *config.Settings) ([]ParamSet, error) {
	keywords, err := readKeywords(cfg.FilePaths.KeywordsFile)
	if err != nil {
		return nil, failAt(StagePlan, err)
	}
	if len(keywords) == 0 {
		return nil, failAt(StagePlan, fmt.Errorf("keywords file %s has no usable lines", cfg.FilePaths.KeywordsFile))
	}

	template := "{keyword}"
	if cfg.FilePaths.SystemPromptFile != "" {
		raw, err := os.ReadFile(cfg.FilePaths.SystemPromptFile)
		if err != nil {
			return nil, failAt(StagePlan, err)
		}
		if t := strings.TrimSpace(string(raw)); t != "" {
			template = t
		}
	}

	count := cfg.Parameters.Count
	variations := cfg.Parameters.Variations
	if count*variations > config.MaxPlannedImages {
		return nil, failAt(StagePlan, fmt.Errorf("plan would produce %d images, limit is %d", count*variations, config.MaxPlannedImages))
	}

	if cfg.Parameters.KeywordRandom {
		rng := rand.New(rand.NewSource(cfg.Parameters.KeywordSeed))
		rng.Shuffle(len(keywords), func(i, j int) {
			keywords[i], keywords[j] = keywords[j], keywords[i]
		})
	}

	out := make([]ParamSet, 0, count)
	for i := 0; i < count; i++ {
		set := ParamSet{
			Prompt:     renderPrompt(template, keywords[i%len(keywords)]),
			Variations: variations,
		}
		if cfg.Parameters.KeywordSeed != 0 {
			set.Seed = cfg.Parameters.KeywordSeed + int64(i)
		}
		if n := len(cfg.Parameters.AspectRatios); n > 0 {
			set.AspectRatio = cfg.Parameters.AspectRatios[i%n]
		}
		out = append(out, set)
	}
	return out, nil
}

// renderPrompt substitutes the keyword into the template. A template
// without the placeholder gets the keyword appended.
func renderPrompt(template, keyword string) string {
	if strings.Contains(template, "{keyword}") {
		return strings.ReplaceAll(template, "{keyword}", keyword)
	}
	return strings.TrimSpace(template + " " + keyword)
}

// readKeywords loads one keyword per line, ignoring blanks and #-comments.
func readKeywords(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}
