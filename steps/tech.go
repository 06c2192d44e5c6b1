package steps

import (
	"context"
	"sort"
	"strings"

	"github.com/maphilipps/dealhunter"
)

// StepDetectTech is the name of the technology detection step.
const StepDetectTech = "detect_tech"

// techMarkers maps platform names to substrings that betray them in page
// markup. Matching is case-insensitive.
var techMarkers = map[string][]string{
	"wordpress":   {"wp-content", "wp-includes", "wp-json"},
	"drupal":      {"drupal-settings-json", "/sites/default/files", "data-drupal"},
	"typo3":       {"typo3conf", "typo3temp"},
	"joomla":      {"/media/jui/", "joomla"},
	"shopify":     {"cdn.shopify.com", "shopify-section"},
	"wix":         {"wix.com", "wixstatic.com"},
	"squarespace": {"squarespace.com", "sqs-block"},
	"nextjs":      {"__next_data__", "_next/static"},
	"nuxt":        {"__nuxt", "_nuxt/"},
	"react":       {"data-reactroot", "react-dom"},
	"vue":         {"data-v-app", "vue.js"},
}

// TechOutput is the detected technology fingerprint. Markers is always
// present, possibly empty, so scoring scripts can index it unconditionally.
type TechOutput struct {
	Platform string   `json:"platform"`
	Markers  []string `json:"markers"`
}

// TechStep fingerprints the target's platform from homepage markup.
type TechStep struct{}

func NewTechStep() *TechStep {
	return &TechStep{}
}

func (s *TechStep) Definition() dealhunter.StepDefinition {
	return dealhunter.StepDefinition{
		Name:      StepDetectTech,
		Title:     "Detect technology",
		Phase:     dealhunter.PhaseAnalysis,
		DependsOn: []string{StepFetchHomepage},
	}
}

func (s *TechStep) Execute(ctx context.Context, in dealhunter.StepInput) (any, error) {
	fetched, err := OutputAs[FetchOutput](in.Results, StepFetchHomepage)
	if err != nil {
		return nil, err
	}
	html := strings.ToLower(fetched.HTML)

	detected := []string{}
	for platform, markers := range techMarkers {
		for _, marker := range markers {
			if strings.Contains(html, marker) {
				detected = append(detected, platform)
				break
			}
		}
	}
	sort.Strings(detected)

	out := &TechOutput{Markers: detected, Platform: "unknown"}
	if len(detected) > 0 {
		out.Platform = detected[0]
	}
	in.Events.Publish(dealhunter.EventAgentProgress, "technology scan finished", map[string]any{
		"platform": out.Platform,
		"markers":  len(detected),
	})
	return out, nil
}
