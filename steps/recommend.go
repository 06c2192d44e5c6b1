package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/maphilipps/dealhunter"
)

// StepRecommendation is the name of the proposal recommendation step.
const StepRecommendation = "recommendation"

// proposalByPlatform maps a detected platform to the system we propose
// migrating the prospect to.
var proposalByPlatform = map[string]string{
	"wordpress":   "wordpress",
	"drupal":      "drupal",
	"typo3":       "drupal",
	"joomla":      "drupal",
	"shopify":     "shopify",
	"wix":         "wordpress",
	"squarespace": "wordpress",
	"nextjs":      "nextjs",
	"nuxt":        "nextjs",
	"react":       "nextjs",
	"vue":         "nextjs",
}

// RecommendOutput is the final proposal for the prospect.
type RecommendOutput struct {
	Proposal  string `json:"proposal"`
	Platform  string `json:"platform"`
	DecidedBy string `json:"decided_by"`
	Rationale string `json:"rationale,omitempty"`
}

// RecommendStep turns the detected platform into a concrete proposal. When
// the platform is unknown the step pauses the run and asks a human which
// system to propose; the answer becomes the proposal on resume.
type RecommendStep struct{}

func NewRecommendStep() *RecommendStep {
	return &RecommendStep{}
}

func (s *RecommendStep) Definition() dealhunter.StepDefinition {
	return dealhunter.StepDefinition{
		Name:      StepRecommendation,
		Title:     "Recommend proposal",
		Phase:     dealhunter.PhaseSynthesis,
		DependsOn: []string{StepExtractContent, StepDetectTech},
	}
}

func (s *RecommendStep) Execute(ctx context.Context, in dealhunter.StepInput) (any, error) {
	tech, err := OutputAs[TechOutput](in.Results, StepDetectTech)
	if err != nil {
		return nil, err
	}

	if answer := strings.TrimSpace(in.Answer); answer != "" {
		in.Events.Publish(dealhunter.EventDecision, "proposal chosen by user", map[string]any{
			"proposal": answer,
		})
		return &RecommendOutput{
			Proposal:  answer,
			Platform:  tech.Platform,
			DecidedBy: "user",
		}, nil
	}

	proposal, ok := proposalByPlatform[tech.Platform]
	if !ok {
		return nil, dealhunter.Pause(fmt.Sprintf(
			"No platform detected for %s. Which system should we propose?", in.Target.URL))
	}
	return &RecommendOutput{
		Proposal:  proposal,
		Platform:  tech.Platform,
		DecidedBy: "auto",
		Rationale: fmt.Sprintf("detected %s, proposing %s", tech.Platform, proposal),
	}, nil
}
