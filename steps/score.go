package steps

import (
	"context"
	"fmt"
	"sync"

	"github.com/maphilipps/dealhunter"
	"github.com/maphilipps/dealhunter/script"
)

// StepFitScore is the name of the fit scoring step.
const StepFitScore = "fit_score"

// DefaultScoreScript ranks a prospect from 0 to 100. It sees the analysis
// target as `target` and completed step outputs keyed by step name as
// `results`.
const DefaultScoreScript = `
tech := results["detect_tech"]
content := results["extract_content"]

score := 20.0
if tech["platform"] != "unknown" {
    score += 30.0
}
if len(tech["markers"]) > 1 {
    score += 10.0
}
if content["length"] > 2000 {
    score += 20.0
}
if content["title"] != "" {
    score += 20.0
}
verdict := {"score": score, "platform": tech["platform"]}
verdict
`

// ScoreOutput is the scripted scoring verdict.
type ScoreOutput struct {
	Score    float64 `json:"score"`
	Platform string  `json:"platform,omitempty"`
	Verdict  any     `json:"verdict,omitempty"`
}

// ScoreStep evaluates a scoring script against the collected analysis
// outputs. The script is user-replaceable so scoring policy changes don't
// require a rebuild.
type ScoreStep struct {
	compiler script.Compiler
	source   string

	once       sync.Once
	compiled   script.Script
	compileErr error
}

// NewScoreStep creates the step. Empty source uses DefaultScoreScript; a
// nil compiler uses the Risor engine with default globals.
func NewScoreStep(compiler script.Compiler, source string) *ScoreStep {
	if compiler == nil {
		compiler = script.NewRisorEngine(script.DefaultGlobals())
	}
	if source == "" {
		source = DefaultScoreScript
	}
	return &ScoreStep{compiler: compiler, source: source}
}

func (s *ScoreStep) Definition() dealhunter.StepDefinition {
	return dealhunter.StepDefinition{
		Name:      StepFitScore,
		Title:     "Compute fit score",
		Phase:     dealhunter.PhaseSynthesis,
		DependsOn: []string{StepExtractContent, StepDetectTech},
	}
}

func (s *ScoreStep) Execute(ctx context.Context, in dealhunter.StepInput) (any, error) {
	s.once.Do(func() {
		s.compiled, s.compileErr = s.compiler.Compile(ctx, s.source)
	})
	if s.compileErr != nil {
		return nil, fmt.Errorf("failed to compile score script: %w", s.compileErr)
	}

	results := map[string]any{}
	for _, dep := range []string{StepExtractContent, StepDetectTech, StepScanCompetitors} {
		if output, err := OutputAs[map[string]any](in.Results, dep); err == nil {
			results[dep] = output
		}
	}
	value, err := s.compiled.Evaluate(ctx, map[string]any{
		"target":  map[string]any{"id": in.Target.ID, "url": in.Target.URL, "payload": in.Target.Payload},
		"results": results,
	})
	if err != nil {
		return nil, err
	}

	out := &ScoreOutput{Verdict: value.Value()}
	if verdict, ok := out.Verdict.(map[string]any); ok {
		if score, ok := verdict["score"].(float64); ok {
			out.Score = score
		}
		if platform, ok := verdict["platform"].(string); ok {
			out.Platform = platform
		}
	}
	in.Events.Publish(dealhunter.EventAgentProgress, "fit score computed", map[string]any{
		"score": out.Score,
	})
	return out, nil
}
