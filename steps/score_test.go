package steps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maphilipps/dealhunter"
)

func runScore(t *testing.T, step *ScoreStep, tech TechOutput, content ExtractOutput) *ScoreOutput {
	t.Helper()
	set := seedResults(t, map[string]any{
		StepDetectTech:     tech,
		StepExtractContent: content,
	})
	out, err := step.Execute(context.Background(), dealhunter.StepInput{
		Target:  dealhunter.Target{ID: "t1", URL: "https://acme.test/"},
		Results: set,
		Events:  &recordingPublisher{},
	})
	require.NoError(t, err)
	return out.(*ScoreOutput)
}

func TestScoreStep(t *testing.T) {
	t.Run("default script scores a strong prospect", func(t *testing.T) {
		out := runScore(t, NewScoreStep(nil, ""),
			TechOutput{Platform: "wordpress", Markers: []string{"wordpress", "react"}},
			ExtractOutput{Title: "Acme", Text: "long", Length: 5000},
		)
		// 20 base + 30 platform + 10 markers + 20 length + 20 title.
		require.Equal(t, float64(100), out.Score)
		require.Equal(t, "wordpress", out.Platform)
	})

	t.Run("default script scores a weak prospect", func(t *testing.T) {
		out := runScore(t, NewScoreStep(nil, ""),
			TechOutput{Platform: "unknown", Markers: []string{}},
			ExtractOutput{Title: "", Text: "", Length: 0},
		)
		require.Equal(t, float64(20), out.Score)
		require.Equal(t, "unknown", out.Platform)
	})

	t.Run("custom script replaces the policy", func(t *testing.T) {
		step := NewScoreStep(nil, `
verdict := {"score": 42.0, "platform": results["detect_tech"]["platform"]}
verdict
`)
		out := runScore(t, step,
			TechOutput{Platform: "drupal", Markers: []string{"drupal"}},
			ExtractOutput{},
		)
		require.Equal(t, float64(42), out.Score)
		require.Equal(t, "drupal", out.Platform)
	})

	t.Run("script sees the target", func(t *testing.T) {
		step := NewScoreStep(nil, `
verdict := {"score": 1.0, "platform": target["url"]}
verdict
`)
		out := runScore(t, step, TechOutput{Platform: "unknown", Markers: []string{}}, ExtractOutput{})
		require.Equal(t, "https://acme.test/", out.Platform)
	})

	t.Run("compile error is reported", func(t *testing.T) {
		step := NewScoreStep(nil, `if {`)
		set := seedResults(t, map[string]any{
			StepDetectTech:     TechOutput{Platform: "unknown", Markers: []string{}},
			StepExtractContent: ExtractOutput{},
		})
		_, err := step.Execute(context.Background(), dealhunter.StepInput{
			Target:  dealhunter.Target{ID: "t1"},
			Results: set,
			Events:  &recordingPublisher{},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to compile score script")
	})

	t.Run("missing dependency fails", func(t *testing.T) {
		_, err := NewScoreStep(nil, "").Execute(context.Background(), dealhunter.StepInput{
			Target:  dealhunter.Target{ID: "t1"},
			Results: dealhunter.NewResultSet(),
			Events:  &recordingPublisher{},
		})
		require.Error(t, err)
	})
}
