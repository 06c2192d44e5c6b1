package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maphilipps/dealhunter"
)

func TestRecommendStep(t *testing.T) {
	step := NewRecommendStep()
	baseResults := func(platform string) *dealhunter.ResultSet {
		return seedResults(t, map[string]any{
			StepExtractContent: ExtractOutput{Title: "Acme"},
			StepDetectTech:     TechOutput{Platform: platform, Markers: []string{}},
		})
	}

	t.Run("known platform decides automatically", func(t *testing.T) {
		out, err := step.Execute(context.Background(), dealhunter.StepInput{
			Target:  dealhunter.Target{ID: "t1", URL: "https://acme.test/"},
			Results: baseResults("typo3"),
			Events:  &recordingPublisher{},
		})
		require.NoError(t, err)
		recommended := out.(*RecommendOutput)
		require.Equal(t, "drupal", recommended.Proposal)
		require.Equal(t, "typo3", recommended.Platform)
		require.Equal(t, "auto", recommended.DecidedBy)
		require.NotEmpty(t, recommended.Rationale)
	})

	t.Run("unknown platform pauses with a question", func(t *testing.T) {
		_, err := step.Execute(context.Background(), dealhunter.StepInput{
			Target:  dealhunter.Target{ID: "t1", URL: "https://acme.test/"},
			Results: baseResults("unknown"),
			Events:  &recordingPublisher{},
		})
		var question *dealhunter.QuestionError
		require.ErrorAs(t, err, &question)
		require.Contains(t, question.Prompt, "https://acme.test/")
		require.Contains(t, question.Prompt, "Which system should we propose?")
	})

	t.Run("answer becomes the proposal", func(t *testing.T) {
		events := &recordingPublisher{}
		out, err := step.Execute(context.Background(), dealhunter.StepInput{
			Target:  dealhunter.Target{ID: "t1", URL: "https://acme.test/"},
			Results: baseResults("unknown"),
			Answer:  "shopify",
			Events:  events,
		})
		require.NoError(t, err)
		recommended := out.(*RecommendOutput)
		require.Equal(t, "shopify", recommended.Proposal)
		require.Equal(t, "user", recommended.DecidedBy)
		require.Contains(t, events.kinds(), dealhunter.EventDecision)
	})

	t.Run("whitespace-only answer still pauses", func(t *testing.T) {
		_, err := step.Execute(context.Background(), dealhunter.StepInput{
			Target:  dealhunter.Target{ID: "t1", URL: "https://acme.test/"},
			Results: baseResults("unknown"),
			Answer:  "   ",
			Events:  &recordingPublisher{},
		})
		var question *dealhunter.QuestionError
		require.ErrorAs(t, err, &question)
	})

	t.Run("missing tech output fails", func(t *testing.T) {
		_, err := step.Execute(context.Background(), dealhunter.StepInput{
			Target:  dealhunter.Target{ID: "t1"},
			Results: dealhunter.NewResultSet(),
			Events:  &recordingPublisher{},
		})
		require.Error(t, err)
		var question *dealhunter.QuestionError
		require.False(t, errors.As(err, &question), "a missing dependency is a failure, not a pause")
	})
}
