package steps

import (
	"github.com/maphilipps/dealhunter"
)

// Pipeline names accepted by the service configuration.
const (
	PipelineIntake        = "intake"
	PipelineQualification = "qualification"
	PipelineDeepScan      = "deep_scan"
)

// Intake is the minimal pipeline run when a prospect first enters the
// funnel: fetch the site and extract its content.
func Intake() *dealhunter.Registry {
	return dealhunter.NewRegistry().MustRegister(
		NewFetchStep(nil),
		NewExtractStep(),
	)
}

// Qualification adds technology detection and the scripted fit score on
// top of intake.
func Qualification() *dealhunter.Registry {
	return dealhunter.NewRegistry().MustRegister(
		NewFetchStep(nil),
		NewExtractStep(),
		NewTechStep(),
		NewScoreStep(nil, ""),
	)
}

// DeepScan is the full pipeline: everything in qualification plus the
// competitor fan-out, the proposal recommendation, and the bottom-up project
// estimate for prospects that carry an entity inventory.
func DeepScan() *dealhunter.Registry {
	return dealhunter.NewRegistry().MustRegister(
		NewFetchStep(nil),
		NewExtractStep(),
		NewTechStep(),
		NewCompetitorsStep(nil),
		NewScoreStep(nil, ""),
		NewRecommendStep(),
		NewEstimateStep(),
	)
}

// Preset returns the registry for a configured pipeline name.
func Preset(name string) (*dealhunter.Registry, bool) {
	switch name {
	case PipelineIntake:
		return Intake(), true
	case PipelineQualification:
		return Qualification(), true
	case PipelineDeepScan:
		return DeepScan(), true
	default:
		return nil, false
	}
}
