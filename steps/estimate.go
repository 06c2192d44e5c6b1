package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maphilipps/dealhunter"
)

// StepEstimateProject is the name of the project estimation step.
const StepEstimateProject = "estimate_project"

// entityHours is the bottom-up estimation table: hours per entity, by kind
// and complexity. Unknown complexities estimate to zero.
var entityHours = map[string]map[string]float64{
	"content_type":    {"simple": 3, "medium": 6, "complex": 12},
	"paragraph":       {"simple": 1.5, "medium": 3.5, "complex": 6},
	"taxonomy":        {"simple": 1.5, "medium": 3, "complex": 6},
	"media_type":      {"simple": 1.5, "medium": 3, "complex": 3.5},
	"view":            {"simple": 3, "medium": 6, "complex": 12},
	"webform":         {"simple": 3, "medium": 6, "complex": 12},
	"block":           {"simple": 1.5, "medium": 3, "complex": 6},
	"custom_module":   {"simple": 12, "medium": 28, "complex": 70},
	"theme_component": {"simple": 3, "medium": 6, "complex": 12},
}

// Migration effort: fixed setup plus hours per 100 migrated nodes, scaled by
// complexity.
const (
	migrationSetupHours  = 30
	migrationHoursPer100 = 10
)

var migrationMultipliers = map[string]float64{
	"simple":  1.0,
	"medium":  2.0,
	"complex": 3.5,
}

// Fixed additional effort and the project-management share of the subtotal.
const (
	infrastructureHours = 60
	trainingHours       = 30
	pmShare             = 0.18
)

// bufferShares maps risk level to the contingency added on top of the
// subtotal.
var bufferShares = map[string]float64{
	"low":    0.15,
	"medium": 0.20,
	"high":   0.25,
}

// EntitySpec is one entry of the target's entity inventory.
type EntitySpec struct {
	Name       string `json:"name"`
	Complexity string `json:"complexity"`
}

// EntityEstimate is the per-entity line of the estimation breakdown.
type EntityEstimate struct {
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	Complexity string  `json:"complexity"`
	Hours      float64 `json:"hours"`
}

type migrationSpec struct {
	Nodes      int    `json:"nodes"`
	Complexity string `json:"complexity"`
}

// estimateInput is the entity inventory read from the target payload.
type estimateInput struct {
	ContentTypes    []EntitySpec       `json:"content_types"`
	Paragraphs      []EntitySpec       `json:"paragraphs"`
	Taxonomies      []EntitySpec       `json:"taxonomies"`
	MediaTypes      []EntitySpec       `json:"media_types"`
	Views           []EntitySpec       `json:"views"`
	Webforms        []EntitySpec       `json:"webforms"`
	Blocks          []EntitySpec       `json:"blocks"`
	CustomModules   []EntitySpec       `json:"custom_modules"`
	ThemeComponents []EntitySpec       `json:"theme_components"`
	Multipliers     map[string]float64 `json:"multipliers"`
	Migration       *migrationSpec     `json:"migration"`
	RiskLevel       string             `json:"risk_level"`
}

// EstimateOutput is the complete bottom-up project estimate in hours.
type EstimateOutput struct {
	Platform        string             `json:"platform"`
	BaseHours       float64            `json:"base_hours"`
	MultiplierHours float64            `json:"multiplier_hours"`
	MigrationHours  float64            `json:"migration_hours"`
	AdditionalHours float64            `json:"additional_hours"`
	Subtotal        float64            `json:"subtotal"`
	BufferHours     float64            `json:"buffer_hours"`
	TotalHours      float64            `json:"total_hours"`
	Breakdown       []EntityEstimate   `json:"breakdown"`
	Multipliers     map[string]float64 `json:"multipliers_applied"`
	Assumptions     []string           `json:"assumptions"`
	Risks           []string           `json:"risks"`
}

// EstimateStep calculates a bottom-up project estimate from the entity
// inventory in the target payload. Optional: prospects without an inventory
// yet simply don't get an estimate.
type EstimateStep struct{}

func NewEstimateStep() *EstimateStep {
	return &EstimateStep{}
}

func (s *EstimateStep) Definition() dealhunter.StepDefinition {
	return dealhunter.StepDefinition{
		Name:      StepEstimateProject,
		Title:     "Estimate project",
		Phase:     dealhunter.PhaseSynthesis,
		DependsOn: []string{StepDetectTech},
		Optional:  true,
	}
}

func (s *EstimateStep) Execute(ctx context.Context, in dealhunter.StepInput) (any, error) {
	tech, err := OutputAs[TechOutput](in.Results, StepDetectTech)
	if err != nil {
		return nil, err
	}
	input, err := entityInventory(in.Target)
	if err != nil {
		return nil, err
	}

	base, breakdown := baseHours(input)

	multiplierHours := 0.0
	applied := map[string]float64{}
	for name, share := range input.Multipliers {
		hours := base * share
		applied[name] = hours
		multiplierHours += hours
	}

	migration := migrationHours(input.Migration)

	subtotalBeforePM := base + multiplierHours + migration + infrastructureHours + trainingHours
	pm := subtotalBeforePM * pmShare
	subtotal := subtotalBeforePM + pm

	risk := strings.ToLower(input.RiskLevel)
	share, ok := bufferShares[risk]
	if !ok {
		share = bufferShares["medium"]
	}
	buffer := subtotal * share

	out := &EstimateOutput{
		Platform:        tech.Platform,
		BaseHours:       base,
		MultiplierHours: multiplierHours,
		MigrationHours:  migration,
		AdditionalHours: infrastructureHours + trainingHours + pm,
		Subtotal:        subtotal,
		BufferHours:     buffer,
		TotalHours:      subtotal + buffer,
		Breakdown:       breakdown,
		Multipliers:     applied,
		Assumptions:     assumptions(tech),
		Risks: []string{
			"requirements may evolve during development",
			"migration complexity may be higher than assessed",
			"third-party integrations may require additional effort",
		},
	}
	in.Events.Publish(dealhunter.EventSectionComplete, "project estimate calculated", map[string]any{
		"total_hours": out.TotalHours,
		"entities":    len(breakdown),
	})
	return out, nil
}

// entityInventory decodes the entity inventory from the target payload.
func entityInventory(target dealhunter.Target) (*estimateInput, error) {
	raw, ok := target.Payload["entities"]
	if !ok {
		return nil, fmt.Errorf("target %s has no entity inventory", target.ID)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity inventory: %w", err)
	}
	var input estimateInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to decode entity inventory: %w", err)
	}
	return &input, nil
}

func baseHours(input *estimateInput) (float64, []EntityEstimate) {
	kinds := []struct {
		kind     string
		entities []EntitySpec
	}{
		{"content_type", input.ContentTypes},
		{"paragraph", input.Paragraphs},
		{"taxonomy", input.Taxonomies},
		{"media_type", input.MediaTypes},
		{"view", input.Views},
		{"webform", input.Webforms},
		{"block", input.Blocks},
		{"custom_module", input.CustomModules},
		{"theme_component", input.ThemeComponents},
	}

	total := 0.0
	var breakdown []EntityEstimate
	for _, group := range kinds {
		for _, entity := range group.entities {
			complexity := strings.ToLower(entity.Complexity)
			if complexity == "" {
				complexity = "medium"
			}
			hours := entityHours[group.kind][complexity]
			breakdown = append(breakdown, EntityEstimate{
				Name:       entity.Name,
				Kind:       group.kind,
				Complexity: complexity,
				Hours:      hours,
			})
			total += hours
		}
	}
	return total, breakdown
}

func migrationHours(migration *migrationSpec) float64 {
	if migration == nil || migration.Nodes == 0 {
		return 0
	}
	multiplier, ok := migrationMultipliers[strings.ToLower(migration.Complexity)]
	if !ok {
		multiplier = migrationMultipliers["medium"]
	}
	nodeHours := float64(migration.Nodes) / 100 * migrationHoursPer100 * multiplier
	return migrationSetupHours + nodeHours
}

func assumptions(tech TechOutput) []string {
	out := []string{
		"requirements are clearly defined",
		"standard development practices followed",
		"no major scope changes expected",
	}
	if tech.Platform != "unknown" {
		out = append(out, fmt.Sprintf("migration source is %s", tech.Platform))
	}
	return out
}
