package schema

// Default returns the built-in five-stage workflow used when the host has
// not installed a schema document of its own. Quality review starts optional
// and becomes mandatory before release once the work is substantial enough.
func Default() *Schema {
	s := &Schema{
		WorkflowName: "feature-delivery",
		Version:      "1.0",
		Stages: []Stage{
			{ID: "validate", Name: "Validate", Type: "analysis", Required: true},
			{ID: "design", Name: "Design", Type: "planning", Required: true},
			{ID: "build", Name: "Build", Type: "implementation", Required: true},
			{ID: "quality-review", Name: "Quality Review", Type: "review", Required: false},
			{ID: "release", Name: "Release", Type: "delivery", Required: true},
		},
		Enforcement: Enforcement{
			Mode: ModeRecommended,
			PerStage: map[string]EnforcementMode{
				"release": ModeStrict,
			},
		},
		Rules: []Rule{
			{Type: RuleSequentialProgression, TrackDeviations: true},
			{
				Type:        RuleConditionalRequirement,
				Stage:       "quality-review",
				BeforeStage: "release",
				Condition: Condition{
					MinLinesChanged: 100,
					MinFilesChanged: 5,
					MinComplexity:   ComplexitySubstantial,
				},
				BypassAllowed: true,
			},
		},
	}
	// Built-in documents must always validate.
	if err := s.Validate(); err != nil {
		panic(err)
	}
	return s
}
