package schema

import (
	"fmt"
)

// EnforcementMode controls how strictly a stage transition is policed.
type EnforcementMode string

const (
	ModeStrict      EnforcementMode = "strict"
	ModeRecommended EnforcementMode = "recommended"
	ModeOptional    EnforcementMode = "optional"
)

// knownMode reports whether the value is one of the three supported modes.
func knownMode(mode EnforcementMode) bool {
	switch mode {
	case ModeStrict, ModeRecommended, ModeOptional:
		return true
	}
	return false
}

// Complexity buckets the significance of a body of work.
type Complexity string

const (
	ComplexityMinimal     Complexity = "minimal"
	ComplexityModerate    Complexity = "moderate"
	ComplexitySubstantial Complexity = "substantial"
)

// complexityRank orders complexity levels for >= comparisons in rule
// conditions. Unknown values rank below minimal.
func complexityRank(c Complexity) int {
	switch c {
	case ComplexityMinimal:
		return 1
	case ComplexityModerate:
		return 2
	case ComplexitySubstantial:
		return 3
	}
	return 0
}

// AtLeast reports whether c meets or exceeds the required level.
func (c Complexity) AtLeast(required Complexity) bool {
	return complexityRank(c) >= complexityRank(required)
}

// Stage is one ordered step of a workflow.
type Stage struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required" json:"required"`
}

// Enforcement holds the global mode plus per-stage overrides.
type Enforcement struct {
	Mode     EnforcementMode            `yaml:"mode" json:"mode"`
	PerStage map[string]EnforcementMode `yaml:"per_stage_overrides,omitempty" json:"per_stage_overrides,omitempty"`
}

// Rule types understood by the validator.
const (
	RuleSequentialProgression  = "sequential_progression"
	RuleConditionalRequirement = "conditional_requirement"
)

// Condition gates a conditional_requirement rule on measured work
// significance. Zero-valued fields are not evaluated.
type Condition struct {
	MinLinesChanged int        `yaml:"min_lines_changed,omitempty" json:"min_lines_changed,omitempty"`
	MinFilesChanged int        `yaml:"min_files_changed,omitempty" json:"min_files_changed,omitempty"`
	MinComplexity   Complexity `yaml:"min_complexity,omitempty" json:"min_complexity,omitempty"`
}

// Empty reports whether no threshold is configured at all.
func (c Condition) Empty() bool {
	return c.MinLinesChanged == 0 && c.MinFilesChanged == 0 && c.MinComplexity == ""
}

// Rule declares either sequential progression tracking or a conditional
// stage requirement. Fields are a union keyed by Type.
type Rule struct {
	Type string `yaml:"rule_type" json:"rule_type"`

	// sequential_progression
	TrackDeviations bool `yaml:"track_deviations,omitempty" json:"track_deviations,omitempty"`

	// conditional_requirement
	Stage         string    `yaml:"stage,omitempty" json:"stage,omitempty"`
	BeforeStage   string    `yaml:"before_stage,omitempty" json:"before_stage,omitempty"`
	Condition     Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
	BypassAllowed bool      `yaml:"bypass_allowed,omitempty" json:"bypass_allowed,omitempty"`
}

// Schema is a validated workflow definition: an ordered stage list plus the
// enforcement policy and rules that govern progression through it.
type Schema struct {
	WorkflowName string      `yaml:"workflow_name" json:"workflow_name"`
	Version      string      `yaml:"version" json:"version"`
	Stages       []Stage     `yaml:"stages" json:"stages"`
	Enforcement  Enforcement `yaml:"enforcement" json:"enforcement"`
	Rules        []Rule      `yaml:"workflow_rules,omitempty" json:"workflow_rules,omitempty"`

	index map[string]int
}

// ValidationError names the field (and element index, where applicable) that
// made a schema document unusable.
type ValidationError struct {
	Field  string
	Index  int // -1 when the error is not about a list element
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("schema: %s[%d]: %s", e.Field, e.Index, e.Reason)
	}
	return fmt.Sprintf("schema: %s: %s", e.Field, e.Reason)
}

func fieldErr(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Index: -1, Reason: reason}
}

func indexErr(field string, idx int, reason string) *ValidationError {
	return &ValidationError{Field: field, Index: idx, Reason: reason}
}

// Validate checks the document for structural problems and builds the stage
// index. It returns a *ValidationError naming the offending field.
func (s *Schema) Validate() error {
	if s.WorkflowName == "" {
		return fieldErr("workflow_name", "is required")
	}
	if s.Version == "" {
		return fieldErr("version", "is required")
	}
	if len(s.Stages) == 0 {
		return fieldErr("stages", "at least one stage is required")
	}
	index := make(map[string]int, len(s.Stages))
	for i, stage := range s.Stages {
		if stage.ID == "" {
			return indexErr("stages", i, "id is required")
		}
		if stage.Name == "" {
			return indexErr("stages", i, "name is required")
		}
		if stage.Type == "" {
			return indexErr("stages", i, "type is required")
		}
		if _, dup := index[stage.ID]; dup {
			return indexErr("stages", i, fmt.Sprintf("duplicate stage id %s", stage.ID))
		}
		index[stage.ID] = i
	}
	if s.Enforcement.Mode == "" {
		s.Enforcement.Mode = ModeRecommended
	}
	if !knownMode(s.Enforcement.Mode) {
		return fieldErr("enforcement.mode", fmt.Sprintf("unknown mode %q", s.Enforcement.Mode))
	}
	for id, mode := range s.Enforcement.PerStage {
		if !knownMode(mode) {
			return fieldErr("enforcement.per_stage_overrides."+id, fmt.Sprintf("unknown mode %q", mode))
		}
		if _, ok := index[id]; !ok {
			return fieldErr("enforcement.per_stage_overrides."+id, "references unknown stage")
		}
	}
	for i, rule := range s.Rules {
		switch rule.Type {
		case RuleSequentialProgression:
			// no referenced stages
		case RuleConditionalRequirement:
			if rule.Stage == "" {
				return indexErr("workflow_rules", i, "stage is required")
			}
			if rule.BeforeStage == "" {
				return indexErr("workflow_rules", i, "before_stage is required")
			}
			if _, ok := index[rule.Stage]; !ok {
				return indexErr("workflow_rules", i, fmt.Sprintf("stage %s is not in the stage list", rule.Stage))
			}
			if _, ok := index[rule.BeforeStage]; !ok {
				return indexErr("workflow_rules", i, fmt.Sprintf("before_stage %s is not in the stage list", rule.BeforeStage))
			}
			if rule.Condition.MinComplexity != "" && complexityRank(rule.Condition.MinComplexity) == 0 {
				return indexErr("workflow_rules", i, fmt.Sprintf("unknown complexity %q", rule.Condition.MinComplexity))
			}
		default:
			return indexErr("workflow_rules", i, fmt.Sprintf("unknown rule_type %q", rule.Type))
		}
	}
	s.index = index
	return nil
}

// Stage returns the stage with the given id.
func (s *Schema) Stage(id string) (Stage, bool) {
	idx, ok := s.stageIndex()[id]
	if !ok {
		return Stage{}, false
	}
	return s.Stages[idx], true
}

// StageIndex returns the position of a stage within the full ordering.
func (s *Schema) StageIndex(id string) (int, bool) {
	idx, ok := s.stageIndex()[id]
	return idx, ok
}

// StageIDs returns every stage id in declaration order.
func (s *Schema) StageIDs() []string {
	ids := make([]string, 0, len(s.Stages))
	for _, stage := range s.Stages {
		ids = append(ids, stage.ID)
	}
	return ids
}

// StagesByType returns the stages of the given category in order.
func (s *Schema) StagesByType(stageType string) []Stage {
	var out []Stage
	for _, stage := range s.Stages {
		if stage.Type == stageType {
			out = append(out, stage)
		}
	}
	return out
}

// RequiredStages returns the required stages in declaration order.
func (s *Schema) RequiredStages() []Stage {
	var out []Stage
	for _, stage := range s.Stages {
		if stage.Required {
			out = append(out, stage)
		}
	}
	return out
}

// RequiredIndex returns the position of a stage within the required-stage
// ordering. Optional stages are absent from that ordering.
func (s *Schema) RequiredIndex(id string) (int, bool) {
	pos := 0
	for _, stage := range s.Stages {
		if !stage.Required {
			continue
		}
		if stage.ID == id {
			return pos, true
		}
		pos++
	}
	return 0, false
}

// EnforcementMode resolves the effective mode for a stage, honoring
// per-stage overrides before the global default.
func (s *Schema) EnforcementMode(id string) EnforcementMode {
	if mode, ok := s.Enforcement.PerStage[id]; ok {
		return mode
	}
	if s.Enforcement.Mode == "" {
		return ModeRecommended
	}
	return s.Enforcement.Mode
}

func (s *Schema) stageIndex() map[string]int {
	if s.index == nil {
		index := make(map[string]int, len(s.Stages))
		for i, stage := range s.Stages {
			index[stage.ID] = i
		}
		s.index = index
	}
	return s.index
}
