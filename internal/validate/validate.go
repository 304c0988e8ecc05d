// Package validate evaluates schema rules against a workflow instance and a
// requested target stage. It produces values, never policy: deciding what
// to do with a violation is the enforcer's job.
package validate

import (
	"fmt"
	"strings"

	"github.com/kingrea/stagegate/internal/discovery"
	"github.com/kingrea/stagegate/internal/instance"
	"github.com/kingrea/stagegate/internal/metrics"
	"github.com/kingrea/stagegate/internal/schema"
)

// IssueKind tags the variant of a violation or warning.
type IssueKind string

const (
	KindUnknownStage     IssueKind = "unknown_stage"
	KindSkippedStages    IssueKind = "skipped_stages"
	KindBackwardMovement IssueKind = "backward_movement"
	KindGateRequired     IssueKind = "gate_required"
)

// Violation blocks a transition under strict enforcement.
type Violation struct {
	Kind      IssueKind `json:"kind"`
	Stage     string    `json:"stage"`
	GateStage string    `json:"gate_stage,omitempty"`
	Message   string    `json:"message"`
}

// Warning flags a transition without inherently blocking it.
type Warning struct {
	Kind      IssueKind `json:"kind"`
	FromStage string    `json:"from_stage,omitempty"`
	ToStage   string    `json:"to_stage"`
	Skipped   []string  `json:"skipped,omitempty"`
	Message   string    `json:"message"`
}

// Result is the outcome of validating one requested transition.
type Result struct {
	Valid         bool                   `json:"valid"`
	Violations    []Violation            `json:"violations,omitempty"`
	Warnings      []Warning              `json:"warnings,omitempty"`
	RequiredStage string                 `json:"required_stage,omitempty"`
	SkippedStages []string               `json:"skipped_stages,omitempty"`
	Mode          schema.EnforcementMode `json:"enforcement_mode"`
}

// Clean reports whether the transition raised no issues at all.
func (r Result) Clean() bool {
	return len(r.Violations) == 0 && len(r.Warnings) == 0 && r.RequiredStage == ""
}

// Validator checks transitions against one schema and the discovered stage
// tree.
type Validator struct {
	schema  *schema.Schema
	scanner *discovery.Scanner
}

// New builds a validator over the given schema and stage scanner.
func New(s *schema.Schema, scanner *discovery.Scanner) *Validator {
	return &Validator{schema: s, scanner: scanner}
}

// ValidateTransition evaluates every schema rule relevant to moving inst to
// targetStage given the supplied significance metrics. Discovery I/O
// failures propagate; everything else comes back as a Result.
func (v *Validator) ValidateTransition(inst *instance.Instance, targetStage string, snap metrics.Snapshot) (Result, error) {
	result := Result{Mode: v.schema.EnforcementMode(targetStage)}

	if _, ok := v.schema.Stage(targetStage); !ok {
		result.Violations = append(result.Violations, Violation{
			Kind:    KindUnknownStage,
			Stage:   targetStage,
			Message: fmt.Sprintf("stage %q is not defined in workflow %s", targetStage, v.schema.WorkflowName),
		})
		return result, nil
	}
	present, err := v.scanner.Exists(targetStage)
	if err != nil {
		return Result{}, err
	}
	if !present {
		result.Violations = append(result.Violations, Violation{
			Kind:    KindUnknownStage,
			Stage:   targetStage,
			Message: fmt.Sprintf("stage %q has no stage directory on disk", targetStage),
		})
		return result, nil
	}

	for _, rule := range v.schema.Rules {
		switch rule.Type {
		case schema.RuleSequentialProgression:
			v.checkSequence(inst, targetStage, &result)
		case schema.RuleConditionalRequirement:
			if result.RequiredStage != "" {
				// First triggered gate in schema order wins.
				continue
			}
			v.checkGate(inst, targetStage, rule, snap, &result)
		}
	}

	result.Valid = len(result.Violations) == 0
	return result, nil
}

// checkSequence compares the target position against the furthest completed
// position within the required-stage ordering, falling back to the full
// ordering when the target is optional and absent from it.
func (v *Validator) checkSequence(inst *instance.Instance, targetStage string, result *Result) {
	ordering := v.requiredOrdering()
	targetIdx, ok := indexOf(ordering, targetStage)
	if !ok {
		ordering = v.schema.StageIDs()
		targetIdx, ok = indexOf(ordering, targetStage)
		if !ok {
			return
		}
	}
	currentIdx := -1
	for _, completed := range inst.CompletedStageIDs() {
		if idx, ok := indexOf(ordering, completed); ok && idx > currentIdx {
			currentIdx = idx
		}
	}

	switch {
	case targetIdx > currentIdx+1:
		skipped := ordering[currentIdx+1 : targetIdx]
		result.SkippedStages = append([]string{}, skipped...)
		result.Warnings = append(result.Warnings, Warning{
			Kind:      KindSkippedStages,
			FromStage: inst.CurrentStage,
			ToStage:   targetStage,
			Skipped:   result.SkippedStages,
			Message: fmt.Sprintf("moving to %q skips: %s",
				targetStage, strings.Join(skipped, ", ")),
		})
	case targetIdx < currentIdx:
		result.Warnings = append(result.Warnings, Warning{
			Kind:      KindBackwardMovement,
			FromStage: inst.CurrentStage,
			ToStage:   targetStage,
			Message: fmt.Sprintf("moving from %q back to %q revisits completed work",
				inst.CurrentStage, targetStage),
		})
	}
}

// checkGate evaluates one conditional_requirement rule whose before_stage
// matches the target.
func (v *Validator) checkGate(inst *instance.Instance, targetStage string, rule schema.Rule, snap metrics.Snapshot, result *Result) {
	if rule.BeforeStage != targetStage {
		return
	}
	if inst.HasCompleted(rule.Stage) {
		return
	}
	trigger, detail := conditionMet(rule.Condition, snap)
	if !trigger {
		return
	}
	result.RequiredStage = rule.Stage
	result.Violations = append(result.Violations, Violation{
		Kind:      KindGateRequired,
		Stage:     targetStage,
		GateStage: rule.Stage,
		Message: fmt.Sprintf("stage %q is required before %q: %s",
			rule.Stage, targetStage, detail),
	})
}

// conditionMet checks the condition thresholds (any one suffices) and
// describes which one fired.
func conditionMet(cond schema.Condition, snap metrics.Snapshot) (bool, string) {
	if cond.Empty() {
		return true, "stage is unconditionally required"
	}
	unit := snap.LinesUnit
	if unit == "" {
		unit = "lines"
	}
	if cond.MinLinesChanged > 0 && snap.LinesChanged >= cond.MinLinesChanged {
		return true, fmt.Sprintf("%d %s changed (threshold %d)", snap.LinesChanged, unit, cond.MinLinesChanged)
	}
	if cond.MinFilesChanged > 0 && snap.FilesChanged >= cond.MinFilesChanged {
		return true, fmt.Sprintf("%d files changed (threshold %d)", snap.FilesChanged, cond.MinFilesChanged)
	}
	if cond.MinComplexity != "" && snap.Complexity.AtLeast(cond.MinComplexity) {
		return true, fmt.Sprintf("work complexity is %s (threshold %s)", snap.Complexity, cond.MinComplexity)
	}
	return false, ""
}

func (v *Validator) requiredOrdering() []string {
	required := v.schema.RequiredStages()
	ids := make([]string, 0, len(required))
	for _, stage := range required {
		ids = append(ids, stage.ID)
	}
	return ids
}

func indexOf(ordering []string, id string) (int, bool) {
	for i, candidate := range ordering {
		if candidate == id {
			return i, true
		}
	}
	return 0, false
}
