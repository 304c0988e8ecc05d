package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
workflow_name: feature-delivery
version: "1.0"
stages:
  - id: validate
    name: Validate
    type: analysis
    required: true
  - id: design
    name: Design
    type: planning
    required: true
  - id: build
    name: Build
    type: implementation
    required: true
  - id: quality-review
    name: Quality Review
    type: review
    required: false
  - id: release
    name: Release
    type: delivery
    required: true
enforcement:
  mode: recommended
  per_stage_overrides:
    release: strict
workflow_rules:
  - rule_type: sequential_progression
    track_deviations: true
  - rule_type: conditional_requirement
    stage: quality-review
    before_stage: release
    condition:
      min_files_changed: 5
    bypass_allowed: true
`

func TestParseSampleDocument(t *testing.T) {
	s, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	assert.Equal(t, "feature-delivery", s.WorkflowName)
	assert.Len(t, s.Stages, 5)
	assert.Len(t, s.Rules, 2)

	stage, ok := s.Stage("quality-review")
	require.True(t, ok)
	assert.False(t, stage.Required)
	assert.Equal(t, "review", stage.Type)
}

func TestValidateNamesOffendingField(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Schema)
		wantField string
		wantIndex int
	}{
		{
			name:      "missing workflow name",
			mutate:    func(s *Schema) { s.WorkflowName = "" },
			wantField: "workflow_name",
			wantIndex: -1,
		},
		{
			name:      "missing version",
			mutate:    func(s *Schema) { s.Version = "" },
			wantField: "version",
			wantIndex: -1,
		},
		{
			name:      "empty stage list",
			mutate:    func(s *Schema) { s.Stages = nil },
			wantField: "stages",
			wantIndex: -1,
		},
		{
			name:      "stage missing id",
			mutate:    func(s *Schema) { s.Stages[2].ID = "" },
			wantField: "stages",
			wantIndex: 2,
		},
		{
			name:      "stage missing type",
			mutate:    func(s *Schema) { s.Stages[1].Type = "" },
			wantField: "stages",
			wantIndex: 1,
		},
		{
			name:      "duplicate stage id",
			mutate:    func(s *Schema) { s.Stages[3].ID = s.Stages[0].ID },
			wantField: "stages",
			wantIndex: 3,
		},
		{
			name:      "bad global mode",
			mutate:    func(s *Schema) { s.Enforcement.Mode = "mandatory" },
			wantField: "enforcement.mode",
			wantIndex: -1,
		},
		{
			name:      "bad override mode",
			mutate:    func(s *Schema) { s.Enforcement.PerStage = map[string]EnforcementMode{"build": "loose"} },
			wantField: "enforcement.per_stage_overrides.build",
			wantIndex: -1,
		},
		{
			name:      "unknown rule type",
			mutate:    func(s *Schema) { s.Rules[0].Type = "telepathy" },
			wantField: "workflow_rules",
			wantIndex: 0,
		},
		{
			name: "rule references unknown stage",
			mutate: func(s *Schema) {
				s.Rules[1].Stage = "nonexistent"
			},
			wantField: "workflow_rules",
			wantIndex: 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, err := Parse([]byte(sampleDoc))
			require.NoError(t, err)
			tc.mutate(s)
			s.index = nil
			err = s.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.wantField, verr.Field)
			assert.Equal(t, tc.wantIndex, verr.Index)
		})
	}
}

func TestStageIndexIsBijection(t *testing.T) {
	s, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	seen := map[int]string{}
	for _, id := range s.StageIDs() {
		idx, ok := s.StageIndex(id)
		require.True(t, ok, "stage %s has no index", id)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, len(s.Stages))
		prev, dup := seen[idx]
		require.False(t, dup, "index %d assigned to both %s and %s", idx, prev, id)
		seen[idx] = id
	}
	assert.Len(t, seen, len(s.Stages))

	_, ok := s.StageIndex("no-such-stage")
	assert.False(t, ok)
}

func TestRequiredOrderingSkipsOptionalStages(t *testing.T) {
	s, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	required := s.RequiredStages()
	require.Len(t, required, 4)
	assert.Equal(t, "release", required[3].ID)

	idx, ok := s.RequiredIndex("release")
	require.True(t, ok)
	assert.Equal(t, 3, idx)

	_, ok = s.RequiredIndex("quality-review")
	assert.False(t, ok, "optional stage must be absent from the required ordering")
}

func TestEnforcementModeHonorsOverrides(t *testing.T) {
	s, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, s.EnforcementMode("release"))
	assert.Equal(t, ModeRecommended, s.EnforcementMode("build"))
	assert.Equal(t, ModeRecommended, s.EnforcementMode("unknown-stage"))
}

func TestStagesByType(t *testing.T) {
	s, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	reviews := s.StagesByType("review")
	require.Len(t, reviews, 1)
	assert.Equal(t, "quality-review", reviews[0].ID)
	assert.Empty(t, s.StagesByType("no-such-type"))
}

func TestComplexityAtLeast(t *testing.T) {
	assert.True(t, ComplexitySubstantial.AtLeast(ComplexityModerate))
	assert.True(t, ComplexityModerate.AtLeast(ComplexityModerate))
	assert.False(t, ComplexityMinimal.AtLeast(ComplexityModerate))
	assert.False(t, Complexity("wild").AtLeast(ComplexityMinimal))
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "workflow.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().WorkflowName, s.WorkflowName)
}

func TestLoadRejectsInvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workflow_name: x\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDefaultSchemaValidates(t *testing.T) {
	s := Default()
	require.NotEmpty(t, s.Stages)
	assert.Equal(t, ModeStrict, s.EnforcementMode("release"))
}
