// Package instance persists the state of workflow runs. Records live under
// one of three locations (active, completed, abandoned) keyed by instance
// id, with a companion append-only event log per instance for crash
// recovery.
package instance

import (
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/stagegate/internal/metrics"
	"github.com/kingrea/stagegate/internal/schema"
)

// Status is the lifecycle state of an instance. Transitions are
// one-directional: in_progress may become completed or abandoned, and the
// terminal states are immutable.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

// Terminal reports whether the status permits no further mutation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// ErrNotFound is returned when an instance id exists in none of the three
// store locations.
var ErrNotFound = errors.New("instance: not found")

// ErrTerminal is returned when a mutation targets a completed or abandoned
// instance.
var ErrTerminal = errors.New("instance: record is terminal")

// DeviationClass categorizes a departure from the expected stage order.
type DeviationClass string

const (
	DeviationSkipForward  DeviationClass = "skip_forward"
	DeviationSkipBackward DeviationClass = "skip_backward"
	DeviationGateSkip     DeviationClass = "gate_skip"
	DeviationUnknown      DeviationClass = "unknown"
)

// Deviation records one departure from the expected stage order.
type Deviation struct {
	Timestamp     time.Time              `json:"timestamp"`
	Class         DeviationClass         `json:"class"`
	FromStage     string                 `json:"from_stage,omitempty"`
	ToStage       string                 `json:"to_stage"`
	SkippedStages []string               `json:"skipped_stages,omitempty"`
	Reason        string                 `json:"reason"`
	Mode          schema.EnforcementMode `json:"enforcement_mode"`
	User          string                 `json:"user,omitempty"`
}

// CompletedStage is one entry of an instance's ordered completion list.
type CompletedStage struct {
	StageID     string        `json:"stage_id"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// Instance is one workflow run.
type Instance struct {
	ID              string            `json:"id"`
	WorkflowType    string            `json:"workflow_type"`
	Status          Status            `json:"status"`
	Title           string            `json:"title,omitempty"`
	CurrentStage    string            `json:"current_stage,omitempty"`
	CompletedStages []CompletedStage  `json:"completed_stages,omitempty"`
	Deviations      []Deviation       `json:"deviations,omitempty"`
	Metrics         *metrics.Snapshot `json:"metrics,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	CreatedBy       string            `json:"created_by,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	AbandonedAt     *time.Time        `json:"abandoned_at,omitempty"`
	AbandonReason   string            `json:"abandon_reason,omitempty"`
}

// HasCompleted reports whether the stage appears in the completion list.
func (inst *Instance) HasCompleted(stageID string) bool {
	for _, entry := range inst.CompletedStages {
		if entry.StageID == stageID {
			return true
		}
	}
	return false
}

// CompletedStageIDs returns the completion list in order.
func (inst *Instance) CompletedStageIDs() []string {
	ids := make([]string, 0, len(inst.CompletedStages))
	for _, entry := range inst.CompletedStages {
		ids = append(ids, entry.StageID)
	}
	return ids
}

// Validate checks structural invariants before a record is persisted.
func (inst *Instance) Validate() error {
	if inst.ID == "" {
		return fmt.Errorf("instance: id is required")
	}
	if inst.WorkflowType == "" {
		return fmt.Errorf("instance %s: workflow type is required", inst.ID)
	}
	switch inst.Status {
	case StatusInProgress, StatusCompleted, StatusAbandoned:
	default:
		return fmt.Errorf("instance %s: unknown status %q", inst.ID, inst.Status)
	}
	seen := map[string]struct{}{}
	for _, entry := range inst.CompletedStages {
		if entry.StageID == "" {
			return fmt.Errorf("instance %s: completed stage with empty id", inst.ID)
		}
		if _, dup := seen[entry.StageID]; dup {
			return fmt.Errorf("instance %s: stage %s completed twice", inst.ID, entry.StageID)
		}
		seen[entry.StageID] = struct{}{}
	}
	return nil
}
