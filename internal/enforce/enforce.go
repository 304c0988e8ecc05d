// Package enforce applies per-stage enforcement policy to validation
// results, producing the allow/block decision the host acts on.
package enforce

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kingrea/stagegate/internal/audit"
	"github.com/kingrea/stagegate/internal/instance"
	"github.com/kingrea/stagegate/internal/metrics"
	"github.com/kingrea/stagegate/internal/schema"
	"github.com/kingrea/stagegate/internal/validate"
)

// DefaultSkipReason is recorded when optional mode allows a deviation
// without the caller supplying one.
const DefaultSkipReason = "no reason provided (optional enforcement)"

// Request asks for one stage transition to be enforced.
type Request struct {
	// InstanceID selects the workflow run. Empty means "start a fresh run
	// of the schema's workflow": the instance is created on this call.
	InstanceID string
	// Title labels a freshly created instance; ignored otherwise.
	Title       string
	TargetStage string
	// Reason justifies a deviation (recommended mode) or an override
	// (strict mode with Force).
	Reason string
	Force  bool
	// User overrides identity resolution; empty falls back to the resolver.
	User string
	// MetricsSince is the diff reference handed to the metrics provider.
	MetricsSince     string
	IncludeUntracked bool
}

// Decision is the structured outcome of one enforcement call.
type Decision struct {
	Allowed        bool                `json:"allowed"`
	Message        string              `json:"message"`
	RequiresReason bool                `json:"requires_reason,omitempty"`
	InstanceID     string              `json:"instance_id"`
	Result         validate.Result     `json:"validation_result"`
	Deviation      *instance.Deviation `json:"deviation,omitempty"`
}

// Enforcer runs the full gate: metrics, validation, mode policy, deviation
// recording, and the audit trail for overrides.
type Enforcer struct {
	schema    *schema.Schema
	store     *instance.Store
	validator *validate.Validator
	collector *metrics.Collector
	audit     *audit.Logger
	identity  *audit.IdentityResolver
	log       *zap.Logger
}

// Option customizes an Enforcer.
type Option func(*Enforcer)

// WithLogger attaches a logger; the default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(e *Enforcer) {
		if log != nil {
			e.log = log
		}
	}
}

// WithIdentityResolver overrides acting-user resolution.
func WithIdentityResolver(r *audit.IdentityResolver) Option {
	return func(e *Enforcer) {
		if r != nil {
			e.identity = r
		}
	}
}

// New wires an enforcer from its collaborators.
func New(s *schema.Schema, store *instance.Store, validator *validate.Validator, collector *metrics.Collector, auditLog *audit.Logger, opts ...Option) *Enforcer {
	e := &Enforcer{
		schema:    s,
		store:     store,
		validator: validator,
		collector: collector,
		audit:     auditLog,
		identity:  audit.NewIdentityResolver(),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enforce loads (or creates) the instance, measures work significance
// best-effort, validates the requested transition, and applies the
// effective enforcement mode. Only the final decision commits writes;
// callers that abandon a check early leave no partial side effects.
func (e *Enforcer) Enforce(ctx context.Context, req Request) (Decision, error) {
	if req.TargetStage == "" {
		return Decision{}, fmt.Errorf("enforce: target stage is required")
	}
	user := req.User
	if user == "" {
		user = e.identity.Resolve()
	}

	inst, err := e.loadOrCreate(req, user)
	if err != nil {
		return Decision{}, err
	}

	snap := e.collector.Collect(ctx, req.MetricsSince, req.IncludeUntracked)
	if updated, err := e.store.SetMetrics(inst.ID, snap); err == nil {
		inst = updated
	} else {
		// Snapshot persistence is best-effort; the decision still uses it.
		e.log.Warn("could not persist metrics snapshot",
			zap.String("instance_id", inst.ID), zap.Error(err))
	}

	result, err := e.validator.ValidateTransition(inst, req.TargetStage, snap)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{InstanceID: inst.ID, Result: result}
	if v, ok := findViolation(result, validate.KindUnknownStage); ok {
		// Not overridable in any mode: the stage does not exist.
		decision.Message = fmt.Sprintf("transition to %q blocked: %s", req.TargetStage, v.Message)
		e.logDecision(decision, req, result.Mode)
		return decision, nil
	}
	if result.Clean() {
		if err := e.completeStage(inst.ID, req.TargetStage); err != nil {
			return Decision{}, err
		}
		decision.Allowed = true
		decision.Message = fmt.Sprintf("transition to %q allowed", req.TargetStage)
		e.logDecision(decision, req, result.Mode)
		return decision, nil
	}

	switch result.Mode {
	case schema.ModeStrict:
		decision, err = e.enforceStrict(inst, req, user, result, decision)
	case schema.ModeOptional:
		decision, err = e.enforceOptional(inst, req, user, result, decision)
	default:
		decision, err = e.enforceRecommended(inst, req, user, result, decision)
	}
	if err != nil {
		return Decision{}, err
	}
	e.logDecision(decision, req, result.Mode)
	return decision, nil
}

func (e *Enforcer) loadOrCreate(req Request, user string) (*instance.Instance, error) {
	if req.InstanceID != "" {
		return e.store.Load(req.InstanceID)
	}
	return e.store.Create(e.schema.WorkflowName, req.Title, user, nil)
}

// enforceStrict blocks unless forced with a screened justification.
func (e *Enforcer) enforceStrict(inst *instance.Instance, req Request, user string, result validate.Result, decision Decision) (Decision, error) {
	if !req.Force {
		decision.Message = blockedMessage(req.TargetStage, result, true)
		return decision, nil
	}
	if err := audit.ValidateJustification(req.Reason); err != nil {
		decision.RequiresReason = true
		decision.Message = fmt.Sprintf("override rejected: %v", err)
		return decision, nil
	}
	dev := e.classifyDeviation(req, user, result)
	updated, err := e.store.AddDeviation(inst.ID, dev)
	if err != nil {
		return Decision{}, err
	}
	if _, err := e.audit.Log(audit.KindBypass, req.Reason, map[string]string{
		"instance_id": inst.ID,
		"stage":       req.TargetStage,
		"mode":        string(result.Mode),
		"class":       string(dev.Class),
	}); err != nil {
		return Decision{}, err
	}
	if err := e.completeStage(updated.ID, req.TargetStage); err != nil {
		return Decision{}, err
	}
	decision.Allowed = true
	decision.Deviation = &dev
	decision.Message = fmt.Sprintf("override accepted: transition to %q allowed and audited", req.TargetStage)
	return decision, nil
}

// enforceRecommended blocks until the caller either follows the order or
// supplies a reason for the deviation.
func (e *Enforcer) enforceRecommended(inst *instance.Instance, req Request, user string, result validate.Result, decision Decision) (Decision, error) {
	if strings.TrimSpace(req.Reason) == "" {
		decision.RequiresReason = true
		decision.Message = blockedMessage(req.TargetStage, result, false)
		return decision, nil
	}
	dev := e.classifyDeviation(req, user, result)
	if _, err := e.store.AddDeviation(inst.ID, dev); err != nil {
		return Decision{}, err
	}
	if err := e.completeStage(inst.ID, req.TargetStage); err != nil {
		return Decision{}, err
	}
	decision.Allowed = true
	decision.Deviation = &dev
	decision.Message = fmt.Sprintf("transition to %q allowed with recorded deviation", req.TargetStage)
	return decision, nil
}

// enforceOptional always allows, always records the deviation.
func (e *Enforcer) enforceOptional(inst *instance.Instance, req Request, user string, result validate.Result, decision Decision) (Decision, error) {
	if req.Reason == "" {
		req.Reason = DefaultSkipReason
	}
	dev := e.classifyDeviation(req, user, result)
	if _, err := e.store.AddDeviation(inst.ID, dev); err != nil {
		return Decision{}, err
	}
	if err := e.completeStage(inst.ID, req.TargetStage); err != nil {
		return Decision{}, err
	}
	decision.Allowed = true
	decision.Deviation = &dev
	decision.Message = fmt.Sprintf("transition to %q allowed (optional enforcement)", req.TargetStage)
	return decision, nil
}

func (e *Enforcer) completeStage(id, stage string) error {
	_, err := e.store.MarkStageCompleted(id, stage, nil)
	return err
}

// classifyDeviation picks the class by priority: forward skip, then
// backward movement, then a triggered gate, then unknown.
func (e *Enforcer) classifyDeviation(req Request, user string, result validate.Result) instance.Deviation {
	class := instance.DeviationUnknown
	switch {
	case len(result.SkippedStages) > 0:
		class = instance.DeviationSkipForward
	case hasWarning(result, validate.KindBackwardMovement):
		class = instance.DeviationSkipBackward
	case result.RequiredStage != "":
		class = instance.DeviationGateSkip
	}
	var from string
	for _, w := range result.Warnings {
		if w.FromStage != "" {
			from = w.FromStage
			break
		}
	}
	return instance.Deviation{
		Class:         class,
		FromStage:     from,
		ToStage:       req.TargetStage,
		SkippedStages: result.SkippedStages,
		Reason:        req.Reason,
		Mode:          result.Mode,
		User:          user,
	}
}

func findViolation(result validate.Result, kind validate.IssueKind) (validate.Violation, bool) {
	for _, v := range result.Violations {
		if v.Kind == kind {
			return v, true
		}
	}
	return validate.Violation{}, false
}

func hasWarning(result validate.Result, kind validate.IssueKind) bool {
	for _, w := range result.Warnings {
		if w.Kind == kind {
			return true
		}
	}
	return false
}

// blockedMessage enumerates every issue plus what the caller can do next.
// Blocking outcomes are never bare failures.
func blockedMessage(target string, result validate.Result, strict bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "transition to %q blocked:\n", target)
	for _, v := range result.Violations {
		fmt.Fprintf(&b, "  - %s\n", v.Message)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(&b, "  - %s\n", w.Message)
	}
	if result.RequiredStage != "" {
		fmt.Fprintf(&b, "complete stage %q first.\n", result.RequiredStage)
	}
	if strict {
		fmt.Fprintf(&b, "to override: rerun with --force --reason \"<justification, %d+ characters>\"", audit.MinJustificationLength)
	} else {
		b.WriteString("either follow the stage order, or rerun with --reason \"<why>\" to skip with a recorded deviation")
	}
	return b.String()
}

func (e *Enforcer) logDecision(d Decision, req Request, mode schema.EnforcementMode) {
	e.log.Info("enforcement decision",
		zap.String("instance_id", d.InstanceID),
		zap.String("target_stage", req.TargetStage),
		zap.String("mode", string(mode)),
		zap.Bool("allowed", d.Allowed),
		zap.Bool("forced", req.Force))
}
