// Package metrics converts collaborator-supplied change data into a work
// significance classification used by conditional gate rules.
package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/stagegate/internal/schema"
)

// Classification thresholds. Fixed by policy, not configurable: gate rules
// carry their own thresholds on top of these buckets.
const (
	minimalMaxLines     = 30
	minimalMaxFiles     = 2
	substantialMinLines = 100
	substantialMinFiles = 5
)

// EntityChange is the per-entity diff stat a provider reports.
type EntityChange struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
	Binary  bool   `json:"binary,omitempty"`
}

// Provider is the host collaborator that measures changes since a reference
// point. Implementations must honor ctx cancellation.
type Provider interface {
	Changes(ctx context.Context, since string, includeUntracked bool) ([]EntityChange, error)
}

// Snapshot is the significance summary attached to an instance and fed to
// the validator.
type Snapshot struct {
	LinesChanged int               `json:"lines_changed"`
	LinesUnit    string            `json:"lines_unit"`
	FilesChanged int               `json:"files_changed"`
	Complexity   schema.Complexity `json:"complexity"`
	Since        string            `json:"since,omitempty"`
	CollectedAt  time.Time         `json:"collected_at"`
	// Raw preserves the per-entity stats the classification came from.
	Raw []EntityChange `json:"raw,omitempty"`
	// Degraded marks a snapshot produced after a provider failure. The
	// enforcement gate treats degraded telemetry as "no significant work":
	// it must default open, not closed.
	Degraded bool `json:"degraded,omitempty"`
}

// Zero returns the defined low-confidence snapshot used when telemetry is
// unavailable.
func Zero(since string) Snapshot {
	return Snapshot{
		LinesUnit:   "lines",
		Complexity:  schema.ComplexityMinimal,
		Since:       since,
		CollectedAt: time.Now().UTC(),
		Degraded:    true,
	}
}

// Classify buckets raw change counts by the fixed thresholds.
func Classify(lines, files int) schema.Complexity {
	switch {
	case lines > substantialMinLines || files > substantialMinFiles:
		return schema.ComplexitySubstantial
	case lines <= minimalMaxLines && files <= minimalMaxFiles:
		return schema.ComplexityMinimal
	default:
		return schema.ComplexityModerate
	}
}

// Collector turns provider output into snapshots, degrading to Zero on any
// provider failure or timeout.
type Collector struct {
	provider Provider
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

// WithTimeout bounds each provider call. Zero disables the extra bound.
func WithTimeout(d time.Duration) CollectorOption {
	return func(c *Collector) { c.timeout = d }
}

// WithLogger attaches a logger; the default discards everything.
func WithLogger(log *zap.Logger) CollectorOption {
	return func(c *Collector) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock overrides the snapshot clock.
func WithClock(clock func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = clock }
}

// DefaultTimeout bounds provider calls unless overridden.
const DefaultTimeout = 5 * time.Second

// NewCollector builds a collector over the given provider.
func NewCollector(provider Provider, opts ...CollectorOption) *Collector {
	c := &Collector{
		provider: provider,
		timeout:  DefaultTimeout,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect measures changes since the reference and classifies them. It never
// returns an error: provider unavailability yields the Zero snapshot.
func (c *Collector) Collect(ctx context.Context, since string, includeUntracked bool) Snapshot {
	if c.provider == nil {
		return Zero(since)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	changes, err := c.provider.Changes(ctx, since, includeUntracked)
	if err != nil {
		c.log.Warn("metrics provider failed, gating on zero snapshot",
			zap.String("since", since),
			zap.Error(err))
		return Zero(since)
	}
	lines := 0
	files := 0
	for _, change := range changes {
		if change.Binary {
			continue
		}
		lines += change.Added + change.Deleted
		files++
	}
	return Snapshot{
		LinesChanged: lines,
		LinesUnit:    "lines",
		FilesChanged: files,
		Complexity:   Classify(lines, files),
		Since:        since,
		CollectedAt:  c.now().UTC(),
		Raw:          changes,
	}
}
