// Package engine assembles the gating components from configuration. It is
// the single construction point hosts embed; the CLI is one such host.
package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kingrea/stagegate/internal/audit"
	"github.com/kingrea/stagegate/internal/config"
	"github.com/kingrea/stagegate/internal/discovery"
	"github.com/kingrea/stagegate/internal/enforce"
	"github.com/kingrea/stagegate/internal/instance"
	"github.com/kingrea/stagegate/internal/metrics"
	"github.com/kingrea/stagegate/internal/schema"
	"github.com/kingrea/stagegate/internal/validate"
)

// Engine bundles the wired components for one governed project.
type Engine struct {
	Schema    *schema.Schema
	Scanner   *discovery.Scanner
	Store     *instance.Store
	Collector *metrics.Collector
	Audit     *audit.Logger
	Enforcer  *enforce.Enforcer
}

// Options tune construction beyond what configuration carries.
type Options struct {
	// Provider overrides the diff collaborator; nil selects the stock git
	// provider rooted at ProjectDir.
	Provider metrics.Provider
	// ProjectDir is the repository the git provider inspects.
	ProjectDir string
	Logger     *zap.Logger
}

// New builds an engine from configuration. Schema and store problems are
// fatal; everything degradable degrades later, per call.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s, err := schema.Load(cfg.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("engine: load schema: %w", err)
	}
	store, err := instance.NewStore(cfg.StoreDir,
		instance.WithLogger(log),
		instance.WithLockTimeout(cfg.LockTimeout))
	if err != nil {
		return nil, fmt.Errorf("engine: open instance store: %w", err)
	}
	scanner := discovery.NewScanner(cfg.StagesDir, discovery.WithLogger(log))

	provider := opts.Provider
	if provider == nil {
		provider = &metrics.GitProvider{Dir: opts.ProjectDir}
	}
	collector := metrics.NewCollector(provider,
		metrics.WithTimeout(cfg.MetricsTimeout),
		metrics.WithLogger(log))

	identity := audit.NewIdentityResolver(
		audit.WithIdentityTimeout(cfg.IdentityTimeout),
		audit.WithWorkDir(opts.ProjectDir))
	auditLog := audit.NewLogger(cfg.AuditPath,
		audit.WithLogger(log),
		audit.WithIdentityResolver(identity))

	validator := validate.New(s, scanner)
	enforcer := enforce.New(s, store, validator, collector, auditLog,
		enforce.WithLogger(log),
		enforce.WithIdentityResolver(identity))

	return &Engine{
		Schema:    s,
		Scanner:   scanner,
		Store:     store,
		Collector: collector,
		Audit:     auditLog,
		Enforcer:  enforcer,
	}, nil
}
