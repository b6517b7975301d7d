package tracking

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/boardwise/convoctx/convoctx/config"
	"github.com/boardwise/convoctx/convoctx/logging"
)

// Factory creates and wires tracking components from configuration. It is
// the composition root: nothing in this package holds global instances.
type Factory struct {
	cfg    *config.Config
	db     *sql.DB
	logger zerolog.Logger
}

// NewFactory creates a factory over an open database handle.
func NewFactory(cfg *config.Config, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, db: db, logger: logger}
}

// NewFactoryFromConfig is NewFactory with the root logger built from the
// configuration's logging section.
func NewFactoryFromConfig(cfg *config.Config, db *sql.DB) *Factory {
	return NewFactory(cfg, db, logging.New(cfg.Logging))
}

// CreateSystem builds a fully wired System. The caller owns starting the
// scheduler (System.Start) and shutdown (System.Destroy).
func (f *Factory) CreateSystem() (*System, error) {
	rules, err := f.createRules()
	if err != nil {
		return nil, err
	}
	provider := NewRuleProvider(rules)

	store := NewLibSQLSessionStore(f.db)
	cache := NewSessionCache(f.cfg.Cache.MaxSessions, f.cfg.Cache.TTL)
	window := f.cfg.Analysis.RecentHistoryWindow
	history := NewHistoryManager(store, cache, provider, f.cfg.Analysis.RelevanceFloor, window, f.logger)

	policy := CleanupPolicy{
		MemoryTTL:          f.cfg.Lifecycle.MemoryTTL,
		DatabaseTTL:        f.cfg.Lifecycle.DatabaseTTL,
		MaxSessionsPerUser: f.cfg.Lifecycle.MaxSessionsPerUser,
		CleanupInterval:    f.cfg.Lifecycle.CleanupInterval,
		Concurrency:        f.cfg.Lifecycle.CleanupConcurrency,
	}
	sessions := NewSessionManager(store, cache, history, policy, f.logger)

	deps := SystemDeps{
		History:      history,
		Analyzer:     NewContextAnalyzer(provider, f.cfg.Analysis.ResearchThreshold, window, f.logger),
		Intents:      NewIntentRecognizer(provider, window, f.logger),
		Validator:    NewConsistencyValidator(provider, f.logger),
		Recovery:     NewErrorRecoverySystem(provider, f.logger),
		Sessions:     sessions,
		Cache:        cache,
		Rules:        provider,
		StoreTimeout: f.cfg.Database.QueryTimeout,
	}

	return NewSystem(deps, f.logger), nil
}

// CreateRulesWatcher builds the optional hot-reload watcher for an external
// rule table. Returns nil when no external rules are configured.
func (f *Factory) CreateRulesWatcher(provider *RuleProvider) (*RulesWatcher, error) {
	if f.cfg.Analysis.RulesPath == "" || !f.cfg.Analysis.WatchRules {
		return nil, nil
	}
	return NewRulesWatcher(f.cfg.Analysis.RulesPath, provider, f.logger)
}

func (f *Factory) createRules() (*Rules, error) {
	if f.cfg.Analysis.RulesPath == "" {
		return DefaultRules(), nil
	}
	rules, err := LoadRules(f.cfg.Analysis.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("factory: %w", err)
	}
	return rules, nil
}
