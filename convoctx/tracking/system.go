package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// System is the facade the answer orchestrator talks to: one analyze cycle
// before generating an answer, one update cycle after.
type System struct {
	history   *HistoryManager
	analyzer  *ContextAnalyzer
	intents   *IntentRecognizer
	validator *ConsistencyValidator
	recovery  *ErrorRecoverySystem
	sessions  *SessionManager
	cache     *SessionCache
	ctxLog    *ContextLogger
	rules     *RuleProvider
	logger    zerolog.Logger

	// storeTimeout bounds each store-backed call so a stalled store cannot
	// hang an analysis cycle.
	storeTimeout time.Duration
}

// SystemDeps carries the constructor-injected components.
type SystemDeps struct {
	History   *HistoryManager
	Analyzer  *ContextAnalyzer
	Intents   *IntentRecognizer
	Validator *ConsistencyValidator
	Recovery  *ErrorRecoverySystem
	Sessions  *SessionManager
	Cache     *SessionCache
	Rules     *RuleProvider

	StoreTimeout time.Duration
}

// NewSystem composes the facade. Usually built through the Factory.
func NewSystem(deps SystemDeps, logger zerolog.Logger) *System {
	timeout := deps.StoreTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &System{
		history:      deps.History,
		analyzer:     deps.Analyzer,
		intents:      deps.Intents,
		validator:    deps.Validator,
		recovery:     deps.Recovery,
		sessions:     deps.Sessions,
		cache:        deps.Cache,
		ctxLog:       NewContextLogger(),
		rules:        deps.Rules,
		logger:       logger.With().Str("component", "system").Logger(),
		storeTimeout: timeout,
	}
}

// ConversationAnalysis bundles one analyze cycle.
type ConversationAnalysis struct {
	Context          *ConversationContext `json:"context"`
	ContextAnalysis  ContextAnalysis      `json:"context_analysis"`
	IntentAnalysis   IntentAnalysis       `json:"intent_analysis"`
	ConsistencyCheck *ConsistencyCheck    `json:"consistency_check,omitempty"`
	ErrorDetection   ErrorDetection       `json:"error_detection"`
}

// AnalyzeConversation runs the per-turn analysis pipeline: context fetch,
// topic/reference analysis, intent recognition, a consistency pre-check when
// history exists, and correction detection. Only the context fetch can fail;
// every analyzer degrades to a safe default on its own.
func (s *System) AnalyzeConversation(ctx context.Context, sessionID, question, topicHint string) (*ConversationAnalysis, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	cctx, err := s.history.GetContext(storeCtx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("system: %w", err)
	}
	if cctx == nil {
		topic := topicHint
		if topic == "" {
			topic = GeneralTopic
		}
		cctx = &ConversationContext{
			SessionID:      sessionID,
			CurrentTopic:   topic,
			TopicStartTurn: 1,
		}
	}

	contextAnalysis := s.analyzer.AnalyzeContext(question, cctx.QuestionHistory)
	intentAnalysis := s.intents.RecognizeIntent(question, cctx)

	var consistency *ConsistencyCheck
	if len(cctx.QuestionHistory) > 0 {
		// Pre-check with no candidate answer yet: surfaces the context the
		// validator will use once the generated answer arrives.
		check := s.validator.ValidateConsistency("", cctx)
		consistency = &check
	}

	detection := s.recovery.DetectUserCorrection(question, intentAnalysis)

	s.ctxLog.Record(ContextLog{
		SessionID:        sessionID,
		Turn:             len(cctx.QuestionHistory) + 1,
		ContextAccuracy:  contextAnalysis.Confidence,
		IntentConfidence: intentAnalysis.Confidence,
		ErrorDetected:    detection.IsCorrection,
		Timestamp:        time.Now(),
	})

	return &ConversationAnalysis{
		Context:          cctx,
		ContextAnalysis:  contextAnalysis,
		IntentAnalysis:   intentAnalysis,
		ConsistencyCheck: consistency,
		ErrorDetection:   detection,
	}, nil
}

// ValidateAnswer checks a freshly generated answer against the session's
// history before the orchestrator finalizes it.
func (s *System) ValidateAnswer(ctx context.Context, sessionID, answer string) (ConsistencyCheck, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	cctx, err := s.history.GetContext(storeCtx, sessionID)
	if err != nil {
		return ConsistencyCheck{}, fmt.Errorf("system: %w", err)
	}
	return s.validator.ValidateConsistency(answer, cctx), nil
}

// UpdateConversationHistory appends the completed turn. The turn number is
// assigned inside the history manager, under its per-session lock.
func (s *System) UpdateConversationHistory(ctx context.Context, sessionID, question, answer string, contextAnalysis ContextAnalysis, intentAnalysis IntentAnalysis, wasResearched bool) error {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	item := QuestionHistoryItem{
		Question:        question,
		Answer:          answer,
		Topic:           contextAnalysis.CurrentTopic,
		Confidence:      contextAnalysis.Confidence,
		WasResearched:   wasResearched,
		ContextAnalysis: &contextAnalysis,
		IntentAnalysis:  &intentAnalysis,
	}

	if _, err := s.history.UpdateContext(storeCtx, sessionID, item); err != nil {
		return fmt.Errorf("system: %w", err)
	}
	return nil
}

// Sessions exposes lifecycle operations (restore, archive, caps).
func (s *System) Sessions() *SessionManager { return s.sessions }

// History exposes history queries (relevant-history scoring).
func (s *System) History() *HistoryManager { return s.history }

// Rules exposes the active rule provider, e.g. to attach a hot-reload
// watcher.
func (s *System) Rules() *RuleProvider { return s.rules }

// SystemStatus aggregates component health for the status endpoint.
type SystemStatus struct {
	Cache        CacheStats    `json:"cache"`
	Logger       LoggerMetrics `json:"logger"`
	Policy       CleanupPolicy `json:"policy"`
	RulesVersion string        `json:"rules_version"`
}

// Status reports cache statistics, rolling quality metrics, and the active
// lifecycle policy.
func (s *System) Status() SystemStatus {
	return SystemStatus{
		Cache:        s.cache.Stats(),
		Logger:       s.ctxLog.Metrics(),
		Policy:       s.sessions.Policy(),
		RulesVersion: s.rules.Current().Version(),
	}
}

// Start launches the background cleanup scheduler.
func (s *System) Start(ctx context.Context) {
	s.sessions.Start(ctx)
}

// Cleanup runs one expired-session sweep and purges expired cache entries.
func (s *System) Cleanup(ctx context.Context) CleanupReport {
	report := s.sessions.CleanupExpiredSessions(ctx)
	report.CachePurged += s.cache.Cleanup()
	return report
}

// Destroy stops the scheduler and drops all cached state. The durable store
// is left untouched.
func (s *System) Destroy() {
	s.sessions.Stop()
	s.cache.Clear()
	s.logger.Info().Msg("conversation context system shut down")
}
