package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HistoryManager reads and writes conversation contexts through the session
// cache, with the durable store as backing. Updates for the same session are
// serialized by a keyed mutex so turn numbers stay gapless under concurrent
// requests.
type HistoryManager struct {
	store  SessionStore
	cache  *SessionCache
	rules  *RuleProvider
	logger zerolog.Logger

	relevanceFloor float64
	recentWindow   int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// NewHistoryManager wires a history manager. Non-positive relevanceFloor and
// recentWindow fall back to the defaults.
func NewHistoryManager(store SessionStore, cache *SessionCache, rules *RuleProvider, relevanceFloor float64, recentWindow int, logger zerolog.Logger) *HistoryManager {
	if relevanceFloor <= 0 {
		relevanceFloor = 0.3
	}
	if recentWindow <= 0 {
		recentWindow = defaultRecentWindow
	}
	return &HistoryManager{
		store:          store,
		cache:          cache,
		rules:          rules,
		logger:         logger.With().Str("component", "history").Logger(),
		relevanceFloor: relevanceFloor,
		recentWindow:   recentWindow,
		locks:          make(map[string]*sync.Mutex),
		now:            time.Now,
	}
}

// GetContext returns the session's context, cache first, store on a miss.
// The result is always a private copy, never a pointer shared with the
// cache, so concurrent readers and updaters of one session cannot race.
// A session that does not exist yields (nil, nil): absence is not an error.
func (m *HistoryManager) GetContext(ctx context.Context, sessionID string) (*ConversationContext, error) {
	if cached, ok := m.cache.Get(sessionID); ok {
		return cached, nil
	}

	row, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if row == nil {
		return nil, nil
	}

	historyRows, err := m.store.ListHistory(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	// Cache a separate copy: the returned context stays private to the
	// caller, who may mutate it before writing it back.
	cctx := contextFromRows(row, historyRows, m.logger)
	m.cache.Set(sessionID, cctx.Clone())
	return cctx, nil
}

// UpdateContext appends one turn. The turn number is assigned here, under
// the per-session lock, as history length + 1; any TurnNumber on the input
// item is overwritten. Both persistence writes must succeed before the cache
// is touched, otherwise the cache would diverge from the store.
func (m *HistoryManager) UpdateContext(ctx context.Context, sessionID string, item QuestionHistoryItem) (*QuestionHistoryItem, error) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	cctx, err := m.GetContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if cctx == nil {
		cctx, err = m.createSession(ctx, sessionID, item, now)
		if err != nil {
			return nil, err
		}
	}

	item.TurnNumber = len(cctx.QuestionHistory) + 1
	item.ID = fmt.Sprintf("%s_%d", sessionID, item.TurnNumber)
	if item.Timestamp.IsZero() {
		item.Timestamp = now
	}

	change := m.DetectTopicChange(item.Question, cctx)
	topic := cctx.CurrentTopic
	topicStart := cctx.TopicStartTurn
	if change.Changed {
		topic = change.NewTopic
		topicStart = item.TurnNumber
		m.logger.Debug().
			Str("session_id", sessionID).
			Str("old_topic", cctx.CurrentTopic).
			Str("new_topic", topic).
			Float64("confidence", change.Confidence).
			Msg("topic change detected")
	}

	update := SessionUpdate{
		CurrentTopic:   topic,
		GameContext:    topic,
		TopicStartTurn: topicStart,
		UpdatedAt:      now,
	}
	if err := m.store.UpdateSession(ctx, sessionID, update); err != nil {
		m.logger.Error().Err(err).Str("session_id", sessionID).Msg("session update failed")
		return nil, fmt.Errorf("history: %w", err)
	}

	row, err := historyRowFromItem(sessionID, item)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if err := m.store.InsertHistory(ctx, row); err != nil {
		m.logger.Error().Err(err).Str("session_id", sessionID).Int("turn", item.TurnNumber).Msg("history insert failed")
		return nil, fmt.Errorf("history: %w", err)
	}

	cctx.CurrentTopic = topic
	cctx.TopicStartTurn = topicStart
	cctx.QuestionHistory = append(cctx.QuestionHistory, item)
	cctx.LastUpdated = now
	m.cache.Set(sessionID, cctx)

	return &item, nil
}

// DetectTopicChange decides whether a question moves the session to a new
// topic. Precedence: a known topic keyword absent from the current topic
// (0.8), zero keyword overlap with the recent turns (0.6), otherwise
// continuity (0.9).
func (m *HistoryManager) DetectTopicChange(question string, cctx *ConversationContext) TopicChange {
	rules := m.rules.Current()

	if name, ok := rules.matchTopic(question); ok && name != cctx.CurrentTopic {
		return TopicChange{Changed: true, NewTopic: name, Confidence: 0.8}
	}

	keywords := rules.ExtractKeywords(question)
	recent := lastItems(cctx.QuestionHistory, m.recentWindow)
	if len(keywords) >= 1 && len(recent) > 0 {
		overlap := 0
		for _, it := range recent {
			overlap += overlapCount(keywords, rules.ExtractKeywords(it.Question))
		}
		if overlap == 0 {
			return TopicChange{Changed: true, NewTopic: keywords[0], Confidence: 0.6}
		}
	}

	return TopicChange{Changed: false, NewTopic: cctx.CurrentTopic, Confidence: 0.9}
}

// RelevantHistory scores every turn against the question and returns the top
// matches. Score = 0.5·keyword overlap ratio + 0.3·linear 24h recency decay
// + 0.2·stored confidence; items at or below the floor are dropped, so a
// turn sharing no keywords can never ride in on recency alone.
func (m *HistoryManager) RelevantHistory(ctx context.Context, sessionID, question string, limit int) ([]ScoredHistoryItem, error) {
	cctx, err := m.GetContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cctx == nil || len(cctx.QuestionHistory) == 0 {
		return nil, nil
	}

	rules := m.rules.Current()
	queryKeywords := rules.ExtractKeywords(question)
	now := m.now()

	var scored []ScoredHistoryItem
	for _, item := range cctx.QuestionHistory {
		itemKeywords := rules.ExtractKeywords(item.Question + " " + item.Answer)
		overlap := overlapRatio(queryKeywords, itemKeywords)

		age := now.Sub(item.Timestamp)
		recency := 1.0 - age.Hours()/24.0
		if recency < 0 {
			recency = 0
		}

		score := 0.5*overlap + 0.3*recency + 0.2*item.Confidence
		if overlap == 0 {
			// Zero keyword overlap is an exclusion, not a weak signal.
			continue
		}
		if score <= m.relevanceFloor {
			continue
		}
		scored = append(scored, ScoredHistoryItem{Item: item, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (m *HistoryManager) createSession(ctx context.Context, sessionID string, item QuestionHistoryItem, now time.Time) (*ConversationContext, error) {
	topic := item.Topic
	if topic == "" {
		topic = GeneralTopic
	}
	row := &SessionRow{
		SessionID:      sessionID,
		CurrentTopic:   topic,
		GameContext:    topic,
		TopicStartTurn: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.InsertSession(ctx, row); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return &ConversationContext{
		SessionID:      sessionID,
		CurrentTopic:   topic,
		TopicStartTurn: 1,
		LastUpdated:    now,
	}, nil
}

// lockSession acquires the per-session mutex, creating it on first use.
func (m *HistoryManager) lockSession(sessionID string) func() {
	m.locksMu.Lock()
	mu, ok := m.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[sessionID] = mu
	}
	m.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// ForgetSessionLock drops the per-session mutex for a deleted session.
func (m *HistoryManager) ForgetSessionLock(sessionID string) {
	m.locksMu.Lock()
	delete(m.locks, sessionID)
	m.locksMu.Unlock()
}

func contextFromRows(row *SessionRow, historyRows []HistoryRow, logger zerolog.Logger) *ConversationContext {
	cctx := &ConversationContext{
		SessionID:      row.SessionID,
		UserID:         row.UserID,
		CurrentTopic:   row.CurrentTopic,
		TopicStartTurn: row.TopicStartTurn,
		LastUpdated:    row.UpdatedAt,
	}
	for _, hr := range historyRows {
		item := QuestionHistoryItem{
			ID:            hr.ID,
			TurnNumber:    hr.TurnNumber,
			Question:      hr.Question,
			Answer:        hr.Answer,
			Topic:         hr.Topic,
			Confidence:    hr.Confidence,
			WasResearched: hr.WasResearched,
			Timestamp:     hr.CreatedAt,
		}
		if len(hr.ContextAnalysis) > 0 {
			var ca ContextAnalysis
			if err := json.Unmarshal(hr.ContextAnalysis, &ca); err != nil {
				logger.Warn().Err(err).Str("id", hr.ID).Msg("dropping unreadable context analysis payload")
			} else {
				item.ContextAnalysis = &ca
			}
		}
		if len(hr.IntentAnalysis) > 0 {
			var ia IntentAnalysis
			if err := json.Unmarshal(hr.IntentAnalysis, &ia); err != nil {
				logger.Warn().Err(err).Str("id", hr.ID).Msg("dropping unreadable intent analysis payload")
			} else {
				item.IntentAnalysis = &ia
			}
		}
		cctx.QuestionHistory = append(cctx.QuestionHistory, item)
	}
	return cctx
}

func historyRowFromItem(sessionID string, item QuestionHistoryItem) (*HistoryRow, error) {
	row := &HistoryRow{
		ID:            item.ID,
		SessionID:     sessionID,
		TurnNumber:    item.TurnNumber,
		Question:      item.Question,
		Answer:        item.Answer,
		Topic:         item.Topic,
		Confidence:    item.Confidence,
		WasResearched: item.WasResearched,
		CreatedAt:     item.Timestamp,
	}
	if item.ContextAnalysis != nil {
		payload, err := json.Marshal(item.ContextAnalysis)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal context analysis: %w", err)
		}
		row.ContextAnalysis = payload
	}
	if item.IntentAnalysis != nil {
		payload, err := json.Marshal(item.IntentAnalysis)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal intent analysis: %w", err)
		}
		row.IntentAnalysis = payload
	}
	return row, nil
}

// lastItems returns up to n trailing items, oldest first.
func lastItems(items []QuestionHistoryItem, n int) []QuestionHistoryItem {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
