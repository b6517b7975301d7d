package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory(t *testing.T) (*HistoryManager, *memStore, *SessionCache) {
	t.Helper()
	store := newMemStore()
	cache := NewSessionCache(100, 30*time.Minute)
	rules := NewRuleProvider(DefaultRules())
	manager := NewHistoryManager(store, cache, rules, 0.3, 0, zerolog.Nop())
	return manager, store, cache
}

func TestUpdateContext_AssignsSequentialTurns(t *testing.T) {
	manager, store, _ := newTestHistory(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		item, err := manager.UpdateContext(ctx, "s1", QuestionHistoryItem{
			Question: fmt.Sprintf("Question %d about the enclosure?", i),
			Answer:   "An answer.",
			Topic:    "ark nova",
			// Deliberately wrong; the manager owns turn assignment.
			TurnNumber: 99,
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, item.TurnNumber)
		assert.Equal(t, fmt.Sprintf("s1_%d", i+1), item.ID)
	}

	rows, err := store.ListHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, i+1, row.TurnNumber)
	}
}

func TestUpdateContext_ConcurrentAppendsStayGapless(t *testing.T) {
	manager, _, _ := newTestHistory(t)
	ctx := context.Background()

	const turns = 20
	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := manager.UpdateContext(ctx, "s1", QuestionHistoryItem{
				Question: fmt.Sprintf("Concurrent question %d?", i),
				Answer:   "Answer.",
				Topic:    "ark nova",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	cctx, err := manager.GetContext(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, cctx)
	require.Len(t, cctx.QuestionHistory, turns)
	for i, item := range cctx.QuestionHistory {
		assert.Equal(t, i+1, item.TurnNumber)
	}
}

func TestUpdateContext_TopicChangeMovesStartTurn(t *testing.T) {
	manager, _, _ := newTestHistory(t)
	ctx := context.Background()

	_, err := manager.UpdateContext(ctx, "s1", QuestionHistoryItem{
		Question: "How many animals fit in the enclosure?",
		Answer:   "Up to 3.",
		Topic:    "ark nova",
	})
	require.NoError(t, err)

	_, err = manager.UpdateContext(ctx, "s1", QuestionHistoryItem{
		Question: "How do eggs work in wingspan?",
		Answer:   "Lay them on cards.",
		Topic:    "wingspan",
	})
	require.NoError(t, err)

	cctx, err := manager.GetContext(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "wingspan", cctx.CurrentTopic)
	assert.Equal(t, 2, cctx.TopicStartTurn)
}

func TestUpdateContext_FailedInsertLeavesCacheUntouched(t *testing.T) {
	manager, store, _ := newTestHistory(t)
	ctx := context.Background()

	_, err := manager.UpdateContext(ctx, "s1", QuestionHistoryItem{
		Question: "First question about the enclosure?",
		Answer:   "First answer.",
		Topic:    "ark nova",
	})
	require.NoError(t, err)

	store.failInserts = true
	_, err = manager.UpdateContext(ctx, "s1", QuestionHistoryItem{
		Question: "Second question?",
		Answer:   "Never stored.",
		Topic:    "ark nova",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errStoreDown))

	cctx, err := manager.GetContext(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, cctx.QuestionHistory, 1)
}

func TestGetContext_AbsentSessionIsNilNotError(t *testing.T) {
	manager, _, _ := newTestHistory(t)

	cctx, err := manager.GetContext(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, cctx)
}

func TestGetContext_RebuildsFromStoreAfterCacheLoss(t *testing.T) {
	manager, _, cache := newTestHistory(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := manager.UpdateContext(ctx, "s1", QuestionHistoryItem{
			Question: fmt.Sprintf("Enclosure question %d?", i),
			Answer:   "An answer.",
			Topic:    "ark nova",
		})
		require.NoError(t, err)
	}

	cache.Delete("s1")
	require.False(t, cache.Has("s1"))

	cctx, err := manager.GetContext(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, cctx)
	assert.Len(t, cctx.QuestionHistory, 2)
	assert.Equal(t, "ark nova", cctx.CurrentTopic)
	assert.True(t, cache.Has("s1"))
}

func TestRelevantHistory_ScoresAndFilters(t *testing.T) {
	manager, _, _ := newTestHistory(t)
	ctx := context.Background()
	now := time.Now()

	seed := []QuestionHistoryItem{
		{Question: "What does the enclosure hold?", Answer: "It holds 3 animals.",
			Topic: "ark nova", Confidence: 0.9, Timestamp: now.Add(-time.Minute)},
		{Question: "What is the dice probability?", Answer: "Roughly one in six.",
			Topic: GeneralTopic, Confidence: 0.9, Timestamp: now.Add(-time.Minute)},
		{Question: "Do animals share an enclosure?", Answer: "Sometimes.",
			Topic: "ark nova", Confidence: 0.2, Timestamp: now.Add(-30 * time.Hour)},
	}
	for _, item := range seed {
		_, err := manager.UpdateContext(ctx, "s1", item)
		require.NoError(t, err)
	}

	scored, err := manager.RelevantHistory(ctx, "s1", "How many animals fit in the enclosure?", 10)
	require.NoError(t, err)

	// The dice turn shares no keywords and is excluded outright; the stale
	// low-confidence turn lands under the relevance floor.
	require.Len(t, scored, 1)
	assert.Equal(t, 1, scored[0].Item.TurnNumber)
	assert.Greater(t, scored[0].Score, 0.3)
}

func TestRelevantHistory_RespectsLimit(t *testing.T) {
	manager, _, _ := newTestHistory(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := manager.UpdateContext(ctx, "s1", QuestionHistoryItem{
			Question:   fmt.Sprintf("Enclosure capacity question %d?", i),
			Answer:     "It holds animals.",
			Topic:      "ark nova",
			Confidence: 0.9,
		})
		require.NoError(t, err)
	}

	scored, err := manager.RelevantHistory(ctx, "s1", "How many animals fit in the enclosure?", 2)
	require.NoError(t, err)
	assert.Len(t, scored, 2)
}

func TestRelevantHistory_EmptySession(t *testing.T) {
	manager, _, _ := newTestHistory(t)

	scored, err := manager.RelevantHistory(context.Background(), "missing", "Anything?", 5)
	require.NoError(t, err)
	assert.Empty(t, scored)
}

func TestDetectTopicChange_KnownTopicSwitch(t *testing.T) {
	manager, _, _ := newTestHistory(t)
	cctx := contextWith(historyItem(1, "ark nova", "Enclosure question?", "Answer."))
	cctx.CurrentTopic = "ark nova"

	change := manager.DetectTopicChange("How does the robber move in catan?", cctx)
	assert.True(t, change.Changed)
	assert.Equal(t, "catan", change.NewTopic)
	assert.InDelta(t, 0.8, change.Confidence, 1e-9)
}

func TestDetectTopicChange_ZeroOverlapDrift(t *testing.T) {
	manager, _, _ := newTestHistory(t)
	cctx := contextWith(historyItem(1, GeneralTopic, "How long is a typical session?", "An hour."))
	cctx.CurrentTopic = GeneralTopic

	change := manager.DetectTopicChange("Recommend snacks for game night", cctx)
	assert.True(t, change.Changed)
	assert.Equal(t, "recommend", change.NewTopic)
	assert.InDelta(t, 0.6, change.Confidence, 1e-9)
}

func TestDetectTopicChange_Continuity(t *testing.T) {
	manager, _, _ := newTestHistory(t)
	cctx := contextWith(historyItem(1, "ark nova", "How big is the enclosure?", "Quite big."))
	cctx.CurrentTopic = "ark nova"

	change := manager.DetectTopicChange("And how many animals fit in the enclosure?", cctx)
	assert.False(t, change.Changed)
	assert.Equal(t, "ark nova", change.NewTopic)
	assert.InDelta(t, 0.9, change.Confidence, 1e-9)
}
