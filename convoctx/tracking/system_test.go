package tracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSystem(t *testing.T) (*System, *memStore, *SessionCache) {
	t.Helper()
	store := newMemStore()
	cache := NewSessionCache(100, 30*time.Minute)
	rules := NewRuleProvider(DefaultRules())
	logger := zerolog.Nop()

	history := NewHistoryManager(store, cache, rules, 0.3, 0, logger)
	sessions := NewSessionManager(store, cache, history, CleanupPolicy{}, logger)

	system := NewSystem(SystemDeps{
		History:   history,
		Analyzer:  NewContextAnalyzer(rules, 0, 0, logger),
		Intents:   NewIntentRecognizer(rules, 0, logger),
		Validator: NewConsistencyValidator(rules, logger),
		Recovery:  NewErrorRecoverySystem(rules, logger),
		Sessions:  sessions,
		Cache:     cache,
		Rules:     rules,
	}, logger)
	return system, store, cache
}

func TestSystem_AnalyzeUpdateCycle(t *testing.T) {
	system, _, _ := newTestSystem(t)
	ctx := context.Background()

	// Turn 1: nothing known about the session yet.
	analysis, err := system.AnalyzeConversation(ctx, "s1", "How many animals fit in the enclosure?", "ark nova")
	require.NoError(t, err)
	require.NotNil(t, analysis.Context)
	assert.Equal(t, "ark nova", analysis.Context.CurrentTopic)
	assert.Empty(t, analysis.Context.QuestionHistory)
	assert.Nil(t, analysis.ConsistencyCheck)
	assert.Equal(t, IntentQuestion, analysis.IntentAnalysis.PrimaryIntent)
	assert.False(t, analysis.ErrorDetection.IsCorrection)

	err = system.UpdateConversationHistory(ctx, "s1",
		"How many animals fit in the enclosure?",
		"The small enclosure holds 3 animals.",
		analysis.ContextAnalysis, analysis.IntentAnalysis, false)
	require.NoError(t, err)

	// Turn 2: a follow-up sees the first turn.
	analysis, err = system.AnalyzeConversation(ctx, "s1", "And what about a large enclosure?", "")
	require.NoError(t, err)
	require.Len(t, analysis.Context.QuestionHistory, 1)
	assert.True(t, analysis.ContextAnalysis.RelatedToHistory)
	require.NotNil(t, analysis.ConsistencyCheck)
	assert.True(t, analysis.ConsistencyCheck.IsConsistent)

	err = system.UpdateConversationHistory(ctx, "s1",
		"And what about a large enclosure?",
		"A large enclosure holds more animals.",
		analysis.ContextAnalysis, analysis.IntentAnalysis, false)
	require.NoError(t, err)

	// Turn 3: the user pushes back.
	analysis, err = system.AnalyzeConversation(ctx, "s1", "That's wrong, the enclosure holds five.", "")
	require.NoError(t, err)
	assert.Equal(t, IntentCorrection, analysis.IntentAnalysis.PrimaryIntent)
	assert.True(t, analysis.ErrorDetection.IsCorrection)
	assert.Equal(t, IntensityStrong, analysis.ErrorDetection.Intensity)
	assert.NotEmpty(t, analysis.ErrorDetection.SuggestedResponse)
}

func TestSystem_ValidateAnswer(t *testing.T) {
	system, _, _ := newTestSystem(t)
	ctx := context.Background()

	err := system.UpdateConversationHistory(ctx, "s1",
		"How many animals fit?",
		"The small enclosure holds 3 animals.",
		ContextAnalysis{CurrentTopic: "ark nova", Confidence: 0.8},
		IntentAnalysis{PrimaryIntent: IntentQuestion, Confidence: 0.6}, false)
	require.NoError(t, err)

	check, err := system.ValidateAnswer(ctx, "s1", "The small enclosure holds 5 animals.")
	require.NoError(t, err)
	assert.False(t, check.IsConsistent)
	assert.Equal(t, ErrorFactual, check.ErrorType)

	check, err = system.ValidateAnswer(ctx, "s1", "Yes, the small enclosure holds 3 animals.")
	require.NoError(t, err)
	assert.True(t, check.IsConsistent)
}

func TestSystem_UpdateSurvivesCacheLoss(t *testing.T) {
	system, _, cache := newTestSystem(t)
	ctx := context.Background()

	err := system.UpdateConversationHistory(ctx, "s1",
		"How many animals fit?",
		"Three.",
		ContextAnalysis{CurrentTopic: "ark nova", Confidence: 0.8, Keywords: []string{"animals"}},
		IntentAnalysis{PrimaryIntent: IntentQuestion, Confidence: 0.6}, true)
	require.NoError(t, err)

	cache.Clear()

	cctx, err := system.History().GetContext(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, cctx)
	require.Len(t, cctx.QuestionHistory, 1)

	item := cctx.QuestionHistory[0]
	assert.True(t, item.WasResearched)
	require.NotNil(t, item.ContextAnalysis)
	assert.Equal(t, "ark nova", item.ContextAnalysis.CurrentTopic)
	require.NotNil(t, item.IntentAnalysis)
	assert.Equal(t, IntentQuestion, item.IntentAnalysis.PrimaryIntent)
}

func TestSystem_Status(t *testing.T) {
	system, _, _ := newTestSystem(t)
	ctx := context.Background()

	_, err := system.AnalyzeConversation(ctx, "s1", "How do eggs work?", "")
	require.NoError(t, err)

	status := system.Status()
	assert.Equal(t, "builtin-1", status.RulesVersion)
	assert.Equal(t, 100, status.Cache.Capacity)
	assert.Equal(t, 1, status.Logger.TotalCycles)
	assert.Equal(t, 10, status.Policy.MaxSessionsPerUser)
}

func TestSystem_CleanupAndDestroy(t *testing.T) {
	system, store, cache := newTestSystem(t)
	ctx := context.Background()

	seedSession(t, store, "old", "u1", time.Now().Add(-8*24*time.Hour), 2)
	cache.Set("live", &ConversationContext{SessionID: "live"})

	report := system.Cleanup(ctx)
	assert.Equal(t, int64(1), report.SessionsDeleted)
	assert.Equal(t, int64(2), report.HistoryDeleted)

	system.Destroy()
	assert.Zero(t, cache.Size())
}

// Readers analyzing and validating a session while a writer appends turns
// must only ever see private context copies, never the cached object.
func TestSystem_ConcurrentAnalyzeAndUpdate(t *testing.T) {
	system, _, _ := newTestSystem(t)
	ctx := context.Background()

	const iterations = 40
	errCh := make(chan error, 2*iterations)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			analysis, err := system.AnalyzeConversation(ctx, "s1", "How many animals fit in the enclosure?", "ark nova")
			if err != nil {
				errCh <- err
				return
			}
			err = system.UpdateConversationHistory(ctx, "s1",
				"How many animals fit in the enclosure?",
				"The small enclosure holds 3 animals.",
				analysis.ContextAnalysis, analysis.IntentAnalysis, false)
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			if _, err := system.AnalyzeConversation(ctx, "s1", "And what about a large enclosure?", ""); err != nil {
				errCh <- err
				return
			}
			if _, err := system.ValidateAnswer(ctx, "s1", "The large enclosure holds 5 animals."); err != nil {
				errCh <- err
				return
			}
		}
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	cctx, err := system.History().GetContext(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, cctx.QuestionHistory, iterations)
	assert.Equal(t, iterations, cctx.QuestionHistory[iterations-1].TurnNumber)
}
